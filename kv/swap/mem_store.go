package swap

import (
	"sync"

	"github.com/google/btree"
)

// MemStore is a Store backed by memory. Data is not written to disk. It is intended for testing and for tools that
// build a store image before writing it out.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

const memStoreDegree = 32

type memItem struct {
	kind   Kind
	id     uint32
	record []byte
}

func (it *memItem) Less(than btree.Item) bool {
	o := than.(*memItem)
	if it.kind != o.kind {
		return it.kind < o.kind
	}
	return it.id < o.id
}

func NewMemStore() *MemStore {
	return &MemStore{tree: btree.New(memStoreDegree)}
}

func (s *MemStore) Get(kind Kind, id uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(&memItem{kind: kind, id: id})
	if item == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.(*memItem).record...), nil
}

func (s *MemStore) Put(kind Kind, id uint32, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(&memItem{kind: kind, id: id, record: append([]byte(nil), record...)})
	return nil
}

func (s *MemStore) Delete(kind Kind, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(&memItem{kind: kind, id: id})
	return nil
}

func (s *MemStore) IDs(kind Kind) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uint32
	s.tree.AscendGreaterOrEqual(&memItem{kind: kind}, func(i btree.Item) bool {
		item := i.(*memItem)
		if item.kind != kind {
			return false
		}
		ids = append(ids, item.id)
		return true
	})
	return ids, nil
}

func (s *MemStore) WriteBatch(kind Kind, records map[uint32][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range records {
		if rec == nil {
			s.tree.Delete(&memItem{kind: kind, id: id})
		} else {
			s.tree.ReplaceOrInsert(&memItem{kind: kind, id: id, record: append([]byte(nil), rec...)})
		}
	}
	return nil
}

// Len returns the number of records of all kinds.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemStore) Close() error {
	return nil
}
