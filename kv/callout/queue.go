// Package callout keeps the process-wide queue of scheduled callouts ordered by fire time, and the per-object
// callout resource accounting.
package callout

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Entry is one scheduled callout.
type Entry struct {
	Object uint32
	Handle uint32
	Time   uint64
	MTime  uint16
}

func (e Entry) Less(than btree.Item) bool {
	o := than.(Entry)
	switch {
	case e.Time != o.Time:
		return e.Time < o.Time
	case e.MTime != o.MTime:
		return e.MTime < o.MTime
	case e.Object != o.Object:
		return e.Object < o.Object
	}
	return e.Handle < o.Handle
}

const queueDegree = 32

// Clock returns the current time in seconds and milliseconds.
type Clock func() (uint64, uint16)

func SystemClock() (uint64, uint16) {
	now := time.Now()
	return uint64(now.Unix()), uint16(now.Nanosecond() / int(time.Millisecond))
}

// Queue orders callouts by fire time. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	clock   Clock
	tree    *btree.BTree
	charges map[uint32]int
}

func NewQueue(clock Clock) *Queue {
	if clock == nil {
		clock = SystemClock
	}
	return &Queue{
		clock:   clock,
		tree:    btree.New(queueDegree),
		charges: make(map[uint32]int),
	}
}

func (q *Queue) Now() (uint64, uint16) {
	return q.clock()
}

func (q *Queue) Schedule(obj, handle uint32, t uint64, m uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.ReplaceOrInsert(Entry{Object: obj, Handle: handle, Time: t, MTime: m})
}

func (q *Queue) Cancel(obj, handle uint32, t uint64, m uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.Delete(Entry{Object: obj, Handle: handle, Time: t, MTime: m})
}

// Charge adjusts the number of callouts accounted to obj.
func (q *Queue) Charge(obj uint32, delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.charges[obj] += delta
	if q.charges[obj] == 0 {
		delete(q.charges, obj)
	}
}

func (q *Queue) Charged(obj uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.charges[obj]
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// Contains reports whether obj has a callout with handle scheduled, and when it fires.
func (q *Queue) Contains(obj, handle uint32) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var found Entry
	ok := false
	q.tree.Ascend(func(i btree.Item) bool {
		e := i.(Entry)
		if e.Object == obj && e.Handle == handle {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// Due removes and returns every callout whose fire time is not after now, earliest first.
func (q *Queue) Due() []Entry {
	t, m := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Entry
	for q.tree.Len() > 0 {
		e := q.tree.Min().(Entry)
		if e.Time > t || (e.Time == t && e.MTime > m) {
			break
		}
		q.tree.DeleteMin()
		due = append(due, e)
	}
	return due
}

// Entries returns every scheduled callout in fire order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry, 0, q.tree.Len())
	q.tree.Ascend(func(i btree.Item) bool {
		entries = append(entries, i.(Entry))
		return true
	})
	return entries
}
