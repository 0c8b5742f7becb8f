// Package swap is the block store beneath object dataspaces. It keeps two kinds of records, dataspaces and control
// blocks, each framed as a whole number of sectors and optionally compressed.
package swap

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Kind is the record kind.
type Kind uint8

const (
	KindDataspace Kind = iota
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindDataspace:
		return "dataspace"
	case KindControl:
		return "control"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ErrNotFound is returned by Get when no record exists.
var ErrNotFound = errors.New("swap: record not found")

// Store persists framed records. Implementations are safe for concurrent use.
type Store interface {
	Get(kind Kind, id uint32) ([]byte, error)
	Put(kind Kind, id uint32, record []byte) error
	Delete(kind Kind, id uint32) error
	// IDs lists the ids of every record of kind in ascending order.
	IDs(kind Kind) ([]uint32, error)
	Close() error
}

// Batcher is implemented by stores that can apply several writes of one kind atomically. A nil record deletes.
type Batcher interface {
	WriteBatch(kind Kind, records map[uint32][]byte) error
}
