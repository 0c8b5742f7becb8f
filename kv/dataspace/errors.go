package dataspace

import "github.com/pingcap/errors"

var (
	// ErrLevelNotOpen is returned when committing or discarding a level that is not the innermost open level.
	ErrLevelNotOpen = errors.New("dataspace: nesting level is not open")
	// ErrLevelOrder is returned when a plane would be opened out of level order.
	ErrLevelOrder = errors.New("dataspace: plane opened out of level order")
	// ErrDataspaceDestroyed is returned for any operation on a destroyed or swapped out dataspace.
	ErrDataspaceDestroyed = errors.New("dataspace: dataspace no longer exists")
	ErrNotLevelZero       = errors.New("dataspace: operation requires nesting level 0")
	ErrExists             = errors.New("dataspace: dataspace already exists")
	ErrBadIndex           = errors.New("dataspace: index out of range")
	ErrNoSuchCallout      = errors.New("dataspace: no such callout")
	ErrUnknownProgram     = errors.New("dataspace: unknown program")
	ErrCorruptRecord      = errors.New("dataspace: corrupt record")
)
