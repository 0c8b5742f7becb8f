package value

import (
	"fmt"
	"math"
	"strings"

	"github.com/uber-go/atomic"
)

// Kind identifies what a Value holds.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindString
	KindObject
	KindArray
	KindMapping
	KindLWObject
)

var kindNames = [...]string{"nil", "int", "float", "string", "object", "array", "mapping", "lwobject"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsArray reports whether values of this kind are backed by an *Array.
func (k Kind) IsArray() bool {
	return k == KindArray || k == KindMapping || k == KindLWObject
}

// ObjectRef names an object by its slot index and the creation count of the object occupying that slot. A
// reference outlives the object it names; liveness is decided by the object table.
type ObjectRef struct {
	Index uint32
	Count uint32
}

// Value is a single slot of object state: a variable, an array element or a callout argument. Strings and arrays
// are shared by pointer.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Obj   ObjectRef
	Str   *String
	Arr   *Array
}

// Nil is the zero Value.
var Nil = Value{}

func NewInt(i int64) Value {
	return Value{Kind: KindInt, Int: i}
}

func NewFloat(f float64) Value {
	return Value{Kind: KindFloat, Float: f}
}

func NewObject(ref ObjectRef) Value {
	return Value{Kind: KindObject, Obj: ref}
}

func StringValue(s *String) Value {
	if s == nil {
		return Nil
	}
	return Value{Kind: KindString, Str: s}
}

func ArrayValue(a *Array) Value {
	if a == nil {
		return Nil
	}
	return Value{Kind: a.Kind, Arr: a}
}

// Shared returns the string or array behind v, or nil for scalars.
func (v Value) Shared() Shared {
	switch {
	case v.Kind == KindString && v.Str != nil:
		return v.Str
	case v.Kind.IsArray() && v.Arr != nil:
		return v.Arr
	}
	return nil
}

// Same reports whether v and o are the same value. Strings and arrays compare by identity.
func (v Value) Same(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNil:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return math.Float64bits(v.Float) == math.Float64bits(o.Float)
	case KindString:
		return v.Str == o.Str
	case KindObject:
		return v.Obj == o.Obj
	default:
		return v.Arr == o.Arr
	}
}

func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb, map[*Array]bool{})
	return sb.String()
}

func (v Value) format(sb *strings.Builder, seen map[*Array]bool) {
	switch v.Kind {
	case KindNil:
		sb.WriteString("nil")
	case KindInt:
		fmt.Fprintf(sb, "%d", v.Int)
	case KindFloat:
		fmt.Fprintf(sb, "%g", v.Float)
	case KindString:
		fmt.Fprintf(sb, "%q", v.Str.Text)
	case KindObject:
		fmt.Fprintf(sb, "<%d#%d>", v.Obj.Index, v.Obj.Count)
	default:
		if seen[v.Arr] {
			sb.WriteString("<cycle>")
			return
		}
		seen[v.Arr] = true
		open, close := "({", "})"
		switch v.Kind {
		case KindMapping:
			open, close = "([", "])"
		case KindLWObject:
			open, close = "<[", "]>"
		}
		sb.WriteString(open)
		if !v.Arr.PagedIn() {
			sb.WriteString("...")
		}
		for i, e := range v.Arr.Elts {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.format(sb, seen)
		}
		sb.WriteString(close)
		delete(seen, v.Arr)
	}
}

// Owner is the ownership token of a shared string or array: the object whose dataspace hosts it and the plane whose
// reference table holds its authoritative reference count. The zero Owner means the value is not hosted anywhere.
type Owner struct {
	Object uint32
	Plane  uint64
}

func (o Owner) IsZero() bool {
	return o == Owner{}
}

var lastID = atomic.NewUint64(0)

// Header is embedded in every shared value. It stores the ownership token once; every other holder keeps a plain
// pointer and may compare generations to notice that the token moved.
type Header struct {
	id    uint64
	owner Owner
	gen   uint32
}

func newHeader() Header {
	return Header{id: lastID.Inc()}
}

// ID is a process-unique creation sequence number, used for deterministic ordering.
func (h *Header) ID() uint64 { return h.id }

func (h *Header) Owner() Owner { return h.owner }

func (h *Header) Generation() uint32 { return h.gen }

// Migrate rewrites the ownership token and bumps the generation.
func (h *Header) Migrate(o Owner) {
	h.owner = o
	h.gen++
}

// Shared is implemented by *String and *Array.
type Shared interface {
	Head() *Header
}

// String is an immutable, shared text value.
type String struct {
	Header
	Text string
}

func NewString(text string) *String {
	return &String{Header: newHeader(), Text: text}
}

func (s *String) Head() *Header { return &s.Header }

// Array backs arrays, mappings and light-weight objects. Mappings keep key/value pairs in consecutive elements;
// element 0 of a light-weight object is a reference to its class object.
//
// Elements loaded from a stored record may be paged in lazily; callers that read Elts directly must call PageIn
// first.
type Array struct {
	Header
	Kind  Kind
	Elts  []Value
	pager func() []Value
}

func NewArray(elts []Value) *Array {
	return newArray(KindArray, elts)
}

// NewMapping builds a mapping from alternating keys and values.
func NewMapping(pairs []Value) *Array {
	if len(pairs)%2 != 0 {
		panic("value: odd number of mapping elements")
	}
	return newArray(KindMapping, pairs)
}

// NewLWObject builds a light-weight object of class master with the given variables.
func NewLWObject(master ObjectRef, vars []Value) *Array {
	elts := make([]Value, 0, len(vars)+1)
	elts = append(elts, NewObject(master))
	elts = append(elts, vars...)
	return newArray(KindLWObject, elts)
}

func newArray(kind Kind, elts []Value) *Array {
	return &Array{Header: newHeader(), Kind: kind, Elts: elts}
}

// NewPagedArray returns an array whose size elements are produced by pager on first access.
func NewPagedArray(kind Kind, pager func() []Value) *Array {
	a := newArray(kind, nil)
	a.pager = pager
	return a
}

func (a *Array) Head() *Header { return &a.Header }

func (a *Array) PagedIn() bool { return a.pager == nil }

// PageIn makes Elts valid.
func (a *Array) PageIn() {
	if a.pager != nil {
		pager := a.pager
		a.pager = nil
		a.Elts = pager()
	}
}

// Clone returns an unhosted copy of a with the same kind and elements.
func (a *Array) Clone() *Array {
	a.PageIn()
	return newArray(a.Kind, append([]Value(nil), a.Elts...))
}

// Len returns the element count, paging the array in if necessary.
func (a *Array) Len() int {
	a.PageIn()
	return len(a.Elts)
}
