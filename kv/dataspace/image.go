package dataspace

import (
	"bytes"
	"math"
	"sort"

	"github.com/pingcap-incubator/tinyobj/kv/util/codec"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// Dataspace record payload, all integers big-endian:
//
//	header     magic "DSPC", version u16, flags u16, object u32, program u32, program version u32,
//	           nvars u32, narrays u32, nelts u32, nstrings u32, ntext u32, ncallouts u32,
//	           offsets of the variable, array, element, string, text and callout sections u32 each
//	variables  nvars value entries
//	arrays     narrays entries: kind u8, size u32, first element u32, reference count u32
//	elements   nelts value entries, the elements of every array in order
//	strings    nstrings entries: text offset u32, length u32, reference count u32
//	text       ntext bytes of string and function name text
//	callouts   ncallouts slot entries: handle u32 (0 for a free slot), time u64, mtime u16, nargs u16,
//	           function text offset u32, function length u32, 3 value entries
//
// A value entry is kind u8, a u32, b u64. Strings and arrays store their table index in a; objects store their
// index in a and creation count in b; ints and floats store their bits in b.
var imageMagic = []byte("DSPC")

const (
	imageVersion    = 1
	imageHeaderSize = 4 + 2 + 2 + 4*9 + 4*6
	valueEntrySize  = 1 + 4 + 8
	arrayEntrySize  = 1 + 4 + 4 + 4
	stringEntrySize = 4 + 4 + 4
	calloutSize     = 4 + 8 + 2 + 2 + 4 + 4 + calloutArgs*valueEntrySize
)

type imageHeader struct {
	object    uint32
	program   uint32
	version   uint32
	nvars     uint32
	narrays   uint32
	nelts     uint32
	nstrings  uint32
	ntext     uint32
	ncallouts uint32

	offVars     uint32
	offArrays   uint32
	offElts     uint32
	offStrings  uint32
	offText     uint32
	offCallouts uint32
}

type encoder struct {
	ds     *Dataspace
	arrays []*value.Array
	arrIdx map[*value.Array]uint32
	strs   []*value.String
	strIdx map[*value.String]uint32
	queue  []*value.Array
	err    error
}

func (e *encoder) note(v value.Value) {
	sh := v.Shared()
	if sh == nil || e.err != nil {
		return
	}
	if o := sh.Head().Owner(); o.IsZero() || o.Object != e.ds.index {
		e.err = errors.Errorf("dataspace: object %d holds value %d hosted by %d", e.ds.index, sh.Head().ID(), o.Object)
		return
	}
	switch sh := sh.(type) {
	case *value.String:
		if _, ok := e.strIdx[sh]; !ok {
			e.strIdx[sh] = uint32(len(e.strs))
			e.strs = append(e.strs, sh)
		}
	case *value.Array:
		if _, ok := e.arrIdx[sh]; !ok {
			e.arrIdx[sh] = uint32(len(e.arrays))
			e.arrays = append(e.arrays, sh)
			e.queue = append(e.queue, sh)
		}
	}
}

func (e *encoder) drain() {
	for len(e.queue) > 0 {
		arr := e.queue[0]
		e.queue = e.queue[1:]
		arr.PageIn()
		for _, v := range arr.Elts {
			e.note(v)
		}
	}
}

func (e *encoder) putValue(w *codec.Writer, v value.Value) {
	var a uint32
	var b uint64
	switch v.Kind {
	case value.KindInt:
		b = uint64(v.Int)
	case value.KindFloat:
		b = math.Float64bits(v.Float)
	case value.KindString:
		a = e.strIdx[v.Str]
	case value.KindObject:
		a, b = v.Obj.Index, uint64(v.Obj.Count)
	case value.KindArray, value.KindMapping, value.KindLWObject:
		a = e.arrIdx[v.Arr]
	}
	w.PutUint8(uint8(v.Kind))
	w.PutUint32(a)
	w.PutUint64(b)
}

// encode serializes the level 0 state of ds. Every value ds holds must be hosted by ds.
func (ds *Dataspace) encode() ([]byte, error) {
	ds.pageAll()
	vars := ds.vars()
	e := &encoder{
		ds:     ds,
		arrIdx: make(map[*value.Array]uint32),
		strIdx: make(map[*value.String]uint32),
	}
	for _, v := range vars {
		e.note(v)
	}
	for i := range ds.callouts {
		c := &ds.callouts[i]
		if c.Handle != 0 {
			for _, v := range c.values() {
				e.note(v)
			}
		}
	}
	e.drain()
	for _, sh := range sortedRefs(ds.base.refs) {
		switch sh := sh.(type) {
		case *value.String:
			e.note(value.StringValue(sh))
		case *value.Array:
			e.note(value.ArrayValue(sh))
		}
		e.drain()
	}
	if e.err != nil {
		return nil, e.err
	}

	var text bytes.Buffer
	strOff := make([]uint32, len(e.strs))
	for i, s := range e.strs {
		strOff[i] = uint32(text.Len())
		text.WriteString(s.Text)
	}
	funcOff := make([]uint32, len(ds.callouts))
	for i, c := range ds.callouts {
		if c.Handle != 0 {
			funcOff[i] = uint32(text.Len())
			text.WriteString(c.Func)
		}
	}
	nelts := 0
	for _, arr := range e.arrays {
		nelts += len(arr.Elts)
	}

	h := imageHeader{
		object:    ds.index,
		program:   ds.prog.Index,
		version:   ds.prog.Version,
		nvars:     uint32(len(vars)),
		narrays:   uint32(len(e.arrays)),
		nelts:     uint32(nelts),
		nstrings:  uint32(len(e.strs)),
		ntext:     uint32(text.Len()),
		ncallouts: uint32(len(ds.callouts)),
	}
	h.offVars = imageHeaderSize
	h.offArrays = h.offVars + h.nvars*valueEntrySize
	h.offElts = h.offArrays + h.narrays*arrayEntrySize
	h.offStrings = h.offElts + h.nelts*valueEntrySize
	h.offText = h.offStrings + h.nstrings*stringEntrySize
	h.offCallouts = h.offText + h.ntext

	w := codec.NewWriter(int(h.offCallouts + h.ncallouts*calloutSize))
	w.PutBytes(imageMagic)
	w.PutUint16(imageVersion)
	w.PutUint16(0)
	for _, f := range []uint32{h.object, h.program, h.version, h.nvars, h.narrays, h.nelts, h.nstrings, h.ntext,
		h.ncallouts, h.offVars, h.offArrays, h.offElts, h.offStrings, h.offText, h.offCallouts} {
		w.PutUint32(f)
	}
	for _, v := range vars {
		e.putValue(w, v)
	}
	elt := uint32(0)
	for _, arr := range e.arrays {
		w.PutUint8(uint8(arr.Kind))
		w.PutUint32(uint32(len(arr.Elts)))
		w.PutUint32(elt)
		w.PutUint32(uint32(ds.base.refs[arr].count))
		elt += uint32(len(arr.Elts))
	}
	for _, arr := range e.arrays {
		for _, v := range arr.Elts {
			e.putValue(w, v)
		}
	}
	for i, s := range e.strs {
		w.PutUint32(strOff[i])
		w.PutUint32(uint32(len(s.Text)))
		w.PutUint32(uint32(ds.base.refs[s].count))
	}
	w.PutBytes(text.Bytes())
	for i, c := range ds.callouts {
		w.PutUint32(c.Handle)
		w.PutUint64(c.Time)
		w.PutUint16(c.MTime)
		w.PutUint16(uint16(c.NArgs))
		w.PutUint32(funcOff[i])
		w.PutUint32(uint32(len(c.Func)))
		for _, v := range c.Args {
			e.putValue(w, v)
		}
	}
	return w.Bytes(), nil
}

// image is a stored record whose contents are decoded on demand. The header and the array, string and callout
// tables are validated when the record is opened; value entries are checked as they are decoded.
type image struct {
	ds     *Dataspace
	buf    []byte
	h      imageHeader
	arrays []*value.Array
	strs   []*value.String
}

func corrupt(format string, args ...interface{}) error {
	return errors.Annotatef(ErrCorruptRecord, format, args...)
}

func within(off, n, size uint32, total int) bool {
	return uint64(off)+uint64(n)*uint64(size) <= uint64(total)
}

func openImage(buf []byte) (*image, error) {
	r := codec.NewReader(buf)
	if !bytes.Equal(r.Bytes(len(imageMagic)), imageMagic) {
		return nil, corrupt("bad magic")
	}
	if v := r.Uint16(); v != imageVersion {
		return nil, corrupt("unsupported version %d", v)
	}
	r.Uint16()
	var h imageHeader
	for _, f := range []*uint32{&h.object, &h.program, &h.version, &h.nvars, &h.narrays, &h.nelts, &h.nstrings,
		&h.ntext, &h.ncallouts, &h.offVars, &h.offArrays, &h.offElts, &h.offStrings, &h.offText, &h.offCallouts} {
		*f = r.Uint32()
	}
	if r.Err() != nil {
		return nil, corrupt("header: %v", r.Err())
	}
	sections := []struct {
		name      string
		off, n, s uint32
	}{
		{"variables", h.offVars, h.nvars, valueEntrySize},
		{"arrays", h.offArrays, h.narrays, arrayEntrySize},
		{"elements", h.offElts, h.nelts, valueEntrySize},
		{"strings", h.offStrings, h.nstrings, stringEntrySize},
		{"text", h.offText, h.ntext, 1},
		{"callouts", h.offCallouts, h.ncallouts, calloutSize},
	}
	for _, s := range sections {
		if s.off < imageHeaderSize || !within(s.off, s.n, s.s, len(buf)) {
			return nil, corrupt("%s section %d+%d*%d outside record of %d bytes", s.name, s.off, s.n, s.s, len(buf))
		}
	}
	img := &image{
		buf:    buf,
		h:      h,
		arrays: make([]*value.Array, h.narrays),
		strs:   make([]*value.String, h.nstrings),
	}
	for i := uint32(0); i < h.narrays; i++ {
		kind, size, elt, ref := img.arrayEntry(i)
		if !kind.IsArray() || uint64(elt)+uint64(size) > uint64(h.nelts) || ref == 0 {
			return nil, corrupt("array %d: kind %s, elements %d+%d of %d, count %d", i, kind, elt, size, h.nelts, ref)
		}
	}
	for i := uint32(0); i < h.nstrings; i++ {
		off, n, ref := img.stringEntry(i)
		if uint64(off)+uint64(n) > uint64(h.ntext) || ref == 0 {
			return nil, corrupt("string %d: text %d+%d of %d, count %d", i, off, n, h.ntext, ref)
		}
	}
	for i := uint32(0); i < h.ncallouts; i++ {
		r.Seek(int(h.offCallouts + i*calloutSize))
		handle := r.Uint32()
		r.Uint64()
		r.Uint16()
		nargs := r.Uint16()
		off, n := r.Uint32(), r.Uint32()
		if handle != 0 && (handle != i+1 || uint64(off)+uint64(n) > uint64(h.ntext) || n == 0) {
			return nil, corrupt("callout slot %d: handle %d, function %d+%d of %d", i, handle, off, n, h.ntext)
		}
		if handle == 0 && nargs != 0 {
			return nil, corrupt("free callout slot %d has %d arguments", i, nargs)
		}
	}
	if r.Err() != nil {
		return nil, corrupt("%v", r.Err())
	}
	return img, nil
}

func (img *image) reader(off uint32) *codec.Reader {
	r := codec.NewReader(img.buf)
	r.Seek(int(off))
	return r
}

func (img *image) arrayEntry(i uint32) (kind value.Kind, size, elt, ref uint32) {
	r := img.reader(img.h.offArrays + i*arrayEntrySize)
	return value.Kind(r.Uint8()), r.Uint32(), r.Uint32(), r.Uint32()
}

func (img *image) stringEntry(i uint32) (off, n, ref uint32) {
	r := img.reader(img.h.offStrings + i*stringEntrySize)
	return r.Uint32(), r.Uint32(), r.Uint32()
}

func (img *image) text(off, n uint32) string {
	start := img.h.offText + off
	return string(img.buf[start : start+n])
}

// host registers a value materialized from the record in the base reference table.
func (img *image) host(sh value.Shared, count uint32) {
	ds := img.ds
	ds.base.refs[sh] = &Ref{count: int(count), plane: ds.base}
	sh.Head().Migrate(value.Owner{Object: ds.index, Plane: ds.base.id})
}

func (img *image) array(i uint32) *value.Array {
	if i >= img.h.narrays {
		panic(corrupt("object %d: array index %d of %d", img.ds.index, i, img.h.narrays))
	}
	if a := img.arrays[i]; a != nil {
		return a
	}
	kind, size, elt, ref := img.arrayEntry(i)
	start := img.h.offElts + elt*valueEntrySize
	a := value.NewPagedArray(kind, func() []value.Value {
		elts := make([]value.Value, size)
		for j := range elts {
			elts[j] = img.value(start + uint32(j)*valueEntrySize)
		}
		return elts
	})
	img.arrays[i] = a
	img.host(a, ref)
	return a
}

func (img *image) string(i uint32) *value.String {
	if i >= img.h.nstrings {
		panic(corrupt("object %d: string index %d of %d", img.ds.index, i, img.h.nstrings))
	}
	if s := img.strs[i]; s != nil {
		return s
	}
	off, n, ref := img.stringEntry(i)
	s := value.NewString(img.text(off, n))
	img.strs[i] = s
	img.host(s, ref)
	return s
}

// value decodes the value entry at off. A malformed entry means the record is corrupt; there is no way to
// continue with a partially decoded dataspace, so it panics with ErrCorruptRecord.
func (img *image) value(off uint32) value.Value {
	r := img.reader(off)
	kind := value.Kind(r.Uint8())
	a := r.Uint32()
	b := r.Uint64()
	if r.Err() != nil {
		panic(corrupt("object %d: value at %d: %v", img.ds.index, off, r.Err()))
	}
	switch kind {
	case value.KindNil:
		return value.Nil
	case value.KindInt:
		return value.NewInt(int64(b))
	case value.KindFloat:
		return value.NewFloat(math.Float64frombits(b))
	case value.KindString:
		return value.StringValue(img.string(a))
	case value.KindObject:
		return value.NewObject(value.ObjectRef{Index: a, Count: uint32(b)})
	case value.KindArray, value.KindMapping, value.KindLWObject:
		arr := img.array(a)
		if arr.Kind != kind {
			panic(corrupt("object %d: %s value names %s %d", img.ds.index, kind, arr.Kind, a))
		}
		return value.ArrayValue(arr)
	}
	panic(corrupt("object %d: value at %d has kind %d", img.ds.index, off, kind))
}

func (img *image) variables() []value.Value {
	vars := make([]value.Value, img.h.nvars)
	for i := range vars {
		vars[i] = img.value(img.h.offVars + uint32(i)*valueEntrySize)
	}
	return vars
}

func (img *image) callouts() ([]Callout, []uint32) {
	table := make([]Callout, img.h.ncallouts)
	var free []uint32
	for i := range table {
		off := img.h.offCallouts + uint32(i)*calloutSize
		r := img.reader(off)
		c := Callout{Handle: r.Uint32(), Time: r.Uint64(), MTime: r.Uint16(), NArgs: int(r.Uint16())}
		fnOff, fnLen := r.Uint32(), r.Uint32()
		if c.Handle == 0 {
			free = append(free, uint32(i+1))
			continue
		}
		c.Func = img.text(fnOff, fnLen)
		args := off + 4 + 8 + 2 + 2 + 4 + 4
		for j := range c.Args {
			c.Args[j] = img.value(args + uint32(j)*valueEntrySize)
		}
		table[i] = c
	}
	// Pop lower handles first.
	sort.Slice(free, func(i, j int) bool { return free[i] > free[j] })
	return table, free
}

// pageAll decodes whatever part of the record ds was loaded from is still pending, and drops the record.
func (ds *Dataspace) pageAll() {
	img := ds.img
	if img == nil {
		return
	}
	ds.vars()
	ds.calloutTable()
	for i := uint32(0); i < img.h.narrays; i++ {
		img.array(i).PageIn()
	}
	for i := uint32(0); i < img.h.nstrings; i++ {
		img.string(i)
	}
	ds.img = nil
}
