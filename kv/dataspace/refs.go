package dataspace

import (
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// Ref is the reference count a dataspace keeps for a string or array it hosts. Each plane that changed the count
// holds its own Ref; prev is the entry it was forked from, nil when the value became hosted in that plane.
type Ref struct {
	count   int
	plane   *Plane
	prev    *Ref
	deleted bool
}

// ref returns the visible reference entry of sh, or nil when ds does not host sh.
func (ds *Dataspace) ref(sh value.Shared) *Ref {
	o := sh.Head().Owner()
	if o.IsZero() || o.Object != ds.index {
		return nil
	}
	for p := ds.plane; p != nil; p = p.prev {
		if p.id == o.Plane {
			r := p.refs[sh]
			if r == nil {
				panic(errors.Errorf("dataspace: object %d plane %d lost the reference entry of value %d",
					ds.index, p.id, sh.Head().ID()))
			}
			return r
		}
	}
	panic(errors.Errorf("dataspace: value %d names plane %d which object %d does not have",
		sh.Head().ID(), o.Plane, ds.index))
}

// writableRef returns the entry of sh in the top plane, forking it from the visible one if needed. The top plane
// must be at the current level.
func (ds *Dataspace) writableRef(sh value.Shared) *Ref {
	r := ds.ref(sh)
	p := ds.plane
	if r.plane == p {
		return r
	}
	nr := &Ref{count: r.count, plane: p, prev: r, deleted: r.deleted}
	p.refs[sh] = nr
	sh.Head().Migrate(value.Owner{Object: ds.index, Plane: p.id})
	return nr
}

// RefCount returns the visible reference count of a value hosted by ds, and false if ds does not host it.
func (ds *Dataspace) RefCount(sh value.Shared) (int, bool) {
	r := ds.ref(sh)
	if r == nil || r.deleted {
		return 0, false
	}
	return r.count, true
}

// ImportCount returns how many references ds holds to a value hosted by another dataspace.
func (ds *Dataspace) ImportCount(sh value.Shared) int {
	n := 0
	for p := ds.plane; p != nil; p = p.prev {
		n += p.importDeltas[sh]
	}
	return n
}

// Imports returns the total number of references ds holds to values hosted elsewhere.
func (ds *Dataspace) Imports() int {
	return ds.plane.imports
}

// reference counts one more reference from ds to v. An unhosted value becomes hosted by ds; a value hosted by
// another dataspace is counted as an import.
func (ds *Dataspace) reference(v value.Value) {
	sh := v.Shared()
	if sh == nil {
		return
	}
	o := sh.Head().Owner()
	switch {
	case o.IsZero():
		ds.adopt(sh, 1)
	case o.Object == ds.index:
		r := ds.writableRef(sh)
		r.count++
		ds.plane.refOnly = true
		if r.deleted {
			r.deleted = false
			ds.plane.change(sh)
			ds.referenceElements(sh)
		}
	default:
		ds.importRef(sh, 1)
	}
}

// release drops one reference from ds to v. A hosted value whose count reaches zero releases its elements; at
// level 0 it stops being hosted.
func (ds *Dataspace) release(v value.Value) {
	sh := v.Shared()
	if sh == nil {
		return
	}
	o := sh.Head().Owner()
	if o.IsZero() || o.Object != ds.index {
		if ds.ImportCount(sh) > 0 {
			ds.importRef(sh, -1)
		}
		return
	}
	r := ds.writableRef(sh)
	if r.count <= 0 {
		panic(errors.Errorf("dataspace: object %d releases value %d with count %d", ds.index, sh.Head().ID(), r.count))
	}
	r.count--
	ds.plane.refOnly = true
	if r.count > 0 {
		return
	}
	r.deleted = true
	ds.plane.change(sh)
	ds.releaseElements(sh)
	if ds.plane.level == 0 && r.count == 0 {
		delete(ds.plane.refs, sh)
		sh.Head().Migrate(value.Owner{})
	}
}

// adopt makes ds the host of the unhosted value sh with count references, folding in any import ds already
// counted for it.
func (ds *Dataspace) adopt(sh value.Shared, count int) {
	p := ds.plane
	if n := ds.ImportCount(sh); n > 0 {
		ds.importRef(sh, -n)
		count += n
	}
	p.refs[sh] = &Ref{count: count, plane: p}
	sh.Head().Migrate(value.Owner{Object: ds.index, Plane: p.id})
	p.change(sh)
	p.refOnly = true
	ds.referenceElements(sh)
}

func (ds *Dataspace) importRef(sh value.Shared, delta int) {
	p := ds.plane
	p.addImport(sh, delta)
	p.imports += delta
	if delta > 0 {
		ds.m.linkImporter(ds)
	}
}

func (ds *Dataspace) referenceElements(sh value.Shared) {
	if arr, ok := sh.(*value.Array); ok {
		arr.PageIn()
		for _, e := range arr.Elts {
			ds.reference(e)
		}
	}
}

func (ds *Dataspace) releaseElements(sh value.Shared) {
	if arr, ok := sh.(*value.Array); ok {
		arr.PageIn()
		for _, e := range arr.Elts {
			ds.release(e)
		}
	}
}
