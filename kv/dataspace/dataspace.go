package dataspace

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/program"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// Dataspace is the mutable state of one object: its variables, the strings and arrays it hosts, and its callouts.
type Dataspace struct {
	m     *Manager
	index uint32
	prog  *program.Program

	base  *Plane
	plane *Plane

	variables  []value.Value
	varsLoaded bool

	callouts       []Callout
	free           []uint32
	ncallouts      int
	calloutsLoaded bool

	// img is the stored record ds was loaded from, while parts of it have not been decoded yet.
	img *image

	dirty     bool
	destroyed bool
	importing bool
}

func newDataspace(m *Manager, index uint32, prog *program.Program) *Dataspace {
	ds := &Dataspace{m: m, index: index, prog: prog}
	m.lastPlane++
	ds.base = newPlane(m.lastPlane, 0, ds, nil)
	ds.plane = ds.base
	return ds
}

func (ds *Dataspace) Index() uint32 { return ds.index }

func (ds *Dataspace) Program() *program.Program { return ds.prog }

// Plane returns the top of the plane stack.
func (ds *Dataspace) Plane() *Plane { return ds.plane }

// Dirty reports whether ds changed since it was last saved.
func (ds *Dataspace) Dirty() bool { return ds.dirty }

func (ds *Dataspace) Destroyed() bool { return ds.destroyed }

// Changes returns the number of string and array hosting changes visible in the top plane.
func (ds *Dataspace) Changes() (strings, arrays int) {
	return ds.plane.schange, ds.plane.achange
}

// touch makes sure the top plane is at the current nesting level before a modification.
func (ds *Dataspace) touch() {
	if ds.plane.level < ds.m.level {
		ds.m.openPlane(ds, ds.m.level)
	}
}

func (ds *Dataspace) check() error {
	if ds.destroyed {
		return errors.Annotatef(ErrDataspaceDestroyed, "object %d", ds.index)
	}
	return nil
}

func (ds *Dataspace) vars() []value.Value {
	if !ds.varsLoaded {
		if ds.img != nil {
			ds.variables = ds.img.variables()
		} else {
			ds.variables = ds.prog.InitialVariables()
		}
		ds.varsLoaded = true
	}
	return ds.variables
}

// normalize turns a reference to a destructed object, or a light-weight object whose class is gone, into nil.
func (ds *Dataspace) normalize(v value.Value) value.Value {
	switch v.Kind {
	case value.KindObject:
		if !ds.m.alive(v.Obj) {
			return value.Nil
		}
	case value.KindLWObject:
		v.Arr.PageIn()
		if len(v.Arr.Elts) > 0 && v.Arr.Elts[0].Kind == value.KindObject && !ds.m.alive(v.Arr.Elts[0].Obj) {
			return value.Nil
		}
	}
	return v
}

// NumVariables returns the size of the variable vector.
func (ds *Dataspace) NumVariables() int {
	return len(ds.prog.Variables)
}

// GetVariable reads variable i.
func (ds *Dataspace) GetVariable(i int) (value.Value, error) {
	if err := ds.check(); err != nil {
		return value.Nil, err
	}
	vars := ds.vars()
	if i < 0 || i >= len(vars) {
		return value.Nil, errors.Annotatef(ErrBadIndex, "object %d variable %d of %d", ds.index, i, len(vars))
	}
	return ds.normalize(vars[i]), nil
}

// AssignVariable stores v in variable i.
func (ds *Dataspace) AssignVariable(i int, v value.Value) error {
	if err := ds.check(); err != nil {
		return err
	}
	vars := ds.vars()
	if i < 0 || i >= len(vars) {
		return errors.Annotatef(ErrBadIndex, "object %d variable %d of %d", ds.index, i, len(vars))
	}
	ds.touch()
	ds.plane.backupVariables(vars)
	ds.reference(v)
	ds.release(vars[i])
	vars[i] = v
	ds.dirty = true
	return nil
}

// GetElement reads element i of arr.
func (ds *Dataspace) GetElement(arr *value.Array, i int) (value.Value, error) {
	if err := ds.check(); err != nil {
		return value.Nil, err
	}
	arr.PageIn()
	if i < 0 || i >= len(arr.Elts) {
		return value.Nil, errors.Annotatef(ErrBadIndex, "element %d of %d", i, len(arr.Elts))
	}
	return ds.normalize(arr.Elts[i]), nil
}

// AssignElement stores v in element i of arr. The change is recorded by the dataspace that hosts arr, which need
// not be ds. Reference counts of an array nobody hosts are not kept, but its contents are still restored if the
// level is discarded.
func (ds *Dataspace) AssignElement(arr *value.Array, i int, v value.Value) error {
	if err := ds.check(); err != nil {
		return err
	}
	arr.PageIn()
	if i < 0 || i >= len(arr.Elts) {
		return errors.Annotatef(ErrBadIndex, "element %d of %d", i, len(arr.Elts))
	}
	host := ds.m.host(arr)
	if host == nil {
		if ds.m.level > 0 {
			ds.m.backupLoose(ds.m.level, arr, append([]value.Value(nil), arr.Elts...))
		}
		arr.Elts[i] = v
		return nil
	}
	host.touch()
	host.plane.backupArray(arr)
	if r := host.ref(arr); !r.deleted {
		host.reference(v)
		host.release(arr.Elts[i])
	}
	arr.Elts[i] = v
	host.dirty = true
	return nil
}

// upgrade brings the variables of ds from its program version to next.
func (ds *Dataspace) upgrade(next *program.Program) error {
	steps, err := next.StepsFrom(ds.prog.Version)
	if err != nil {
		return errors.Trace(err)
	}
	vars := ds.vars()
	for _, remap := range steps {
		nv, dropped, err := program.Apply(remap, vars)
		if err != nil {
			return errors.Annotatef(err, "object %d", ds.index)
		}
		for _, v := range dropped {
			ds.release(v)
		}
		vars = nv
	}
	log.Infof("object %d: upgraded %s to version %d", ds.index, ds.prog, next.Version)
	ds.variables = vars
	ds.prog = next
	ds.dirty = true
	return nil
}
