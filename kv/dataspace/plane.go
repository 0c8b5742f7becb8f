package dataspace

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// Plane is one layer of a dataspace's change stack. The base plane (level 0) holds the committed reference table
// and import table; every higher plane records the changes made at its nesting level as overlays on the planes
// below it.
type Plane struct {
	id    uint64
	level int
	ds    *Dataspace
	prev  *Plane

	// Counters are copied forward on open and handed back on commit.
	schange int
	achange int
	imports int

	// original is the variable vector as it was before the first write at this level.
	original   []value.Value
	arrBackups map[*value.Array][]value.Value

	refs         map[value.Shared]*Ref
	importDeltas map[value.Shared]int
	patches      []patchID

	// refOnly is set when a reference count changed in this plane.
	refOnly bool
}

func newPlane(id uint64, level int, ds *Dataspace, prev *Plane) *Plane {
	p := &Plane{
		id:    id,
		level: level,
		ds:    ds,
		prev:  prev,
		refs:  make(map[value.Shared]*Ref),
	}
	if prev != nil {
		p.schange = prev.schange
		p.achange = prev.achange
		p.imports = prev.imports
	}
	return p
}

func (p *Plane) Level() int { return p.level }

func (p *Plane) change(sh value.Shared) {
	if _, ok := sh.(*value.Array); ok {
		p.achange++
	} else {
		p.schange++
	}
}

func (p *Plane) backupVariables(vars []value.Value) {
	if p.level > 0 && p.original == nil {
		p.original = append(make([]value.Value, 0, len(vars)), vars...)
	}
}

func (p *Plane) backupArray(arr *value.Array) {
	if p.level == 0 {
		return
	}
	if p.arrBackups == nil {
		p.arrBackups = make(map[*value.Array][]value.Value)
	}
	if _, ok := p.arrBackups[arr]; !ok {
		p.arrBackups[arr] = append([]value.Value(nil), arr.Elts...)
	}
}

// commitInto merges p into q, which is the plane directly below p at level p.level-1, and makes q the top of the
// dataspace's stack.
func (p *Plane) commitInto(q *Plane) {
	ds := p.ds
	base := q.level == 0

	if p.original != nil && !base && q.original == nil {
		q.original = p.original
	}
	if !base {
		for arr, elts := range p.arrBackups {
			if q.arrBackups == nil {
				q.arrBackups = make(map[*value.Array][]value.Value)
			}
			if _, ok := q.arrBackups[arr]; !ok {
				q.arrBackups[arr] = elts
			}
		}
	}

	ds.m.patches.commit(p, q)

	for sh, r := range p.refs {
		if old := q.refs[sh]; old != nil {
			if r.prev != old {
				panic(errors.Errorf("dataspace: object %d plane %d replaces a reference it was not forked from",
					ds.index, p.id))
			}
			r.prev = old.prev
		}
		r.plane = q
		if base {
			r.prev = nil
			if r.count == 0 {
				delete(q.refs, sh)
				sh.Head().Migrate(value.Owner{})
				continue
			}
		}
		q.refs[sh] = r
		sh.Head().Migrate(value.Owner{Object: ds.index, Plane: q.id})
	}

	for sh, d := range p.importDeltas {
		q.addImport(sh, d)
	}
	if base && len(q.importDeltas) > 0 {
		ds.m.linkImporter(ds)
	}

	q.schange, q.achange, q.imports = p.schange, p.achange, p.imports
	q.refOnly = q.refOnly || p.refOnly
	ds.plane = q
	log.Debugf("object %d: plane %d committed into plane %d at level %d", ds.index, p.id, q.id, q.level)
}

// discard undoes everything recorded in p and pops it.
func (p *Plane) discard() {
	ds := p.ds
	if p.original != nil {
		ds.variables = p.original
	}
	for arr, elts := range p.arrBackups {
		arr.Elts = elts
	}
	ds.m.patches.discard(p)
	for sh, r := range p.refs {
		if r.prev != nil {
			sh.Head().Migrate(value.Owner{Object: ds.index, Plane: r.prev.plane.id})
		} else {
			sh.Head().Migrate(value.Owner{})
		}
	}
	ds.plane = p.prev
	log.Debugf("object %d: plane %d at level %d discarded", ds.index, p.id, p.level)
}

func (p *Plane) addImport(sh value.Shared, delta int) {
	if delta == 0 {
		return
	}
	if p.importDeltas == nil {
		p.importDeltas = make(map[value.Shared]int)
	}
	n := p.importDeltas[sh] + delta
	if n == 0 {
		delete(p.importDeltas, sh)
	} else {
		p.importDeltas[sh] = n
	}
}
