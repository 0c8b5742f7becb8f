package dataspace

import (
	"sort"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/metrics"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// ExportImports makes every dataspace self-contained again: each value a dataspace references but another
// dataspace hosts is replaced by a private copy, and each value whose host let go of it is adopted. It may only run
// between atomic calls.
func (m *Manager) ExportImports() error {
	if m.level != 0 {
		return errors.Annotatef(ErrNotLevelZero, "export imports at level %d", m.level)
	}
	importers := m.importers
	m.importers = nil
	for _, ds := range importers {
		ds.importing = false
		if !ds.destroyed {
			ds.export()
		}
	}
	return nil
}

func (ds *Dataspace) export() {
	base := ds.base
	clones := make(map[value.Shared]value.Shared)
	for len(base.importDeltas) > 0 {
		for _, sh := range sortedShared(base.importDeltas) {
			n := base.importDeltas[sh]
			delete(base.importDeltas, sh)
			base.imports -= n
			if n <= 0 {
				continue
			}
			if c, ok := clones[sh]; ok {
				ds.ref(c).count += n
				continue
			}
			o := sh.Head().Owner()
			switch {
			case o.IsZero():
				ds.adopt(sh, n)
				metrics.ExportCounter.WithLabelValues("rehome").Inc()
			case o.Object == ds.index:
				ds.ref(sh).count += n
			default:
				c := clone(sh)
				clones[sh] = c
				ds.adopt(c, n)
				metrics.ExportCounter.WithLabelValues("clone").Inc()
			}
		}
	}
	if len(clones) > 0 {
		log.Debugf("object %d: exported %d imported values", ds.index, len(clones))
		ds.replace(clones)
		ds.dirty = true
	}
}

func clone(sh value.Shared) value.Shared {
	switch v := sh.(type) {
	case *value.String:
		return value.NewString(v.Text)
	case *value.Array:
		return v.Clone()
	}
	panic(errors.Errorf("dataspace: cannot clone %T", sh))
}

func sortedShared(m map[value.Shared]int) []value.Shared {
	list := make([]value.Shared, 0, len(m))
	for sh := range m {
		list = append(list, sh)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Head().ID() < list[j].Head().ID() })
	return list
}

// replace rewrites every holder in ds of a key of clones to hold the clone instead.
func (ds *Dataspace) replace(clones map[value.Shared]value.Shared) {
	seen := make(map[*value.Array]bool)
	var visit func(v *value.Value)
	visit = func(v *value.Value) {
		sh := v.Shared()
		if sh == nil {
			return
		}
		if c, ok := clones[sh]; ok {
			switch c := c.(type) {
			case *value.String:
				*v = value.StringValue(c)
			case *value.Array:
				*v = value.ArrayValue(c)
			}
			sh = c
		}
		arr, ok := sh.(*value.Array)
		if !ok || seen[arr] || arr.Owner().Object != ds.index || arr.Owner().IsZero() {
			return
		}
		seen[arr] = true
		arr.PageIn()
		for i := range arr.Elts {
			visit(&arr.Elts[i])
		}
	}
	vars := ds.vars()
	for i := range vars {
		visit(&vars[i])
	}
	ds.calloutTable()
	for i := range ds.callouts {
		c := &ds.callouts[i]
		if c.Handle == 0 {
			continue
		}
		for j := 0; j < len(c.values()); j++ {
			visit(&c.Args[j])
		}
	}
	for _, sh := range sortedRefs(ds.base.refs) {
		if arr, ok := sh.(*value.Array); ok && !seen[arr] {
			v := value.ArrayValue(arr)
			visit(&v)
		}
	}
}

func sortedRefs(m map[value.Shared]*Ref) []value.Shared {
	list := make([]value.Shared, 0, len(m))
	for sh := range m {
		list = append(list, sh)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Head().ID() < list[j].Head().ID() })
	return list
}
