package dataspace

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/program"
	"github.com/pingcap-incubator/tinyobj/kv/swap"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// NewDataspace creates the dataspace of a new object running prog. The program is registered if the manager does
// not know it yet.
func (m *Manager) NewDataspace(index uint32, prog *program.Program) (*Dataspace, error) {
	if _, ok := m.dataspaces[index]; ok {
		return nil, errors.Annotatef(ErrExists, "object %d", index)
	}
	known, err := m.Program(prog.Index)
	switch {
	case errors.Cause(err) == ErrUnknownProgram:
		if err := m.RegisterProgram(prog); err != nil {
			return nil, err
		}
		known = prog
	case err != nil:
		return nil, err
	case known.Version != prog.Version:
		return nil, errors.Errorf("dataspace: %s is not the current version of %s", prog, known)
	}
	ds := newDataspace(m, index, known)
	ds.calloutsLoaded = true
	ds.vars()
	ds.dirty = true
	m.dataspaces[index] = ds
	log.Debugf("object %d: new dataspace for %s", index, known)
	return ds, nil
}

// Dataspace returns the dataspace of object index, loading it from the store if it is not in memory.
func (m *Manager) Dataspace(index uint32) (*Dataspace, error) {
	if ds, ok := m.dataspaces[index]; ok {
		return ds, nil
	}
	return m.Load(index)
}

// Load brings the stored dataspace of object index into memory. Only the record header and tables are checked
// here; variables, array elements and callouts are decoded when first used.
func (m *Manager) Load(index uint32) (*Dataspace, error) {
	if _, ok := m.dataspaces[index]; ok {
		return nil, errors.Annotatef(ErrExists, "object %d", index)
	}
	rec, err := m.store.Get(swap.KindDataspace, index)
	if err != nil {
		return nil, errors.Annotatef(err, "load object %d", index)
	}
	payload, err := m.framer.Unframe(rec)
	if err != nil {
		return nil, errors.Annotatef(ErrCorruptRecord, "object %d: %v", index, err)
	}
	img, err := openImage(payload)
	if err != nil {
		return nil, errors.Annotatef(err, "object %d", index)
	}
	if img.h.object != index {
		return nil, corrupt("record of object %d stored as object %d", img.h.object, index)
	}
	prog, err := m.Program(img.h.program)
	if err != nil {
		return nil, err
	}
	if prog.Version == img.h.version && int(img.h.nvars) != len(prog.Variables) {
		return nil, corrupt("object %d has %d variables, %s declares %d", index, img.h.nvars, prog, len(prog.Variables))
	}
	stored := *prog
	stored.Version = img.h.version
	ds := newDataspace(m, index, &stored)
	ds.img = img
	img.ds = ds
	m.dataspaces[index] = ds
	if img.h.version != prog.Version {
		if err := ds.upgrade(prog); err != nil {
			delete(m.dataspaces, index)
			return nil, err
		}
	} else {
		ds.prog = prog
	}
	log.Debugf("object %d: loaded %d bytes, %d sectors", index, len(payload), len(rec)/m.framer.SectorSize())
	return ds, nil
}

// Save writes the level 0 state of ds to the store. Imports are exported first so the record is self-contained.
func (m *Manager) Save(ds *Dataspace) error {
	if err := ds.check(); err != nil {
		return err
	}
	if ds.plane.level != 0 {
		return errors.Annotatef(ErrNotLevelZero, "save object %d at level %d", ds.index, ds.plane.level)
	}
	rec, err := m.record(ds)
	if err != nil {
		return err
	}
	if err := m.store.Put(swap.KindDataspace, ds.index, rec); err != nil {
		return errors.Annotatef(err, "save object %d", ds.index)
	}
	ds.saved()
	return nil
}

// record exports the imports of ds and returns its framed record.
func (m *Manager) record(ds *Dataspace) ([]byte, error) {
	ds.export()
	payload, err := ds.encode()
	if err != nil {
		return nil, err
	}
	return m.framer.Frame(payload), nil
}

func (ds *Dataspace) saved() {
	ds.dirty = false
	ds.base.schange, ds.base.achange = 0, 0
	ds.base.refOnly = false
}

// SaveAll exports imports and saves every dirty dataspace in memory. Stores that support batches get all records
// in one write.
func (m *Manager) SaveAll() error {
	if m.level != 0 {
		return errors.Annotatef(ErrNotLevelZero, "save at level %d", m.level)
	}
	if err := m.ExportImports(); err != nil {
		return err
	}
	b, ok := m.store.(swap.Batcher)
	if !ok {
		for _, id := range m.Dataspaces() {
			if ds := m.dataspaces[id]; ds.dirty {
				if err := m.Save(ds); err != nil {
					return err
				}
			}
		}
		return nil
	}
	records := make(map[uint32][]byte)
	var dirty []*Dataspace
	for _, id := range m.Dataspaces() {
		ds := m.dataspaces[id]
		if !ds.dirty {
			continue
		}
		rec, err := m.record(ds)
		if err != nil {
			return err
		}
		records[id] = rec
		dirty = append(dirty, ds)
	}
	if len(records) == 0 {
		return nil
	}
	if err := b.WriteBatch(swap.KindDataspace, records); err != nil {
		return errors.Annotatef(err, "save %d objects", len(records))
	}
	for _, ds := range dirty {
		ds.saved()
	}
	log.Debugf("saved %d objects in one batch", len(records))
	return nil
}

// Swapout saves ds if needed and drops it from memory. Values it hosted that are still referenced elsewhere become
// unhosted.
func (m *Manager) Swapout(ds *Dataspace) error {
	if err := ds.check(); err != nil {
		return err
	}
	if m.level != 0 {
		return errors.Annotatef(ErrNotLevelZero, "swap out object %d at level %d", ds.index, m.level)
	}
	if err := m.ExportImports(); err != nil {
		return err
	}
	if ds.dirty {
		if err := m.Save(ds); err != nil {
			return err
		}
	}
	ds.evict()
	log.Debugf("object %d: swapped out", ds.index)
	return nil
}

// Destroy removes ds and its stored record. Its callouts are cancelled.
func (m *Manager) Destroy(ds *Dataspace) error {
	if err := ds.check(); err != nil {
		return err
	}
	if m.level != 0 {
		return errors.Annotatef(ErrNotLevelZero, "destroy object %d at level %d", ds.index, m.level)
	}
	list := ds.Callouts()
	for _, c := range list {
		m.sched.Cancel(ds.index, c.Handle, c.Time, c.MTime)
	}
	if len(list) > 0 {
		m.sched.Charge(ds.index, -len(list))
	}
	ds.evict()
	if err := m.store.Delete(swap.KindDataspace, ds.index); err != nil && errors.Cause(err) != swap.ErrNotFound {
		return errors.Annotatef(err, "destroy object %d", ds.index)
	}
	log.Debugf("object %d: destroyed", ds.index)
	return nil
}

func (ds *Dataspace) evict() {
	for sh := range ds.base.refs {
		sh.Head().Migrate(value.Owner{})
	}
	ds.base.refs = nil
	ds.destroyed = true
	delete(ds.m.dataspaces, ds.index)
}
