package dataspace

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/program"
	"github.com/pingcap-incubator/tinyobj/kv/swap"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// RegisterProgram makes p known to the manager and stores its control block.
func (m *Manager) RegisterProgram(p *program.Program) error {
	data, err := program.Marshal(p)
	if err != nil {
		return err
	}
	if err := m.store.Put(swap.KindControl, p.Index, m.framer.Frame(data)); err != nil {
		return errors.Annotatef(err, "store control block of %s", p)
	}
	m.programs[p.Index] = p
	return nil
}

// Program returns the current version of program index, loading its control block if needed.
func (m *Manager) Program(index uint32) (*program.Program, error) {
	if p, ok := m.programs[index]; ok {
		return p, nil
	}
	rec, err := m.store.Get(swap.KindControl, index)
	if err != nil {
		if errors.Cause(err) == swap.ErrNotFound {
			return nil, errors.Annotatef(ErrUnknownProgram, "program %d", index)
		}
		return nil, err
	}
	data, err := m.framer.Unframe(rec)
	if err != nil {
		return nil, errors.Annotatef(err, "control block of program %d", index)
	}
	p, err := program.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m.programs[index] = p
	return p, nil
}

// Upgrade replaces a program by its recompiled successor next. Dataspaces in memory are remapped at once; those
// swapped out are remapped when they are loaded.
func (m *Manager) Upgrade(next *program.Program) error {
	if m.level != 0 {
		return errors.Annotatef(ErrNotLevelZero, "upgrade %s at level %d", next, m.level)
	}
	prev, err := m.Program(next.Index)
	if err != nil {
		return err
	}
	if next.Version <= prev.Version {
		return errors.Errorf("dataspace: upgrade of %s to older version %d", prev, next.Version)
	}
	steps, err := next.StepsFrom(prev.Version)
	if err != nil {
		return err
	}
	// Every step must apply before the new control block is stored.
	vars := make([]value.Value, len(prev.Variables))
	for _, remap := range steps {
		if vars, _, err = program.Apply(remap, vars); err != nil {
			return errors.Annotatef(err, "upgrade %s to version %d", prev, next.Version)
		}
	}
	if err := m.RegisterProgram(next); err != nil {
		return err
	}
	n := 0
	for _, id := range m.Dataspaces() {
		ds := m.dataspaces[id]
		if ds.prog.Index != next.Index {
			continue
		}
		if err := ds.upgrade(next); err != nil {
			return err
		}
		n++
	}
	log.Infof("upgraded %s to version %d, %d dataspaces in memory", prev, next.Version, n)
	return nil
}
