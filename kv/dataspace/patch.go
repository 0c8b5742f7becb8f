package dataspace

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinyobj/kv/metrics"
	"github.com/pingcap/errors"
)

type patchOp uint8

const (
	patchAdd patchOp = iota + 1
	patchRemove
	patchReplace
)

var patchOpNames = [...]string{"", "add", "remove", "replace"}

func (op patchOp) String() string { return patchOpNames[op] }

// calloutPatch is the net effect a plane had on one callout slot. added is the callout the slot holds after the
// plane, removed the one it held before. elapsed marks a removed callout the scheduler already fired and dropped
// from its queue.
type calloutPatch struct {
	op      patchOp
	object  uint32
	handle  uint32
	plane   *Plane
	added   *Callout
	removed *Callout
	elapsed bool
}

// patchID names a patch in the log. A freed slot bumps its generation so stale ids held by planes resolve to
// nothing.
type patchID struct {
	index uint32
	gen   uint32
}

type patchSlot struct {
	gen   uint32
	live  bool
	patch calloutPatch
}

const patchBuckets = 256

// patchLog holds every callout patch of every open plane, hashed by object and handle.
type patchLog struct {
	m       *Manager
	slots   []patchSlot
	free    []uint32
	buckets [patchBuckets][]patchID
}

func newPatchLog(m *Manager) *patchLog {
	return &patchLog{m: m}
}

func bucketOf(object, handle uint32) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:], object)
	binary.BigEndian.PutUint32(b[4:], handle)
	return farm.Hash32(b[:]) % patchBuckets
}

func (l *patchLog) alloc(cp calloutPatch) patchID {
	var idx uint32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, patchSlot{})
		idx = uint32(len(l.slots) - 1)
	}
	s := &l.slots[idx]
	s.live = true
	s.patch = cp
	id := patchID{index: idx, gen: s.gen}
	b := bucketOf(cp.object, cp.handle)
	l.buckets[b] = append(l.buckets[b], id)
	cp.plane.patches = append(cp.plane.patches, id)
	metrics.PatchCounter.WithLabelValues(cp.op.String()).Inc()
	return id
}

func (l *patchLog) get(id patchID) *calloutPatch {
	if int(id.index) >= len(l.slots) {
		return nil
	}
	s := &l.slots[id.index]
	if !s.live || s.gen != id.gen {
		return nil
	}
	return &s.patch
}

func (l *patchLog) release(id patchID) {
	s := &l.slots[id.index]
	b := bucketOf(s.patch.object, s.patch.handle)
	bucket := l.buckets[b]
	for i, bid := range bucket {
		if bid == id {
			l.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	s.live = false
	s.gen++
	s.patch = calloutPatch{}
	l.free = append(l.free, id.index)
}

func (l *patchLog) find(p *Plane, handle uint32) (patchID, *calloutPatch) {
	for _, id := range l.buckets[bucketOf(p.ds.index, handle)] {
		cp := l.get(id)
		if cp != nil && cp.plane == p && cp.handle == handle {
			return id, cp
		}
	}
	return patchID{}, nil
}

// Len returns the number of live patches.
func (l *patchLog) Len() int {
	return len(l.slots) - len(l.free)
}

// add records that c was put into its slot in plane p.
func (l *patchLog) add(p *Plane, c *Callout) {
	_, cp := l.find(p, c.Handle)
	if cp == nil {
		l.alloc(calloutPatch{op: patchAdd, object: p.ds.index, handle: c.Handle, plane: p, added: c})
		return
	}
	switch cp.op {
	case patchRemove:
		cp.op = patchReplace
		cp.added = c
	default:
		panic(errors.Errorf("dataspace: object %d callout %d added over %s patch", p.ds.index, c.Handle, cp.op))
	}
}

// remove records that c was taken out of its slot in plane p. elapsed is set when the scheduler fired c.
func (l *patchLog) remove(p *Plane, c *Callout, elapsed bool) {
	id, cp := l.find(p, c.Handle)
	if cp == nil {
		l.alloc(calloutPatch{op: patchRemove, object: p.ds.index, handle: c.Handle, plane: p, removed: c,
			elapsed: elapsed})
		return
	}
	switch cp.op {
	case patchAdd:
		l.release(id)
	case patchReplace:
		cp.op = patchRemove
		cp.added = nil
	default:
		panic(errors.Errorf("dataspace: object %d callout %d removed twice", p.ds.index, c.Handle))
	}
}

// commit moves the patches of p into q. Patches reaching level 0 are applied to the scheduler.
func (l *patchLog) commit(p, q *Plane) {
	ids := p.patches
	p.patches = nil
	for _, id := range ids {
		cp := l.get(id)
		if cp == nil {
			continue
		}
		if q.level == 0 {
			l.apply(cp)
			l.release(id)
			continue
		}
		qid, qp := l.find(q, cp.handle)
		if qp == nil {
			cp.plane = q
			q.patches = append(q.patches, id)
			continue
		}
		l.merge(qid, qp, cp)
		l.release(id)
	}
}

// merge folds child patch cp into parent patch qp, which covers the same callout slot.
func (l *patchLog) merge(qid patchID, qp, cp *calloutPatch) {
	bad := func() {
		panic(errors.Errorf("dataspace: object %d callout %d %s patch over %s patch", cp.object, cp.handle, cp.op, qp.op))
	}
	switch cp.op {
	case patchAdd:
		if qp.op != patchRemove {
			bad()
		}
		qp.op = patchReplace
		qp.added = cp.added
	case patchRemove:
		switch qp.op {
		case patchAdd:
			l.release(qid)
		case patchReplace:
			qp.op = patchRemove
			qp.added = nil
		default:
			bad()
		}
	case patchReplace:
		switch qp.op {
		case patchAdd, patchReplace:
			qp.added = cp.added
		default:
			bad()
		}
	}
}

func (l *patchLog) apply(cp *calloutPatch) {
	sched := l.m.sched
	switch cp.op {
	case patchAdd:
		sched.Schedule(cp.object, cp.handle, cp.added.Time, cp.added.MTime)
	case patchRemove:
		if !cp.elapsed {
			sched.Cancel(cp.object, cp.handle, cp.removed.Time, cp.removed.MTime)
		}
	case patchReplace:
		if !cp.elapsed {
			sched.Cancel(cp.object, cp.handle, cp.removed.Time, cp.removed.MTime)
		}
		sched.Schedule(cp.object, cp.handle, cp.added.Time, cp.added.MTime)
	}
}

// discard undoes the patches of p on the callout table, newest first. A restored callout that had already fired
// goes back into the scheduler queue.
func (l *patchLog) discard(p *Plane) {
	ds := p.ds
	for i := len(p.patches) - 1; i >= 0; i-- {
		id := p.patches[i]
		cp := l.get(id)
		if cp == nil {
			continue
		}
		switch cp.op {
		case patchAdd:
			ds.dropCallout(cp.handle)
		case patchRemove:
			ds.restoreCallout(*cp.removed)
		case patchReplace:
			ds.dropCallout(cp.handle)
			ds.restoreCallout(*cp.removed)
		}
		if cp.elapsed && cp.removed != nil {
			l.m.sched.Schedule(cp.object, cp.handle, cp.removed.Time, cp.removed.MTime)
		}
		l.release(id)
	}
	p.patches = nil
}
