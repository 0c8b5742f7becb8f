package dataspace

import (
	"sort"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap-incubator/tinyobj/kv/metrics"
	"github.com/pingcap-incubator/tinyobj/kv/program"
	"github.com/pingcap-incubator/tinyobj/kv/swap"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// Scheduler is the process-wide callout queue. Schedule and Cancel are only called for changes that reached level 0;
// Charge is called for every callout created or removed, at any level, and is never rolled back.
type Scheduler interface {
	Now() (sec uint64, msec uint16)
	Schedule(obj, handle uint32, t uint64, m uint16)
	Cancel(obj, handle uint32, t uint64, m uint16)
	Charge(obj uint32, delta int)
}

// Objects tells whether an object reference still names a live object.
type Objects interface {
	Alive(ref value.ObjectRef) bool
}

// Manager owns every dataspace in memory and every open plane of the current call chain. The interpreter calls
// Begin when it enters an atomic call, Commit when the call returns and Discard when it fails.
//
// A Manager is not safe for concurrent use; one logical call chain drives it at a time.
type Manager struct {
	store   swap.Store
	framer  *swap.Framer
	sched   Scheduler
	objects Objects

	level     int
	levels    [][]*Plane
	lastPlane uint64
	// loose holds, per level, the original elements of arrays changed while no dataspace hosted them.
	loose []map[*value.Array][]value.Value

	dataspaces map[uint32]*Dataspace
	importers  []*Dataspace

	patches  *patchLog
	programs map[uint32]*program.Program
}

func NewManager(conf *config.Config, store swap.Store, sched Scheduler, objects Objects) (*Manager, error) {
	framer, err := swap.NewFramer(&conf.Swap)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:      store,
		framer:     framer,
		sched:      sched,
		objects:    objects,
		levels:     make([][]*Plane, 1),
		loose:      make([]map[*value.Array][]value.Value, 1),
		dataspaces: make(map[uint32]*Dataspace),
		programs:   make(map[uint32]*program.Program),
	}
	m.patches = newPatchLog(m)
	return m, nil
}

// Level returns the innermost open nesting level; 0 when no atomic call is running.
func (m *Manager) Level() int {
	return m.level
}

// Begin opens the next nesting level and returns it. Planes at the new level are opened lazily, when a dataspace
// is first modified, or explicitly with OpenPlane.
func (m *Manager) Begin() int {
	m.level++
	m.levels = append(m.levels, nil)
	m.loose = append(m.loose, nil)
	log.Debugf("begin level %d", m.level)
	return m.level
}

// OpenPlane opens a plane for ds at level, which must be the innermost open level.
func (m *Manager) OpenPlane(ds *Dataspace, level int) error {
	if ds.destroyed {
		return errors.Trace(ErrDataspaceDestroyed)
	}
	if level != m.level || level <= ds.plane.level {
		return errors.Annotatef(ErrLevelOrder, "open level %d for object %d at level %d, innermost level %d",
			level, ds.index, ds.plane.level, m.level)
	}
	m.openPlane(ds, level)
	return nil
}

func (m *Manager) openPlane(ds *Dataspace, level int) *Plane {
	m.lastPlane++
	p := newPlane(m.lastPlane, level, ds, ds.plane)
	ds.plane = p
	m.levels[level] = append(m.levels[level], p)
	metrics.PlaneCounter.WithLabelValues("open").Inc()
	return p
}

// commitPlane inserts an empty plane at p.level-1 between p and its parent, so that p can be merged one level
// down.
func (m *Manager) commitPlane(p *Plane) *Plane {
	m.lastPlane++
	c := newPlane(m.lastPlane, p.level-1, p.ds, p.prev)
	p.prev = c
	m.levels[c.level] = append(m.levels[c.level], c)
	metrics.PlaneCounter.WithLabelValues("commit_plane").Inc()
	return c
}

// Commit merges every plane at level into the level below and closes level.
func (m *Manager) Commit(level int) error {
	if level < 1 || level != m.level {
		return errors.Annotatef(ErrLevelNotOpen, "commit level %d, innermost level %d", level, m.level)
	}
	planes := m.levels[level]
	log.Debugf("commit level %d, %d planes", level, len(planes))
	for _, p := range planes {
		parent := p.prev
		if parent.level < level-1 {
			parent = m.commitPlane(p)
		}
		p.commitInto(parent)
		metrics.PlaneCounter.WithLabelValues("commit").Inc()
	}
	if level > 1 {
		for arr, elts := range m.loose[level] {
			m.backupLoose(level-1, arr, elts)
		}
	}
	m.levels = m.levels[:level]
	m.loose = m.loose[:level]
	m.level--
	return nil
}

// Discard throws away every plane at level, restoring the state the dataspaces had before level was opened, and
// closes level.
func (m *Manager) Discard(level int) error {
	if level < 1 || level != m.level {
		return errors.Annotatef(ErrLevelNotOpen, "discard level %d, innermost level %d", level, m.level)
	}
	planes := m.levels[level]
	log.Debugf("discard level %d, %d planes", level, len(planes))
	for i := len(planes) - 1; i >= 0; i-- {
		planes[i].discard()
		metrics.PlaneCounter.WithLabelValues("discard").Inc()
	}
	// An array is unhosted before it is hosted within one level, so these are the oldest contents.
	for arr, elts := range m.loose[level] {
		arr.Elts = elts
	}
	m.levels = m.levels[:level]
	m.loose = m.loose[:level]
	m.level--
	return nil
}

func (m *Manager) backupLoose(level int, arr *value.Array, elts []value.Value) {
	if m.loose[level] == nil {
		m.loose[level] = make(map[*value.Array][]value.Value)
	}
	if _, ok := m.loose[level][arr]; !ok {
		m.loose[level][arr] = elts
	}
}

// host returns the in-memory dataspace that hosts sh, or nil.
func (m *Manager) host(sh value.Shared) *Dataspace {
	o := sh.Head().Owner()
	if o.IsZero() {
		return nil
	}
	ds := m.dataspaces[o.Object]
	if ds == nil {
		panic(errors.Errorf("dataspace: value owned by object %d which is not in memory", o.Object))
	}
	return ds
}

func (m *Manager) alive(ref value.ObjectRef) bool {
	return m.objects == nil || m.objects.Alive(ref)
}

func (m *Manager) linkImporter(ds *Dataspace) {
	if !ds.importing {
		ds.importing = true
		m.importers = append(m.importers, ds)
	}
}

// Dataspaces returns the objects whose dataspace is in memory, in index order.
func (m *Manager) Dataspaces() []uint32 {
	ids := make([]uint32, 0, len(m.dataspaces))
	for id := range m.dataspaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
