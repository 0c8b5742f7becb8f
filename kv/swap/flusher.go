package swap

import (
	"sort"
	"sync"

	"github.com/juju/ratelimit"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap-incubator/tinyobj/kv/metrics"
	"github.com/pingcap/errors"
	"github.com/uber-go/atomic"
)

type recordKey struct {
	kind Kind
	id   uint32
}

type pendingWrite struct {
	seq    uint64
	record []byte // nil for a delete
}

type writeTask struct {
	key recordKey
	pendingWrite
}

type syncTask struct {
	done chan error
}

// Flusher is a Store that hands writes to a background worker. Writes are applied in order; reads observe writes
// that are still queued. The worker is throttled to the configured number of sectors per second.
type Flusher struct {
	store      Store
	worker     *Worker
	wg         sync.WaitGroup
	bucket     *ratelimit.Bucket
	sectorSize int

	mu      sync.Mutex
	pending map[recordKey]pendingWrite
	seq     uint64
	lastErr error

	sectors *atomic.Int64
	writes  *atomic.Int64
	queued  *atomic.Int64
}

func NewFlusher(store Store, conf *config.Swap) *Flusher {
	f := &Flusher{
		store:      store,
		sectorSize: int(conf.SectorSize),
		pending:    make(map[recordKey]pendingWrite),
		sectors:    atomic.NewInt64(0),
		writes:     atomic.NewInt64(0),
		queued:     atomic.NewInt64(0),
	}
	if conf.Rate > 0 {
		f.bucket = ratelimit.NewBucketWithRate(float64(conf.Rate), conf.Rate)
	}
	f.worker = NewWorker("swap-flusher", conf.QueueDepth, &f.wg)
	f.worker.Start(f)
	return f
}

func (f *Flusher) enqueue(key recordKey, record []byte) {
	f.mu.Lock()
	f.seq++
	w := pendingWrite{seq: f.seq, record: record}
	f.pending[key] = w
	f.mu.Unlock()
	f.queued.Inc()
	f.worker.Sender() <- writeTask{key: key, pendingWrite: w}
}

func (f *Flusher) Put(kind Kind, id uint32, record []byte) error {
	f.enqueue(recordKey{kind, id}, append([]byte(nil), record...))
	return nil
}

func (f *Flusher) Delete(kind Kind, id uint32) error {
	f.enqueue(recordKey{kind, id}, nil)
	return nil
}

func (f *Flusher) Get(kind Kind, id uint32) ([]byte, error) {
	f.mu.Lock()
	w, ok := f.pending[recordKey{kind, id}]
	f.mu.Unlock()
	if ok {
		if w.record == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.record...), nil
	}
	return f.store.Get(kind, id)
}

func (f *Flusher) IDs(kind Kind) ([]uint32, error) {
	stored, err := f.store.IDs(kind)
	if err != nil {
		return nil, err
	}
	set := make(map[uint32]bool, len(stored))
	for _, id := range stored {
		set[id] = true
	}
	f.mu.Lock()
	for key, w := range f.pending {
		if key.kind == kind {
			set[key.id] = w.record != nil
		}
	}
	f.mu.Unlock()
	ids := make([]uint32, 0, len(set))
	for id, ok := range set {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Sync waits until every write queued before the call has reached the store, and returns the first write error
// seen since the previous Sync.
func (f *Flusher) Sync() error {
	done := make(chan error, 1)
	f.worker.Sender() <- syncTask{done: done}
	return <-done
}

// Stats reports sectors written, records written and records still queued.
func (f *Flusher) Stats() (sectors, writes, queued int64) {
	return f.sectors.Load(), f.writes.Load(), f.queued.Load()
}

func (f *Flusher) Close() error {
	err := f.Sync()
	f.worker.Stop()
	f.wg.Wait()
	if cerr := f.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (f *Flusher) Handle(t Task) {
	switch task := t.(type) {
	case writeTask:
		f.handleWrite(task)
	case syncTask:
		f.mu.Lock()
		err := f.lastErr
		f.lastErr = nil
		f.mu.Unlock()
		task.done <- err
	default:
		log.Errorf("swap flusher: unexpected task %T", t)
	}
}

func (f *Flusher) handleWrite(task writeTask) {
	defer f.queued.Add(-1)
	var err error
	if task.record == nil {
		err = f.store.Delete(task.key.kind, task.key.id)
		metrics.RecordCounter.WithLabelValues("delete").Inc()
	} else {
		sectors := int64(len(task.record) / f.sectorSize)
		if f.bucket != nil {
			f.bucket.Wait(sectors)
		}
		err = f.store.Put(task.key.kind, task.key.id, task.record)
		f.sectors.Add(sectors)
		metrics.SectorCounter.Add(float64(sectors))
		metrics.RecordCounter.WithLabelValues("write").Inc()
	}
	f.writes.Inc()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		log.Errorf("swap flusher: %s record %d: %v", task.key.kind, task.key.id, err)
		if f.lastErr == nil {
			f.lastErr = errors.Trace(err)
		}
		// Keep serving the queued copy; the store does not have it.
		return
	}
	if w, ok := f.pending[task.key]; ok && w.seq == task.seq {
		delete(f.pending, task.key)
	}
}
