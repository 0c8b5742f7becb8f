package dataspace

import (
	"testing"
	"time"

	"github.com/pingcap-incubator/tinyobj/kv/callout"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCallout(t *testing.T, ds *Dataspace, delay time.Duration, args ...value.Value) uint32 {
	h, err := ds.NewCallout("tick", delay, args...)
	require.Nil(t, err)
	return h
}

func removeCallout(t *testing.T, ds *Dataspace, h uint32) {
	left, err := ds.RemoveCallout(h)
	require.Nil(t, err)
	require.True(t, left >= 0)
}

func scheduled(f *fixture, obj, handle uint32) (callout.Entry, bool) {
	return f.queue.Contains(obj, handle)
}

// countingScheduler counts the cancellations that reach the queue.
type countingScheduler struct {
	*callout.Queue
	cancels int
}

func (s *countingScheduler) Cancel(obj, handle uint32, t uint64, m uint16) {
	s.cancels++
	s.Queue.Cancel(obj, handle, t, m)
}

func TestCalloutAtLevelZero(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)

	h := newCallout(t, ds, 2500*time.Millisecond, value.NewInt(1))
	assert.Equal(t, uint32(1), h)
	e, ok := scheduled(f, 1, h)
	require.True(t, ok)
	assert.Equal(t, uint64(1002), e.Time)
	assert.Equal(t, uint16(500), e.MTime)
	assert.Equal(t, 1, f.queue.Charged(1))

	f.clock.t = 1001
	left, err := ds.RemoveCallout(h)
	require.Nil(t, err)
	assert.Equal(t, int64(1500), left)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.queue.Charged(1))

	left, err = ds.RemoveCallout(h)
	require.Nil(t, err)
	assert.Equal(t, int64(-1), left)
	left, err = ds.RemoveCallout(77)
	require.Nil(t, err)
	assert.Equal(t, int64(-1), left)

	// Freed handles are reused.
	assert.Equal(t, h, newCallout(t, ds, 0))
}

func TestElapsedCallout(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)
	f.objects[9] = 1
	args := []value.Value{
		value.NewInt(1),
		value.StringValue(value.NewString("two")),
		value.NewObject(value.ObjectRef{Index: 9, Count: 1}),
		value.NewObject(value.ObjectRef{Index: 9, Count: 0}),
		value.NewFloat(5),
	}
	h := newCallout(t, ds, time.Second, args...)
	c := ds.Callouts()[0]
	assert.Equal(t, 5, c.NArgs)
	assert.Equal(t, value.KindArray, c.Args[2].Kind)

	f.clock.t = 1001
	due := f.queue.Due()
	require.Len(t, due, 1)
	assert.Equal(t, h, due[0].Handle)

	fn, got, err := ds.ElapsedCallout(h)
	require.Nil(t, err)
	assert.Equal(t, "tick", fn)
	require.Len(t, got, 5)
	assert.True(t, got[1].Same(args[1]))
	assert.Equal(t, args[2], got[2])
	assert.Equal(t, value.Nil, got[3])
	assert.Equal(t, args[4], got[4])
	assert.Equal(t, 0, ds.NumCallouts())
	assert.Equal(t, 0, f.queue.Charged(1))
	assert.True(t, args[1].Str.Owner().IsZero())

	_, _, err = ds.ElapsedCallout(h)
	assert.Equal(t, ErrNoSuchCallout, errors.Cause(err))
}

// A fired callout taken inside a discarded level is put back in the table and in the queue.
func TestElapsedCalloutDiscarded(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)
	s := value.NewString("arg")
	h := newCallout(t, ds, time.Second, value.StringValue(s))
	f.clock.t = 1001
	require.Len(t, f.queue.Due(), 1)

	f.m.Begin()
	f.m.Begin()
	fn, args, err := ds.ElapsedCallout(h)
	require.Nil(t, err)
	assert.Equal(t, "tick", fn)
	require.Len(t, args, 1)
	require.Nil(t, f.m.Commit(2))
	require.Nil(t, f.m.Discard(1))

	assert.Equal(t, 1, ds.NumCallouts())
	n, ok := ds.RefCount(s)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	due := f.queue.Due()
	require.Len(t, due, 1)
	assert.Equal(t, h, due[0].Handle)
	assert.Equal(t, 0, f.m.patches.Len())
}

// Committing a fired callout's removal does not cancel it again; a callout added over its slot is scheduled.
func TestElapsedCalloutCommitted(t *testing.T) {
	f := newFixture(t)
	sched := &countingScheduler{Queue: f.queue}
	f.m.sched = sched
	ds := f.newDataspace(t, 1, 0)
	h := newCallout(t, ds, time.Second)
	f.clock.t = 1001
	require.Len(t, f.queue.Due(), 1)

	f.m.Begin()
	_, _, err := ds.ElapsedCallout(h)
	require.Nil(t, err)
	f.m.Begin()
	assert.Equal(t, h, newCallout(t, ds, 5*time.Second))
	require.Nil(t, f.m.Commit(2))
	require.Nil(t, f.m.Commit(1))

	assert.Equal(t, 0, sched.cancels)
	e, ok := scheduled(f, 1, h)
	require.True(t, ok)
	assert.Equal(t, uint64(1006), e.Time)
	assert.Equal(t, 1, f.queue.Len())

	// The same without the replacement.
	f.clock.t = 1006
	require.Len(t, f.queue.Due(), 1)
	f.m.Begin()
	_, _, err = ds.ElapsedCallout(h)
	require.Nil(t, err)
	require.Nil(t, f.m.Commit(1))
	assert.Equal(t, 0, sched.cancels)
	assert.Equal(t, 0, ds.NumCallouts())
	assert.Equal(t, 0, f.queue.Len())
}

// A removal rolled back before the add is committed leaves the callout in place.
func TestCalloutRemovalDiscardedBeforeAddCommitted(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)

	f.m.Begin()
	h := newCallout(t, ds, 10*time.Second)
	f.m.Begin()
	removeCallout(t, ds, h)
	assert.Equal(t, 0, ds.NumCallouts())
	require.Nil(t, f.m.Discard(2))
	require.Nil(t, f.m.Commit(1))

	require.Equal(t, 1, ds.NumCallouts())
	assert.Equal(t, h, ds.Callouts()[0].Handle)
	e, ok := scheduled(f, 1, h)
	require.True(t, ok)
	assert.Equal(t, uint64(1010), e.Time)
	assert.Equal(t, 0, f.m.patches.Len())
}

// A callout created at level 1 and removed at level 2 never reaches the scheduler.
func TestCalloutAddedThenRemovedInNestedLevels(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)

	f.m.Begin()
	h := newCallout(t, ds, time.Second)
	f.m.Begin()
	removeCallout(t, ds, h)
	require.Nil(t, f.m.Commit(2))
	require.Nil(t, f.m.Commit(1))

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, ds.NumCallouts())
	assert.Equal(t, 0, f.m.patches.Len())
	// Charges are never rolled back, and add plus remove nets to zero.
	assert.Equal(t, 0, f.queue.Charged(1))
}

func TestDiscardRestoresRemovedCallout(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)
	s := value.NewString("arg")
	h := newCallout(t, ds, time.Second, value.StringValue(s))

	f.m.Begin()
	removeCallout(t, ds, h)
	assert.Equal(t, 0, ds.NumCallouts())
	require.Nil(t, f.m.Discard(1))

	require.Equal(t, 1, ds.NumCallouts())
	c := ds.Callouts()[0]
	assert.Equal(t, h, c.Handle)
	assert.True(t, c.Args[0].Same(value.StringValue(s)))
	n, ok := ds.RefCount(s)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	_, ok = scheduled(f, 1, h)
	assert.True(t, ok)
	assert.Equal(t, 0, f.m.patches.Len())
	// The removal was charged and is not refunded by the discard.
	assert.Equal(t, 0, f.queue.Charged(1))
}

func TestCalloutPatchMerges(t *testing.T) {
	type step struct {
		level int
		add   time.Duration
		del   bool
	}
	cases := []struct {
		name  string
		base  bool
		steps []step
		// fire time of the surviving callout in seconds after 1000, or -1 if none
		want int
	}{
		{"add over remove", true, []step{{1, 0, true}, {2, 5 * time.Second, false}}, 5},
		{"remove over add", false, []step{{1, 3 * time.Second, false}, {2, 0, true}}, -1},
		{"remove over replace", true, []step{{1, 0, true}, {1, 4 * time.Second, false}, {2, 0, true}}, -1},
		{"replace over add", false, []step{{1, 3 * time.Second, false}, {2, 0, true}, {2, 6 * time.Second, false}}, 6},
		{"replace over replace", true, []step{{1, 0, true}, {1, 4 * time.Second, false}, {2, 0, true},
			{2, 7 * time.Second, false}}, 7},
		{"add over remove after cancelled add", true, []step{{1, 0, true}, {2, 8 * time.Second, false}, {2, 0, true},
			{2, 9 * time.Second, false}}, 9},
	}
	for _, c := range cases {
		for _, commit := range []bool{true, false} {
			f := newFixture(t)
			ds := f.newDataspace(t, 1, 0)
			var h uint32
			if c.base {
				h = newCallout(t, ds, time.Second)
			}
			before := ds.Callouts()
			f.m.Begin()
			for _, s := range c.steps {
				if f.m.Level() < s.level {
					f.m.Begin()
				}
				if s.del {
					removeCallout(t, ds, h)
				} else {
					h = newCallout(t, ds, s.add)
				}
			}
			if commit {
				require.Nil(t, f.m.Commit(2), c.name)
				require.Nil(t, f.m.Commit(1), c.name)
				entries := f.queue.Entries()
				if c.want < 0 {
					assert.Empty(t, entries, c.name)
					assert.Equal(t, 0, ds.NumCallouts(), c.name)
				} else {
					require.Len(t, entries, 1, c.name)
					assert.Equal(t, uint64(1000+c.want), entries[0].Time, c.name)
					assert.Equal(t, entries[0].Handle, ds.Callouts()[0].Handle, c.name)
				}
			} else {
				require.Nil(t, f.m.Discard(2), c.name)
				require.Nil(t, f.m.Discard(1), c.name)
				assert.Equal(t, before, ds.Callouts(), c.name)
				assert.Equal(t, len(before), f.queue.Len(), c.name)
			}
			assert.Equal(t, 0, f.m.patches.Len(), c.name)
		}
	}
}

func TestCalloutPatchConflictsPanic(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 0)
	f.m.Begin()
	h := newCallout(t, ds, 0)
	c := ds.Callouts()[0]
	assert.Panics(t, func() { f.m.patches.add(ds.plane, &c) })
	removeCallout(t, ds, h)
	assert.Equal(t, 0, f.m.patches.Len())
	assert.NotPanics(t, func() { f.m.patches.remove(ds.plane, &c, false) })
	assert.Panics(t, func() { f.m.patches.remove(ds.plane, &c, false) })
}

func TestPatchBuckets(t *testing.T) {
	seen := make(map[uint32]bool)
	for obj := uint32(0); obj < 64; obj++ {
		for h := uint32(1); h < 8; h++ {
			b := bucketOf(obj, h)
			assert.True(t, b < patchBuckets)
			seen[b] = true
		}
	}
	assert.True(t, len(seen) > patchBuckets/4)
}
