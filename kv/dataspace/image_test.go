package dataspace

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap-incubator/tinyobj/kv/swap"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillDataspace(t *testing.T, f *fixture, ds *Dataspace) {
	f.objects[3] = 2
	name := value.NewString("lantern")
	shared := value.NewArray([]value.Value{value.StringValue(name), value.NewFloat(1.5)})
	exits := value.NewMapping([]value.Value{
		value.StringValue(value.NewString("north")), value.NewObject(value.ObjectRef{Index: 3, Count: 2}),
		value.StringValue(value.NewString("up")), value.ArrayValue(shared),
	})
	mustAssign(t, ds, 0, value.NewInt(-42))
	mustAssign(t, ds, 1, value.StringValue(name))
	mustAssign(t, ds, 2, value.ArrayValue(shared))
	mustAssign(t, ds, 3, value.ArrayValue(exits))
	mustAssign(t, ds, 4, value.ArrayValue(value.NewLWObject(value.ObjectRef{Index: 3, Count: 2}, ints(8, 9))))
	mustAssign(t, ds, 5, value.StringValue(value.NewString(strings.Repeat("a long description ", 40))))

	newCallout(t, ds, time.Second, value.StringValue(name))
	h := newCallout(t, ds, 2*time.Second)
	newCallout(t, ds, 3*time.Second, value.NewInt(1), value.NewInt(2), value.ArrayValue(shared), value.NewInt(4))
	removeCallout(t, ds, h)
}

// deepString formats v after paging in every array reachable from it.
func deepString(v value.Value) string {
	var page func(v value.Value)
	seen := make(map[*value.Array]bool)
	page = func(v value.Value) {
		if !v.Kind.IsArray() || seen[v.Arr] {
			return
		}
		seen[v.Arr] = true
		v.Arr.PageIn()
		for _, e := range v.Arr.Elts {
			page(e)
		}
	}
	page(v)
	return v.String()
}

func dumpVariables(t *testing.T, ds *Dataspace) []string {
	var out []string
	for i := 0; i < ds.NumVariables(); i++ {
		out = append(out, deepString(mustGet(t, ds, i)))
	}
	return out
}

func dumpCallouts(ds *Dataspace) []string {
	var out []string
	for _, c := range ds.Callouts() {
		line := fmt.Sprintf("%d %s %d.%03d", c.Handle, c.Func, c.Time, c.MTime)
		for _, v := range c.Arguments() {
			line += " " + deepString(v)
		}
		out = append(out, line)
	}
	return out
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 6)
	fillDataspace(t, f, ds)
	vars := dumpVariables(t, ds)
	callouts := dumpCallouts(ds)

	require.Nil(t, f.m.Swapout(ds))
	assert.True(t, ds.Destroyed())
	// The record and the control block of the program.
	assert.Equal(t, 2, f.store.Len())

	got, err := f.m.Dataspace(1)
	require.Nil(t, err)
	assert.False(t, got.Dirty())
	assert.False(t, got.varsLoaded)
	assert.False(t, got.calloutsLoaded)

	shared := mustGet(t, got, 2)
	require.Equal(t, value.KindArray, shared.Kind)
	assert.False(t, shared.Arr.PagedIn())
	n, ok := got.RefCount(shared.Arr)
	require.True(t, ok)
	// Variable 2, the mapping and the spread callout arguments.
	assert.Equal(t, 3, n)

	assert.Equal(t, vars, dumpVariables(t, got))
	assert.Equal(t, callouts, dumpCallouts(got))
	assert.True(t, mustGet(t, got, 3).Arr.Elts[3].Same(shared))
	name := mustGet(t, got, 1)
	n, _ = got.RefCount(name.Str)
	assert.Equal(t, 3, n)

	// The freed callout slot is reused.
	assert.Equal(t, uint32(2), newCallout(t, got, 0))
	assert.Equal(t, uint32(4), newCallout(t, got, 0))
}

func TestSaveAfterPartialLoad(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 6)
	fillDataspace(t, f, ds)
	vars := dumpVariables(t, ds)
	require.Nil(t, f.m.Swapout(ds))

	got, err := f.m.Dataspace(1)
	require.Nil(t, err)
	mustAssign(t, got, 0, value.NewInt(7))
	vars[0] = "7"
	require.Nil(t, f.m.Swapout(got))

	again, err := f.m.Dataspace(1)
	require.Nil(t, err)
	assert.Equal(t, vars, dumpVariables(t, again))
	assert.Len(t, again.Callouts(), 2)
}

func TestSaveRequiresLevelZero(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 1)
	f.m.Begin()
	mustAssign(t, ds, 0, value.NewInt(1))
	assert.Equal(t, ErrNotLevelZero, errors.Cause(f.m.Save(ds)))
	assert.Equal(t, ErrNotLevelZero, errors.Cause(f.m.Swapout(ds)))
	require.Nil(t, f.m.Commit(1))
	require.Nil(t, f.m.SaveAll())
	assert.False(t, ds.Dirty())
}

func TestLoadCorruptRecord(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 2)
	mustAssign(t, ds, 0, value.NewInt(5))
	mustAssign(t, ds, 1, value.ArrayValue(value.NewArray(ints(1))))
	payload, err := ds.encode()
	require.Nil(t, err)
	require.Nil(t, f.m.Destroy(ds))

	put := func(index uint32, b []byte) {
		require.Nil(t, f.store.Put(swap.KindDataspace, index, f.m.framer.Frame(b)))
	}

	put(1, []byte("garbage"))
	_, err = f.m.Load(1)
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))

	require.Nil(t, f.store.Put(swap.KindDataspace, 1, []byte{0, 0, 0}))
	_, err = f.m.Load(1)
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))

	put(2, payload)
	_, err = f.m.Load(2)
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))

	truncated := append([]byte(nil), payload[:len(payload)-4]...)
	put(1, truncated)
	_, err = f.m.Load(1)
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))

	// A bad value entry is only noticed when decoded.
	bad := append([]byte(nil), payload...)
	bad[imageHeaderSize] = 0x7f
	put(1, bad)
	got, err := f.m.Load(1)
	require.Nil(t, err)
	assert.Panics(t, func() { got.GetVariable(0) })
}

func TestLoadUnknownProgram(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 1)
	require.Nil(t, f.m.Swapout(ds))
	require.Nil(t, f.store.Delete(swap.KindControl, 1))
	delete(f.m.programs, 1)
	_, err := f.m.Load(1)
	assert.Equal(t, ErrUnknownProgram, errors.Cause(err))
}

func TestLoadThroughFlusher(t *testing.T) {
	f := newFixture(t)
	flusher := swap.NewFlusher(f.store, &config.NewTestConfig().Swap)
	defer flusher.Close()
	f.m.store = flusher

	ds := f.newDataspace(t, 1, 6)
	fillDataspace(t, f, ds)
	vars := dumpVariables(t, ds)
	require.Nil(t, f.m.Swapout(ds))
	require.Nil(t, flusher.Sync())

	got, err := f.m.Dataspace(1)
	require.Nil(t, err)
	assert.Equal(t, vars, dumpVariables(t, got))
}

// batchCounter counts the batches written through it.
type batchCounter struct {
	*swap.MemStore
	batches int
}

func (s *batchCounter) WriteBatch(kind swap.Kind, records map[uint32][]byte) error {
	s.batches++
	return s.MemStore.WriteBatch(kind, records)
}

func TestSaveAllWritesOneBatch(t *testing.T) {
	f := newFixture(t)
	store := &batchCounter{MemStore: f.store}
	f.m.store = store
	ds1 := f.newDataspace(t, 1, 6)
	fillDataspace(t, f, ds1)
	ds2 := f.newDataspace(t, 2, 1)
	mustAssign(t, ds2, 0, value.NewInt(9))
	ds3 := f.newDataspace(t, 3, 1)
	vars := dumpVariables(t, ds1)

	require.Nil(t, f.m.SaveAll())
	assert.Equal(t, 1, store.batches)
	assert.False(t, ds1.Dirty())
	assert.False(t, ds2.Dirty())
	ids, err := f.store.IDs(swap.KindDataspace)
	require.Nil(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, ids)

	// Nothing dirty, nothing written.
	require.Nil(t, f.m.SaveAll())
	assert.Equal(t, 1, store.batches)

	for _, ds := range []*Dataspace{ds1, ds2, ds3} {
		ds.evict()
	}
	got, err := f.m.Dataspace(1)
	require.Nil(t, err)
	assert.Equal(t, vars, dumpVariables(t, got))
	got, err = f.m.Dataspace(2)
	require.Nil(t, err)
	assert.Equal(t, value.NewInt(9), mustGet(t, got, 0))
}
