package dataspace

import (
	"testing"

	"github.com/pingcap-incubator/tinyobj/kv/program"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An array hosted by one dataspace and stored by another inside a discarded level leaves no trace.
func TestImportDiscarded(t *testing.T) {
	f := newFixture(t)
	ds1 := f.newDataspace(t, 1, 1)
	ds2 := f.newDataspace(t, 2, 1)
	arr := value.NewArray(ints(1))
	mustAssign(t, ds1, 0, value.ArrayValue(arr))

	f.m.Begin()
	mustAssign(t, ds2, 0, value.ArrayValue(arr))
	assert.Equal(t, 1, ds2.ImportCount(arr))
	assert.Equal(t, 1, ds2.Imports())
	require.Nil(t, f.m.Discard(1))

	assert.Equal(t, 0, ds2.ImportCount(arr))
	assert.Equal(t, 0, ds2.Imports())
	n, ok := ds1.RefCount(arr)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(1), arr.Owner().Object)

	// Nothing left to export.
	require.Nil(t, f.m.ExportImports())
	assert.Equal(t, value.Nil, mustGet(t, ds2, 0))
}

func TestExportClones(t *testing.T) {
	f := newFixture(t)
	ds1 := f.newDataspace(t, 1, 1)
	ds2 := f.newDataspace(t, 2, 2)
	s := value.NewString("inner")
	arr := value.NewArray([]value.Value{value.StringValue(s), value.NewInt(2)})
	mustAssign(t, ds1, 0, value.ArrayValue(arr))

	f.m.Begin()
	mustAssign(t, ds2, 0, value.ArrayValue(arr))
	mustAssign(t, ds2, 1, value.ArrayValue(value.NewArray([]value.Value{value.ArrayValue(arr)})))
	require.Nil(t, f.m.Commit(1))
	assert.Equal(t, 2, ds2.ImportCount(arr))

	f.m.Begin()
	assert.Equal(t, ErrNotLevelZero, errors.Cause(f.m.ExportImports()))
	require.Nil(t, f.m.Commit(1))
	require.Nil(t, f.m.ExportImports())

	assert.Equal(t, 0, ds2.Imports())
	copy0 := mustGet(t, ds2, 0)
	assert.False(t, copy0.Same(value.ArrayValue(arr)))
	assert.Equal(t, uint32(2), copy0.Arr.Owner().Object)
	n, ok := ds2.RefCount(copy0.Arr)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	holder := mustGet(t, ds2, 1)
	assert.True(t, holder.Arr.Elts[0].Same(copy0))
	// The copy's elements are shared strings, now imported from ds1 and copied in turn.
	inner := copy0.Arr.Elts[0]
	assert.Equal(t, "inner", inner.Str.Text)
	assert.Equal(t, uint32(2), inner.Str.Owner().Object)

	n, ok = ds1.RefCount(arr)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.True(t, mustGet(t, ds1, 0).Same(value.ArrayValue(arr)))

	// Both now save and load independently.
	require.Nil(t, f.m.Swapout(ds1))
	require.Nil(t, f.m.Swapout(ds2))
	got, err := f.m.Dataspace(2)
	require.Nil(t, err)
	assert.Equal(t, "({\"inner\", 2})", deepString(mustGet(t, got, 0)))
}

func TestExportRehomes(t *testing.T) {
	f := newFixture(t)
	ds1 := f.newDataspace(t, 1, 1)
	ds2 := f.newDataspace(t, 2, 1)
	arr := value.NewArray(ints(1, 2))
	mustAssign(t, ds1, 0, value.ArrayValue(arr))
	mustAssign(t, ds2, 0, value.ArrayValue(arr))
	assert.Equal(t, 1, ds2.ImportCount(arr))

	// The host lets go; the importer keeps the array alive.
	mustAssign(t, ds1, 0, value.Nil)
	assert.True(t, arr.Owner().IsZero())

	require.Nil(t, f.m.ExportImports())
	assert.True(t, mustGet(t, ds2, 0).Same(value.ArrayValue(arr)))
	assert.Equal(t, uint32(2), arr.Owner().Object)
	n, ok := ds2.RefCount(arr)
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, ds2.Imports())
}

func TestExportAfterHostDestroyed(t *testing.T) {
	f := newFixture(t)
	ds1 := f.newDataspace(t, 1, 1)
	ds2 := f.newDataspace(t, 2, 1)
	s := value.NewString("orphan")
	mustAssign(t, ds1, 0, value.StringValue(s))
	mustAssign(t, ds2, 0, value.StringValue(s))
	require.Nil(t, f.m.Destroy(ds1))

	require.Nil(t, f.m.Swapout(ds2))
	got, err := f.m.Dataspace(2)
	require.Nil(t, err)
	assert.Equal(t, "\"orphan\"", mustGet(t, got, 0).String())
}

// Storing a value the dataspace imported and then adopting it folds the import into the local count.
func TestAdoptFoldsImports(t *testing.T) {
	f := newFixture(t)
	ds1 := f.newDataspace(t, 1, 1)
	ds2 := f.newDataspace(t, 2, 2)
	arr := value.NewArray(nil)
	mustAssign(t, ds1, 0, value.ArrayValue(arr))
	mustAssign(t, ds2, 0, value.ArrayValue(arr))
	require.Nil(t, f.m.Destroy(ds1))

	mustAssign(t, ds2, 1, value.ArrayValue(arr))
	assert.Equal(t, 0, ds2.ImportCount(arr))
	n, ok := ds2.RefCount(arr)
	require.True(t, ok)
	assert.Equal(t, 2, n)
}

func upgradeProgram(t *testing.T, f *fixture) *program.Program {
	prev, err := f.m.Program(1)
	require.Nil(t, err)
	// v0 is dropped, v1 moves to slot 0 and a new int slot is added.
	next, err := prev.Recompile(
		[]program.Variable{{Name: "v1"}, {Name: "count", Type: program.TypeInt}},
		[]program.Remap{program.Keep(1), {Op: program.RemapZeroInt}},
	)
	require.Nil(t, err)
	return next
}

func TestUpgradeLive(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 2)
	dropped := value.NewArray(ints(1))
	kept := value.NewString("kept")
	mustAssign(t, ds, 0, value.ArrayValue(dropped))
	mustAssign(t, ds, 1, value.StringValue(kept))

	next := upgradeProgram(t, f)
	f.m.Begin()
	assert.Equal(t, ErrNotLevelZero, errors.Cause(f.m.Upgrade(next)))
	require.Nil(t, f.m.Commit(1))
	require.Nil(t, f.m.Upgrade(next))

	assert.Equal(t, uint32(2), ds.Program().Version)
	assert.Equal(t, 2, ds.NumVariables())
	assert.True(t, mustGet(t, ds, 0).Same(value.StringValue(kept)))
	assert.Equal(t, value.NewInt(0), mustGet(t, ds, 1))
	assert.True(t, dropped.Owner().IsZero())

	assert.NotNil(t, f.m.Upgrade(next))
}

func TestUpgradeSwappedOut(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 2)
	dropped := value.NewArray(ints(1))
	mustAssign(t, ds, 0, value.ArrayValue(dropped))
	mustAssign(t, ds, 1, value.StringValue(value.NewString("kept")))
	require.Nil(t, f.m.Swapout(ds))

	next := upgradeProgram(t, f)
	require.Nil(t, f.m.Upgrade(next))
	// A second recompile while still swapped out.
	third, err := next.Recompile(
		[]program.Variable{{Name: "count", Type: program.TypeInt}, {Name: "v1"}},
		[]program.Remap{program.Keep(1), program.Keep(0)},
	)
	require.Nil(t, err)
	require.Nil(t, f.m.Upgrade(third))

	// Forget the cached control block so it is read back from the store.
	delete(f.m.programs, 1)
	got, err := f.m.Dataspace(1)
	require.Nil(t, err)
	assert.Equal(t, uint32(3), got.Program().Version)
	assert.True(t, got.Dirty())
	assert.Equal(t, value.NewInt(0), mustGet(t, got, 0))
	assert.Equal(t, "\"kept\"", mustGet(t, got, 1).String())

	require.Nil(t, f.m.Swapout(got))
	again, err := f.m.Dataspace(1)
	require.Nil(t, err)
	assert.False(t, again.Dirty())
	assert.Equal(t, uint32(3), again.Program().Version)
	assert.Equal(t, "\"kept\"", mustGet(t, again, 1).String())
}

// A remap that cannot apply leaves both the stored control block and the dataspaces at the old version.
func TestUpgradeRejectsBadRemap(t *testing.T) {
	f := newFixture(t)
	ds := f.newDataspace(t, 1, 2)
	mustAssign(t, ds, 0, value.StringValue(value.NewString("kept")))
	other := f.newDataspace(t, 2, 2)
	require.Nil(t, f.m.Swapout(other))

	prev, err := f.m.Program(1)
	require.Nil(t, err)
	next, err := prev.Recompile(
		[]program.Variable{{Name: "a"}, {Name: "b"}},
		[]program.Remap{program.Keep(0), program.Keep(0)},
	)
	require.Nil(t, err)
	assert.NotNil(t, f.m.Upgrade(next))

	assert.Equal(t, uint32(1), ds.Program().Version)
	p, err := f.m.Program(1)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), p.Version)
	delete(f.m.programs, 1)
	p, err = f.m.Program(1)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), p.Version)

	got, err := f.m.Dataspace(2)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), got.Program().Version)
	require.Nil(t, f.m.Swapout(ds))
	got, err = f.m.Dataspace(1)
	require.Nil(t, err)
	assert.Equal(t, "\"kept\"", mustGet(t, got, 0).String())
}
