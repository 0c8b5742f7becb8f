package dataspace

import (
	"time"

	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/pingcap/errors"
)

// calloutArgs is the number of argument slots stored inline; further arguments are spread into an array held in
// the last slot.
const calloutArgs = 3

// Callout is a delayed function call scheduled by an object. Handle 0 marks a free slot.
type Callout struct {
	Handle uint32
	Func   string
	Time   uint64
	MTime  uint16
	NArgs  int
	Args   [calloutArgs]value.Value
}

func (c *Callout) pack(args []value.Value) {
	c.NArgs = len(args)
	if len(args) <= calloutArgs {
		copy(c.Args[:], args)
		return
	}
	copy(c.Args[:calloutArgs-1], args)
	spread := append([]value.Value(nil), args[calloutArgs-1:]...)
	c.Args[calloutArgs-1] = value.ArrayValue(value.NewArray(spread))
}

// values returns the argument slots in use.
func (c *Callout) values() []value.Value {
	if c.NArgs < calloutArgs {
		return c.Args[:c.NArgs]
	}
	return c.Args[:]
}

// Arguments returns the full argument list, unspreading the last slot.
func (c *Callout) Arguments() []value.Value {
	if c.NArgs <= calloutArgs {
		return append([]value.Value(nil), c.Args[:c.NArgs]...)
	}
	args := make([]value.Value, 0, c.NArgs)
	args = append(args, c.Args[:calloutArgs-1]...)
	spread := c.Args[calloutArgs-1].Arr
	spread.PageIn()
	return append(args, spread.Elts...)
}

func (ds *Dataspace) calloutTable() {
	if !ds.calloutsLoaded {
		if ds.img != nil {
			ds.callouts, ds.free = ds.img.callouts()
			for _, c := range ds.callouts {
				if c.Handle != 0 {
					ds.ncallouts++
				}
			}
		}
		ds.calloutsLoaded = true
	}
}

func (ds *Dataspace) lookupCallout(handle uint32) (Callout, bool) {
	ds.calloutTable()
	if handle == 0 || int(handle) > len(ds.callouts) || ds.callouts[handle-1].Handle == 0 {
		return Callout{}, false
	}
	return ds.callouts[handle-1], true
}

func (ds *Dataspace) allocSlot() uint32 {
	if n := len(ds.free); n > 0 {
		h := ds.free[n-1]
		ds.free = ds.free[:n-1]
		return h
	}
	ds.callouts = append(ds.callouts, Callout{})
	return uint32(len(ds.callouts))
}

// dropCallout empties the slot of handle without touching reference counts or the scheduler.
func (ds *Dataspace) dropCallout(handle uint32) {
	ds.callouts[handle-1] = Callout{}
	ds.free = append(ds.free, handle)
	ds.ncallouts--
}

// restoreCallout puts c back into its slot, taking the slot off the free list.
func (ds *Dataspace) restoreCallout(c Callout) {
	for i := len(ds.free) - 1; i >= 0; i-- {
		if ds.free[i] == c.Handle {
			ds.free = append(ds.free[:i], ds.free[i+1:]...)
			break
		}
	}
	ds.callouts[c.Handle-1] = c
	ds.ncallouts++
}

// NewCallout schedules fn to be called with args after delay and returns its handle. Within an atomic call the
// scheduler only learns about the callout when the outermost level commits.
func (ds *Dataspace) NewCallout(fn string, delay time.Duration, args ...value.Value) (uint32, error) {
	if err := ds.check(); err != nil {
		return 0, err
	}
	if fn == "" {
		return 0, errors.New("dataspace: callout without function")
	}
	if delay < 0 {
		delay = 0
	}
	ds.calloutTable()
	ds.touch()

	t, m := ds.m.sched.Now()
	at := t*1000 + uint64(m) + uint64(delay/time.Millisecond)
	c := Callout{Func: fn, Time: at / 1000, MTime: uint16(at % 1000)}
	c.pack(args)
	for _, v := range c.values() {
		ds.reference(v)
	}
	c.Handle = ds.allocSlot()
	ds.callouts[c.Handle-1] = c
	ds.ncallouts++
	ds.dirty = true

	ds.m.sched.Charge(ds.index, 1)
	if ds.plane.level == 0 {
		ds.m.sched.Schedule(ds.index, c.Handle, c.Time, c.MTime)
	} else {
		added := c
		ds.m.patches.add(ds.plane, &added)
	}
	return c.Handle, nil
}

// RemoveCallout removes the callout with handle and returns the milliseconds it had left to run, or -1 if there
// is no such callout.
func (ds *Dataspace) RemoveCallout(handle uint32) (int64, error) {
	if err := ds.check(); err != nil {
		return -1, err
	}
	c, ok := ds.lookupCallout(handle)
	if !ok {
		return -1, nil
	}
	ds.touch()
	ds.removeCallout(c, true)

	t, m := ds.m.sched.Now()
	left := int64(c.Time*1000+uint64(c.MTime)) - int64(t*1000+uint64(m))
	if left < 0 {
		left = 0
	}
	return left, nil
}

// ElapsedCallout takes the callout with handle out of ds because the scheduler has just fired it, and returns the
// function and arguments to call.
func (ds *Dataspace) ElapsedCallout(handle uint32) (string, []value.Value, error) {
	if err := ds.check(); err != nil {
		return "", nil, err
	}
	c, ok := ds.lookupCallout(handle)
	if !ok {
		return "", nil, errors.Annotatef(ErrNoSuchCallout, "object %d handle %d", ds.index, handle)
	}
	args := c.Arguments()
	for i, v := range args {
		args[i] = ds.normalize(v)
	}
	ds.touch()
	ds.removeCallout(c, false)
	return c.Func, args, nil
}

func (ds *Dataspace) removeCallout(c Callout, cancel bool) {
	for _, v := range c.values() {
		ds.release(v)
	}
	ds.dropCallout(c.Handle)
	ds.dirty = true

	ds.m.sched.Charge(ds.index, -1)
	if ds.plane.level == 0 {
		if cancel {
			ds.m.sched.Cancel(ds.index, c.Handle, c.Time, c.MTime)
		}
	} else {
		removed := c
		ds.m.patches.remove(ds.plane, &removed, !cancel)
	}
}

// Callouts returns the live callouts of ds in handle order.
func (ds *Dataspace) Callouts() []Callout {
	ds.calloutTable()
	list := make([]Callout, 0, ds.ncallouts)
	for _, c := range ds.callouts {
		if c.Handle != 0 {
			list = append(list, c)
		}
	}
	return list
}

// NumCallouts returns the number of live callouts.
func (ds *Dataspace) NumCallouts() int {
	ds.calloutTable()
	return ds.ncallouts
}
