package tracker

import (
	"fmt"

	"github.com/eapache/queue"

	"github.com/kolkov/probeweaver/internal/probe/wire"
)

// IDAllocator hands out probe ids.
//
// Freed ids are reused in the order they were freed (FIFO), so an id that
// was just retracted is the last to be handed out again. When no freed id
// is available the next unused id is minted. Ids start at 1.
//
// Thread Safety: not safe for concurrent use; callers hold the
// coordinator's structural lock.
type IDAllocator struct {
	free   *queue.Queue
	queued map[int32]bool
	next   int32
}

// NewIDAllocator returns an allocator whose first id is 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{free: queue.New(), queued: make(map[int32]bool), next: 1}
}

// Next returns an unused id.
func (a *IDAllocator) Next() int32 {
	if a.free.Length() > 0 {
		id := a.free.Remove().(int32)
		delete(a.queued, id)
		return id
	}
	id := a.next
	a.next++
	return id
}

// Free returns id to the pool. Ids never handed out, and ids already free,
// are ignored and reported as false.
func (a *IDAllocator) Free(id int32) bool {
	if id <= 0 || id >= a.next || a.queued[id] {
		return false
	}
	a.free.Add(id)
	a.queued[id] = true
	return true
}

// Live returns the number of ids currently handed out.
func (a *IDAllocator) Live() int {
	return int(a.next-1) - a.free.Length()
}

// Peek returns the next id without allocating it.
func (a *IDAllocator) Peek() int32 {
	if a.free.Length() > 0 {
		return a.free.Peek().(int32)
	}
	return a.next
}

// Freed returns the free ids in reuse order.
func (a *IDAllocator) Freed() []int32 {
	out := make([]int32, a.free.Length())
	for i := range out {
		out[i] = a.free.Get(i).(int32)
	}
	return out
}

// Clone returns an independent copy of the allocator.
func (a *IDAllocator) Clone() *IDAllocator {
	out := NewIDAllocator()
	out.next = a.next
	for _, id := range a.Freed() {
		out.free.Add(id)
		out.queued[id] = true
	}
	return out
}

// Restore overwrites a with the state of from, keeping a's identity so
// holders of a see the restored state.
func (a *IDAllocator) Restore(from *IDAllocator) {
	c := from.Clone()
	a.free, a.queued, a.next = c.free, c.queued, c.next
}

// Encode writes int32(next) int32(count) int32(id)* with ids in reuse order.
func (a *IDAllocator) Encode(w *wire.Writer) {
	w.WriteInt32(a.next)
	freed := a.Freed()
	w.WriteCount(len(freed))
	for _, id := range freed {
		w.WriteInt32(id)
	}
}

// DecodeIDAllocator reads an allocator written by Encode.
func DecodeIDAllocator(r *wire.Reader) (*IDAllocator, error) {
	a := NewIDAllocator()
	a.next = r.ReadInt32()
	n := r.ReadCount()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if a.next < 1 {
		return nil, fmt.Errorf("%w: next id %d", ErrCorrupt, a.next)
	}
	for range n {
		id := r.ReadInt32()
		if err := r.Err(); err != nil {
			return nil, err
		}
		if !a.Free(id) {
			return nil, fmt.Errorf("%w: free id %d invalid or repeated", ErrCorrupt, id)
		}
	}
	return a, nil
}

// String formats the allocator state for diagnostics.
func (a *IDAllocator) String() string {
	freed := a.Freed()
	if len(freed) > 8 {
		return fmt.Sprintf("next=%d live=%d free=%v...", a.next, a.Live(), freed[:8])
	}
	return fmt.Sprintf("next=%d live=%d free=%v", a.next, a.Live(), freed)
}
