// Package origin records where enable and disable requests came from.
//
// When a redefinition cycle fails, the coordinator logs the stack of the
// goroutine that asked for it. Stacks are captured at request time, when the
// caller's frames still exist, and deduplicated by hash so that a consumer
// issuing thousands of requests from one call site stores one stack.
//
// Design:
//   - Fixed-size traces (MaxFrames program counters per stack)
//   - FNV-1a hash over the program counters as the stack id
//   - sync.Map storage owned by a Depot instance
//
// Usage:
//
//	d := origin.NewDepot()
//	id := d.Capture(0)
//	...
//	log.Error("cycle failed", zap.String("origin", d.Get(id).Format()))
package origin

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxFrames is the number of frames kept per stack.
const MaxFrames = 16

// Trace is a captured stack.
type Trace struct {
	PC [MaxFrames]uintptr
}

// Depot stores deduplicated stacks.
//
// Thread Safety: Capture, Get, Len and Format are safe for concurrent use.
// Reset must not race with other calls.
type Depot struct {
	traces sync.Map // uint64 -> *Trace
	count  atomic.Int64
}

// NewDepot returns an empty depot.
func NewDepot() *Depot {
	return &Depot{}
}

// Capture records the stack of its caller and returns its id. skip counts
// additional frames to drop above the caller, so a helper that captures on
// behalf of its own caller passes 1.
//
// Returns 0 when no frames are available.
//
// Performance: one runtime.Callers plus a hash; no allocation when the stack
// was seen before.
func (d *Depot) Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	// Skip runtime.Callers and Capture itself.
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return 0
	}

	id := hashStack(pcs[:n])
	if _, ok := d.traces.Load(id); ok {
		return id
	}
	if _, loaded := d.traces.LoadOrStore(id, &Trace{PC: pcs}); !loaded {
		d.count.Add(1)
	}
	return id
}

// Get returns the stack with id, or nil.
func (d *Depot) Get(id uint64) *Trace {
	if id == 0 {
		return nil
	}
	v, ok := d.traces.Load(id)
	if !ok {
		return nil
	}
	return v.(*Trace)
}

// Len returns the number of distinct stacks stored.
func (d *Depot) Len() int {
	return int(d.count.Load())
}

// Reset drops every stored stack.
func (d *Depot) Reset() {
	d.traces.Range(func(k, _ any) bool {
		d.traces.Delete(k)
		return true
	})
	d.count.Store(0)
}

func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Format renders the stack one frame per two lines, skipping runtime
// frames:
//
//	github.com/acme/session.(*Session).Enable()
//	    /src/session/session.go:88
func (t *Trace) Format() string {
	if t == nil {
		return "  <unknown>\n"
	}
	frames := runtime.CallersFrames(t.PC[:])

	var b strings.Builder
	for {
		f, more := frames.Next()
		if f.PC == 0 {
			break
		}
		if !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "  %s()\n      %s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	if b.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return b.String()
}

// Top returns the function name of the innermost non-runtime frame, or "".
func (t *Trace) Top() string {
	if t == nil {
		return ""
	}
	frames := runtime.CallersFrames(t.PC[:])
	for {
		f, more := frames.Next()
		if f.PC == 0 {
			return ""
		}
		if !strings.HasPrefix(f.Function, "runtime.") {
			return f.Function
		}
		if !more {
			return ""
		}
	}
}
