package tracker

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/wire"
)

// ErrCorrupt is returned when an encoded class log or allocator is malformed.
var ErrCorrupt = errors.New("tracker: corrupt encoding")

// Action is the kind of a recorded code edit.
type Action uint8

// Edit actions.
const (
	ActionInsert         Action = 1 // probe code inserted at Start
	ActionCallIntercept  Action = 2 // call site redirected to an interceptor
	ActionFieldIntercept Action = 3 // field access redirected to an interceptor
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionCallIntercept:
		return "call-intercept"
	case ActionFieldIntercept:
		return "field-intercept"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Interceptor names the member an intercepted instruction now targets.
type Interceptor struct {
	Owner     string
	Name      string
	Signature string
}

// Change is one code edit realizing a probe.
type Change struct {
	Action   Action
	ProbeID  int32
	Kind     event.Kind
	Start    int32
	Length   int16 // inserts only
	Precedes bool  // inserts only: placed before the instruction at Start
	Target   Interceptor
}

// HandlerRange is an exception handler added for a probe.
type HandlerRange struct {
	ProbeID   int32
	Start     int32
	End       int32
	Handler   int32
	CatchType string
}

// MethodLog records the edits applied to one method.
type MethodLog struct {
	Changes     []Change       // sorted by Start
	Handlers    []HandlerRange // removable handlers
	Synthetic   []int32        // handler offsets that are never retracted
	ExitProbeID int32          // -1 when the method has no exit probe
}

func newMethodLog() *MethodLog {
	return &MethodLog{ExitProbeID: -1}
}

// ClassLog records the edits applied to one class, so a later rewrite can
// retract them precisely.
type ClassLog struct {
	Class   string
	Methods map[string]*MethodLog // keyed by Location.MemberKey
	Added   map[string][]int32    // members synthesized by the rewriter and the probes they hold
}

// NewClassLog returns an empty log for class.
func NewClassLog(class string) *ClassLog {
	return &ClassLog{
		Class:   class,
		Methods: make(map[string]*MethodLog),
		Added:   make(map[string][]int32),
	}
}

// Method returns the log for member, creating it.
func (c *ClassLog) Method(member string) *MethodLog {
	m := c.Methods[member]
	if m == nil {
		m = newMethodLog()
		c.Methods[member] = m
	}
	return m
}

// Clone returns a deep copy of c.
func (c *ClassLog) Clone() *ClassLog {
	out := NewClassLog(c.Class)
	for member, ids := range c.Added {
		out.Added[member] = slices.Clone(ids)
	}
	for member, m := range c.Methods {
		out.Methods[member] = &MethodLog{
			Changes:     slices.Clone(m.Changes),
			Handlers:    slices.Clone(m.Handlers),
			Synthetic:   slices.Clone(m.Synthetic),
			ExitProbeID: m.ExitProbeID,
		}
	}
	return out
}

// Probes returns the distinct probe ids with edits in the class, ascending.
func (c *ClassLog) Probes() []int32 {
	seen := make(map[int32]struct{})
	for _, m := range c.Methods {
		for _, ch := range m.Changes {
			seen[ch.ProbeID] = struct{}{}
		}
		if m.ExitProbeID >= 0 {
			seen[m.ExitProbeID] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Empty reports whether the log records nothing.
func (c *ClassLog) Empty() bool {
	for _, m := range c.Methods {
		if len(m.Changes) > 0 || len(m.Handlers) > 0 || len(m.Synthetic) > 0 || m.ExitProbeID >= 0 {
			return false
		}
	}
	return len(c.Added) == 0
}

// Encode writes the log:
//
//	int32(nAdded) { UTF(member) int32(n) int32(id)* }*
//	int32(nMethods) { UTF(member) int32(nChanges) change*
//	                  int32(nHandlers) { int32 probe, start, end, handler UTF(catch) }*
//	                  int32(nSynthetic) int32* int32(exitProbe) }*
//	change: byte(action) int32(probe) byte(kind) int32(start)
//	        insert: int16(length) bool(precedes)
//	        intercept: UTF(owner) UTF(name) UTF(signature)
//
// Members are written in sorted order.
func (c *ClassLog) Encode(w *wire.Writer) {
	added := slices.Sorted(maps.Keys(c.Added))
	w.WriteCount(len(added))
	for _, member := range added {
		w.WriteUTF(member)
		ids := c.Added[member]
		w.WriteCount(len(ids))
		for _, id := range ids {
			w.WriteInt32(id)
		}
	}

	members := slices.Sorted(maps.Keys(c.Methods))
	w.WriteCount(len(members))
	for _, member := range members {
		m := c.Methods[member]
		w.WriteUTF(member)
		w.WriteCount(len(m.Changes))
		for _, ch := range m.Changes {
			encodeChange(w, ch)
		}
		w.WriteCount(len(m.Handlers))
		for _, h := range m.Handlers {
			w.WriteInt32(h.ProbeID)
			w.WriteInt32(h.Start)
			w.WriteInt32(h.End)
			w.WriteInt32(h.Handler)
			w.WriteUTF(h.CatchType)
		}
		w.WriteCount(len(m.Synthetic))
		for _, off := range m.Synthetic {
			w.WriteInt32(off)
		}
		w.WriteInt32(m.ExitProbeID)
	}
}

func encodeChange(w *wire.Writer, ch Change) {
	w.WriteUint8(byte(ch.Action))
	w.WriteInt32(ch.ProbeID)
	w.WriteUint8(byte(ch.Kind))
	w.WriteInt32(ch.Start)
	switch ch.Action {
	case ActionInsert:
		w.WriteInt16(ch.Length)
		w.WriteBool(ch.Precedes)
	case ActionCallIntercept, ActionFieldIntercept:
		w.WriteUTF(ch.Target.Owner)
		w.WriteUTF(ch.Target.Name)
		w.WriteUTF(ch.Target.Signature)
	default:
		w.Fail(fmt.Errorf("tracker: unknown change action %d", ch.Action))
	}
}

// DecodeClassLog reads a log for class written by Encode.
func DecodeClassLog(r *wire.Reader, class string) (*ClassLog, error) {
	c := NewClassLog(class)

	nAdded := r.ReadCount()
	if err := r.Err(); err != nil {
		return nil, err
	}
	for range nAdded {
		member := r.ReadUTF()
		n := r.ReadCount()
		if err := r.Err(); err != nil {
			return nil, err
		}
		ids := make([]int32, 0, min(n, 1024))
		for range n {
			ids = append(ids, r.ReadInt32())
		}
		c.Added[member] = ids
	}

	nMethods := r.ReadCount()
	if err := r.Err(); err != nil {
		return nil, err
	}
	for range nMethods {
		member := r.ReadUTF()
		m := newMethodLog()
		n := r.ReadCount()
		if err := r.Err(); err != nil {
			return nil, err
		}
		for range n {
			ch, err := decodeChange(r)
			if err != nil {
				return nil, err
			}
			m.Changes = append(m.Changes, ch)
		}
		n = r.ReadCount()
		if err := r.Err(); err != nil {
			return nil, err
		}
		for range n {
			h := HandlerRange{ProbeID: r.ReadInt32(), Start: r.ReadInt32(), End: r.ReadInt32(), Handler: r.ReadInt32()}
			h.CatchType = r.ReadUTF()
			m.Handlers = append(m.Handlers, h)
		}
		n = r.ReadCount()
		if err := r.Err(); err != nil {
			return nil, err
		}
		for range n {
			m.Synthetic = append(m.Synthetic, r.ReadInt32())
		}
		m.ExitProbeID = r.ReadInt32()
		if err := r.Err(); err != nil {
			return nil, err
		}
		if !slices.IsSortedFunc(m.Changes, byStart) {
			return nil, fmt.Errorf("%w: changes of %s.%s out of order", ErrCorrupt, class, member)
		}
		c.Methods[member] = m
	}
	return c, nil
}

func decodeChange(r *wire.Reader) (Change, error) {
	ch := Change{
		Action:  Action(r.ReadUint8()),
		ProbeID: r.ReadInt32(),
		Kind:    event.Kind(r.ReadUint8()),
		Start:   r.ReadInt32(),
	}
	switch ch.Action {
	case ActionInsert:
		ch.Length = r.ReadInt16()
		ch.Precedes = r.ReadBool()
	case ActionCallIntercept, ActionFieldIntercept:
		ch.Target = Interceptor{Owner: r.ReadUTF(), Name: r.ReadUTF(), Signature: r.ReadUTF()}
	default:
		if r.Err() == nil {
			return ch, fmt.Errorf("%w: unknown change action %d", ErrCorrupt, ch.Action)
		}
	}
	return ch, r.Err()
}

func byStart(a, b Change) int {
	switch {
	case a.Start < b.Start:
		return -1
	case a.Start > b.Start:
		return 1
	}
	return 0
}

// remap translates old code offsets to new ones. A nil table means the code
// did not move.
func remap(offsets map[int32]int32, off int32) (int32, bool) {
	if offsets == nil {
		return off, true
	}
	n, ok := offsets[off]
	return n, ok
}

// checkLength verifies that an insert length fits the log format.
func checkLength(n int) (int16, error) {
	if n < 0 || n > math.MaxInt16 {
		return 0, fmt.Errorf("tracker: insert length %d out of range", n)
	}
	return int16(n), nil
}
