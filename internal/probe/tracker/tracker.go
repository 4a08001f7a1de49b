// Package tracker receives the rewriter's structural-change notifications
// and keeps the probe index, the probe id pool and the per-class change
// logs consistent with them.
//
// The rewriter drives a Tracker through the ProbeLog interface:
//
//	ClassBegin("com.acme.Cart")
//	    MethodBegin(add(I)V)
//	        id := NewProbe(kind, keys)
//	        ProbeInserted(id, kind, start, length, precedes)
//	        ProbeRemoved(old, kind)
//	    MethodEnd(offsets)
//	ClassEnd()
//
// Offsets recorded before a rewrite are remapped through the table handed to
// MethodEnd, so the stored log always describes the current code.
//
// Thread Safety: not internally synchronized. The coordinator holds its
// structural lock for the whole rewrite of a class.
package tracker

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/index"
)

// ProbeLog is the notification surface exposed to the class rewriter.
type ProbeLog interface {
	ClassBegin(class string)
	MethodBegin(loc event.Location)
	NewProbe(kind event.Kind, keys event.KeySet) int32
	ProbeInserted(id int32, kind event.Kind, start int32, length int, precedes bool)
	ProbeRemoved(id int32, kind event.Kind)
	ExceptionHandlerAdded(id int32, h HandlerRange, removable bool)
	CallInterceptorAdded(id int32, kind event.Kind, start int32, target Interceptor)
	FieldInterceptorAdded(id int32, kind event.Kind, start int32, target Interceptor)
	StaticInitializerAdded()
	ExitProbeAdded(id int32)
	MethodEnd(offsets map[int32]int32) error
	ClassEnd() error
}

// LogStore persists class logs between rewrites.
type LogStore interface {
	// LoadClassLog returns the stored log for class, or nil if none exists.
	LoadClassLog(class string) (*ClassLog, error)
	SaveClassLog(log *ClassLog) error
}

// ErrNoMethod is recorded when a notification arrives outside a method.
var ErrNoMethod = errors.New("tracker: notification outside MethodBegin/MethodEnd")

type probeRef struct {
	kind event.Kind
	loc  event.Location
}

// Stats counts notifications since the tracker was created.
type Stats struct {
	Created  int
	Freed    int
	Inserted int
	Removed  int
}

// Tracker implements ProbeLog over a probe table.
type Tracker struct {
	table *index.Table
	ids   *IDAllocator
	store LogStore
	log   *zap.Logger

	owners map[int32]probeRef
	logs   map[string]*ClassLog

	class    *ClassLog
	method   *MethodLog
	loc      event.Location
	added    bool // current method was synthesized by the rewriter
	fresh    []Change
	handlers []HandlerRange
	errs     []error

	batch *batch
	stats Stats
}

// New returns a tracker recording into table and ids. A nil store keeps
// class logs in memory only.
func New(table *index.Table, ids *IDAllocator, store LogStore, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		store: store,
		log:   log.Named("tracker"),
		logs:  make(map[string]*ClassLog),
	}
	t.Reset(table, ids)
	return t
}

// Reset points the tracker at a new table and allocator, as after loading a
// saved state, and rebuilds the id to record map. Cached class logs are
// dropped.
func (t *Tracker) Reset(table *index.Table, ids *IDAllocator) {
	t.table, t.ids = table, ids
	t.owners = make(map[int32]probeRef)
	clear(t.logs)
	for _, kind := range table.Kinds() {
		for r := range table.Index(kind).All() {
			t.owners[r.ID] = probeRef{kind: kind, loc: r.Location}
		}
	}
}

// Table returns the probe table.
func (t *Tracker) Table() *index.Table { return t.table }

// IDs returns the id allocator.
func (t *Tracker) IDs() *IDAllocator { return t.ids }

// Stats returns notification counters.
func (t *Tracker) Stats() Stats { return t.stats }

// ClassLog returns the change log of class, loading it from the store on
// first use. It returns nil if the class was never rewritten.
func (t *Tracker) ClassLog(class string) (*ClassLog, error) {
	if c, ok := t.logs[class]; ok {
		return c, nil
	}
	if t.store == nil {
		return nil, nil
	}
	c, err := t.store.LoadClassLog(class)
	if err != nil {
		return nil, fmt.Errorf("load change log of %s: %w", class, err)
	}
	if c != nil {
		t.logs[class] = c
	}
	return c, nil
}

// ClassBegin starts recording the rewrite of class.
func (t *Tracker) ClassBegin(class string) {
	t.errs = nil
	c, err := t.ClassLog(class)
	if err != nil {
		t.errs = append(t.errs, err)
	}
	if c == nil {
		c = NewClassLog(class)
	} else {
		c = c.Clone()
	}
	t.class = c
	t.method = nil
	t.markClass()
}

// MethodBegin starts recording edits to the member at loc.
func (t *Tracker) MethodBegin(loc event.Location) {
	if t.class == nil {
		t.errs = append(t.errs, fmt.Errorf("tracker: MethodBegin(%s) outside ClassBegin/ClassEnd", loc))
		return
	}
	t.loc = loc
	t.method = t.class.Method(loc.MemberKey())
	_, t.added = t.class.Added[loc.MemberKey()]
	t.fresh = t.fresh[:0]
	t.handlers = t.handlers[:0]
}

// NewProbe allocates an id for a probe of kind at the current method and
// records it in the index with keys.
func (t *Tracker) NewProbe(kind event.Kind, keys event.KeySet) int32 {
	id := t.ids.Next()
	r := index.NewRecord(id, t.loc)
	if keys != nil {
		r.LiveKeys = keys.Clone()
	}
	x := t.table.Index(kind)
	x.Add(r)
	t.owners[id] = probeRef{kind: kind, loc: t.loc}
	t.undoCreate(x, id, t.loc)
	if t.added {
		member := t.loc.MemberKey()
		t.class.Added[member] = append(t.class.Added[member], id)
	}
	t.stats.Created++
	return id
}

func (t *Tracker) record(id int32) *index.Record {
	ref, ok := t.owners[id]
	if !ok {
		return nil
	}
	return t.table.Index(ref.kind).Lookup(ref.loc, id)
}

// ProbeInserted records an inserted probe body of length bytes at start.
func (t *Tracker) ProbeInserted(id int32, kind event.Kind, start int32, length int, precedes bool) {
	n, err := checkLength(length)
	if err != nil {
		t.errs = append(t.errs, err)
		return
	}
	t.edit(Change{Action: ActionInsert, ProbeID: id, Kind: kind, Start: start, Length: n, Precedes: precedes})
}

// CallInterceptorAdded records a call site redirected for probe id.
func (t *Tracker) CallInterceptorAdded(id int32, kind event.Kind, start int32, target Interceptor) {
	t.edit(Change{Action: ActionCallIntercept, ProbeID: id, Kind: kind, Start: start, Target: target})
}

// FieldInterceptorAdded records a field access redirected for probe id.
func (t *Tracker) FieldInterceptorAdded(id int32, kind event.Kind, start int32, target Interceptor) {
	t.edit(Change{Action: ActionFieldIntercept, ProbeID: id, Kind: kind, Start: start, Target: target})
}

func (t *Tracker) edit(ch Change) {
	if t.method == nil {
		t.errs = append(t.errs, fmt.Errorf("%w: probe %d", ErrNoMethod, ch.ProbeID))
		return
	}
	r := t.record(ch.ProbeID)
	if r == nil {
		t.errs = append(t.errs, fmt.Errorf("tracker: edit for unknown probe %d", ch.ProbeID))
		return
	}
	r.ChangeCount++
	t.undo(func() { r.ChangeCount-- })
	t.fresh = append(t.fresh, ch)
	t.stats.Inserted++
}

// ProbeRemoved records the retraction of one edit of probe id. When the
// probe has no edits left and no key needs it, its record is dropped and
// the id is returned to the pool.
func (t *Tracker) ProbeRemoved(id int32, kind event.Kind) {
	ref, ok := t.owners[id]
	if !ok {
		t.log.Warn("removal of unknown probe", zap.Int32("probe", id), zap.Stringer("kind", kind))
		return
	}
	x := t.table.Index(ref.kind)
	if r := x.Lookup(ref.loc, id); r != nil {
		t.undoRetract(x, r, ref, r.ChangeCount)
	}
	remaining := x.DecrementAndMaybeRemove(ref.loc, id)
	if remaining < 0 {
		t.log.Warn("removal of probe missing from index", zap.Int32("probe", id), zap.Stringer("location", ref.loc))
		return
	}
	t.stats.Removed++
	if t.method != nil {
		if i := slices.IndexFunc(t.method.Changes, func(c Change) bool { return c.ProbeID == id }); i >= 0 {
			t.method.Changes = slices.Delete(t.method.Changes, i, i+1)
		}
	}
	if remaining == 0 && x.Lookup(ref.loc, id) == nil {
		t.release(id)
	}
}

// Drop removes probe id when it has no edits and no keys, freeing its id
// without a rewrite. It reports whether the probe was dropped.
func (t *Tracker) Drop(id int32) bool {
	ref, ok := t.owners[id]
	if !ok {
		return false
	}
	x := t.table.Index(ref.kind)
	r := x.Lookup(ref.loc, id)
	if r == nil || r.ChangeCount > 0 || r.LiveKeys.Len() > 0 {
		return false
	}
	x.Remove(ref.loc, id)
	t.release(id)
	return true
}

// ReleaseID forgets probe id after the caller removed its record from the
// index, as when a filtered iterator drops it in place.
func (t *Tracker) ReleaseID(id int32) {
	if _, ok := t.owners[id]; ok {
		t.release(id)
	}
}

// release forgets probe id everywhere and frees it.
func (t *Tracker) release(id int32) {
	delete(t.owners, id)
	if t.method != nil {
		t.method.Handlers = slices.DeleteFunc(t.method.Handlers, func(h HandlerRange) bool { return h.ProbeID == id })
		if t.method.ExitProbeID == id {
			t.method.ExitProbeID = -1
		}
	}
	if t.class != nil {
		for member, ids := range t.class.Added {
			t.class.Added[member] = slices.DeleteFunc(ids, func(p int32) bool { return p == id })
		}
	}
	t.ids.Free(id)
	t.stats.Freed++
}

// ExceptionHandlerAdded records a handler added for probe id. Removable
// handlers are retracted with the probe; the others stay for the life of the
// class.
func (t *Tracker) ExceptionHandlerAdded(id int32, h HandlerRange, removable bool) {
	if t.method == nil {
		t.errs = append(t.errs, fmt.Errorf("%w: handler for probe %d", ErrNoMethod, id))
		return
	}
	h.ProbeID = id
	if !removable {
		t.method.Synthetic = append(t.method.Synthetic, h.Handler)
		return
	}
	t.handlers = append(t.handlers, h)
}

// StaticInitializerAdded records that the rewriter synthesized a static
// initializer for the current class.
func (t *Tracker) StaticInitializerAdded() {
	if t.class == nil {
		return
	}
	member := event.StaticInitializer(t.class.Class).MemberKey()
	if _, ok := t.class.Added[member]; !ok {
		t.class.Added[member] = nil
	}
}

// ExitProbeAdded records the probe that observes every exit of the current
// method.
func (t *Tracker) ExitProbeAdded(id int32) {
	if t.method == nil {
		t.errs = append(t.errs, fmt.Errorf("%w: exit probe %d", ErrNoMethod, id))
		return
	}
	t.method.ExitProbeID = id
}

// MethodEnd closes the current method. Offsets recorded by earlier rewrites
// are translated through offsets (old offset to new offset); edits reported
// during this rewrite are already in new offsets and are merged in by start.
func (t *Tracker) MethodEnd(offsets map[int32]int32) error {
	m := t.method
	if m == nil {
		return ErrNoMethod
	}
	t.method = nil

	for i := range m.Changes {
		n, ok := remap(offsets, m.Changes[i].Start)
		if !ok {
			return t.fail(fmt.Errorf("tracker: %s: no new offset for change at %d", t.loc, m.Changes[i].Start))
		}
		m.Changes[i].Start = n
	}
	for i := range m.Handlers {
		h := &m.Handlers[i]
		start, ok1 := remap(offsets, h.Start)
		end, ok2 := remap(offsets, h.End)
		handler, ok3 := remap(offsets, h.Handler)
		if !ok1 || !ok2 || !ok3 {
			return t.fail(fmt.Errorf("tracker: %s: no new offsets for handler of probe %d", t.loc, h.ProbeID))
		}
		h.Start, h.End, h.Handler = start, end, handler
	}

	m.Changes = append(m.Changes, t.fresh...)
	slices.SortStableFunc(m.Changes, byStart)
	m.Handlers = append(m.Handlers, t.handlers...)
	t.fresh = t.fresh[:0]
	t.handlers = t.handlers[:0]
	return nil
}

func (t *Tracker) fail(err error) error {
	t.errs = append(t.errs, err)
	return err
}

// ClassEnd closes the current class and persists its log. It returns the
// first error recorded while the class was open.
func (t *Tracker) ClassEnd() error {
	c := t.class
	t.class, t.method = nil, nil
	if c == nil {
		return fmt.Errorf("tracker: ClassEnd without ClassBegin")
	}
	if err := multierr.Combine(t.errs...); err != nil {
		t.errs = nil
		return err
	}
	if t.batch != nil {
		t.stage(c.Class)
		t.logs[c.Class] = c
		return nil
	}
	t.logs[c.Class] = c
	if t.store != nil {
		if err := t.store.SaveClassLog(c); err != nil {
			return fmt.Errorf("save change log of %s: %w", c.Class, err)
		}
	}
	t.log.Debug("class log updated",
		zap.String("class", c.Class),
		zap.Int("methods", len(c.Methods)),
		zap.Int("probes", len(c.Probes())))
	return nil
}

// Abort discards the class in progress, as when the rewriter fails.
func (t *Tracker) Abort() {
	t.class, t.method = nil, nil
	t.fresh = t.fresh[:0]
	t.handlers = t.handlers[:0]
	t.errs = nil
}

// Forget drops every cached class log.
func (t *Tracker) Forget() {
	clear(t.logs)
}
