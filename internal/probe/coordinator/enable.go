package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/index"
)

// EnableMethodEvent asks for kind at loc on behalf of key and reports
// whether the class must be rewritten.
//
// When a probe already exists at loc the key joins its live keys and no
// rewrite is needed; a pending removal of that probe is withdrawn.
// Otherwise the member is marked dirty. Enabling the same event twice for
// the same key is idempotent.
//
// A synchronous call suspends the observed process first and, when a
// rewrite is needed, returns after the cycle has run; no event produced
// after it returns stems from the old instrumentation. Events already
// queued may still be delivered.
func (c *Coordinator) EnableMethodEvent(ctx context.Context, key event.ConsumerKey, kind event.Kind, loc event.Location, synchronous bool) (bool, error) {
	return c.methodEvent(ctx, key, kind, loc, synchronous, true, nil)
}

// DisableMethodEvent withdraws key's interest in kind at loc and reports
// whether the class must be rewritten, which is the case when key was the
// last one needing the probe. A key that never enabled the event is a no-op
// returning false.
func (c *Coordinator) DisableMethodEvent(ctx context.Context, key event.ConsumerKey, kind event.Kind, loc event.Location, synchronous bool) (bool, error) {
	return c.methodEvent(ctx, key, kind, loc, synchronous, false, nil)
}

func checkMethodRequest(kind event.Kind, loc event.Location) error {
	if !kind.RequiresRewrite() {
		return fmt.Errorf("%w: %s is not a method-level event", ErrMalformedRequest, kind)
	}
	if err := loc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

// methodEvent runs one enable or disable. bounds, when non-nil, records
// array index bounds for key before the probe is looked up.
func (c *Coordinator) methodEvent(ctx context.Context, key event.ConsumerKey, kind event.Kind, loc event.Location,
	synchronous, enable bool, bounds func(*event.AdaptiveSpec) bool) (bool, error) {
	if err := checkMethodRequest(kind, loc); err != nil {
		return false, err
	}
	if err := c.usable(); err != nil {
		return false, err
	}
	origin := c.captureOrigin()
	if synchronous {
		if err := c.dispatcher.SuspendTarget(ctx); err != nil {
			return false, &Diagnostic{Phase: PhaseSuspend, Message: "cannot suspend observed process", Err: err}
		}
	}

	c.mu.Lock()
	s, err := c.spec(key)
	var required bool
	if err == nil {
		if enable {
			changed := bounds != nil && bounds(s)
			required = c.enableLocked(s, kind, loc)
			if changed && !required {
				// New bounds change the guards around an existing probe.
				c.dirty.Mark(loc)
				required = true
			}
		} else {
			required = c.disableLocked(s, kind, loc)
		}
		c.metrics.dirty.Set(float64(c.dirty.Len()))
	}
	c.mu.Unlock()

	if err != nil {
		if synchronous {
			err = multierr.Append(err, c.dispatcher.ResumeTarget(ctx))
		}
		return false, err
	}
	c.log.Debug("method event",
		zap.Bool("enable", enable),
		zap.String("key", string(key)),
		zap.Stringer("kind", kind),
		zap.Stringer("location", loc),
		zap.Bool("rewrite", required))
	return required, c.flush(ctx, required, synchronous, origin)
}

// enableLocked applies an enable to the index. Called with mu held.
func (c *Coordinator) enableLocked(s *event.AdaptiveSpec, kind event.Kind, loc event.Location) bool {
	fresh := s.AddMethodEvent(kind, loc)
	if r := c.table.Find(kind, loc); r != nil {
		if r.LiveKeys.Len() == 0 {
			delete(c.removals, r.ID)
		}
		r.LiveKeys.Add(s.Key())
		return false
	}
	if !fresh && c.dirty.Has(loc) {
		return false
	}
	c.dirty.Mark(loc)
	return true
}

// disableLocked applies a disable to the index. Called with mu held.
func (c *Coordinator) disableLocked(s *event.AdaptiveSpec, kind event.Kind, loc event.Location) bool {
	s.RemoveMethodEvent(kind, loc)
	r := c.table.Find(kind, loc)
	if r == nil || !r.LiveKeys.Remove(s.Key()) {
		return false
	}
	return c.releaseRecord(r)
}

// releaseRecord handles a record that may have lost its last key and
// reports whether a rewrite is needed. Called with mu held.
func (c *Coordinator) releaseRecord(r *index.Record) bool {
	if r.LiveKeys.Len() > 0 {
		return false
	}
	if _, ok := c.removals[r.ID]; ok {
		return false
	}
	if r.ChangeCount == 0 {
		// Never realized in code; nothing to retract. A running cycle may
		// still roll back the id pool, so the drop waits for its cleanup.
		if !c.tracker.InBatch() {
			c.tracker.Drop(r.ID)
			return false
		}
		c.removals[r.ID] = r.Location
		return false
	}
	c.removals[r.ID] = r.Location
	c.dirty.Mark(r.Location)
	return true
}

// EnableRequest applies a request object produced by the specification
// parser. Array element requests also record their index bounds, and a
// change of bounds on an existing probe requires a rewrite.
func (c *Coordinator) EnableRequest(ctx context.Context, key event.ConsumerKey, req event.Request, synchronous bool) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	if !req.Include {
		return false, fmt.Errorf("%w: exclusion requests select probes to disable", ErrMalformedRequest)
	}
	if req.Kind.IsLiveRequest() {
		return c.EnableFieldEvent(ctx, key, req.Kind, req.Subject)
	}
	var bounds func(*event.AdaptiveSpec) bool
	if req.Kind.IsArrayElement() {
		bounds = func(s *event.AdaptiveSpec) bool {
			before := s.ArrayPredicates(req.Kind, req.Location)
			if before != nil {
				before = before.Clone()
			}
			s.AddArrayBounds(req.Kind, req.Location, req.ElementType, req.Bounds...)
			return !before.Equal(s.ArrayPredicates(req.Kind, req.Location))
		}
	}
	return c.methodEvent(ctx, key, req.Kind, req.Location, synchronous, true, bounds)
}

// DisableRequest withdraws a request object. A request carrying conditions
// releases key from every probe of its kind the conditions select.
func (c *Coordinator) DisableRequest(ctx context.Context, key event.ConsumerKey, req event.Request, synchronous bool) (bool, error) {
	if len(req.Conditions) > 0 && !req.Kind.IsLiveRequest() {
		n, err := c.DisableMatching(ctx, key, req.Kind, req.Conditions, synchronous)
		return n > 0, err
	}
	if err := req.Validate(); err != nil {
		return false, err
	}
	if req.Kind.IsLiveRequest() {
		return c.DisableFieldEvent(ctx, key, req.Kind, req.Subject)
	}
	return c.methodEvent(ctx, key, req.Kind, req.Location, synchronous, false, nil)
}

// DisableMatching releases key from every probe of kind selected by
// conditions and returns how many probes key was released from. Probes
// left without keys are removed in place when they were never realized in
// code, and otherwise marked for retraction.
func (c *Coordinator) DisableMatching(ctx context.Context, key event.ConsumerKey, kind event.Kind, conditions []event.Condition, synchronous bool) (int, error) {
	if !kind.RequiresRewrite() {
		return 0, fmt.Errorf("%w: %s is not a method-level event", ErrMalformedRequest, kind)
	}
	if err := c.usable(); err != nil {
		return 0, err
	}
	origin := c.captureOrigin()
	if synchronous {
		if err := c.dispatcher.SuspendTarget(ctx); err != nil {
			return 0, &Diagnostic{Phase: PhaseSuspend, Message: "cannot suspend observed process", Err: err}
		}
	}

	tree := index.NewConditionTree(false)
	for _, cond := range conditions {
		tree.AddCondition(cond)
	}

	c.mu.Lock()
	s, err := c.spec(key)
	var released int
	var required bool
	if err == nil {
		if x := c.table.Lookup(kind); x != nil {
			it := x.Filtered(tree)
			for it.Next() {
				r := it.Record()
				if !r.LiveKeys.Remove(key) {
					continue
				}
				released++
				s.RemoveMethodEvent(kind, r.Location)
				if r.LiveKeys.Len() > 0 {
					continue
				}
				if r.ChangeCount == 0 && !c.tracker.InBatch() {
					it.Remove()
					c.tracker.ReleaseID(r.ID)
					continue
				}
				required = c.releaseRecord(r) || required
			}
		}
		// Requests for types not loaded yet have no record to release.
		for _, loc := range s.MethodEvents(kind) {
			if tree.Admits(loc) && s.RemoveMethodEvent(kind, loc) {
				released++
			}
		}
		c.metrics.dirty.Set(float64(c.dirty.Len()))
	}
	c.mu.Unlock()

	if err != nil {
		if synchronous {
			err = multierr.Append(err, c.dispatcher.ResumeTarget(ctx))
		}
		return 0, err
	}
	c.log.Debug("disabled matching probes",
		zap.String("key", string(key)),
		zap.Stringer("kind", kind),
		zap.Int("released", released),
		zap.Bool("rewrite", required))
	return released, c.flush(ctx, required, synchronous, origin)
}

// EnableFieldEvent starts a runtime watch on a field for key. kind is one
// of the field access or write kinds. It reports whether a watch was
// activated; a request for a field of a type not loaded yet is deferred
// until ClassPrepared reports the type.
func (c *Coordinator) EnableFieldEvent(_ context.Context, key event.ConsumerKey, kind event.Kind, subject event.Subject) (bool, error) {
	return c.liveEvent(key, kind, subject, true)
}

// DisableFieldEvent withdraws a field watch for key and reports whether it
// was the last key.
func (c *Coordinator) DisableFieldEvent(_ context.Context, key event.ConsumerKey, kind event.Kind, subject event.Subject) (bool, error) {
	return c.liveEvent(key, kind, subject, false)
}

// EnableExceptionEvent starts observing throws of typeName for key.
func (c *Coordinator) EnableExceptionEvent(_ context.Context, key event.ConsumerKey, typeName string) (bool, error) {
	return c.liveEvent(key, event.KindThrow, event.Exception(typeName), true)
}

// DisableExceptionEvent stops observing throws of typeName for key.
func (c *Coordinator) DisableExceptionEvent(_ context.Context, key event.ConsumerKey, typeName string) (bool, error) {
	return c.liveEvent(key, event.KindThrow, event.Exception(typeName), false)
}

func (c *Coordinator) liveEvent(key event.ConsumerKey, kind event.Kind, subject event.Subject, enable bool) (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.spec(key); err != nil {
		return false, err
	}
	var (
		changed bool
		err     error
	)
	if enable {
		changed, err = c.live.Enable(key, kind, subject)
	} else {
		changed, err = c.live.Disable(key, kind, subject)
	}
	c.metrics.liveWatch.Set(float64(c.live.Len()))
	return changed, err
}

// ClassPrepared reports that typeName was loaded in the observed process,
// activating the watches deferred for it. It returns the number of watches
// activated.
func (c *Coordinator) ClassPrepared(_ context.Context, typeName string) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.live.ClassPrepared(typeName)
	if n > 0 {
		c.log.Debug("deferred watches activated", zap.String("type", typeName), zap.Int("count", n))
	}
	c.metrics.liveWatch.Set(float64(c.live.Len()))
	return n, err
}

// Update runs any pending changes. A synchronous update suspends the
// observed process and returns after the cycle; an asynchronous one
// returns at once and reports failures through the error policy only.
func (c *Coordinator) Update(ctx context.Context, synchronous bool) error {
	if err := c.usable(); err != nil {
		return err
	}
	origin := c.captureOrigin()
	if synchronous {
		if err := c.dispatcher.SuspendTarget(ctx); err != nil {
			return &Diagnostic{Phase: PhaseSuspend, Message: "cannot suspend observed process", Err: err}
		}
		return c.sched.Run(ctx, true, origin)
	}
	c.sched.RequestWorker().ExecuteFrom(false, origin)
	return nil
}

// flush starts a cycle after a request. Synchronous requests wait for it,
// or resume the process when nothing needs rewriting. Asynchronous ones
// start a throttled cycle when auto flush is on.
func (c *Coordinator) flush(ctx context.Context, required, synchronous bool, origin uint64) error {
	if synchronous {
		if !required {
			return c.dispatcher.ResumeTarget(ctx)
		}
		return c.sched.Run(ctx, true, origin)
	}
	if !required || !c.opts.autoFlush {
		return nil
	}
	if !c.flushing.CompareAndSwap(false, true) {
		return nil
	}
	r := c.limiter.Reserve()
	delay := r.Delay()
	start := func() {
		c.flushing.Store(false)
		if c.closed.Load() {
			return
		}
		c.sched.RequestWorker().ExecuteFrom(false, origin)
	}
	if delay <= 0 {
		start()
		return nil
	}
	c.metrics.throttled.Inc()
	c.log.Debug("auto flush delayed", zap.Duration("delay", delay))
	time.AfterFunc(delay, start)
	return nil
}

// captureOrigin records the stack above it when origin capture is on.
func (c *Coordinator) captureOrigin() uint64 {
	if c.origins == nil {
		return 0
	}
	return c.origins.Capture(1)
}
