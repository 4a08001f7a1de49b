package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/scheduler"
)

// fetched is a dirty class located in the observed process.
type fetched struct {
	class    string
	typ      Type
	resolved bool
	bytes    []byte
}

// rewritten is a class the rewriter finished in the current batch.
type rewritten struct {
	fetched
	members  []event.Location
	removals []int32
	result   RewriteResult
}

// RunCycle runs one redefinition cycle: every dirty class is fetched,
// rewritten and pushed to the observed process in a single redefinition.
// It implements scheduler.Runner.
//
// Classes the target has not loaded, and classes whose members the
// rewriter cannot find, are skipped with a warning and reported in the
// returned error without failing the cycle. Any other failure undoes the
// probe bookkeeping of the whole batch and applies the error policy.
func (c *Coordinator) RunCycle(ctx context.Context, cyc scheduler.Cycle) (err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.detached.Load() {
		return ErrDetached
	}

	start := time.Now()
	ctx, span := c.opts.tracer.Start(ctx, "probeweaver.cycle",
		trace.WithAttributes(attribute.Bool("synchronous", cyc.Synchronous)))
	defer span.End()

	c.mu.Lock()
	classes := c.dirty.Classes()
	c.mu.Unlock()
	span.SetAttributes(attribute.Int("classes", len(classes)))

	if len(classes) == 0 {
		c.metrics.cycles.WithLabelValues(resultEmpty).Inc()
		if cyc.Synchronous {
			return c.dispatcher.ResumeTarget(ctx)
		}
		return nil
	}

	c.setState(StateSuspending)
	if err := c.dispatcher.StartRedefinition(ctx, cyc.Synchronous); err != nil {
		err = &Diagnostic{Phase: PhaseSuspend, Message: "cannot start redefinition", Err: err}
		return c.fail(ctx, span, cyc, start, nil, err)
	}

	c.setState(StateRewriting)
	found, err := c.fetchAll(ctx, classes)
	if err != nil {
		return c.fail(ctx, span, cyc, start, nil, err)
	}

	done, skipped, err := c.rewriteAll(ctx, found)
	if err != nil {
		return c.fail(ctx, span, cyc, start, done, err)
	}

	c.setState(StateRedefining)
	var redefs []Redefinition
	for _, w := range done {
		if w.result.Modified {
			redefs = append(redefs, Redefinition{Type: w.typ, Bytes: w.result.Bytes})
		}
	}
	if len(redefs) > 0 {
		if err := c.target.Redefine(ctx, redefs); err != nil {
			names := make([]string, len(redefs))
			for i, r := range redefs {
				names[i] = r.Type.Name
			}
			return c.fail(ctx, span, cyc, start, done, newRedefineError(names, err))
		}
	}

	// The new code is live from here on; later errors are reported but do
	// not undo the batch.
	c.mu.Lock()
	warnings := c.tracker.Commit()
	c.finishLocked(done)
	c.metrics.probes.Set(float64(c.table.Len()))
	c.metrics.dirty.Set(float64(c.dirty.Len()))
	c.mu.Unlock()

	for _, r := range redefs {
		c.cache.Add(c.cacheKey(r.Type.Name), r.Bytes)
		if err := c.target.RequestBreakpoints(ctx, r.Type); err != nil {
			warnings = multierr.Append(warnings, fmt.Errorf("request breakpoints in %s: %w", r.Type.Name, err))
		}
		c.dump(r)
	}

	c.setState(StateResuming)
	if err := c.dispatcher.EndRedefinition(ctx, cyc.Synchronous); err != nil {
		warnings = multierr.Append(warnings, &Diagnostic{Phase: PhaseSuspend, Message: "cannot end redefinition", Err: err})
	}
	c.setState(StateIdle)

	c.metrics.redefined.Add(float64(len(redefs)))
	c.metrics.cycles.WithLabelValues(resultOK).Inc()
	c.metrics.duration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("redefined", len(redefs)))
	if warnings != nil {
		span.RecordError(warnings)
		c.log.Warn("cycle completed with warnings", zap.Error(warnings))
	}
	c.log.Debug("cycle completed",
		zap.Bool("synchronous", cyc.Synchronous),
		zap.Int("classes", len(done)),
		zap.Int("redefined", len(redefs)),
		zap.Duration("took", time.Since(start)))
	return multierr.Append(skipped, warnings)
}

// fetchAll resolves and fetches the dirty classes in parallel. The order of
// the result matches classes.
func (c *Coordinator) fetchAll(ctx context.Context, classes []string) ([]fetched, error) {
	out := make([]fetched, len(classes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.fetchConcurrency)
	for i, class := range classes {
		g.Go(func() error {
			f, err := c.fetch(gctx, class)
			out[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) fetch(ctx context.Context, class string) (fetched, error) {
	f := fetched{class: class}
	typ, ok, err := c.target.ResolveType(ctx, c.opts.loader, class)
	if err != nil {
		return f, newRewriteError(class, PhaseResolve, err)
	}
	if !ok {
		return f, nil
	}
	f.typ, f.resolved = typ, true

	if b, ok := c.cache.Get(c.cacheKey(class)); ok {
		c.metrics.fetches.WithLabelValues("cache").Inc()
		f.bytes = b
		return f, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.fetchBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.fetchRetries), ctx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		bytes, err := c.target.FetchClass(ctx, typ)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.log.Debug("class fetch failed",
				zap.String("class", class),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		f.bytes = bytes
		return nil
	}, policy)
	if err != nil {
		return f, newRewriteError(class, PhaseFetch, err)
	}
	c.metrics.fetches.WithLabelValues("target").Inc()
	return f, nil
}

// rewriteAll runs the rewriter over every resolved class inside one tracker
// batch. The structural lock is held per class, so consumers can proceed
// between classes. Skipped classes are reported in skipped.
func (c *Coordinator) rewriteAll(ctx context.Context, found []fetched) (done []rewritten, skipped, err error) {
	c.mu.Lock()
	c.tracker.Begin()
	c.mu.Unlock()

	for _, f := range found {
		if !f.resolved {
			c.mu.Lock()
			c.dirty.Clear(f.class)
			c.mu.Unlock()
			skipped = multierr.Append(skipped, c.skip(NewUnresolvedClass(c.opts.loader, f.class)))
			continue
		}
		w, err := c.rewriteClass(ctx, f)
		if err == nil {
			done = append(done, w)
			continue
		}
		var unresolved *UnresolvedLocationError
		if errors.As(err, &unresolved) {
			skipped = multierr.Append(skipped, c.skip(unresolved))
			continue
		}
		return done, skipped, err
	}
	return done, skipped, nil
}

func (c *Coordinator) rewriteClass(ctx context.Context, f fetched) (rewritten, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := rewritten{fetched: f, members: c.dirty.Members(f.class)}
	for id, loc := range c.removals {
		if loc.Type == f.class {
			w.removals = append(w.removals, id)
		}
	}
	slices.Sort(w.removals)

	log, err := c.tracker.ClassLog(f.class)
	if err != nil {
		return w, newRewriteError(f.class, PhaseRewrite, err)
	}
	req := &RewriteRequest{
		Class:    f.class,
		Loader:   c.opts.loader,
		Bytes:    f.bytes,
		Members:  w.members,
		Removals: w.removals,
		Log:      log,
		Probes:   c.tracker,
		Interest: c.interest,
		Bounds:   c.bounds,
	}
	// The members are consumed here; a consumer marking one again before
	// the batch commits asks for another pass.
	c.dirty.Clear(f.class, w.members...)
	w.result, err = c.rewriter.Rewrite(ctx, req)
	if err == nil && c.tracker.InClass() {
		err = errors.New("rewriter returned without closing the class")
	}
	if err != nil {
		c.tracker.AbortClass()
		var unresolved *UnresolvedLocationError
		if errors.As(err, &unresolved) {
			return w, err
		}
		c.remarkLocked(w)
		return w, newRewriteError(f.class, PhaseRewrite, err)
	}
	return w, nil
}

// skip records a class left out of the cycle.
func (c *Coordinator) skip(err *UnresolvedLocationError) error {
	c.metrics.skipped.Inc()
	c.log.Warn("skipping class", zap.String("class", err.Class), zap.Error(err))
	return err
}

// remarkLocked puts back the members w consumed. Called with mu held.
func (c *Coordinator) remarkLocked(w rewritten) {
	for _, loc := range w.members {
		c.dirty.Mark(loc)
	}
}

// finishLocked clears the removal markers the batch consumed and drops
// probes left without code and keys. Called with mu held.
func (c *Coordinator) finishLocked(done []rewritten) {
	for _, w := range done {
		for _, id := range w.removals {
			delete(c.removals, id)
		}
	}
	c.sweepRemovalsLocked()
}

// sweepRemovalsLocked drops pending removals that need no code change.
// Called with mu held.
func (c *Coordinator) sweepRemovalsLocked() {
	for id := range c.removals {
		if c.tracker.Drop(id) {
			delete(c.removals, id)
		}
	}
}

// fail undoes the batch and applies the error policy.
func (c *Coordinator) fail(ctx context.Context, span trace.Span, cyc scheduler.Cycle, start time.Time, done []rewritten, cause error) error {
	c.setState(StateError)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "cycle failed")

	c.mu.Lock()
	if c.tracker.InBatch() {
		c.tracker.Rollback()
		c.metrics.rolledBack.Inc()
	}
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Bool("synchronous", cyc.Synchronous),
		zap.Stringer("policy", c.opts.policy),
		zap.Int("rewritten", len(done)),
		zap.Error(cause),
	}
	if c.origins != nil {
		if t := c.origins.Get(cyc.Origin); t != nil {
			fields = append(fields, zap.String("origin", t.Format()))
		}
	}
	c.log.Error("redefinition cycle failed", fields...)

	err := cause
	switch c.opts.policy {
	case PolicyResume:
		// Dirty members and removal markers stay for the next cycle. Keeping
		// the markers lets the retry retract code the failed cycle left in
		// place; only those that need no code change are swept.
		c.mu.Lock()
		for _, w := range done {
			c.remarkLocked(w)
		}
		c.sweepRemovalsLocked()
		c.mu.Unlock()
	case PolicyDetach:
		c.detached.Store(true)
		c.mu.Lock()
		err = multierr.Append(err, c.releaseLocked())
		c.mu.Unlock()
		err = multierr.Append(err, c.dispatcher.Detach(ctx))
	default:
		c.mu.Lock()
		clear(c.dirty)
		clear(c.removals)
		c.mu.Unlock()
		err = multierr.Append(err, c.dispatcher.HaltTarget(ctx))
	}

	if c.opts.policy.AdviseResume() {
		if endErr := c.dispatcher.EndRedefinition(ctx, cyc.Synchronous); endErr != nil {
			err = multierr.Append(err, &Diagnostic{Phase: PhaseSuspend, Message: "cannot end redefinition", Err: endErr})
		}
		c.setState(StateIdle)
	}

	c.metrics.cycles.WithLabelValues(resultFailed).Inc()
	c.metrics.duration.Observe(time.Since(start).Seconds())
	c.metrics.dirty.Set(float64(c.dirty.Len()))
	return err
}

func (c *Coordinator) cacheKey(class string) string {
	return c.opts.loader + "#" + class
}

// dump writes a redefined class body when class dumps are on. Failures are
// logged only.
func (c *Coordinator) dump(r Redefinition) {
	if c.opts.dumpFS == nil {
		return
	}
	seq := c.dumpSeq.Add(1)
	name := fmt.Sprintf("%06d-%s.class", seq, strings.NewReplacer("/", ".", "\\", ".").Replace(r.Type.Name))
	p := path.Join(c.opts.dumpDir, name)
	err := c.opts.dumpFS.MkdirAll(c.opts.dumpDir, 0o755)
	if err == nil {
		err = afero.WriteFile(c.opts.dumpFS, p, r.Bytes, 0o644)
	}
	if err != nil {
		c.log.Warn("class dump failed", zap.String("path", p), zap.Error(err))
	}
}
