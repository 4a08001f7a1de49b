package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/index"
	"github.com/kolkov/probeweaver/internal/probe/interval"
	"github.com/kolkov/probeweaver/internal/probe/liverequest"
	"github.com/kolkov/probeweaver/internal/probe/origin"
	"github.com/kolkov/probeweaver/internal/probe/scheduler"
	"github.com/kolkov/probeweaver/internal/probe/snapshot"
	"github.com/kolkov/probeweaver/internal/probe/tracker"
)

// Coordinator serializes consumer requests against redefinition cycles.
//
// Thread Safety: every exported method is safe for concurrent use. One
// structural mutex guards the probe table, the change set, the
// pending-removal markers, the consumer specifications and the live
// request table; the rewriter runs with it held. Cycles are additionally
// serialized among themselves.
type Coordinator struct {
	target     Target
	dispatcher Dispatcher
	rewriter   Rewriter
	opts       options
	log        *zap.Logger

	mu         sync.Mutex
	specs      map[event.ConsumerKey]*event.AdaptiveSpec
	detachedBy event.KeySet
	table      *index.Table
	ids        *tracker.IDAllocator
	tracker    *tracker.Tracker
	live       *liverequest.Table
	dirty      ChangeSet
	removals   map[int32]event.Location // probes whose last key was released

	cycleMu  sync.Mutex
	state    atomic.Int32
	detached atomic.Bool
	closed   atomic.Bool
	flushing atomic.Bool // an auto flush is scheduled

	sched   *scheduler.Scheduler
	cache   *lru.Cache[string, []byte]
	limiter *rate.Limiter
	metrics *metrics
	origins *origin.Depot
	dumpSeq atomic.Int64
}

// New returns a coordinator driving target through dispatcher and
// rewriter.
func New(target Target, dispatcher Dispatcher, rewriter Rewriter, opts ...Option) (*Coordinator, error) {
	if target == nil || dispatcher == nil || rewriter == nil {
		return nil, errors.New("coordinator: target, dispatcher and rewriter are required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := lru.New[string, []byte](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("class cache: %w", err)
	}
	m, err := newMetrics(o.registry, o.namespace)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		target:     target,
		dispatcher: dispatcher,
		rewriter:   rewriter,
		opts:       o,
		log:        o.log.Named("coordinator"),
		specs:      make(map[event.ConsumerKey]*event.AdaptiveSpec),
		detachedBy: event.NewKeySet(),
		table:      index.NewTable(),
		ids:        tracker.NewIDAllocator(),
		dirty:      make(ChangeSet),
		removals:   make(map[int32]event.Location),
		cache:      cache,
		limiter:    rate.NewLimiter(o.cycleRate, o.cycleBurst),
		metrics:    m,
	}
	var store tracker.LogStore
	if o.store != nil {
		store = o.store
	}
	c.tracker = tracker.New(c.table, c.ids, store, o.log)
	c.live = liverequest.New(target, specDeferrer{c}, o.log)
	if o.captureOrigin {
		c.origins = origin.NewDepot()
	}
	c.sched = scheduler.New(c, o.log)
	c.log.Debug("coordinator created",
		zap.String("loader", o.loader),
		zap.Stringer("policy", o.policy),
		zap.Bool("auto_flush", o.autoFlush))
	return c, nil
}

// State returns the current cycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Detached reports whether the coordinator stopped instrumenting, either
// because every consumer detached or because the detach policy ran.
func (c *Coordinator) Detached() bool {
	return c.detached.Load()
}

func (c *Coordinator) usable() error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.detached.Load():
		return ErrDetached
	}
	return nil
}

// Attach registers a consumer key. Attaching a key twice is a no-op.
func (c *Coordinator) Attach(key event.ConsumerKey) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[key]; !ok {
		c.specs[key] = event.NewAdaptiveSpec(key)
		c.log.Debug("consumer attached", zap.String("key", string(key)))
	}
	return nil
}

// spec returns the specification of key. Called with mu held.
func (c *Coordinator) spec(key event.ConsumerKey) (*event.AdaptiveSpec, error) {
	s := c.specs[key]
	if s == nil || c.detachedBy.Has(key) {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, key)
	}
	return s, nil
}

// Detach withdraws key. Once every attached key has detached, the
// dispatcher is detached from the observed process and all state is
// released; the coordinator accepts no further requests.
func (c *Coordinator) Detach(ctx context.Context, key event.ConsumerKey) error {
	if c.detached.Load() {
		return nil
	}
	c.mu.Lock()
	if _, ok := c.specs[key]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAttached, key)
	}
	c.detachedBy.Add(key)
	if c.detachedBy.Len() < len(c.specs) {
		c.mu.Unlock()
		c.log.Debug("consumer detached", zap.String("key", string(key)))
		return nil
	}
	c.detached.Store(true)
	err := c.releaseLocked()
	c.mu.Unlock()

	c.log.Info("all consumers detached; detaching from observed process")
	return multierr.Append(err, c.dispatcher.Detach(ctx))
}

// releaseLocked frees all instrumentation state. Called with mu held.
func (c *Coordinator) releaseLocked() error {
	err := c.live.Release()
	clear(c.specs)
	clear(c.removals)
	clear(c.dirty)
	c.detachedBy = event.NewKeySet()
	c.cache.Purge()
	c.tracker.Forget()
	if c.origins != nil {
		c.origins.Reset()
	}
	return err
}

// Close stops the worker pool. Cycles in progress finish first. Close does
// not detach from the observed process.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.sched.Close()
	return nil
}

// SaveState writes the probe table, id pool and live request entries to
// the store under name.
func (c *Coordinator) SaveState(name string) error {
	if c.opts.store == nil {
		return ErrNoStore
	}
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.store.SaveState(name, snapshot.State{IDs: c.ids, Probes: c.table, Live: c.live})
}

// LoadState replaces the instrumentation state with the one saved under
// name. It is meant for resuming against a process that still runs the
// code the state describes; dirty markers, pending removals and cached
// class bodies are dropped, and live watches are recreated on next enable.
func (c *Coordinator) LoadState(name string) error {
	if c.opts.store == nil {
		return ErrNoStore
	}
	if err := c.usable(); err != nil {
		return err
	}
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.live.Release(); err != nil {
		c.log.Warn("disabling watches before state load", zap.Error(err))
	}
	st, err := c.opts.store.LoadState(name, c.live)
	if err != nil {
		return err
	}
	c.table, c.ids = st.Probes, st.IDs
	c.tracker.Reset(c.table, c.ids)
	clear(c.dirty)
	clear(c.removals)
	c.cache.Purge()
	c.metrics.probes.Set(float64(c.table.Len()))
	c.log.Info("state loaded",
		zap.String("name", name),
		zap.String("version", st.Version),
		zap.Int("probes", c.table.Len()),
		zap.Stringer("ids", c.ids))
	return nil
}

// Probes returns a copy of the records of kind, in traversal order.
func (c *Coordinator) Probes(kind event.Kind) []index.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	x := c.table.Lookup(kind)
	if x == nil {
		return nil
	}
	var out []index.Record
	for r := range x.All() {
		cp := *r
		cp.LiveKeys = r.LiveKeys.Clone()
		out = append(out, cp)
	}
	return out
}

// Dirty returns the number of members waiting for a rewrite pass.
func (c *Coordinator) Dirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.Len()
}

// interest returns the keys whose specification wants kind at loc. Called
// by the rewriter with mu held.
func (c *Coordinator) interest(kind event.Kind, loc event.Location) event.KeySet {
	keys := event.NewKeySet()
	for key, s := range c.specs {
		if !c.detachedBy.Has(key) && s.Wants(kind, loc) {
			keys.Add(key)
		}
	}
	return keys
}

// bounds merges the array bounds of every interested key. A key with
// interest but no recorded bounds wants every index, which makes the
// result nil. Called by the rewriter with mu held.
func (c *Coordinator) bounds(kind event.Kind, loc event.Location) *interval.Predicates {
	var merged *interval.Predicates
	for key, s := range c.specs {
		if c.detachedBy.Has(key) || !s.Wants(kind, loc) {
			continue
		}
		p := s.ArrayPredicates(kind, loc)
		if p == nil {
			return nil
		}
		if merged == nil {
			merged = interval.NewPredicates()
		}
		merged.Merge(p)
	}
	return merged
}

// specDeferrer folds live requests for unloaded types into the key's
// specification. The live request table calls it with mu held.
type specDeferrer struct{ c *Coordinator }

func (d specDeferrer) DeferField(key event.ConsumerKey, kind event.Kind, subject event.Subject) error {
	s, err := d.c.spec(key)
	if err != nil {
		return err
	}
	s.AddFieldEvent(kind, subject)
	return nil
}

func (d specDeferrer) WithdrawField(key event.ConsumerKey, kind event.Kind, subject event.Subject) bool {
	s := d.c.specs[key]
	return s != nil && s.RemoveFieldEvent(kind, subject)
}
