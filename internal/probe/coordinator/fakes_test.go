package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/interval"
	"github.com/kolkov/probeweaver/internal/probe/liverequest"
)

var (
	cartAdd    = event.Location{Type: "com.acme.Cart", Member: "add", Signature: "(I)V"}
	cartRemove = event.Location{Type: "com.acme.Cart", Member: "remove", Signature: "(I)V"}
	orderClose = event.Location{Type: "com.acme.Order", Member: "close", Signature: "()V"}
	unloaded   = event.Location{Type: "com.acme.Ghost", Member: "haunt", Signature: "()V"}
)

type fakeWatch struct {
	mu      sync.Mutex
	enabled bool
}

func (w *fakeWatch) Enable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = true
	return nil
}

func (w *fakeWatch) Disable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = false
	return nil
}

// fakeTarget is an observed process holding a fixed set of loaded classes.
type fakeTarget struct {
	mu          sync.Mutex
	loaded      map[string]bool
	fetchErrs   []error // returned by successive fetches before succeeding
	fetches     int
	redefineErr error
	onRedefine  func() // runs before each redefinition, outside mu
	redefined   [][]Redefinition
	breakpoints []string
	watches     map[event.Subject]*fakeWatch
}

func newFakeTarget(classes ...string) *fakeTarget {
	ft := &fakeTarget{loaded: make(map[string]bool), watches: make(map[event.Subject]*fakeWatch)}
	for _, c := range classes {
		ft.loaded[c] = true
	}
	return ft
}

func (ft *fakeTarget) load(class string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.loaded[class] = true
}

func (ft *fakeTarget) Loaded(s event.Subject) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.loaded[s.DeclaringType]
}

func (ft *fakeTarget) NewWatch(_ event.Kind, s event.Subject) (liverequest.Watch, liverequest.Handler, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	w := &fakeWatch{}
	ft.watches[s] = w
	return w, liverequest.Handler{Name: "on" + s.Name, Signature: "()V"}, nil
}

func (ft *fakeTarget) ResolveType(_ context.Context, loader, class string) (Type, bool, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.loaded[class] {
		return Type{}, false, nil
	}
	h := fnv.New64a()
	h.Write([]byte(class))
	return Type{Name: class, Loader: loader, ID: h.Sum64()}, true, nil
}

func (ft *fakeTarget) FetchClass(_ context.Context, t Type) ([]byte, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.fetches++
	if len(ft.fetchErrs) > 0 {
		err := ft.fetchErrs[0]
		ft.fetchErrs = ft.fetchErrs[1:]
		return nil, err
	}
	return []byte(t.Name), nil
}

func (ft *fakeTarget) Redefine(_ context.Context, redefs []Redefinition) error {
	ft.mu.Lock()
	hook := ft.onRedefine
	ft.mu.Unlock()
	if hook != nil {
		hook()
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.redefineErr != nil {
		return ft.redefineErr
	}
	ft.redefined = append(ft.redefined, slices.Clone(redefs))
	return nil
}

func (ft *fakeTarget) RequestBreakpoints(_ context.Context, t Type) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.breakpoints = append(ft.breakpoints, t.Name)
	return nil
}

func (ft *fakeTarget) redefinitions() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.redefined)
}

func (ft *fakeTarget) fetchCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.fetches
}

// fakeDispatcher records the calls it receives.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDispatcher) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return nil
}

func (d *fakeDispatcher) SuspendTarget(context.Context) error { return d.record("suspend") }
func (d *fakeDispatcher) ResumeTarget(context.Context) error  { return d.record("resume") }
func (d *fakeDispatcher) Detach(context.Context) error        { return d.record("detach") }
func (d *fakeDispatcher) HaltTarget(context.Context) error    { return d.record("halt") }

func (d *fakeDispatcher) StartRedefinition(_ context.Context, synchronous bool) error {
	return d.record(fmt.Sprintf("start:%t", synchronous))
}

func (d *fakeDispatcher) EndRedefinition(_ context.Context, synchronous bool) error {
	return d.record(fmt.Sprintf("end:%t", synchronous))
}

func (d *fakeDispatcher) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

func (d *fakeDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// seenRequest is what the rewriter was asked to do for one class.
type seenRequest struct {
	Class    string
	Bytes    string
	Members  []event.Location
	Removals []int32
	Bounds   map[event.Location]*interval.Predicates
}

// fakeRewriter inserts one probe per wanted kind and member and retracts the
// probes listed for removal, reporting everything to the probe log.
type fakeRewriter struct {
	mu         sync.Mutex
	kinds      []event.Kind
	fail       map[string]error
	unresolved map[string]bool
	requests   []seenRequest
}

func newFakeRewriter(kinds ...event.Kind) *fakeRewriter {
	if len(kinds) == 0 {
		kinds = []event.Kind{event.KindVirtualMethodEnter}
	}
	return &fakeRewriter{kinds: kinds, fail: make(map[string]error), unresolved: make(map[string]bool)}
}

func (fr *fakeRewriter) Rewrite(_ context.Context, req *RewriteRequest) (RewriteResult, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	seen := seenRequest{
		Class:    req.Class,
		Bytes:    string(req.Bytes),
		Members:  slices.Clone(req.Members),
		Removals: slices.Clone(req.Removals),
		Bounds:   make(map[event.Location]*interval.Predicates),
	}
	fr.requests = append(fr.requests, seen)

	log := req.Probes
	log.ClassBegin(req.Class)
	removed := make(map[int32]bool)
	for _, id := range req.Removals {
		removed[id] = true
	}
	for _, m := range req.Members {
		if fr.unresolved[m.MemberKey()] {
			return RewriteResult{}, NewUnresolvedMember(m)
		}
		log.MethodBegin(m)
		have := make(map[event.Kind]bool)
		if req.Log != nil {
			if ml := req.Log.Methods[m.MemberKey()]; ml != nil {
				for _, ch := range ml.Changes {
					if removed[ch.ProbeID] {
						log.ProbeRemoved(ch.ProbeID, ch.Kind)
						continue
					}
					have[ch.Kind] = true
				}
			}
		}
		for i, kind := range fr.kinds {
			if have[kind] {
				continue
			}
			keys := req.Interest(kind, m)
			if keys.Len() == 0 {
				continue
			}
			if kind.IsArrayElement() {
				seen.Bounds[m] = req.Bounds(kind, m)
			}
			id := log.NewProbe(kind, keys)
			log.ProbeInserted(id, kind, int32(i*8), 4, true)
		}
		if err := log.MethodEnd(nil); err != nil {
			return RewriteResult{}, err
		}
	}
	if err := fr.fail[req.Class]; err != nil {
		return RewriteResult{}, err
	}
	if err := log.ClassEnd(); err != nil {
		return RewriteResult{}, err
	}
	return RewriteResult{Bytes: append(slices.Clone(req.Bytes), '+'), Modified: true}, nil
}

func (fr *fakeRewriter) seen() []seenRequest {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return slices.Clone(fr.requests)
}

func (fr *fakeRewriter) last() seenRequest {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.requests[len(fr.requests)-1]
}

type harness struct {
	*Coordinator
	target     *fakeTarget
	dispatcher *fakeDispatcher
	rewriter   *fakeRewriter
}

func newHarness(t *testing.T, rw *fakeRewriter, opts ...Option) *harness {
	t.Helper()
	if rw == nil {
		rw = newFakeRewriter()
	}
	h := &harness{
		target:     newFakeTarget("com.acme.Cart", "com.acme.Order"),
		dispatcher: &fakeDispatcher{},
		rewriter:   rw,
	}
	c, err := New(h.target, h.dispatcher, rw, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	h.Coordinator = c
	return h
}

func (h *harness) attach(t *testing.T, keys ...event.ConsumerKey) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, h.Attach(k))
	}
}

func (h *harness) enable(t *testing.T, key event.ConsumerKey, loc event.Location, synchronous bool) bool {
	t.Helper()
	required, err := h.EnableMethodEvent(context.Background(), key, event.KindVirtualMethodEnter, loc, synchronous)
	require.NoError(t, err)
	return required
}

func (h *harness) disable(t *testing.T, key event.ConsumerKey, loc event.Location, synchronous bool) bool {
	t.Helper()
	required, err := h.DisableMethodEvent(context.Background(), key, event.KindVirtualMethodEnter, loc, synchronous)
	require.NoError(t, err)
	return required
}

type probeView struct {
	ID          int32
	Keys        []event.ConsumerKey
	ChangeCount int
}

// probeAt returns the enter probe at loc, or nil.
func (h *harness) probeAt(loc event.Location) *probeView {
	for _, r := range h.Probes(event.KindVirtualMethodEnter) {
		if r.Location == loc {
			return &probeView{r.ID, r.LiveKeys.Sorted(), r.ChangeCount}
		}
	}
	return nil
}
