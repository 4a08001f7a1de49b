package coordinator

import (
	"context"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/interval"
	"github.com/kolkov/probeweaver/internal/probe/liverequest"
	"github.com/kolkov/probeweaver/internal/probe/tracker"
)

// Type is a class loaded in the observed process.
type Type struct {
	Name   string
	Loader string
	ID     uint64 // process-side handle
}

// Redefinition is new code for one loaded class.
type Redefinition struct {
	Type  Type
	Bytes []byte
}

// Target is the observed process.
//
// Besides runtime watches it resolves and fetches classes, accepts
// redefinitions and re-arms breakpoints on redefined types.
type Target interface {
	liverequest.Target

	// ResolveType finds class as loaded by loader. ok is false when the
	// loader has not loaded the class.
	ResolveType(ctx context.Context, loader, class string) (t Type, ok bool, err error)

	// FetchClass returns the current bytes of t.
	FetchClass(ctx context.Context, t Type) ([]byte, error)

	// Redefine replaces the code of every listed class in one call.
	Redefine(ctx context.Context, redefs []Redefinition) error

	// RequestBreakpoints re-arms the engine's breakpoints in t after its
	// code changed.
	RequestBreakpoints(ctx context.Context, t Type) error
}

// Dispatcher is the event-delivery side of the observed process.
type Dispatcher interface {
	// SuspendTarget suspends every thread of the observed process.
	SuspendTarget(ctx context.Context) error

	// ResumeTarget undoes SuspendTarget when no redefinition followed it.
	ResumeTarget(ctx context.Context) error

	// StartRedefinition announces a cycle. Synchronous cycles run with the
	// process suspended.
	StartRedefinition(ctx context.Context, synchronous bool) error

	// EndRedefinition announces the end of a cycle and resumes event
	// delivery; for synchronous cycles it also resumes the process.
	EndRedefinition(ctx context.Context, synchronous bool) error

	// Detach stops observing; the process runs on unobserved.
	Detach(ctx context.Context) error

	// HaltTarget terminates the observed process.
	HaltTarget(ctx context.Context) error
}

// RewriteRequest tells the rewriter what must change in one class.
//
// The rewriter reports every structural change through Probes. Interest and
// Bounds read consumer specifications and are only valid during the
// Rewrite call.
type RewriteRequest struct {
	Class  string
	Loader string
	Bytes  []byte

	// Members are the dirty members, sorted.
	Members []event.Location

	// Removals are the ids of probes in the class whose last key was
	// released, sorted. Their code is to be retracted.
	Removals []int32

	// Log is the class's change log from earlier rewrites, nil if the
	// class was never rewritten. It must not be modified.
	Log *tracker.ClassLog

	Probes tracker.ProbeLog

	// Interest returns the keys that want kind at loc.
	Interest func(kind event.Kind, loc event.Location) event.KeySet

	// Bounds returns the merged array index bounds for an array element
	// probe, or nil when every index is wanted.
	Bounds func(kind event.Kind, loc event.Location) *interval.Predicates
}

// RewriteResult is the rewriter's output for one class.
type RewriteResult struct {
	Bytes    []byte
	Modified bool
}

// Rewriter rewrites one class at a time. It is called with the structural
// lock held.
type Rewriter interface {
	Rewrite(ctx context.Context, req *RewriteRequest) (RewriteResult, error)
}

// RewriterFunc adapts a function to Rewriter.
type RewriterFunc func(ctx context.Context, req *RewriteRequest) (RewriteResult, error)

func (f RewriterFunc) Rewrite(ctx context.Context, req *RewriteRequest) (RewriteResult, error) {
	return f(ctx, req)
}
