package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kolkov/probeweaver/internal/probe/event"
)

// Errors returned by coordinator operations.
var (
	// ErrMalformedRequest rejects one request object; see event.ErrMalformedRequest.
	ErrMalformedRequest = event.ErrMalformedRequest

	ErrNotAttached = errors.New("coordinator: consumer key is not attached")
	ErrDetached    = errors.New("coordinator: detached from the observed process")
	ErrClosed      = errors.New("coordinator: closed")
	ErrNoStore     = errors.New("coordinator: no state store configured")
)

// Phase names the cycle step an error came from.
type Phase string

// Cycle phases reported in diagnostics.
const (
	PhaseResolve  Phase = "resolve"
	PhaseFetch    Phase = "fetch"
	PhaseRewrite  Phase = "rewrite"
	PhaseRedefine Phase = "redefine"
	PhaseSuspend  Phase = "suspend"
)

// Diagnostic is the common shape of cycle errors.
//
// Error() renders it like a compiler message:
//
//	com.acme.Cart: rewrite: method add(I)V not found
//
//	Suggestion: check that the class version loaded matches the request
type Diagnostic struct {
	Class      string // declaring type, empty for whole-batch failures
	Phase      Phase
	Message    string
	Suggestion string // optional
	Err        error  // underlying cause, may be nil
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	if d.Class != "" {
		b.WriteString(d.Class)
		b.WriteString(": ")
	}
	b.WriteString(string(d.Phase))
	b.WriteString(": ")
	b.WriteString(d.Message)
	if d.Err != nil {
		if d.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(d.Err.Error())
	}
	if d.Suggestion != "" {
		b.WriteString("\n\nSuggestion: ")
		b.WriteString(d.Suggestion)
	}
	return b.String()
}

func (d *Diagnostic) Unwrap() error { return d.Err }

// UnresolvedLocationError reports a class or member missing from the
// observed process. The class is skipped and the cycle continues.
type UnresolvedLocationError struct {
	Diagnostic
	Loader string
	Member string // empty when the class itself is missing
}

// NewUnresolvedClass returns the error for a class that loader has not
// loaded.
func NewUnresolvedClass(loader, class string) *UnresolvedLocationError {
	return &UnresolvedLocationError{
		Diagnostic: Diagnostic{
			Class:      class,
			Phase:      PhaseResolve,
			Message:    fmt.Sprintf("no class loaded by loader %q", loader),
			Suggestion: "Request the event again after the class is prepared, or set the class loader that loads it",
		},
		Loader: loader,
	}
}

// NewUnresolvedMember returns the error a rewriter reports for a member the
// class does not declare.
func NewUnresolvedMember(loc event.Location) *UnresolvedLocationError {
	return &UnresolvedLocationError{
		Diagnostic: Diagnostic{
			Class:   loc.Type,
			Phase:   PhaseRewrite,
			Message: fmt.Sprintf("class does not declare %s%s", loc.Member, loc.Signature),
		},
		Member: loc.MemberKey(),
	}
}

// RewriteError reports a class the rewriter failed on. It abandons the
// whole batch.
type RewriteError struct {
	Diagnostic
}

func newRewriteError(class string, phase Phase, err error) *RewriteError {
	return &RewriteError{Diagnostic{Class: class, Phase: phase, Message: "cannot rewrite class", Err: err}}
}

// RedefineError reports that the observed process rejected the new code.
// It abandons the whole batch.
type RedefineError struct {
	Diagnostic
	Classes []string
}

func newRedefineError(classes []string, err error) *RedefineError {
	return &RedefineError{
		Diagnostic: Diagnostic{
			Phase:      PhaseRedefine,
			Message:    fmt.Sprintf("observed process rejected %d class(es)", len(classes)),
			Suggestion: "Redefinition cannot add or remove members or change the class hierarchy; check the rewriter output",
			Err:        err,
		},
		Classes: classes,
	}
}
