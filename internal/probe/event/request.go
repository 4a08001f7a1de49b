package event

import (
	"errors"
	"fmt"

	"github.com/kolkov/probeweaver/internal/probe/interval"
)

// ErrMalformedRequest is returned for request objects that cannot be
// applied. It rejects the one request; other requests are unaffected.
var ErrMalformedRequest = errors.New("malformed request")

// AnyElementType matches array elements of every type.
const AnyElementType = interval.AnyType

// Condition is a membership condition over location path prefixes.
//
// Prefix is a dotted prefix ("com.acme", "com.acme.Cart",
// "com.acme.Cart.add"). Include distinguishes an "in" condition from a "not"
// condition. Nested conditions refine the prefix; a nested condition with
// zero Rank inherits the rank of its parent.
type Condition struct {
	Prefix  string
	Include bool
	Rank    int
	Nested  []Condition
}

// Request is one compiled observation request.
//
// Method-level kinds use Location; field and exception kinds use Subject.
// Array element kinds additionally carry the element type and index bounds
// the consumer is interested in (no bounds means every index).
type Request struct {
	Kind       Kind
	Location   Location
	Subject    Subject
	Include    bool
	Rank       int
	Conditions []Condition

	ElementType string
	Bounds      []interval.Bounds
}

// Validate checks that the request is complete for its kind.
func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown event code %d", ErrMalformedRequest, uint8(r.Kind))
	}
	if r.Kind.IsLiveRequest() {
		if r.Subject.DeclaringType == "" {
			return fmt.Errorf("%w: %s request has no subject type", ErrMalformedRequest, r.Kind)
		}
		if r.Kind.IsField() && r.Subject.Name == "" {
			return fmt.Errorf("%w: %s request has no field name", ErrMalformedRequest, r.Kind)
		}
		return nil
	}
	if !r.Kind.RequiresRewrite() {
		return fmt.Errorf("%w: %s cannot be requested adaptively", ErrMalformedRequest, r.Kind)
	}
	if err := r.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !r.Kind.IsArrayElement() && len(r.Bounds) > 0 {
		return fmt.Errorf("%w: bounds given for %s", ErrMalformedRequest, r.Kind)
	}
	return nil
}
