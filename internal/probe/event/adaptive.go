package event

import (
	"cmp"
	"slices"

	"github.com/kolkov/probeweaver/internal/probe/interval"
)

// FieldRequest is a live request recorded in a specification because its
// subject could not yet be resolved in the observed process.
type FieldRequest struct {
	Kind    Kind
	Subject Subject
}

type probeKey struct {
	kind Kind
	loc  Location
}

// AdaptiveSpec records the observations one consumer currently wants.
//
// The rewriter consults the union of all specifications to decide which
// keys a newly created probe serves, and which array bounds it must check.
//
// Thread Safety: not safe for concurrent use. The coordinator only touches
// specifications while holding its structural lock.
type AdaptiveSpec struct {
	key     ConsumerKey
	methods map[probeKey]struct{}
	fields  map[FieldRequest]struct{}
	arrays  map[probeKey]*interval.Predicates
}

// NewAdaptiveSpec returns an empty specification for key.
func NewAdaptiveSpec(key ConsumerKey) *AdaptiveSpec {
	return &AdaptiveSpec{
		key:     key,
		methods: make(map[probeKey]struct{}),
		fields:  make(map[FieldRequest]struct{}),
		arrays:  make(map[probeKey]*interval.Predicates),
	}
}

// Key returns the consumer key owning the specification.
func (s *AdaptiveSpec) Key() ConsumerKey {
	return s.key
}

// AddMethodEvent records interest in kind at loc and reports whether it is new.
func (s *AdaptiveSpec) AddMethodEvent(kind Kind, loc Location) bool {
	k := probeKey{kind, loc}
	if _, ok := s.methods[k]; ok {
		return false
	}
	s.methods[k] = struct{}{}
	return true
}

// RemoveMethodEvent withdraws interest in kind at loc, including any array
// bounds recorded for it.
func (s *AdaptiveSpec) RemoveMethodEvent(kind Kind, loc Location) bool {
	k := probeKey{kind, loc}
	delete(s.arrays, k)
	if _, ok := s.methods[k]; !ok {
		return false
	}
	delete(s.methods, k)
	return true
}

// Wants reports whether the specification asks for kind at loc.
func (s *AdaptiveSpec) Wants(kind Kind, loc Location) bool {
	_, ok := s.methods[probeKey{kind, loc}]
	return ok
}

// AddArrayBounds records index bounds for an array element probe. Without
// bounds every index of elemType is wanted.
func (s *AdaptiveSpec) AddArrayBounds(kind Kind, loc Location, elemType string, bounds ...interval.Bounds) {
	k := probeKey{kind, loc}
	p := s.arrays[k]
	if p == nil {
		p = interval.NewPredicates()
		s.arrays[k] = p
	}
	if len(bounds) == 0 {
		p.Add(elemType, interval.Bounds{Min: interval.NoBound, Max: interval.NoBound})
		return
	}
	for _, b := range bounds {
		p.Add(elemType, b)
	}
}

// ArrayPredicates returns the bounds recorded for an array element probe,
// or nil.
func (s *AdaptiveSpec) ArrayPredicates(kind Kind, loc Location) *interval.Predicates {
	return s.arrays[probeKey{kind, loc}]
}

// AddFieldEvent records a deferred live request.
func (s *AdaptiveSpec) AddFieldEvent(kind Kind, subject Subject) bool {
	r := FieldRequest{kind, subject}
	if _, ok := s.fields[r]; ok {
		return false
	}
	s.fields[r] = struct{}{}
	return true
}

// RemoveFieldEvent withdraws a deferred live request.
func (s *AdaptiveSpec) RemoveFieldEvent(kind Kind, subject Subject) bool {
	r := FieldRequest{kind, subject}
	if _, ok := s.fields[r]; !ok {
		return false
	}
	delete(s.fields, r)
	return true
}

// HasFieldEvent reports whether a deferred live request is recorded.
func (s *AdaptiveSpec) HasFieldEvent(kind Kind, subject Subject) bool {
	_, ok := s.fields[FieldRequest{kind, subject}]
	return ok
}

// FieldEvents returns the deferred live requests whose subject is declared
// by typeName, ordered by kind then subject.
func (s *AdaptiveSpec) FieldEvents(typeName string) []FieldRequest {
	var out []FieldRequest
	for r := range s.fields {
		if r.Subject.DeclaringType == typeName {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b FieldRequest) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Subject.DeclaringType, b.Subject.DeclaringType),
			cmp.Compare(a.Subject.Name, b.Subject.Name),
		)
	})
	return out
}

// MethodEvents returns the locations at which kind is wanted, sorted.
func (s *AdaptiveSpec) MethodEvents(kind Kind) []Location {
	var out []Location
	for k := range s.methods {
		if k.kind == kind {
			out = append(out, k.loc)
		}
	}
	slices.SortFunc(out, Location.Compare)
	return out
}

// RemoveAllEvents withdraws every method-level and deferred request that
// targets typeName and returns how many were removed.
func (s *AdaptiveSpec) RemoveAllEvents(typeName string) int {
	n := 0
	for k := range s.methods {
		if k.loc.Type == typeName {
			delete(s.methods, k)
			delete(s.arrays, k)
			n++
		}
	}
	for r := range s.fields {
		if r.Subject.DeclaringType == typeName {
			delete(s.fields, r)
			n++
		}
	}
	return n
}

// Empty reports whether the specification wants nothing.
func (s *AdaptiveSpec) Empty() bool {
	return len(s.methods) == 0 && len(s.fields) == 0
}
