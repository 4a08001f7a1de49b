package interval

import (
	"fmt"
	"slices"
)

// AnyType is the element type that matches arrays of every element type.
const AnyType = "*"

// Op is the shape of a single emitted bound check.
type Op uint8

// Comparison shapes.
const (
	OpAlways  Op = iota // every value matches
	OpAtMost            // x <= Max
	OpEqual             // x == Min
	OpBetween           // Min <= x <= Max
	OpAtLeast           // x >= Min
)

// Comparison is one check the rewriter emits for an array element probe.
type Comparison struct {
	Op  Op
	Min int32
	Max int32
}

// String formats the comparison over the variable name "i".
func (c Comparison) String() string {
	switch c.Op {
	case OpAlways:
		return "true"
	case OpAtMost:
		return fmt.Sprintf("i <= %d", c.Max)
	case OpEqual:
		return fmt.Sprintf("i == %d", c.Min)
	case OpBetween:
		return fmt.Sprintf("%d <= i <= %d", c.Min, c.Max)
	case OpAtLeast:
		return fmt.Sprintf("i >= %d", c.Min)
	}
	return "?"
}

// Comparisons returns the checks that match exactly the values in the set,
// one per node plus one for an open upper range. An empty set yields no
// checks, an unbounded set a single OpAlways.
func (s *Set) Comparisons() []Comparison {
	if s.unbounded {
		return []Comparison{{Op: OpAlways}}
	}
	out := make([]Comparison, 0, len(s.nodes)+1)
	for _, n := range s.nodes {
		switch {
		case n.OpenBelow:
			out = append(out, Comparison{Op: OpAtMost, Max: n.Max})
		case n.Min == n.Max:
			out = append(out, Comparison{Op: OpEqual, Min: n.Min, Max: n.Max})
		default:
			out = append(out, Comparison{Op: OpBetween, Min: n.Min, Max: n.Max})
		}
	}
	if s.tail.Bounded {
		out = append(out, Comparison{Op: OpAtLeast, Min: s.tail.Min})
	}
	return out
}

// Predicates groups bound sets by array element type.
//
// Thread Safety: not safe for concurrent use.
type Predicates struct {
	sets map[string]*Set
}

// NewPredicates returns an empty group.
func NewPredicates() *Predicates {
	return &Predicates{sets: make(map[string]*Set)}
}

// Add records bounds for elemType. An empty elemType means AnyType.
func (p *Predicates) Add(elemType string, b Bounds) {
	if elemType == "" {
		elemType = AnyType
	}
	s := p.sets[elemType]
	if s == nil {
		s = New()
		p.sets[elemType] = s
	}
	s.AddBounds(b)
}

// Merge adds every bound of o into p.
func (p *Predicates) Merge(o *Predicates) {
	if o == nil {
		return
	}
	for t, src := range o.sets {
		dst := p.sets[t]
		if dst == nil {
			p.sets[t] = src.Clone()
			continue
		}
		dst.merge(src)
	}
}

func (s *Set) merge(o *Set) {
	if o.unbounded {
		s.MarkUnbounded()
		return
	}
	for _, n := range o.nodes {
		if n.OpenBelow {
			s.AddBelow(n.Max)
			continue
		}
		s.AddInterval(n.Min, n.Max)
	}
	if o.tail.Bounded {
		s.AddAbove(o.tail.Min)
	}
}

// Get returns the set for elemType, or nil.
func (p *Predicates) Get(elemType string) *Set {
	return p.sets[elemType]
}

// Types returns the element types with recorded bounds in sorted order,
// with AnyType last so type-specific checks are emitted first.
func (p *Predicates) Types() []string {
	types := make([]string, 0, len(p.sets))
	hasAny := false
	for t := range p.sets {
		if t == AnyType {
			hasAny = true
			continue
		}
		types = append(types, t)
	}
	slices.Sort(types)
	if hasAny {
		types = append(types, AnyType)
	}
	return types
}

// Len returns the number of element types.
func (p *Predicates) Len() int {
	return len(p.sets)
}

// Clone returns a deep copy of p.
func (p *Predicates) Clone() *Predicates {
	c := NewPredicates()
	for t, s := range p.sets {
		c.sets[t] = s.Clone()
	}
	return c
}

// Equal reports whether p and o hold the same sets for the same types. A nil
// group equals only another nil group.
func (p *Predicates) Equal(o *Predicates) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.sets) != len(o.sets) {
		return false
	}
	for t, s := range p.sets {
		if os := o.sets[t]; os == nil || !s.Equal(os) {
			return false
		}
	}
	return true
}
