// Package interval compacts numeric bound constraints into a minimal sorted
// sequence of disjoint ranges.
//
// The rewriter uses a Set per array element type to emit the fewest index
// comparisons that cover every bound any consumer declared. Insertion keeps
// the sequence minimal at all times: two ranges that overlap, or that are
// separated by no value at all (a.Max+1 >= b.Min), are merged on the spot.
//
// A Set has two open ends. The head node may be open below (AddBelow) and
// the tail sentinel may record an open upper range (AddAbove). When the two
// open ends meet, the set becomes unbounded: it matches every value and all
// further insertions are no-ops.
//
// Values are non-negative array indices; NoBound is reserved to mark an open
// end in Bounds and in the encoded form.
package interval

import (
	"fmt"
	"iter"
	"strings"
)

// NoBound marks an open end of a Bounds value.
const NoBound int32 = -1

// unboundedMark is written in the tail's max slot of an unbounded set.
const unboundedMark int32 = 1<<31 - 1

// Bounds is an inclusive range as declared by a consumer. Either end may be
// NoBound. A Min greater than Max describes the two open ranges below Max and
// above Min.
type Bounds struct {
	Min int32
	Max int32
}

// Node is one range of the minimal sequence.
type Node struct {
	Min       int32
	Max       int32
	OpenBelow bool // Min is meaningless; the range covers every value <= Max
}

// Tail is the sentinel that ends the sequence. When Bounded is set it covers
// every value >= Min.
type Tail struct {
	Bounded bool
	Min     int32
}

// Set is a minimal ordered set of disjoint ranges.
//
// The zero value is an empty set ready to use.
//
// Thread Safety: not safe for concurrent use.
type Set struct {
	nodes     []Node
	tail      Tail
	unbounded bool
}

// New returns an empty set.
func New() *Set {
	return &Set{}
}

// adjacent reports whether a range ending at hi and a range starting at lo
// must be merged. Computed in 64 bits so hi = MaxInt32 does not wrap.
func adjacent(hi, lo int32) bool {
	return int64(hi)+1 >= int64(lo)
}

// AddBounds adds a declared bound, interpreting NoBound ends.
func (s *Set) AddBounds(b Bounds) {
	if s.unbounded {
		return
	}
	switch {
	case b.Min == NoBound && b.Max == NoBound:
		s.MarkUnbounded()
	case b.Min == NoBound:
		s.AddBelow(b.Max)
	case b.Max == NoBound:
		s.AddAbove(b.Min)
	default:
		s.AddInterval(b.Min, b.Max)
	}
}

// AddInterval adds the inclusive range [min, max].
//
// A min greater than max adds the two open ranges below max and above min.
// A negative min is treated as an open lower end.
func (s *Set) AddInterval(min, max int32) {
	if s.unbounded {
		return
	}
	if min > max {
		s.AddBelow(max)
		s.AddAbove(min)
		return
	}
	if max < 0 {
		return
	}
	if min < 0 {
		s.AddBelow(max)
		return
	}

	if s.tail.Bounded && adjacent(max, s.tail.Min) {
		if min < s.tail.Min {
			s.tail.Min = min
		}
		s.settleTail()
		return
	}

	// First node that does not lie entirely below the new range.
	i := 0
	for i < len(s.nodes) && !adjacent(s.nodes[i].Max, min) {
		i++
	}
	if i == len(s.nodes) {
		s.nodes = append(s.nodes, Node{Min: min, Max: max})
		return
	}

	node := &s.nodes[i]
	if !node.OpenBelow && !adjacent(max, node.Min) {
		s.nodes = append(s.nodes, Node{})
		copy(s.nodes[i+1:], s.nodes[i:])
		s.nodes[i] = Node{Min: min, Max: max}
		return
	}

	if !node.OpenBelow && min < node.Min {
		node.Min = min
	}
	if max > node.Max {
		node.Max = max
	}
	s.resolveNext(i)
	s.settleTail()
}

// resolveNext absorbs every node after i that is within or adjacent to
// node i, stopping at the first gap.
func (s *Set) resolveNext(i int) {
	j := i + 1
	for j < len(s.nodes) && adjacent(s.nodes[i].Max, s.nodes[j].Min) {
		if s.nodes[j].Max > s.nodes[i].Max {
			s.nodes[i].Max = s.nodes[j].Max
		}
		j++
	}
	if j > i+1 {
		s.nodes = append(s.nodes[:i+1], s.nodes[j:]...)
	}
}

// settleTail folds trailing nodes that reach the open upper range into it,
// collapsing the set when an open-below node is reached.
func (s *Set) settleTail() {
	if !s.tail.Bounded {
		return
	}
	for len(s.nodes) > 0 {
		last := s.nodes[len(s.nodes)-1]
		if !adjacent(last.Max, s.tail.Min) {
			return
		}
		if last.OpenBelow {
			s.MarkUnbounded()
			return
		}
		if last.Min < s.tail.Min {
			s.tail.Min = last.Min
		}
		s.nodes = s.nodes[:len(s.nodes)-1]
	}
}

// AddBelow adds every value <= max.
func (s *Set) AddBelow(max int32) {
	if s.unbounded || max < 0 {
		return
	}
	if s.tail.Bounded && adjacent(max, s.tail.Min) {
		s.MarkUnbounded()
		return
	}
	if len(s.nodes) > 0 && s.nodes[0].OpenBelow {
		if max > s.nodes[0].Max {
			s.nodes[0].Max = max
		}
	} else {
		s.nodes = append(s.nodes, Node{})
		copy(s.nodes[1:], s.nodes)
		s.nodes[0] = Node{Min: NoBound, Max: max, OpenBelow: true}
	}
	s.resolveNext(0)
}

// AddAbove adds every value >= min.
func (s *Set) AddAbove(min int32) {
	if s.unbounded {
		return
	}
	if min < 0 {
		s.MarkUnbounded()
		return
	}
	if s.tail.Bounded && s.tail.Min <= min {
		return
	}
	s.tail = Tail{Bounded: true, Min: min}
	s.settleTail()
}

// MarkUnbounded makes the set match every value, permanently.
func (s *Set) MarkUnbounded() {
	s.unbounded = true
	s.nodes = nil
	s.tail = Tail{}
}

// IsUnbounded reports whether the set matches every value.
func (s *Set) IsUnbounded() bool {
	return s.unbounded
}

// IsEmpty reports whether the set matches no value.
func (s *Set) IsEmpty() bool {
	return !s.unbounded && len(s.nodes) == 0 && !s.tail.Bounded
}

// Len returns the number of nodes before the tail sentinel.
func (s *Set) Len() int {
	return len(s.nodes)
}

// Nodes iterates over the minimal node sequence in ascending order.
func (s *Set) Nodes() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for _, n := range s.nodes {
			if !yield(n) {
				return
			}
		}
	}
}

// Tail returns the tail sentinel.
func (s *Set) Tail() Tail {
	return s.tail
}

// Contains reports whether v is matched by the set.
func (s *Set) Contains(v int32) bool {
	if s.unbounded {
		return true
	}
	if s.tail.Bounded && v >= s.tail.Min {
		return true
	}
	for _, n := range s.nodes {
		if v <= n.Max {
			return n.OpenBelow || v >= n.Min
		}
	}
	return false
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{tail: s.tail, unbounded: s.unbounded}
	c.nodes = append([]Node(nil), s.nodes...)
	return c
}

// Equal reports whether two sets describe the same structure.
func (s *Set) Equal(o *Set) bool {
	if s.unbounded != o.unbounded || s.tail != o.tail || len(s.nodes) != len(o.nodes) {
		return false
	}
	for i := range s.nodes {
		if s.nodes[i] != o.nodes[i] {
			return false
		}
	}
	return true
}

// String formats the set as "[ 11:26 34:37 40: ]".
func (s *Set) String() string {
	if s.unbounded {
		return "[ * ]"
	}
	var sb strings.Builder
	sb.WriteString("[ ")
	for _, n := range s.nodes {
		if n.OpenBelow {
			fmt.Fprintf(&sb, ":%d ", n.Max)
			continue
		}
		fmt.Fprintf(&sb, "%d:%d ", n.Min, n.Max)
	}
	if s.tail.Bounded {
		fmt.Fprintf(&sb, "%d: ", s.tail.Min)
	}
	sb.WriteString("]")
	return sb.String()
}
