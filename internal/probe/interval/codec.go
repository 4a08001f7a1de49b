package interval

import (
	"errors"
	"fmt"

	"github.com/kolkov/probeweaver/internal/probe/wire"
)

// ErrCorrupt is returned when encoded data does not describe a minimal set.
var ErrCorrupt = errors.New("interval: corrupt encoding")

const (
	flagNode byte = 0
	flagTail byte = 1
)

// Encode writes the set as repeated (0, min, max) records terminated by a
// (1, tailMin, tailMax) record for the tail sentinel.
//
// An open-below head node is written with min = NoBound. The tail writes
// NoBound for an unset minimum; an unbounded set writes (1, NoBound,
// MaxInt32).
func (s *Set) Encode(w *wire.Writer) {
	for _, n := range s.nodes {
		w.WriteUint8(flagNode)
		if n.OpenBelow {
			w.WriteInt32(NoBound)
		} else {
			w.WriteInt32(n.Min)
		}
		w.WriteInt32(n.Max)
	}
	w.WriteUint8(flagTail)
	switch {
	case s.unbounded:
		w.WriteInt32(NoBound)
		w.WriteInt32(unboundedMark)
	case s.tail.Bounded:
		w.WriteInt32(s.tail.Min)
		w.WriteInt32(NoBound)
	default:
		w.WriteInt32(NoBound)
		w.WriteInt32(NoBound)
	}
}

// Decode reads a set written by Encode and verifies it is minimal.
func Decode(r *wire.Reader) (*Set, error) {
	s := New()
	for {
		flag := r.ReadUint8()
		if err := r.Err(); err != nil {
			return nil, err
		}
		min, max := r.ReadInt32(), r.ReadInt32()
		if err := r.Err(); err != nil {
			return nil, err
		}

		if flag == flagTail {
			switch {
			case max == unboundedMark:
				if len(s.nodes) > 0 {
					return nil, fmt.Errorf("%w: nodes before unbounded tail", ErrCorrupt)
				}
				s.unbounded = true
			case min != NoBound:
				s.tail = Tail{Bounded: true, Min: min}
			}
			if err := s.verify(); err != nil {
				return nil, err
			}
			return s, nil
		}
		if flag != flagNode {
			return nil, fmt.Errorf("%w: unknown record flag %d", ErrCorrupt, flag)
		}

		if min == NoBound {
			if len(s.nodes) > 0 {
				return nil, fmt.Errorf("%w: open-below node after head", ErrCorrupt)
			}
			s.nodes = append(s.nodes, Node{Min: NoBound, Max: max, OpenBelow: true})
			continue
		}
		s.nodes = append(s.nodes, Node{Min: min, Max: max})
	}
}

// verify checks the minimality invariant.
func (s *Set) verify() error {
	for i, n := range s.nodes {
		if !n.OpenBelow && n.Min > n.Max {
			return fmt.Errorf("%w: node %d has min %d > max %d", ErrCorrupt, i, n.Min, n.Max)
		}
		if i > 0 && adjacent(s.nodes[i-1].Max, n.Min) {
			return fmt.Errorf("%w: nodes %d and %d are not disjoint", ErrCorrupt, i-1, i)
		}
	}
	if s.tail.Bounded && len(s.nodes) > 0 && adjacent(s.nodes[len(s.nodes)-1].Max, s.tail.Min) {
		return fmt.Errorf("%w: last node reaches the tail", ErrCorrupt)
	}
	return nil
}
