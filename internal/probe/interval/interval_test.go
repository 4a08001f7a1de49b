package interval

import (
	"bytes"
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/kolkov/probeweaver/internal/probe/wire"
)

func nodesOf(s *Set) []Node {
	return slices.Collect(s.Nodes())
}

func checkMinimal(t *testing.T, s *Set) {
	t.Helper()
	ns := nodesOf(s)
	for i := 1; i < len(ns); i++ {
		if int64(ns[i-1].Max)+1 >= int64(ns[i].Min) {
			t.Fatalf("nodes %v and %v are adjacent or overlapping in %s", ns[i-1], ns[i], s)
		}
	}
	if tail := s.Tail(); tail.Bounded && len(ns) > 0 {
		if int64(ns[len(ns)-1].Max)+1 >= int64(tail.Min) {
			t.Fatalf("last node %v reaches tail %d in %s", ns[len(ns)-1], tail.Min, s)
		}
	}
}

// TestAddIntervalMerging tests the merge sequence used to size bound checks.
func TestAddIntervalMerging(t *testing.T) {
	s := New()
	s.AddInterval(34, 37)
	s.AddInterval(22, 24)
	s.AddInterval(18, 21)
	s.AddInterval(13, 15)

	// 18:21 and 22:24 leave no value between them and merge immediately.
	want := []Node{{Min: 13, Max: 15}, {Min: 18, Max: 24}, {Min: 34, Max: 37}}
	if got := nodesOf(s); !slices.Equal(got, want) {
		t.Fatalf("after four inserts: got %v, want %v", got, want)
	}

	s.AddInterval(11, 26)
	want = []Node{{Min: 11, Max: 26}, {Min: 34, Max: 37}}
	if got := nodesOf(s); !slices.Equal(got, want) {
		t.Fatalf("after 11:26: got %v, want %v", got, want)
	}

	s.AddInterval(7, 10)
	want = []Node{{Min: 7, Max: 26}, {Min: 34, Max: 37}}
	if got := nodesOf(s); !slices.Equal(got, want) {
		t.Fatalf("after 7:10: got %v, want %v", got, want)
	}

	s.AddInterval(27, 33)
	want = []Node{{Min: 7, Max: 37}}
	if got := nodesOf(s); !slices.Equal(got, want) {
		t.Fatalf("after 27:33: got %v, want %v", got, want)
	}
	if s.String() != "[ 7:37 ]" {
		t.Errorf("String = %q", s.String())
	}
}

// TestAddIntervalInsertPositions tests insertion at the head, middle and end.
func TestAddIntervalInsertPositions(t *testing.T) {
	tests := []struct {
		name string
		adds [][2]int32
		want []Node
	}{
		{"append", [][2]int32{{1, 2}, {5, 6}}, []Node{{Min: 1, Max: 2}, {Min: 5, Max: 6}}},
		{"prepend", [][2]int32{{5, 6}, {1, 2}}, []Node{{Min: 1, Max: 2}, {Min: 5, Max: 6}}},
		{"middle", [][2]int32{{1, 2}, {10, 12}, {5, 6}}, []Node{{Min: 1, Max: 2}, {Min: 5, Max: 6}, {Min: 10, Max: 12}}},
		{"adjacent above", [][2]int32{{1, 2}, {3, 4}}, []Node{{Min: 1, Max: 4}}},
		{"adjacent below", [][2]int32{{3, 4}, {1, 2}}, []Node{{Min: 1, Max: 4}}},
		{"contained", [][2]int32{{1, 10}, {3, 4}}, []Node{{Min: 1, Max: 10}}},
		{"spanning", [][2]int32{{2, 3}, {6, 7}, {10, 11}, {0, 20}}, []Node{{Min: 0, Max: 20}}},
		{"bridge", [][2]int32{{1, 2}, {6, 7}, {3, 5}}, []Node{{Min: 1, Max: 7}}},
		{"single values", [][2]int32{{4, 4}, {6, 6}, {5, 5}}, []Node{{Min: 4, Max: 6}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			for _, a := range tt.adds {
				s.AddInterval(a[0], a[1])
			}
			if got := nodesOf(s); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			checkMinimal(t, s)
		})
	}
}

// TestAddBelowAbove tests the open ends and their collapse to unbounded.
func TestAddBelowAbove(t *testing.T) {
	s := New()
	s.AddInterval(10, 12)
	s.AddBelow(4)
	s.AddAbove(20)
	if s.String() != "[ :4 10:12 20: ]" {
		t.Fatalf("String = %q", s.String())
	}
	if !s.Contains(0) || !s.Contains(11) || !s.Contains(1000) {
		t.Error("expected 0, 11 and 1000 to be contained")
	}
	if s.Contains(5) || s.Contains(15) {
		t.Error("expected 5 and 15 to be excluded")
	}

	// Extending below swallows 10:12.
	s.AddBelow(13)
	if s.String() != "[ :13 20: ]" {
		t.Fatalf("after AddBelow(13): %q", s.String())
	}

	// Extending above reaches the open-below node: the set collapses.
	s.AddAbove(14)
	if !s.IsUnbounded() {
		t.Fatalf("expected unbounded, got %q", s.String())
	}
	if s.Len() != 0 {
		t.Errorf("unbounded set has %d nodes", s.Len())
	}
}

// TestAddAboveAbsorbsNodes tests that nodes reaching the open upper range
// are folded into it.
func TestAddAboveAbsorbsNodes(t *testing.T) {
	s := New()
	s.AddInterval(1, 2)
	s.AddInterval(5, 8)
	s.AddInterval(12, 14)
	s.AddAbove(7)
	if s.String() != "[ 1:2 5: ]" {
		t.Fatalf("String = %q", s.String())
	}

	// A higher open range is already covered.
	s.AddAbove(30)
	if s.Tail().Min != 5 {
		t.Errorf("tail min = %d, want 5", s.Tail().Min)
	}

	// An interval touching the tail lowers it.
	s.AddInterval(3, 4)
	if s.String() != "[ 1: ]" {
		t.Errorf("String = %q", s.String())
	}
}

// TestUnboundedAbsorption tests that an unbounded set ignores insertions.
func TestUnboundedAbsorption(t *testing.T) {
	s := New()
	s.AddBelow(10)
	s.AddAbove(11)
	if !s.IsUnbounded() {
		t.Fatal("AddBelow(10)+AddAbove(11) should meet")
	}

	s.AddInterval(3, 4)
	s.AddBelow(100)
	s.AddAbove(0)
	s.AddBounds(Bounds{Min: 1, Max: 2})
	if !s.IsUnbounded() || s.Len() != 0 || s.Tail().Bounded {
		t.Errorf("unbounded set changed: %q", s.String())
	}

	m := New()
	m.MarkUnbounded()
	m.AddInterval(1, 1)
	if !m.IsUnbounded() {
		t.Error("MarkUnbounded should be permanent")
	}
}

// TestAddBounds tests NoBound interpretation.
func TestAddBounds(t *testing.T) {
	tests := []struct {
		name      string
		b         Bounds
		want      string
		unbounded bool
	}{
		{"closed", Bounds{Min: 2, Max: 5}, "[ 2:5 ]", false},
		{"open min", Bounds{Min: NoBound, Max: 5}, "[ :5 ]", false},
		{"open max", Bounds{Min: 5, Max: NoBound}, "[ 5: ]", false},
		{"both open", Bounds{Min: NoBound, Max: NoBound}, "[ * ]", true},
		{"inverted", Bounds{Min: 9, Max: 3}, "[ :3 9: ]", false},
		{"inverted adjacent", Bounds{Min: 4, Max: 3}, "[ * ]", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.AddBounds(tt.b)
			if s.String() != tt.want {
				t.Errorf("String = %q, want %q", s.String(), tt.want)
			}
			if s.IsUnbounded() != tt.unbounded {
				t.Errorf("IsUnbounded = %v, want %v", s.IsUnbounded(), tt.unbounded)
			}
		})
	}
}

// TestRandomMinimality tests the minimality invariant and membership against
// a brute-force model for random insertion sequences.
func TestRandomMinimality(t *testing.T) {
	const window = 150
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		s := New()
		var model [window + 1]bool
		for op := 0; op < 12; op++ {
			a := int32(rng.Intn(window + 1))
			b := int32(rng.Intn(window + 1))
			switch rng.Intn(10) {
			case 0:
				s.AddBelow(a)
				for v := int32(0); v <= a; v++ {
					model[v] = true
				}
			case 1:
				s.AddAbove(a)
				for v := a; v <= window; v++ {
					model[v] = true
				}
			default:
				if a > b {
					a, b = b, a
				}
				s.AddInterval(a, b)
				for v := a; v <= b; v++ {
					model[v] = true
				}
			}
			checkMinimal(t, s)
		}

		for v := int32(0); v <= window; v++ {
			if s.Contains(v) != model[v] {
				t.Fatalf("round %d: Contains(%d) = %v, model %v, set %s", round, v, s.Contains(v), model[v], s)
			}
		}
	}
}

// TestEncodeLayout tests the exact encoded bytes.
func TestEncodeLayout(t *testing.T) {
	s := New()
	s.AddInterval(11, 26)
	s.AddInterval(34, 37)

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	s.Encode(w)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0, 0, 0, 0, 11, 0, 0, 0, 26,
		0, 0, 0, 0, 34, 0, 0, 0, 37,
		1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("encoded = % x\nwant      % x", buf.Bytes(), want)
	}
}

// TestRoundTrip tests that Decode(Encode(s)) reproduces s bit for bit.
func TestRoundTrip(t *testing.T) {
	build := map[string]func(*Set){
		"empty": func(*Set) {},
		"closed": func(s *Set) {
			s.AddInterval(1, 3)
			s.AddInterval(8, 8)
		},
		"open below": func(s *Set) {
			s.AddBelow(5)
			s.AddInterval(9, 12)
		},
		"open above": func(s *Set) {
			s.AddInterval(0, 0)
			s.AddAbove(40)
		},
		"unbounded": func(s *Set) {
			s.MarkUnbounded()
		},
	}

	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			s := New()
			fn(s)

			var first bytes.Buffer
			w := wire.NewWriter(&first)
			s.Encode(w)
			if err := w.Flush(); err != nil {
				t.Fatal(err)
			}

			got, err := Decode(wire.NewReader(bytes.NewReader(first.Bytes())))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !got.Equal(s) {
				t.Fatalf("decoded %s, want %s", got, s)
			}

			var second bytes.Buffer
			w = wire.NewWriter(&second)
			got.Encode(w)
			if err := w.Flush(); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(first.Bytes(), second.Bytes()) {
				t.Errorf("re-encoding differs:\n% x\n% x", first.Bytes(), second.Bytes())
			}
		})
	}
}

// TestDecodeRejectsNonMinimal tests that adjacent nodes are rejected.
func TestDecodeRejectsNonMinimal(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	for _, n := range [][2]int32{{1, 2}, {3, 4}} {
		w.WriteUint8(0)
		w.WriteInt32(n[0])
		w.WriteInt32(n[1])
	}
	w.WriteUint8(1)
	w.WriteInt32(NoBound)
	w.WriteInt32(NoBound)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	_, err := Decode(wire.NewReader(&buf))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Decode error = %v, want ErrCorrupt", err)
	}
}

// TestComparisons tests the emitted check list.
func TestComparisons(t *testing.T) {
	s := New()
	s.AddBelow(2)
	s.AddInterval(5, 5)
	s.AddInterval(8, 10)
	s.AddAbove(20)

	got := s.Comparisons()
	want := []Comparison{
		{Op: OpAtMost, Max: 2},
		{Op: OpEqual, Min: 5, Max: 5},
		{Op: OpBetween, Min: 8, Max: 10},
		{Op: OpAtLeast, Min: 20},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Comparisons = %v, want %v", got, want)
	}
	if got[2].String() != "8 <= i <= 10" {
		t.Errorf("String = %q", got[2].String())
	}

	if n := len(New().Comparisons()); n != 0 {
		t.Errorf("empty set emitted %d checks", n)
	}
	u := New()
	u.MarkUnbounded()
	if c := u.Comparisons(); len(c) != 1 || c[0].Op != OpAlways {
		t.Errorf("unbounded Comparisons = %v", c)
	}
}

// TestPredicates tests per-type grouping and wildcard ordering.
func TestPredicates(t *testing.T) {
	p := NewPredicates()
	p.Add("int", Bounds{Min: 0, Max: 3})
	p.Add("", Bounds{Min: 10, Max: 12})
	p.Add("byte", Bounds{Min: 1, Max: 1})
	p.Add("int", Bounds{Min: 4, Max: 6})

	if got, want := p.Types(), []string{"byte", "int", AnyType}; !slices.Equal(got, want) {
		t.Fatalf("Types = %v, want %v", got, want)
	}
	if got := p.Get("int").String(); got != "[ 0:6 ]" {
		t.Errorf("int set = %q", got)
	}

	q := NewPredicates()
	q.Add("int", Bounds{Min: 20, Max: NoBound})
	q.Add("long", Bounds{Min: 2, Max: 2})
	p.Merge(q)
	if got := p.Get("int").String(); got != "[ 0:6 20: ]" {
		t.Errorf("merged int set = %q", got)
	}
	if p.Len() != 4 {
		t.Errorf("Len = %d, want 4", p.Len())
	}

	// Merge must copy, not alias.
	q.Get("long").AddInterval(9, 9)
	if got := p.Get("long").String(); got != "[ 2:2 ]" {
		t.Errorf("merged set aliases source: %q", got)
	}
}

// BenchmarkAddInterval measures insertion into a fragmented set.
func BenchmarkAddInterval(b *testing.B) {
	for i := 0; i < b.N; i++ {
		s := New()
		for v := int32(0); v < 64; v++ {
			s.AddInterval(v*4, v*4+1)
		}
		s.AddInterval(0, 300)
	}
}
