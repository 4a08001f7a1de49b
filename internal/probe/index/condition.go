package index

import (
	"math"
	"strings"

	"github.com/kolkov/probeweaver/internal/probe/event"
)

// ConditionTree is a compiled set of ranked inclusion and exclusion rules
// over location prefixes.
//
// A path is admitted according to the deepest rule along it whose rank is
// at least the rank of the rule that was winning above it. The tree's
// default decision has the lowest possible rank, so any explicit rule at the
// root overrides it.
//
// Thread Safety: build the tree before traversals start; a built tree is
// read-only and may be shared.
type ConditionTree struct {
	root *condNode
}

type condNode struct {
	children map[string]*condNode
	set      bool
	include  bool
	rank     int

	// best include rank among strict descendants, valid after finalize
	readmit int
	dirty   bool
}

type decision struct {
	include bool
	rank    int
}

// NewConditionTree returns a tree whose default decision is defaultInclude.
func NewConditionTree(defaultInclude bool) *ConditionTree {
	return &ConditionTree{root: &condNode{
		children: make(map[string]*condNode),
		set:      true,
		include:  defaultInclude,
		rank:     math.MinInt,
		dirty:    true,
	}}
}

// Add records a rule for the dot-separated prefix. An empty prefix
// addresses the root. When a rule already exists for the prefix the one
// with the higher rank is kept; a tie goes to the newer rule.
func (t *ConditionTree) Add(prefix string, include bool, rank int) {
	n := t.root
	n.dirty = true
	if prefix != "" {
		for _, key := range strings.Split(prefix, ".") {
			child, ok := n.children[key]
			if !ok {
				child = &condNode{children: make(map[string]*condNode), readmit: math.MinInt}
				n.children[key] = child
			}
			n = child
		}
	}
	if n.set && rank < n.rank {
		return
	}
	n.set, n.include, n.rank = true, include, rank
}

// AddCondition records c and its nested conditions. A nested condition with
// a zero rank takes the rank of its parent.
func (t *ConditionTree) AddCondition(c event.Condition) {
	t.addCondition(c, 0)
}

func (t *ConditionTree) addCondition(c event.Condition, parentRank int) {
	rank := c.Rank
	if rank == 0 {
		rank = parentRank
	}
	t.Add(c.Prefix, c.Include, rank)
	for _, nested := range c.Nested {
		t.addCondition(nested, rank)
	}
}

// Check returns the decision for a path and the rank of the rule that
// produced it.
func (t *ConditionTree) Check(p []string) (include bool, rank int) {
	d := decision{include: t.root.include, rank: t.root.rank}
	n := t.root
	for _, key := range p {
		n = n.children[key]
		if n == nil {
			break
		}
		d = n.decide(d)
	}
	return d.include, d.rank
}

// Admits reports whether a location is admitted.
func (t *ConditionTree) Admits(loc event.Location) bool {
	include, _ := t.Check(path(loc))
	return include
}

// decide applies n's rule to the decision inherited from above.
func (n *condNode) decide(d decision) decision {
	if n.set && n.rank >= d.rank {
		return decision{include: n.include, rank: n.rank}
	}
	return d
}

// finalize computes readmit for every node.
func (t *ConditionTree) finalize() {
	if !t.root.dirty {
		return
	}
	t.root.computeReadmit()
	t.root.dirty = false
}

func (n *condNode) computeReadmit() int {
	best := math.MinInt
	for _, child := range n.children {
		sub := child.computeReadmit()
		if child.set && child.include && child.rank > sub {
			sub = child.rank
		}
		if sub > best {
			best = sub
		}
	}
	n.readmit = best
	return best
}

// skip reports whether the subtree below a node can be passed over: it is
// excluded by d and no descendant rule can admit anything again.
func (n *condNode) skip(d decision) bool {
	if d.include {
		return false
	}
	if n == nil {
		return true
	}
	return n.readmit == math.MinInt || n.readmit < d.rank
}
