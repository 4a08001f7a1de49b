package index

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kolkov/probeweaver/internal/probe/event"
)

// Record is one logical observation point.
type Record struct {
	ID          int32
	Location    event.Location
	LiveKeys    event.KeySet
	ChangeCount int
}

// NewRecord returns a record with no edits yet applied.
func NewRecord(id int32, loc event.Location, keys ...event.ConsumerKey) *Record {
	return &Record{ID: id, Location: loc, LiveKeys: event.NewKeySet(keys...)}
}

// String formats the record for diagnostics.
func (r *Record) String() string {
	keys := r.LiveKeys.Sorted()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return fmt.Sprintf("#%d %s keys=[%s] changes=%d", r.ID, r.Location, strings.Join(parts, ","), r.ChangeCount)
}

// path returns the trie path of a location. Member and signature are always
// present, possibly empty, so every record sits at the same depth below its
// type.
func path(loc event.Location) []string {
	p := strings.Split(loc.Type, ".")
	return append(p, loc.Member, loc.Signature)
}

// node is one trie level. A dotted type name can itself be a prefix of a
// longer type ("pkg.Foo" and "pkg.Foo.bar"), so a node may hold records for
// the locations ending at it and children for deeper ones.
type node struct {
	children map[string]*node
	records  map[int32]*Record // allocated once a record lands here
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) empty() bool {
	return len(n.records) == 0 && len(n.children) == 0
}

func (n *node) sortedKeys() []string {
	return slices.Sorted(maps.Keys(n.children))
}

func (n *node) sortedIDs() []int32 {
	return slices.Sorted(maps.Keys(n.records))
}

// Index maps locations to probe records. Create one with New.
type Index struct {
	root *node
	size int
}

// New returns an empty index.
func New() *Index {
	return &Index{root: newNode()}
}

// leaf returns the node at p, creating the path and its record map when
// create is set.
func (x *Index) leaf(p []string, create bool) *node {
	n := x.root
	for _, key := range p {
		child, ok := n.children[key]
		if !ok {
			if !create {
				return nil
			}
			child = newNode()
			n.children[key] = child
		}
		n = child
	}
	if create && n.records == nil {
		n.records = make(map[int32]*Record)
	}
	return n
}

// Add inserts r, replacing any record with the same id at the same location.
func (x *Index) Add(r *Record) {
	if r.LiveKeys == nil {
		r.LiveKeys = event.NewKeySet()
	}
	leaf := x.leaf(path(r.Location), true)
	if _, ok := leaf.records[r.ID]; !ok {
		x.size++
	}
	leaf.records[r.ID] = r
}

// Get returns the records at loc in id order.
func (x *Index) Get(loc event.Location) []*Record {
	leaf := x.leaf(path(loc), false)
	if leaf == nil {
		return nil
	}
	out := make([]*Record, 0, len(leaf.records))
	for _, id := range leaf.sortedIDs() {
		out = append(out, leaf.records[id])
	}
	return out
}

// Find returns the probe at loc, or nil. When several records share a
// location the lowest id wins.
func (x *Index) Find(loc event.Location) *Record {
	leaf := x.leaf(path(loc), false)
	if leaf == nil || len(leaf.records) == 0 {
		return nil
	}
	var best *Record
	for _, r := range leaf.records {
		if best == nil || r.ID < best.ID {
			best = r
		}
	}
	return best
}

// Lookup returns the record with id at loc, or nil.
func (x *Index) Lookup(loc event.Location, id int32) *Record {
	leaf := x.leaf(path(loc), false)
	if leaf == nil {
		return nil
	}
	return leaf.records[id]
}

// Remove deletes the record with id at loc and reports whether it existed.
func (x *Index) Remove(loc event.Location, id int32) bool {
	p := path(loc)
	leaf := x.leaf(p, false)
	if leaf == nil {
		return false
	}
	if _, ok := leaf.records[id]; !ok {
		return false
	}
	delete(leaf.records, id)
	x.size--
	if len(leaf.records) == 0 {
		x.prune(p)
	}
	return true
}

// DecrementAndMaybeRemove retracts one edit of the record with id at loc and
// returns the number of edits left, or -1 when no such record exists.
//
// The record is removed once no edits are left and no key needs it.
func (x *Index) DecrementAndMaybeRemove(loc event.Location, id int32) int {
	p := path(loc)
	leaf := x.leaf(p, false)
	if leaf == nil {
		return -1
	}
	r, ok := leaf.records[id]
	if !ok {
		return -1
	}
	if r.ChangeCount > 0 {
		r.ChangeCount--
	}
	if r.ChangeCount == 0 && r.LiveKeys.Len() == 0 {
		delete(leaf.records, id)
		x.size--
		if len(leaf.records) == 0 {
			x.prune(p)
		}
	}
	return r.ChangeCount
}

// prune removes empty nodes along p, deepest first.
func (x *Index) prune(p []string) {
	nodes := make([]*node, 0, len(p)+1)
	n := x.root
	nodes = append(nodes, n)
	for _, key := range p {
		child, ok := n.children[key]
		if !ok {
			break
		}
		nodes = append(nodes, child)
		n = child
	}
	for i := len(nodes) - 1; i > 0; i-- {
		if !nodes[i].empty() {
			return
		}
		delete(nodes[i-1].children, p[i-1])
	}
}

// Len returns the number of records.
func (x *Index) Len() int {
	return x.size
}

// Locations returns the distinct locations holding records, in traversal
// order.
func (x *Index) Locations() []event.Location {
	var out []event.Location
	it := x.Iterator()
	var last *event.Location
	for it.Next() {
		loc := it.Record().Location
		if last != nil && *last == loc {
			continue
		}
		out = append(out, loc)
		last = &out[len(out)-1]
	}
	return out
}
