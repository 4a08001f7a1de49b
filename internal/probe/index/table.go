package index

import (
	"maps"
	"slices"

	"github.com/kolkov/probeweaver/internal/probe/event"
)

// Table holds one Index per event kind.
type Table struct {
	indexes map[event.Kind]*Index
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{indexes: make(map[event.Kind]*Index)}
}

// Index returns the index for kind, creating it on first use.
func (t *Table) Index(kind event.Kind) *Index {
	x := t.indexes[kind]
	if x == nil {
		x = New()
		t.indexes[kind] = x
	}
	return x
}

// Lookup returns the index for kind, or nil if none was created.
func (t *Table) Lookup(kind event.Kind) *Index {
	return t.indexes[kind]
}

// Kinds returns the kinds with an index, in ascending order.
func (t *Table) Kinds() []event.Kind {
	return slices.Sorted(maps.Keys(t.indexes))
}

// Len returns the number of records over all kinds.
func (t *Table) Len() int {
	n := 0
	for _, x := range t.indexes {
		n += x.Len()
	}
	return n
}

// Find returns the record for kind at loc, or nil.
func (t *Table) Find(kind event.Kind, loc event.Location) *Record {
	x := t.indexes[kind]
	if x == nil {
		return nil
	}
	return x.Find(loc)
}
