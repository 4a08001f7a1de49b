package coordinator

import (
	"maps"
	"slices"

	"github.com/kolkov/probeweaver/internal/probe/event"
)

// ChangeSet maps declaring types to the members that need a rewrite pass in
// the next cycle.
//
// Thread Safety: not synchronized; guarded by the coordinator's structural
// lock.
type ChangeSet map[string]map[event.Location]struct{}

// Mark records loc as dirty and reports whether it was not already.
func (cs ChangeSet) Mark(loc event.Location) bool {
	members := cs[loc.Type]
	if members == nil {
		members = make(map[event.Location]struct{})
		cs[loc.Type] = members
	}
	if _, ok := members[loc]; ok {
		return false
	}
	members[loc] = struct{}{}
	return true
}

// Has reports whether loc is dirty.
func (cs ChangeSet) Has(loc event.Location) bool {
	_, ok := cs[loc.Type][loc]
	return ok
}

// Classes returns the dirty declaring types, sorted.
func (cs ChangeSet) Classes() []string {
	return slices.Sorted(maps.Keys(cs))
}

// Members returns the dirty members of class, sorted.
func (cs ChangeSet) Members(class string) []event.Location {
	return slices.SortedFunc(maps.Keys(cs[class]), event.Location.Compare)
}

// Clear removes the given members of class, or every member when none are
// given. Other members of class survive a partial clear.
func (cs ChangeSet) Clear(class string, members ...event.Location) {
	if len(members) == 0 {
		delete(cs, class)
		return
	}
	m := cs[class]
	for _, loc := range members {
		delete(m, loc)
	}
	if len(m) == 0 {
		delete(cs, class)
	}
}

// Len returns the number of dirty members.
func (cs ChangeSet) Len() int {
	n := 0
	for _, m := range cs {
		n += len(m)
	}
	return n
}
