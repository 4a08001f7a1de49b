package event

import (
	"slices"

	"github.com/google/uuid"
)

// ConsumerKey identifies an analysis session.
type ConsumerKey string

// NewConsumerKey returns a fresh random key.
func NewConsumerKey() ConsumerKey {
	return ConsumerKey(uuid.NewString())
}

// KeySet is a set of consumer keys.
//
// The zero value is not usable; create one with NewKeySet or make.
type KeySet map[ConsumerKey]struct{}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...ConsumerKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts key and reports whether it was absent.
func (s KeySet) Add(key ConsumerKey) bool {
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Remove deletes key and reports whether it was present.
func (s KeySet) Remove(key ConsumerKey) bool {
	if _, ok := s[key]; !ok {
		return false
	}
	delete(s, key)
	return true
}

// Has reports whether key is in the set.
func (s KeySet) Has(key ConsumerKey) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of keys.
func (s KeySet) Len() int {
	return len(s)
}

// Sorted returns the keys in ascending order.
func (s KeySet) Sorted() []ConsumerKey {
	keys := make([]ConsumerKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns an independent copy of the set.
func (s KeySet) Clone() KeySet {
	c := make(KeySet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}
