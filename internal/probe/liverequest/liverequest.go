// Package liverequest keeps reference-counted runtime watches for field
// access and exception observation.
//
// These observations need no code rewriting: the observed process can watch
// a field or an exception type directly. The table records which consumer
// keys need each watch, enables the watch on first interest and disables it
// (without destroying it) on last release, so re-enabling is cheap.
//
// Requests for a subject whose declaring type is not loaded yet are deferred:
// they are handed to a Deferrer (the key's adaptive specification) and kept
// pending until ClassPrepared reports the type.
//
// Thread Safety: a Table is not internally synchronized. The coordinator
// serializes every call under its structural lock.
package liverequest

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/probe/event"
)

// ErrNotLiveKind is returned for kinds that are not served by a watch.
var ErrNotLiveKind = errors.New("liverequest: kind is not a live request kind")

// Watch is a runtime watch in the observed process.
type Watch interface {
	Enable() error
	Disable() error
}

// Handler is the code location that services a watch in the observed
// process.
type Handler struct {
	Name      string
	Signature string
	Offset    int32
}

// Target creates watches in the observed process.
type Target interface {
	// Loaded reports whether the declaring type of subject is loaded.
	Loaded(subject event.Subject) bool

	// NewWatch creates a disabled watch for the subject.
	NewWatch(kind event.Kind, subject event.Subject) (Watch, Handler, error)
}

// Deferrer records requests that cannot be served yet.
type Deferrer interface {
	DeferField(key event.ConsumerKey, kind event.Kind, subject event.Subject) error
	WithdrawField(key event.ConsumerKey, kind event.Kind, subject event.Subject) bool
}

// Entry is the bookkeeping for one watched subject.
type Entry struct {
	Kind     event.Kind
	Subject  event.Subject
	Handler  Handler
	LiveKeys event.KeySet

	watch Watch
}

// Active reports whether the entry's watch is currently enabled.
func (e *Entry) Active() bool {
	return e.watch != nil && e.LiveKeys.Len() > 0
}

// PendingRequest is a request waiting for its declaring type to load.
type PendingRequest struct {
	Key     event.ConsumerKey
	Kind    event.Kind
	Subject event.Subject
}

type entryKey struct {
	kind    event.Kind
	subject event.Subject
}

// Table maps subjects to watch entries.
type Table struct {
	target   Target
	deferrer Deferrer
	log      *zap.Logger

	entries map[entryKey]*Entry
	pending map[entryKey]event.KeySet
}

// New returns an empty table.
func New(target Target, deferrer Deferrer, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		target:   target,
		deferrer: deferrer,
		log:      log.Named("liverequest"),
		entries:  make(map[entryKey]*Entry),
		pending:  make(map[entryKey]event.KeySet),
	}
}

// Enable adds key to the subject's watch.
//
// It reports true when the call activated a watch, either by creating it or
// by re-enabling one whose keys had all been released. Enabling a key that
// is already present is a no-op. When the declaring type is not loaded the
// request is deferred and false is returned.
func (t *Table) Enable(key event.ConsumerKey, kind event.Kind, subject event.Subject) (bool, error) {
	if !kind.IsLiveRequest() {
		return false, fmt.Errorf("%w: %s", ErrNotLiveKind, kind)
	}
	k := entryKey{kind, subject}

	e := t.entries[k]
	if e != nil && e.watch != nil {
		if !e.LiveKeys.Add(key) {
			return false, nil
		}
		if e.LiveKeys.Len() > 1 {
			return false, nil
		}
		if err := e.watch.Enable(); err != nil {
			e.LiveKeys.Remove(key)
			return false, fmt.Errorf("enable watch for %s %s: %w", kind, subject, err)
		}
		return true, nil
	}

	if !t.target.Loaded(subject) {
		return false, t.deferRequest(key, k)
	}

	if e == nil {
		e = &Entry{Kind: kind, Subject: subject, LiveKeys: event.NewKeySet()}
	}
	if err := t.activate(e, key); err != nil {
		return false, err
	}
	t.entries[k] = e
	return true, nil
}

// activate creates e's watch and enables it for key.
func (t *Table) activate(e *Entry, keys ...event.ConsumerKey) error {
	w, h, err := t.target.NewWatch(e.Kind, e.Subject)
	if err != nil {
		return fmt.Errorf("create watch for %s %s: %w", e.Kind, e.Subject, err)
	}
	if err := w.Enable(); err != nil {
		return fmt.Errorf("enable watch for %s %s: %w", e.Kind, e.Subject, err)
	}
	e.watch, e.Handler = w, h
	for _, key := range keys {
		e.LiveKeys.Add(key)
	}
	t.log.Debug("watch created",
		zap.Stringer("kind", e.Kind),
		zap.Stringer("subject", e.Subject),
		zap.Int("keys", e.LiveKeys.Len()))
	return nil
}

func (t *Table) deferRequest(key event.ConsumerKey, k entryKey) error {
	keys := t.pending[k]
	if keys == nil {
		keys = event.NewKeySet()
		t.pending[k] = keys
	}
	if !keys.Add(key) {
		return nil
	}
	if err := t.deferrer.DeferField(key, k.kind, k.subject); err != nil {
		keys.Remove(key)
		if keys.Len() == 0 {
			delete(t.pending, k)
		}
		return err
	}
	t.log.Debug("request deferred until type loads",
		zap.Stringer("kind", k.kind),
		zap.Stringer("subject", k.subject),
		zap.String("key", string(key)))
	return nil
}

// Disable removes key from the subject's watch and reports whether it was
// the last key, in which case the watch is disabled. A key that never
// enabled the subject is a no-op returning false. A pending request is
// withdrawn. When the watch cannot be disabled the key stays registered.
func (t *Table) Disable(key event.ConsumerKey, kind event.Kind, subject event.Subject) (bool, error) {
	if !kind.IsLiveRequest() {
		return false, fmt.Errorf("%w: %s", ErrNotLiveKind, kind)
	}
	k := entryKey{kind, subject}

	if keys := t.pending[k]; keys != nil && keys.Remove(key) {
		if keys.Len() == 0 {
			delete(t.pending, k)
		}
		t.deferrer.WithdrawField(key, kind, subject)
		return false, nil
	}

	e := t.entries[k]
	if e == nil || !e.LiveKeys.Remove(key) {
		return false, nil
	}
	if e.LiveKeys.Len() > 0 {
		return false, nil
	}
	if e.watch != nil {
		if err := e.watch.Disable(); err != nil {
			// The watch still fires, so key keeps it.
			e.LiveKeys.Add(key)
			return false, fmt.Errorf("disable watch for %s %s: %w", kind, subject, err)
		}
	}
	return true, nil
}

// ClassPrepared serves the requests deferred for typeName and returns the
// number of watches it activated.
func (t *Table) ClassPrepared(typeName string) (int, error) {
	var (
		n    int
		errs error
	)
	for _, k := range t.pendingKeys(typeName) {
		keys := t.pending[k]
		delete(t.pending, k)

		e := t.entries[k]
		if e == nil {
			e = &Entry{Kind: k.kind, Subject: k.subject, LiveKeys: event.NewKeySet()}
		}
		sorted := keys.Sorted()
		var err error
		if e.watch != nil {
			err = t.rejoin(e, sorted)
		} else {
			err = t.activate(e, sorted...)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		t.entries[k] = e
		for _, key := range sorted {
			t.deferrer.WithdrawField(key, k.kind, k.subject)
		}
		n++
	}
	return n, errs
}

// rejoin adds keys to an entry that already has a watch.
func (t *Table) rejoin(e *Entry, keys []event.ConsumerKey) error {
	wasIdle := e.LiveKeys.Len() == 0
	for _, key := range keys {
		e.LiveKeys.Add(key)
	}
	if !wasIdle {
		return nil
	}
	if err := e.watch.Enable(); err != nil {
		for _, key := range keys {
			e.LiveKeys.Remove(key)
		}
		return fmt.Errorf("enable watch for %s %s: %w", e.Kind, e.Subject, err)
	}
	return nil
}

func (t *Table) pendingKeys(typeName string) []entryKey {
	var out []entryKey
	for k := range t.pending {
		if k.subject.DeclaringType == typeName {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, compareKeys)
	return out
}

func compareKeys(a, b entryKey) int {
	return cmp.Or(
		cmp.Compare(a.kind, b.kind),
		cmp.Compare(a.subject.DeclaringType, b.subject.DeclaringType),
		cmp.Compare(a.subject.Name, b.subject.Name),
	)
}

// Get returns the entry for the subject, or nil.
func (t *Table) Get(kind event.Kind, subject event.Subject) *Entry {
	return t.entries[entryKey{kind, subject}]
}

// LookupName returns the entry for a subject given by name, or nil.
func (t *Table) LookupName(kind event.Kind, typeName, name string) *Entry {
	return t.Get(kind, event.Subject{DeclaringType: typeName, Name: name})
}

// Pending returns the deferred requests for typeName. An empty typeName
// returns every deferred request.
func (t *Table) Pending(typeName string) []PendingRequest {
	var out []PendingRequest
	keys := slices.SortedFunc(maps.Keys(t.pending), compareKeys)
	for _, k := range keys {
		if typeName != "" && k.subject.DeclaringType != typeName {
			continue
		}
		for _, key := range t.pending[k].Sorted() {
			out = append(out, PendingRequest{Key: key, Kind: k.kind, Subject: k.subject})
		}
	}
	return out
}

// Entries returns every entry ordered by kind and subject.
func (t *Table) Entries() []*Entry {
	keys := slices.SortedFunc(maps.Keys(t.entries), compareKeys)
	out := make([]*Entry, len(keys))
	for i, k := range keys {
		out[i] = t.entries[k]
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Release drops every key from every entry and disables active watches.
// Entries are kept for cheap re-enable.
func (t *Table) Release() error {
	var errs error
	for _, e := range t.Entries() {
		if e.Active() {
			errs = multierr.Append(errs, e.watch.Disable())
		}
		e.LiveKeys = event.NewKeySet()
	}
	clear(t.pending)
	return errs
}
