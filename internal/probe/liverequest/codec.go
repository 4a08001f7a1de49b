package liverequest

import (
	"errors"
	"fmt"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/wire"
)

// ErrCorrupt is returned when encoded table data is malformed.
var ErrCorrupt = errors.New("liverequest: corrupt encoding")

// Encode writes int32(count) followed by one record per entry:
//
//	byte(kind) UTF(declaringType) UTF(name) UTF(handlerName)
//	UTF(handlerSignature) int32(offset)
//
// Entries are written in kind then subject order. Keys and watches are not
// written.
func (t *Table) Encode(w *wire.Writer) {
	entries := t.Entries()
	w.WriteCount(len(entries))
	for _, e := range entries {
		w.WriteUint8(byte(e.Kind))
		w.WriteUTF(e.Subject.DeclaringType)
		w.WriteUTF(e.Subject.Name)
		w.WriteUTF(e.Handler.Name)
		w.WriteUTF(e.Handler.Signature)
		w.WriteInt32(e.Handler.Offset)
	}
}

// Decode reads entries written by Encode into t, replacing its entries.
// Decoded entries have no keys and no watch; the watch is created again on
// first Enable.
func (t *Table) Decode(r *wire.Reader) error {
	count := r.ReadCount()
	if err := r.Err(); err != nil {
		return err
	}
	entries := make(map[entryKey]*Entry, count)
	for range count {
		e := &Entry{LiveKeys: event.NewKeySet()}
		e.Kind = event.Kind(r.ReadUint8())
		e.Subject.DeclaringType = r.ReadUTF()
		e.Subject.Name = r.ReadUTF()
		e.Handler.Name = r.ReadUTF()
		e.Handler.Signature = r.ReadUTF()
		e.Handler.Offset = r.ReadInt32()
		if err := r.Err(); err != nil {
			return err
		}
		if !e.Kind.IsLiveRequest() {
			return fmt.Errorf("%w: kind %s is not a live request kind", ErrCorrupt, e.Kind)
		}
		k := entryKey{e.Kind, e.Subject}
		if _, dup := entries[k]; dup {
			return fmt.Errorf("%w: duplicate entry %s %s", ErrCorrupt, e.Kind, e.Subject)
		}
		entries[k] = e
	}
	t.entries = entries
	return nil
}
