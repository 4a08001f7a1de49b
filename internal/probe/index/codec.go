package index

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/wire"
)

// ErrCorrupt is returned when encoded index data is malformed.
var ErrCorrupt = errors.New("index: corrupt encoding")

const (
	tagInternal byte = 1
	tagLeaf     byte = 2
	tagMixed    byte = 3

	// maxDepth bounds recursion when decoding untrusted input.
	maxDepth = 512
)

// Encode writes the index. The root is always written as an internal node;
// children and records follow in sorted order so equal indexes encode to
// identical bytes.
//
// Layout:
//
//	internal: tag=1 children
//	leaf:     tag=2 records
//	mixed:    tag=3 records children
//
//	children: int32(count) { UTF(key) node }*
//	records:  int32(count) { int32(id) UTF(type) UTF(member) UTF(sig)
//	                         int32(nkeys) UTF(key)* int16(changes) }*
//
// A node with records and no children is a leaf; one with both is mixed.
func (x *Index) Encode(w *wire.Writer) {
	encodeNode(w, x.root)
}

func encodeNode(w *wire.Writer, n *node) {
	switch {
	case len(n.records) > 0 && len(n.children) > 0:
		w.WriteUint8(tagMixed)
		encodeRecords(w, n)
		encodeChildren(w, n)
	case len(n.records) > 0:
		w.WriteUint8(tagLeaf)
		encodeRecords(w, n)
	default:
		w.WriteUint8(tagInternal)
		encodeChildren(w, n)
	}
}

func encodeRecords(w *wire.Writer, n *node) {
	w.WriteCount(len(n.records))
	for _, id := range n.sortedIDs() {
		encodeRecord(w, n.records[id])
	}
}

func encodeChildren(w *wire.Writer, n *node) {
	w.WriteCount(len(n.children))
	for _, key := range n.sortedKeys() {
		w.WriteUTF(key)
		encodeNode(w, n.children[key])
	}
}

func encodeRecord(w *wire.Writer, r *Record) {
	w.WriteInt32(r.ID)
	w.WriteUTF(r.Location.Type)
	w.WriteUTF(r.Location.Member)
	w.WriteUTF(r.Location.Signature)
	keys := r.LiveKeys.Sorted()
	w.WriteCount(len(keys))
	for _, k := range keys {
		w.WriteUTF(string(k))
	}
	if r.ChangeCount < 0 || r.ChangeCount > math.MaxInt16 {
		w.Fail(fmt.Errorf("index: probe %d change count %d out of range", r.ID, r.ChangeCount))
		return
	}
	w.WriteInt16(int16(r.ChangeCount))
}

// Decode reads an index written by Encode.
func Decode(r *wire.Reader) (*Index, error) {
	if tag := r.ReadUint8(); r.Err() == nil && tag != tagInternal {
		return nil, fmt.Errorf("%w: root tag %d", ErrCorrupt, tag)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	x := New()
	if err := x.decodeChildren(r, x.root, nil); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *Index) decodeChildren(r *wire.Reader, n *node, p []string) error {
	if len(p) > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrCorrupt, maxDepth)
	}
	count := r.ReadCount()
	if err := r.Err(); err != nil {
		return err
	}
	for range count {
		key := r.ReadUTF()
		tag := r.ReadUint8()
		if err := r.Err(); err != nil {
			return err
		}
		if _, dup := n.children[key]; dup {
			return fmt.Errorf("%w: duplicate key %q", ErrCorrupt, key)
		}
		childPath := append(slices.Clip(p), key)
		child := newNode()
		n.children[key] = child
		switch tag {
		case tagInternal:
			if err := x.decodeChildren(r, child, childPath); err != nil {
				return err
			}
		case tagLeaf:
			if err := x.decodeLeaf(r, child, childPath); err != nil {
				return err
			}
		case tagMixed:
			if err := x.decodeLeaf(r, child, childPath); err != nil {
				return err
			}
			if err := x.decodeChildren(r, child, childPath); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: node tag %d", ErrCorrupt, tag)
		}
	}
	return nil
}

func (x *Index) decodeLeaf(r *wire.Reader, n *node, p []string) error {
	count := r.ReadCount()
	if err := r.Err(); err != nil {
		return err
	}
	if n.records == nil {
		n.records = make(map[int32]*Record, count)
	}
	for range count {
		rec := &Record{ID: r.ReadInt32()}
		rec.Location = event.Location{Type: r.ReadUTF(), Member: r.ReadUTF(), Signature: r.ReadUTF()}
		nkeys := r.ReadCount()
		if err := r.Err(); err != nil {
			return err
		}
		rec.LiveKeys = event.NewKeySet()
		for range nkeys {
			rec.LiveKeys.Add(event.ConsumerKey(r.ReadUTF()))
		}
		rec.ChangeCount = int(r.ReadInt16())
		if err := r.Err(); err != nil {
			return err
		}
		if rec.ChangeCount < 0 {
			return fmt.Errorf("%w: probe %d has negative change count", ErrCorrupt, rec.ID)
		}
		if !slices.Equal(path(rec.Location), p) {
			return fmt.Errorf("%w: probe %d stored under the wrong path", ErrCorrupt, rec.ID)
		}
		if _, dup := n.records[rec.ID]; dup {
			return fmt.Errorf("%w: duplicate probe id %d", ErrCorrupt, rec.ID)
		}
		n.records[rec.ID] = rec
		x.size++
	}
	return nil
}

// Encode writes the table as int32(count) followed by (byte(kind), index)
// pairs in ascending kind order.
func (t *Table) Encode(w *wire.Writer) {
	kinds := t.Kinds()
	w.WriteCount(len(kinds))
	for _, k := range kinds {
		w.WriteUint8(byte(k))
		t.indexes[k].Encode(w)
	}
}

// DecodeTable reads a table written by Table.Encode.
func DecodeTable(r *wire.Reader) (*Table, error) {
	count := r.ReadCount()
	if err := r.Err(); err != nil {
		return nil, err
	}
	t := NewTable()
	for range count {
		kind := event.Kind(r.ReadUint8())
		if err := r.Err(); err != nil {
			return nil, err
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown event kind %d", ErrCorrupt, kind)
		}
		if _, dup := t.indexes[kind]; dup {
			return nil, fmt.Errorf("%w: duplicate event kind %s", ErrCorrupt, kind)
		}
		x, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("index for %s: %w", kind, err)
		}
		t.indexes[kind] = x
	}
	return t, nil
}
