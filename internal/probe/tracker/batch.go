package tracker

import (
	"fmt"
	"maps"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/probe/event"
	"github.com/kolkov/probeweaver/internal/probe/index"
)

// batch journals index edits made while a group of classes is rewritten,
// so the group can be undone if the new code never reaches the observed
// process.
type batch struct {
	journal []func()
	ids     *IDAllocator
	prior   map[string]*ClassLog // class log before the batch; nil if none

	// Marks taken at ClassBegin for undoing a single class.
	classMark int
	classIDs  *IDAllocator
	classOpen bool
}

// Begin opens a batch. Class logs closed inside the batch stay in memory
// until Commit, and every index edit can be undone by Rollback. Begin on an
// open batch is a no-op.
func (t *Tracker) Begin() {
	if t.batch != nil {
		return
	}
	t.batch = &batch{ids: t.ids.Clone(), prior: make(map[string]*ClassLog)}
}

// InBatch reports whether a batch is open.
func (t *Tracker) InBatch() bool { return t.batch != nil }

// InClass reports whether a class is open, that is ClassBegin was called
// without a matching ClassEnd.
func (t *Tracker) InClass() bool { return t.class != nil }

func (t *Tracker) undo(fn func()) {
	if t.batch != nil {
		t.batch.journal = append(t.batch.journal, fn)
	}
}

func (t *Tracker) markClass() {
	if t.batch != nil {
		t.batch.classMark = len(t.batch.journal)
		t.batch.classIDs = t.ids.Clone()
		t.batch.classOpen = true
	}
}

// unwind runs journal entries above mark, newest first.
func (b *batch) unwind(mark int) {
	for i := len(b.journal) - 1; i >= mark; i-- {
		b.journal[i]()
	}
	b.journal = b.journal[:mark]
}

// AbortClass discards the class in progress, or the class whose ClassEnd
// just failed. Inside a batch its index edits and id allocations are
// undone; earlier classes of the batch are kept.
func (t *Tracker) AbortClass() {
	if b := t.batch; b != nil && b.classOpen {
		n := len(b.journal) - b.classMark
		b.unwind(b.classMark)
		t.ids.Restore(b.classIDs)
		b.classOpen = false
		t.log.Debug("class rewrite undone", zap.Int("edits", n))
	}
	t.Abort()
}

// Commit closes the batch and saves the class logs it produced.
func (t *Tracker) Commit() error {
	b := t.batch
	if b == nil {
		return nil
	}
	t.batch = nil
	if t.store == nil {
		return nil
	}
	var errs error
	for _, class := range slices.Sorted(maps.Keys(b.prior)) {
		if c := t.logs[class]; c != nil {
			if err := t.store.SaveClassLog(c); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("save change log of %s: %w", class, err))
			}
		}
	}
	return errs
}

// Rollback closes the batch and undoes it: removed records come back,
// created records go away, edit counts and the id pool return to their
// state at Begin and class logs revert. Key sets of surviving records are
// left as they are, so changes made by consumers during the batch persist.
func (t *Tracker) Rollback() {
	b := t.batch
	if b == nil {
		return
	}
	t.Abort()
	b.unwind(0)
	t.ids.Restore(b.ids)
	for class, c := range b.prior {
		if c == nil {
			delete(t.logs, class)
		} else {
			t.logs[class] = c
		}
	}
	t.batch = nil
	t.log.Debug("batch rolled back", zap.Int("classes", len(b.prior)))
}

// stage remembers the log of class as it was before the batch.
func (t *Tracker) stage(class string) {
	t.batch.classOpen = false
	if _, ok := t.batch.prior[class]; !ok {
		t.batch.prior[class] = t.logs[class]
	}
}

func (t *Tracker) undoCreate(x *index.Index, id int32, loc event.Location) {
	t.undo(func() {
		x.Remove(loc, id)
		delete(t.owners, id)
	})
}

func (t *Tracker) undoRetract(x *index.Index, r *index.Record, ref probeRef, before int) {
	t.undo(func() {
		r.ChangeCount = before
		if x.Lookup(ref.loc, r.ID) == nil {
			x.Add(r)
		}
		t.owners[r.ID] = ref
	})
}
