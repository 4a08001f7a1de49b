package index

import "iter"

// frame is one level of an in-progress traversal.
type frame struct {
	node *node
	key  string   // key under which node hangs from its parent
	ids  []int32  // sorted record ids
	keys []string // sorted child keys
	idx  int      // next id
	pos  int      // next key

	cond *condNode // matching condition node, nil once the path leaves the tree
	d    decision
}

// Iterator walks records in path order. A node's own records come in id
// order before any of its children.
//
// The cursor works on snapshots of each node's keys taken when the node is
// entered, and looks every key up again before descending, so removing the
// current record (and pruning the nodes it leaves empty) is safe.
//
// Usage:
//
//	it := idx.Iterator()
//	for it.Next() {
//	    if done(it.Record()) {
//	        it.Remove()
//	    }
//	}
type Iterator struct {
	idx    *Index
	filter *ConditionTree
	stack  []frame
	cur    *Record
}

// Iterator returns a cursor over every record.
func (x *Index) Iterator() *Iterator {
	it := &Iterator{idx: x}
	it.stack = []frame{enter(x.root, "", nil, decision{include: true})}
	return it
}

// Filtered returns a cursor over the records whose location t admits.
// Subtrees that t excludes outright are not visited.
func (x *Index) Filtered(t *ConditionTree) *Iterator {
	t.finalize()
	it := &Iterator{idx: x, filter: t}
	root := t.root
	it.stack = []frame{enter(x.root, "", root, decision{include: root.include, rank: root.rank})}
	return it
}

func enter(n *node, key string, cond *condNode, d decision) frame {
	return frame{node: n, key: key, ids: n.sortedIDs(), keys: n.sortedKeys(), cond: cond, d: d}
}

// Next advances to the next record and reports whether there is one.
func (it *Iterator) Next() bool {
	it.cur = nil
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]

		if f.d.include {
			for f.idx < len(f.ids) {
				id := f.ids[f.idx]
				f.idx++
				if r, ok := f.node.records[id]; ok {
					it.cur = r
					return true
				}
			}
		}

		if f.pos >= len(f.keys) {
			it.pop()
			continue
		}
		key := f.keys[f.pos]
		f.pos++
		child, ok := f.node.children[key]
		if !ok {
			continue
		}

		d := f.d
		var cond *condNode
		if it.filter != nil {
			if f.cond != nil {
				cond = f.cond.children[key]
			}
			if cond != nil {
				d = cond.decide(d)
			}
			if cond.skip(d) {
				continue
			}
		}
		it.stack = append(it.stack, enter(child, key, cond, d))
	}
	return false
}

func (it *Iterator) pop() {
	it.stack = it.stack[:len(it.stack)-1]
}

// Record returns the current record. It is nil before the first call to
// Next, after Remove, and once Next has returned false.
func (it *Iterator) Record() *Record {
	return it.cur
}

// Remove deletes the current record from the index and prunes nodes left
// empty. It reports false when there is no current record.
func (it *Iterator) Remove() bool {
	if it.cur == nil || len(it.stack) == 0 {
		return false
	}
	top := it.stack[len(it.stack)-1]
	if _, ok := top.node.records[it.cur.ID]; !ok {
		it.cur = nil
		return false
	}
	delete(top.node.records, it.cur.ID)
	it.idx.size--
	it.cur = nil
	if len(top.node.records) == 0 {
		p := make([]string, 0, len(it.stack)-1)
		for _, f := range it.stack[1:] {
			p = append(p, f.key)
		}
		it.idx.prune(p)
	}
	return true
}

// All returns every remaining record as a sequence.
func (it *Iterator) All() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		for it.Next() {
			if !yield(it.cur) {
				return
			}
		}
	}
}

// All returns every record in traversal order.
func (x *Index) All() iter.Seq[*Record] {
	return x.Iterator().All()
}

// Select returns the records admitted by t in traversal order.
func (x *Index) Select(t *ConditionTree) iter.Seq[*Record] {
	return x.Filtered(t).All()
}
