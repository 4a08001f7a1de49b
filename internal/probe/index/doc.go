// Package index implements the probe index: a prefix trie from program
// locations to the probe records installed there.
//
// A location's path is the dot-separated segments of its declaring type,
// followed by the member name and the member signature. The last path
// element leads to a leaf node that maps probe ids to records:
//
//	root ─ com ─ acme ─ Cart ─ add ─ (I)V ─ {7: Record, 12: Record}
//	                         └ <init> ─ ()V ─ {3: Record}
//
// Each Record carries the set of consumer keys that still need the probe and
// a count of the code edits realizing it. A record is dropped only after its
// last edit is retracted and no key needs it.
//
// Traversal comes in two forms. Iterator visits every record; Filtered
// visits the records whose location is admitted by a ConditionTree, a
// compiled set of ranked "in"/"not" prefix conditions. Both keep an explicit
// stack of (node, child cursor) frames and allow the most recently yielded
// record to be removed without disturbing the traversal.
//
// Thread Safety: an Index is not internally synchronized. All mutation and
// any traversal that may overlap mutation must run under the coordinator's
// structural lock, because the rewriter reports structural changes into the
// same index while a redefinition cycle is in flight.
package index
