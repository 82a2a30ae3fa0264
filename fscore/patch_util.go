/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

// PushDown reassigns every patch on block owned by from to to, splicing
// from's per-block index list onto to's. Ownership transfer through
// PushDown is the only legal means of patch migration; it is O(k) in the
// number of patches owned by from on that block.
func PushDown(block *Bdesc, from, to BD) error {
	if from == nil || to == nil {
		return ErrInvalid
	}
	fi := from.Info().GraphIndex
	ti := to.Info().GraphIndex
	if fi == ti {
		return nil
	}
	src := &block.index[fi]
	if src.head == nil {
		return nil
	}
	for p := src.head; p != nil; p = p.indexNext {
		p.owner = to
	}
	dst := &block.index[ti]
	if dst.tail != nil {
		dst.tail.indexNext = src.head
		src.head.indexPrev = dst.tail
		dst.tail = src.tail
	} else {
		dst.head = src.head
		dst.tail = src.tail
	}
	src.head = nil
	src.tail = nil
	return nil
}

// MarkGraph sets FlagMarked on root and everything it transitively
// depends on. Callers must unmark before releasing the engine lock.
func MarkGraph(root *Patch) { markGraph(root) }

// UnmarkGraph clears the marks set by MarkGraph.
func UnmarkGraph(root *Patch) { unmarkGraph(root) }
