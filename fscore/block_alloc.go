/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

// BlockAllocHead threads post-free "zeroing" patches through to subsequent
// reallocations of the same block, so data written after a reallocation
// depends only on the patch that cleared all pointers to the block and not
// on its stale contents. File system personalities keep one per allocator.
type BlockAllocHead struct {
	// block number -> record holding the clearing patch
	records map[uint32]*allocRecord
}

type allocRecord struct {
	clear *WeakRef
	block uint32
}

// NewBlockAllocHead creates an empty tracker.
func NewBlockAllocHead() *BlockAllocHead {
	return &BlockAllocHead{records: make(map[uint32]*allocRecord)}
}

// SetFreed records that clear is the patch clearing all pointers to block.
// The record drops itself when the clearing patch is satisfied.
func (a *BlockAllocHead) SetFreed(block uint32, clear *Patch) error {
	if clear == nil || clear.Satisfied() {
		return ErrInvalid
	}
	rec := &allocRecord{block: block}
	rec.clear = WeakRetain(clear, func(*WeakRef, *Patch) {
		if a.records[rec.block] == rec {
			delete(a.records, rec.block)
		}
	})
	a.records[block] = rec
	return nil
}

// GetFreed folds the clearing patch registered for block into head: the
// returned patch depends on both the input head and the clearing patch.
// When nothing is registered the head passes through unchanged.
func (a *BlockAllocHead) GetFreed(block uint32, head *Patch) (*Patch, error) {
	rec := a.records[block]
	if rec == nil {
		return head, nil
	}
	clear := rec.clear.Patch()
	if clear == nil {
		return head, nil
	}
	if head == nil {
		return clear, nil
	}
	empty, err := CreateEmpty(nil, clear, head)
	if err != nil {
		return nil, err
	}
	return empty, nil
}

// NotifyAlloc informs the tracker that block has been allocated and no
// longer needs tracking.
func (a *BlockAllocHead) NotifyAlloc(block uint32) {
	rec := a.records[block]
	if rec == nil {
		return
	}
	delete(a.records, block)
	rec.clear.Release()
}

// Len returns the number of tracked freed blocks.
func (a *BlockAllocHead) Len() int { return len(a.records) }

// Destroy drops every record.
func (a *BlockAllocHead) Destroy() {
	for block, rec := range a.records {
		delete(a.records, block)
		rec.clear.Release()
	}
}
