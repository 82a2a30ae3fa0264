/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

import (
	"testing"
)

func TestBlockAllocFreedThreading(t *testing.T) {
	bd := newTestBD(0, 0)
	block := BdescAlloc(5, 512, 1)
	alloc := NewBlockAllocHead()
	defer alloc.Destroy()

	clear, _ := CreateByte(block, bd, 0, 4, []byte{0, 0, 0, 0})
	if err := alloc.SetFreed(77, clear); err != nil {
		t.Fatal(err)
	}
	if alloc.Len() != 1 {
		t.Fatal("record not tracked")
	}

	// a head for a subsequent write to block 77 folds in the clear patch
	anchor, _ := CreateByte(block, bd, 100, 1, []byte{1})
	head, err := alloc.GetFreed(77, anchor)
	if err != nil {
		t.Fatal(err)
	}
	if head == anchor || head == nil {
		t.Fatal("clear patch not folded into the head")
	}
	deps := head.Befores()
	haveClear, haveAnchor := false, false
	for _, d := range deps {
		if d == clear {
			haveClear = true
		}
		if d == anchor {
			haveAnchor = true
		}
	}
	if !haveClear || !haveAnchor {
		t.Fatal("combined head missing a dependency")
	}

	// untracked blocks pass the head through
	same, err := alloc.GetFreed(78, anchor)
	if err != nil || same != anchor {
		t.Fatal("untracked block altered the head")
	}

	// satisfaction of the clear patch drops the record
	if err := clear.Satisfy(); err != nil {
		t.Fatal(err)
	}
	if alloc.Len() != 0 {
		t.Fatal("record survived satisfaction")
	}
}

func TestBlockAllocNotifyAlloc(t *testing.T) {
	bd := newTestBD(0, 0)
	block := BdescAlloc(5, 512, 1)
	alloc := NewBlockAllocHead()
	defer alloc.Destroy()

	clear, _ := CreateByte(block, bd, 0, 4, []byte{0, 0, 0, 0})
	if err := alloc.SetFreed(42, clear); err != nil {
		t.Fatal(err)
	}
	alloc.NotifyAlloc(42)
	if alloc.Len() != 0 {
		t.Fatal("record survived allocation notice")
	}
	head, err := alloc.GetFreed(42, nil)
	if err != nil || head != nil {
		t.Fatal("released record still folds")
	}
}
