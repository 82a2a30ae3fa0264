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

func TestBlockmanAddLookupRemove(t *testing.T) {
	m := NewBlockman(16)
	if m == nil {
		t.Fatal("power-of-two capacity rejected")
	}

	// an aligned run of eight blocks lands in one chain and must stay
	// individually addressable
	var blocks []*Bdesc
	for i := uint32(0); i < 8; i++ {
		b := BdescAlloc(i, 512, 1)
		m.Add(b, i)
		blocks = append(blocks, b)
	}
	if m.Len() != 8 {
		t.Fatalf("len %d, want 8", m.Len())
	}
	for i := uint32(0); i < 8; i++ {
		if m.Lookup(i) != blocks[i] {
			t.Fatalf("lookup %d failed", i)
		}
	}
	if m.Lookup(100) != nil {
		t.Fatal("phantom lookup")
	}

	m.Remove(blocks[3])
	if m.Lookup(3) != nil {
		t.Fatal("removed block still found")
	}
	if m.Lookup(2) != blocks[2] || m.Lookup(4) != blocks[4] {
		t.Fatal("removal corrupted the chain")
	}
	if m.Len() != 7 {
		t.Fatalf("len %d, want 7", m.Len())
	}
}

func TestBlockmanRejectsBadCapacity(t *testing.T) {
	if NewBlockman(12) != nil {
		t.Fatal("non power-of-two capacity accepted")
	}
}

func TestBlockmanEach(t *testing.T) {
	m := NewBlockman(0)
	for i := uint32(0); i < 20; i++ {
		m.Add(BdescAlloc(i*8, 512, 1), i*8)
	}
	n := 0
	m.Each(func(*Bdesc) bool {
		n++
		return true
	})
	if n != 20 {
		t.Fatalf("visited %d, want 20", n)
	}
}

func TestAutoreleasePool(t *testing.T) {
	PoolPush()
	b := BdescAlloc(1, 512, 1)
	b.Autorelease()
	if b.refs != 1 {
		t.Fatalf("refs %d, want 1", b.refs)
	}
	PoolPop()
	if b.refs != 0 {
		t.Fatalf("refs %d after pop, want 0", b.refs)
	}
}
