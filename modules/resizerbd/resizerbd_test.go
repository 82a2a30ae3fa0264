/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package resizerbd

import (
	"bytes"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/modules/membd"
)

func TestStraddlingPatchSplit(t *testing.T) {
	mem, err := membd.New(64, 512)
	if err != nil {
		t.Fatal(err)
	}
	rz, err := New(mem, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if rz.NumBlocks != 32 {
		t.Fatalf("numblocks %d, want 32", rz.NumBlocks)
	}

	upper, err := rz.ReadBlock(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	// straddles the 512-byte boundary inside upper block 0
	p, err := fscore.CreateByte(upper, rz, 510, 4, []byte(`WXYZ`))
	if err != nil {
		t.Fatal(err)
	}
	if err := rz.WriteBlock(upper, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.Peek(0)[510:512], []byte(`WX`)) {
		t.Fatalf("first half %q", mem.Peek(0)[510:512])
	}
	if !bytes.Equal(mem.Peek(1)[0:2], []byte(`YZ`)) {
		t.Fatalf("second half %q", mem.Peek(1)[0:2])
	}
	if !p.Satisfied() {
		t.Fatal("original patch not retired after split")
	}
	if upper.PatchCount(rz.GraphIndex) != 0 {
		t.Fatal("upper block still carries patches")
	}
}

func TestSplitPreservesDependencies(t *testing.T) {
	mem, _ := membd.New(64, 512)
	rz, _ := New(mem, 1024)

	u0, err := rz.ReadBlock(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	u1, err := rz.ReadBlock(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	first, err := fscore.CreateByte(u0, rz, 0, 4, []byte(`1111`))
	if err != nil {
		t.Fatal(err)
	}
	second, err := fscore.CreateByte(u1, rz, 0, 4, []byte(`2222`), first)
	if err != nil {
		t.Fatal(err)
	}
	_ = second

	// writing the dependent upper block first must not let its bytes hit
	// the lower device ahead of the dependency
	if err := rz.WriteBlock(u1, 1); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(mem.Peek(2)[0:4], []byte(`2222`)) {
		t.Fatal("dependent bytes reached the lower device early")
	}
	if err := rz.WriteBlock(u0, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.Peek(0)[0:4], []byte(`1111`)) {
		t.Fatal("dependency bytes missing")
	}
	// the dependent pieces are on the lower blocks now; a rewrite of the
	// lower block flushes them
	lower, err := mem.ReadBlock(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteBlock(lower, 2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.Peek(2)[0:4], []byte(`2222`)) {
		t.Fatal("dependent bytes lost")
	}
}

func TestRejectsBadSizes(t *testing.T) {
	mem, _ := membd.New(64, 512)
	if _, err := New(mem, 512); err == nil {
		t.Fatal("same-size resizer accepted")
	}
	if _, err := New(mem, 700); err == nil {
		t.Fatal("non-multiple accepted")
	}
}
