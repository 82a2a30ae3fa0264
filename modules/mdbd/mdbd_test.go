/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package mdbd

import (
	"bytes"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/modules/membd"
)

func TestParityDispatch(t *testing.T) {
	d0, _ := membd.New(16, 512)
	d1, _ := membd.New(16, 512)
	md, err := New(d0, d1)
	if err != nil {
		t.Fatal(err)
	}
	if md.NumBlocks != 32 {
		t.Fatalf("numblocks %d, want 32", md.NumBlocks)
	}

	even, err := md.ReadBlock(6, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(even, md, 0, 4, []byte(`EVEN`)); err != nil {
		t.Fatal(err)
	}
	if err := md.WriteBlock(even, 6); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d0.Peek(3)[0:4], []byte(`EVEN`)) {
		t.Fatal("even block missed disk 0")
	}

	odd, err := md.ReadBlock(7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(odd, md, 0, 3, []byte(`ODD`)); err != nil {
		t.Fatal(err)
	}
	if err := md.WriteBlock(odd, 7); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d1.Peek(3)[0:3], []byte(`ODD`)) {
		t.Fatal("odd block missed disk 1")
	}
}

func TestConstructionRules(t *testing.T) {
	d0, _ := membd.New(16, 512)
	d1, _ := membd.New(16, 1024)
	if _, err := New(d0, d1); err == nil {
		t.Fatal("mismatched block sizes accepted")
	}

	d2, _ := membd.New(10, 512)
	d3, _ := membd.New(16, 512)
	md, err := New(d2, d3)
	if err != nil {
		t.Fatal(err)
	}
	if md.NumBlocks != 20 {
		t.Fatalf("numblocks %d, want 2*min", md.NumBlocks)
	}
}

func TestBlockSpaceComposes(t *testing.T) {
	d0, _ := membd.New(16, 512)
	d1, _ := membd.New(16, 512)
	md, _ := New(d0, d1)
	if md.BlockSpace() != 0 {
		t.Fatal("terminal children should report zero space")
	}
}
