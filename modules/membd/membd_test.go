/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package membd

import (
	"bytes"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
)

func TestReadWriteRoundTrip(t *testing.T) {
	bd, err := New(32, 512)
	if err != nil {
		t.Fatal(err)
	}
	block, err := bd.ReadBlock(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	p, err := fscore.CreateByte(block, bd, 8, 5, []byte(`hello`))
	if err != nil {
		t.Fatal(err)
	}
	if err := bd.WriteBlock(block, 4); err != nil {
		t.Fatal(err)
	}
	if !p.Satisfied() {
		t.Fatal("synchronous write did not satisfy")
	}
	if !bytes.Equal(bd.Peek(4)[8:13], []byte(`hello`)) {
		t.Fatalf("backing store %q", bd.Peek(4)[8:13])
	}

	again, err := bd.ReadBlock(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again != block {
		t.Fatal("read did not hit the block manager")
	}
}

func TestDependentChangeHeldBack(t *testing.T) {
	bd, err := New(32, 512)
	if err != nil {
		t.Fatal(err)
	}
	b1, _ := bd.ReadBlock(1, 1)
	b2, _ := bd.ReadBlock(2, 1)

	p1, err := fscore.CreateByte(b1, bd, 0, 4, []byte(`AAAA`))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := fscore.CreateByte(b2, bd, 0, 4, []byte(`BBBB`), p1)
	if err != nil {
		t.Fatal(err)
	}

	// writing the dependent block first transfers nothing
	if err := bd.WriteBlock(b2, 2); err != nil {
		t.Fatal(err)
	}
	if p2.Satisfied() {
		t.Fatal("dependent satisfied before its dependency")
	}
	if bytes.Equal(bd.Peek(2)[0:4], []byte(`BBBB`)) {
		t.Fatal("dependent bytes reached backing store")
	}

	if err := bd.WriteBlock(b1, 1); err != nil {
		t.Fatal(err)
	}
	if !p1.Satisfied() {
		t.Fatal("dependency not satisfied")
	}
	if err := bd.WriteBlock(b2, 2); err != nil {
		t.Fatal(err)
	}
	if !p2.Satisfied() {
		t.Fatal("dependent not satisfied after dependency")
	}
	if !bytes.Equal(bd.Peek(2)[0:4], []byte(`BBBB`)) {
		t.Fatal("dependent bytes missing")
	}
}

func TestOutOfRange(t *testing.T) {
	bd, _ := New(8, 512)
	if _, err := bd.ReadBlock(8, 1); err != fscore.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := bd.ReadBlock(7, 2); err != fscore.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}
