/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package loopbd

import (
	"bytes"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/modules/membd"
	"github.com/ucla-readable/fstitch/modules/wbcachebd"
)

func TestRangeMapping(t *testing.T) {
	mem, _ := membd.New(64, 512)
	loop, err := New(mem, 32, 8)
	if err != nil {
		t.Fatal(err)
	}
	block, err := loop.ReadBlock(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(block, loop, 0, 4, []byte(`LOOP`)); err != nil {
		t.Fatal(err)
	}
	if err := loop.WriteBlock(block, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.Peek(32)[0:4], []byte(`LOOP`)) {
		t.Fatalf("block 32 = %q", mem.Peek(32)[0:4])
	}
}

func TestWriteHeadSerializesRequests(t *testing.T) {
	mem, _ := membd.New(64, 512)
	cache, err := wbcachebd.New(mem, 8, 16, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	loop, err := New(cache, 0, 8)
	if err != nil {
		t.Fatal(err)
	}

	b1, err := loop.ReadBlock(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(b1, loop, 0, 4, []byte(`REQ1`)); err != nil {
		t.Fatal(err)
	}
	if err := loop.WriteBlock(b1, 1); err != nil {
		t.Fatal(err)
	}
	head := loop.WriteHead()
	if head == nil {
		t.Fatal("no write head after an absorbed request")
	}

	b2, err := loop.ReadBlock(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := fscore.CreateByte(b2, loop, 0, 4, []byte(`REQ2`))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, b := range p2.Befores() {
		if b == head {
			found = true
		}
	}
	if !found {
		t.Fatal("second request does not depend on the write head")
	}

	// once everything is flushed the head satisfies and clears
	if r := cache.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("flush made no progress")
	}
	if err := loop.WriteBlock(b2, 2); err != nil {
		t.Fatal(err)
	}
	if r := cache.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("second flush made no progress")
	}
	if loop.WriteHead() != nil && !loop.WriteHead().Satisfied() {
		t.Fatal("write head never satisfied")
	}
}
