/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wbcachebd

import (
	"bytes"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/modules/membd"
)

func newStack(t *testing.T, softDirty uint32) (*membd.MemBD, *WbCacheBD) {
	t.Helper()
	mem, err := membd.New(64, 512)
	if err != nil {
		t.Fatal(err)
	}
	cache, err := New(mem, softDirty, 16, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mem, cache
}

func TestOrderedWritesReachDiskInOrder(t *testing.T) {
	mem, cache := newStack(t, 8)

	blockA, err := cache.ReadBlock(10, 1)
	if err != nil {
		t.Fatal(err)
	}
	pa, err := fscore.CreateByte(blockA, cache, 0, 4, []byte(`AAAA`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.WriteBlock(blockA, 10); err != nil {
		t.Fatal(err)
	}

	blockB, err := cache.ReadBlock(20, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(blockB, cache, 0, 4, []byte(`BBBB`), pa); err != nil {
		t.Fatal(err)
	}
	if err := cache.WriteBlock(blockB, 20); err != nil {
		t.Fatal(err)
	}

	// flushing only the dependent block makes no progress: its before has
	// not reached the disk
	if r := cache.Flush(20, nil); r != fscore.FlushNone {
		t.Fatalf("flush of dependent block returned %d", r)
	}
	if bytes.Equal(mem.Peek(20)[0:4], []byte(`BBBB`)) {
		t.Fatal("dependent write reached disk before its dependency")
	}

	// a whole-device flush writes both, dependency first
	if r := cache.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("device flush made no progress")
	}
	if !bytes.Equal(mem.Peek(10)[0:4], []byte(`AAAA`)) {
		t.Fatal("block 10 missing")
	}
	if !bytes.Equal(mem.Peek(20)[0:4], []byte(`BBBB`)) {
		t.Fatal("block 20 missing")
	}
	if r := cache.Flush(fscore.FlushDevice, nil); r != fscore.FlushEmpty {
		t.Fatalf("cache not empty after full flush: %d", r)
	}
}

func TestAbsorbedWritesTransferOnce(t *testing.T) {
	mem, cache := newStack(t, 8)

	block, err := cache.ReadBlock(5, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if _, err := fscore.CreateByte(block, cache, 0, 1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := cache.WriteBlock(block, 5); err != nil {
		t.Fatal(err)
	}
	if got := block.PatchCount(cache.GraphIndex); got != 1 {
		t.Fatalf("%d patches after absorption, want 1", got)
	}
	if r := cache.Flush(5, nil); r != fscore.FlushDone {
		t.Fatalf("flush returned %d", r)
	}
	if mem.Peek(5)[0] != 99 {
		t.Fatalf("final value %d, want 99", mem.Peek(5)[0])
	}
}

func TestBackpressure(t *testing.T) {
	_, cache := newStack(t, 4)

	for i := uint32(0); i < 5; i++ {
		block, err := cache.ReadBlock(i, 1)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fscore.CreateByte(block, cache, 0, 1, []byte{byte(i + 1)}); err != nil {
			t.Fatal(err)
		}
		if err := cache.WriteBlock(block, i); err != nil {
			t.Fatal(err)
		}
	}
	if space := cache.BlockSpace(); space >= 0 {
		t.Fatalf("block space %d, want negative", space)
	}
	if r := cache.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("flush made no progress")
	}
	if space := cache.BlockSpace(); space < 0 {
		t.Fatalf("block space %d after flush, want nonnegative", space)
	}
}

func TestReadHitsComeFromCache(t *testing.T) {
	_, cache := newStack(t, 8)

	b1, err := cache.ReadBlock(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := cache.ReadBlock(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b1 != b2 {
		t.Fatal("repeated read returned a different descriptor")
	}
}

func TestDirtyBlockServedOverClean(t *testing.T) {
	_, cache := newStack(t, 8)

	block, err := cache.ReadBlock(7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(block, cache, 0, 2, []byte(`zz`)); err != nil {
		t.Fatal(err)
	}
	if err := cache.WriteBlock(block, 7); err != nil {
		t.Fatal(err)
	}
	again, err := cache.ReadBlock(7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again != block {
		t.Fatal("dirty block not served from the dirty set")
	}
	if !bytes.Equal(again.Data()[0:2], []byte(`zz`)) {
		t.Fatal("dirty data lost")
	}
}
