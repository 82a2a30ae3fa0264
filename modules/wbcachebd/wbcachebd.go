/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wbcachebd implements the write-back block cache. Writes are
// absorbed: patches stay owned by the cache until a flush builds a
// revision slice and pushes the eligible subset down. Dirty blocks are
// flushed in block-number order (an elevator over a btree); clean blocks
// are kept in an LRU for read hits and evicted under pressure. The soft
// dirty limit drives BlockSpace backpressure, and a periodic callback
// paces background writeback with a rate limiter.
package wbcachebd

import (
	"time"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/log"
)

type dirtyEntry struct {
	number uint32
	block  *fscore.Bdesc
}

func dirtyLess(a, b dirtyEntry) bool { return a.number < b.number }

type WbCacheBD struct {
	fscore.DevInfo

	below fscore.BD
	lg    *log.Logger

	softDirty uint32
	dirty     map[uint32]*fscore.Bdesc
	elevator  *btree.BTreeG[dirtyEntry]
	clean     *lru.Cache[uint32, *fscore.Bdesc]

	limiter *rate.Limiter
	schedID int
}

// New stacks a write-back cache over below with a soft limit of softDirty
// dirty blocks and room for cleanBlocks clean blocks. Writes past the soft
// limit are still absorbed; BlockSpace turns negative. The background
// callback flushes
// dirty blocks at up to flushPerSec blocks per second; zero disables
// background writeback.
func New(below fscore.BD, softDirty, cleanBlocks uint32, flushPerSec float64, lg *log.Logger) (*WbCacheBD, error) {
	if softDirty == 0 || cleanBlocks == 0 {
		return nil, fscore.ErrInvalid
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	info := below.Info()
	bd := &WbCacheBD{
		below:     below,
		lg:        lg,
		softDirty: softDirty,
		dirty:     make(map[uint32]*fscore.Bdesc),
		elevator:  btree.NewG(8, dirtyLess),
	}
	clean, err := lru.NewWithEvict(int(cleanBlocks), func(number uint32, block *fscore.Bdesc) {
		block.Release()
	})
	if err != nil {
		return nil, err
	}
	bd.clean = clean

	bd.Level = info.Level + 1
	bd.GraphIndex = info.GraphIndex + 1
	bd.NumBlocks = info.NumBlocks
	bd.BlockSize = info.BlockSize
	bd.AtomicSize = info.AtomicSize
	if bd.GraphIndex >= fscore.NBDIndex {
		return nil, fscore.ErrGraphIndex
	}

	if flushPerSec > 0 {
		bd.limiter = rate.NewLimiter(rate.Limit(flushPerSec), int(flushPerSec)+1)
		bd.schedID = fscore.SchedRegister(bd.backgroundFlush, 100*time.Millisecond)
	}
	return bd, nil
}

func (bd *WbCacheBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	if block, ok := bd.dirty[number]; ok {
		return block, nil
	}
	if block, ok := bd.clean.Get(number); ok {
		return block, nil
	}
	block, err := bd.below.ReadBlock(number, count)
	if err != nil {
		return nil, err
	}
	bd.clean.Add(number, block.Retain())
	return block, nil
}

func (bd *WbCacheBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	if block, ok := bd.dirty[number]; ok {
		return block, nil
	}
	if block, ok := bd.clean.Get(number); ok {
		return block, nil
	}
	block, err := bd.below.SyntheticReadBlock(number, count)
	if err != nil {
		return nil, err
	}
	bd.clean.Add(number, block.Retain())
	return block, nil
}

// WriteBlock absorbs the block's patches: no push-down past the cache
// until a flush selects the block.
func (bd *WbCacheBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	if _, ok := bd.dirty[number]; !ok {
		bd.dirty[number] = block.Retain()
		bd.elevator.ReplaceOrInsert(dirtyEntry{number: number, block: block})
		if bd.clean.Contains(number) {
			bd.clean.Remove(number)
		}
	}
	return nil
}

// flushBlock builds a revision slice for one dirty block and writes the
// eligible subset down. Returns a Flush* sentinel.
func (bd *WbCacheBD) flushBlock(number uint32, block *fscore.Bdesc) int {
	if block.PatchCount(bd.GraphIndex) == 0 {
		bd.retire(number, block)
		return fscore.FlushDone
	}
	slice, err := fscore.RevisionSliceCreate(block, bd, bd.below)
	if err != nil {
		return fscore.FlushNone
	}
	if len(slice.Ready) == 0 {
		return fscore.FlushNone
	}
	if err := bd.below.WriteBlock(block, number); err != nil {
		slice.PullUp(block)
		bd.lg.Warnf("writeback of block %d failed: %v", number, err)
		return fscore.FlushNone
	}
	if !slice.AllReady || block.PatchCount(bd.GraphIndex) > 0 {
		return fscore.FlushSome
	}
	bd.retire(number, block)
	return fscore.FlushDone
}

// retire moves a block with no pending patches from the dirty set to the
// clean LRU.
func (bd *WbCacheBD) retire(number uint32, block *fscore.Bdesc) {
	delete(bd.dirty, number)
	bd.elevator.Delete(dirtyEntry{number: number})
	bd.clean.Add(number, block)
}

func (bd *WbCacheBD) Flush(block uint32, head *fscore.Patch) int {
	if block != fscore.FlushDevice {
		b, ok := bd.dirty[block]
		if !ok {
			return fscore.FlushEmpty
		}
		return bd.flushBlock(block, b)
	}
	if bd.elevator.Len() == 0 {
		return fscore.FlushEmpty
	}
	r := fscore.FlushNone
	var pass []dirtyEntry
	bd.elevator.Ascend(func(e dirtyEntry) bool {
		pass = append(pass, e)
		return true
	})
	for _, e := range pass {
		switch bd.flushBlock(e.number, e.block) {
		case fscore.FlushDone, fscore.FlushSome:
			if r == fscore.FlushNone {
				r = fscore.FlushSome
			}
		}
	}
	if bd.elevator.Len() == 0 && r != fscore.FlushNone {
		return fscore.FlushDone
	}
	return r
}

// backgroundFlush runs from the scheduler, writing back a bounded number
// of dirty blocks per tick.
func (bd *WbCacheBD) backgroundFlush() {
	var pass []dirtyEntry
	bd.elevator.Ascend(func(e dirtyEntry) bool {
		pass = append(pass, e)
		return true
	})
	for _, e := range pass {
		if !bd.limiter.Allow() {
			return
		}
		bd.flushBlock(e.number, e.block)
	}
}

func (bd *WbCacheBD) WriteHead() *fscore.Patch { return bd.below.WriteHead() }

// BlockSpace reports remaining dirtyable slots; negative once the soft
// limit is exceeded, telling producers to throttle.
func (bd *WbCacheBD) BlockSpace() int32 {
	return int32(bd.softDirty) - int32(len(bd.dirty))
}

// DirtyCount returns the number of dirty blocks held.
func (bd *WbCacheBD) DirtyCount() int { return len(bd.dirty) }

// Destroy unregisters the background callback. Dirty blocks must be
// flushed first.
func (bd *WbCacheBD) Destroy() error {
	if len(bd.dirty) > 0 {
		return fscore.ErrBusy
	}
	if bd.schedID != 0 {
		fscore.SchedUnregister(bd.schedID)
	}
	bd.clean.Purge()
	return nil
}
