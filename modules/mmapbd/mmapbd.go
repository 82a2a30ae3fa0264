/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package mmapbd implements a terminal block device over a memory-mapped
// file. Writes land in the mapping synchronously; Flush(FlushDevice)
// msyncs the mapping so the image is durable.
package mmapbd

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ucla-readable/fstitch/fscore"
)

type MmapBD struct {
	fscore.DevInfo

	f        *os.File
	m        mmap.MMap
	blockman *fscore.Blockman
	dirty    bool
}

// New maps path as a device of blocksize-byte blocks.
func New(path string, blocksize uint16) (*MmapBD, error) {
	if blocksize == 0 {
		return nil, fscore.ErrInvalid
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 || fi.Size()%int64(blocksize) != 0 {
		f.Close()
		return nil, fmt.Errorf("device size %d is not a multiple of block size %d", fi.Size(), blocksize)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	bd := &MmapBD{
		f:        f,
		m:        m,
		blockman: fscore.NewBlockman(0),
	}
	bd.Level = 0
	bd.GraphIndex = 0
	bd.NumBlocks = uint32(fi.Size() / int64(blocksize))
	bd.BlockSize = blocksize
	bd.AtomicSize = blocksize
	return bd, nil
}

func (bd *MmapBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	block := bd.blockman.Lookup(number)
	if block != nil && !block.Synthetic() {
		return block, nil
	}
	if block == nil {
		block = fscore.BdescAlloc(number, bd.BlockSize, count).Autorelease()
	}
	off := uint64(number) * uint64(bd.BlockSize)
	copy(block.Data(), bd.m[off:off+uint64(bd.BlockSize)*uint64(count)])
	if block.Synthetic() {
		block.SetSynthetic(false)
	} else {
		bd.blockman.Add(block, number)
	}
	return block, nil
}

func (bd *MmapBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	// the page cache already holds the data; synthetic reads gain nothing
	return bd.ReadBlock(number, count)
}

func (bd *MmapBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	off := uint64(number) * uint64(bd.BlockSize)
	buf := bd.m[off : off+uint64(block.Length())]
	if err := fscore.RevisionTailPrepare(block, bd, buf); err != nil {
		return err
	}
	bd.dirty = true
	return fscore.RevisionTailAcknowledge(block, bd)
}

func (bd *MmapBD) Flush(block uint32, head *fscore.Patch) int {
	if !bd.dirty {
		return fscore.FlushEmpty
	}
	if err := bd.m.Flush(); err != nil {
		panic(fmt.Sprintf("mmapbd: msync failed: %v", err))
	}
	bd.dirty = false
	return fscore.FlushDone
}

func (bd *MmapBD) WriteHead() *fscore.Patch { return nil }

func (bd *MmapBD) BlockSpace() int32 { return 0 }

// Destroy unmaps and closes the backing file.
func (bd *MmapBD) Destroy() error {
	if err := bd.m.Flush(); err != nil {
		return err
	}
	if err := bd.m.Unmap(); err != nil {
		return err
	}
	return bd.f.Close()
}
