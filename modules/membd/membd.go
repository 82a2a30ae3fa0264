/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package membd implements a memory-backed terminal block device. It is
// the reference terminal: writes are acknowledged synchronously, so
// patches written through it are satisfied before WriteBlock returns.
package membd

import (
	"github.com/ucla-readable/fstitch/fscore"
)

type MemBD struct {
	fscore.DevInfo

	blocks   []byte
	blockman *fscore.Blockman
}

// New creates a memory device of numblocks blocks of blocksize bytes.
func New(numblocks uint32, blocksize uint16) (*MemBD, error) {
	if numblocks == 0 || blocksize == 0 {
		return nil, fscore.ErrInvalid
	}
	bd := &MemBD{
		blocks:   make([]byte, uint64(numblocks)*uint64(blocksize)),
		blockman: fscore.NewBlockman(0),
	}
	bd.Level = 0
	bd.GraphIndex = 0
	bd.NumBlocks = numblocks
	bd.BlockSize = blocksize
	bd.AtomicSize = blocksize
	return bd, nil
}

func (bd *MemBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	block := bd.blockman.Lookup(number)
	if block != nil {
		if !block.Synthetic() {
			return block, nil
		}
	} else {
		block = fscore.BdescAlloc(number, bd.BlockSize, count).Autorelease()
	}

	off := uint64(number) * uint64(bd.BlockSize)
	copy(block.Data(), bd.blocks[off:off+uint64(bd.BlockSize)*uint64(count)])

	if block.Synthetic() {
		block.SetSynthetic(false)
	} else {
		bd.blockman.Add(block, number)
	}
	return block, nil
}

func (bd *MemBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	// a memory device serves synthetic reads as real ones; they cost the
	// same
	return bd.ReadBlock(number, count)
}

func (bd *MemBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	off := uint64(number) * uint64(bd.BlockSize)
	buf := bd.blocks[off : off+uint64(block.Length())]

	// the prepare fills buf with the eligible image in both revision
	// modes, so the write into backing memory happens right here
	if err := fscore.RevisionTailPrepare(block, bd, buf); err != nil {
		return err
	}
	return fscore.RevisionTailAcknowledge(block, bd)
}

func (bd *MemBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *MemBD) WriteHead() *fscore.Patch { return nil }

func (bd *MemBD) BlockSpace() int32 { return 0 }

// Peek copies the current persistent contents of a block, for tests.
func (bd *MemBD) Peek(number uint32) []byte {
	off := uint64(number) * uint64(bd.BlockSize)
	return append([]byte(nil), bd.blocks[off:off+uint64(bd.BlockSize)]...)
}
