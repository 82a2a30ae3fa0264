/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package loopbd exposes a sub-range of an underlying device as an
// independent device with its own write head. The write head serializes
// the loop device's streams against each other without entangling them
// with the rest of the underlying device's traffic.
package loopbd

import (
	"github.com/ucla-readable/fstitch/fscore"
)

type LoopBD struct {
	fscore.DevInfo

	below     fscore.BD
	start     uint32
	length    uint32
	writeHead *fscore.Patch
}

// New maps blocks [start, start+length) of below as a looped device.
func New(below fscore.BD, start, length uint32) (*LoopBD, error) {
	info := below.Info()
	if length == 0 || start+length > info.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	bd := &LoopBD{below: below, start: start, length: length}
	bd.Level = info.Level
	bd.GraphIndex = info.GraphIndex + 1
	bd.NumBlocks = length
	bd.BlockSize = info.BlockSize
	bd.AtomicSize = info.AtomicSize
	if bd.GraphIndex >= fscore.NBDIndex {
		return nil, fscore.ErrGraphIndex
	}
	return bd, nil
}

func (bd *LoopBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if number+uint32(count) > bd.length {
		return nil, fscore.ErrOutOfRange
	}
	return bd.below.ReadBlock(bd.start+number, count)
}

func (bd *LoopBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if number+uint32(count) > bd.length {
		return nil, fscore.ErrOutOfRange
	}
	return bd.below.SyntheticReadBlock(bd.start+number, count)
}

func (bd *LoopBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.length {
		return fscore.ErrOutOfRange
	}
	// advance the write head across this request: subsequent patches
	// created at this level depend on everything passing through now
	patches := block.Patches(bd.GraphIndex)
	if len(patches) > 0 {
		head, err := fscore.CreateEmpty(nil, patches...)
		if err != nil {
			return err
		}
		head.SetNoPatchgroup()
		if head.Satisfied() {
			head = nil
		}
		bd.writeHead = head
	}
	if err := fscore.PushDown(block, bd, bd.below); err != nil {
		return err
	}
	return bd.below.WriteBlock(block, bd.start+number)
}

func (bd *LoopBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *LoopBD) WriteHead() *fscore.Patch {
	if bd.writeHead != nil && bd.writeHead.Satisfied() {
		bd.writeHead = nil
	}
	return bd.writeHead
}

func (bd *LoopBD) BlockSpace() int32 { return bd.below.BlockSpace() }
