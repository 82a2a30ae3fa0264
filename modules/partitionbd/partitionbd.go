/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package partitionbd exposes a contiguous range of an underlying device
// as a device of its own. Pure offset translation: patches pass through
// unchanged except for the graph index bump.
package partitionbd

import (
	"github.com/ucla-readable/fstitch/fscore"
)

type PartitionBD struct {
	fscore.DevInfo

	below  fscore.BD
	start  uint32
	length uint32
}

// New maps blocks [start, start+length) of below.
func New(below fscore.BD, start, length uint32) (*PartitionBD, error) {
	info := below.Info()
	if length == 0 || start+length > info.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	bd := &PartitionBD{below: below, start: start, length: length}
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

func (bd *PartitionBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if number+uint32(count) > bd.length {
		return nil, fscore.ErrOutOfRange
	}
	return bd.below.ReadBlock(bd.start+number, count)
}

func (bd *PartitionBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if number+uint32(count) > bd.length {
		return nil, fscore.ErrOutOfRange
	}
	return bd.below.SyntheticReadBlock(bd.start+number, count)
}

func (bd *PartitionBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.length {
		return fscore.ErrOutOfRange
	}
	if err := fscore.PushDown(block, bd, bd.below); err != nil {
		return err
	}
	return bd.below.WriteBlock(block, bd.start+number)
}

func (bd *PartitionBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *PartitionBD) WriteHead() *fscore.Patch { return bd.below.WriteHead() }

func (bd *PartitionBD) BlockSpace() int32 { return bd.below.BlockSpace() }
