/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package mdbd stripes block space across two devices by block number
// parity. Patch identities are not duplicated: each write dispatches to
// the child owning the block.
package mdbd

import (
	"github.com/ucla-readable/fstitch/fscore"
)

type MdBD struct {
	fscore.DevInfo

	disks [2]fscore.BD
}

// New combines disk0 and disk1. The block sizes must match, neither child
// may expose a write head, and capacity is twice the smaller child.
func New(disk0, disk1 fscore.BD) (*MdBD, error) {
	i0, i1 := disk0.Info(), disk1.Info()
	if i0.BlockSize != i1.BlockSize {
		return nil, fscore.ErrInvalid
	}
	if disk0.WriteHead() != nil || disk1.WriteHead() != nil {
		return nil, fscore.ErrInvalid
	}
	bd := &MdBD{disks: [2]fscore.BD{disk0, disk1}}
	min := i0.NumBlocks
	if i1.NumBlocks < min {
		min = i1.NumBlocks
	}
	bd.NumBlocks = 2 * min
	bd.BlockSize = i0.BlockSize
	bd.AtomicSize = i0.AtomicSize
	if i1.AtomicSize < bd.AtomicSize {
		bd.AtomicSize = i1.AtomicSize
	}
	bd.Level = i0.Level
	if i1.Level > bd.Level {
		bd.Level = i1.Level
	}
	bd.GraphIndex = i0.GraphIndex
	if i1.GraphIndex > bd.GraphIndex {
		bd.GraphIndex = i1.GraphIndex
	}
	bd.GraphIndex++
	if bd.GraphIndex >= fscore.NBDIndex {
		return nil, fscore.ErrGraphIndex
	}
	return bd, nil
}

func (bd *MdBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	return bd.disks[number&1].ReadBlock(number>>1, count)
}

func (bd *MdBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	return bd.disks[number&1].SyntheticReadBlock(number>>1, count)
}

func (bd *MdBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	disk := bd.disks[number&1]
	if err := fscore.PushDown(block, bd, disk); err != nil {
		return err
	}
	return disk.WriteBlock(block, number>>1)
}

func (bd *MdBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *MdBD) WriteHead() *fscore.Patch { return nil }

// BlockSpace composes the children pessimistically: the device is as full
// as its fuller half.
func (bd *MdBD) BlockSpace() int32 {
	s0 := bd.disks[0].BlockSpace()
	s1 := bd.disks[1].BlockSpace()
	if s0 < s1 {
		return s0
	}
	return s1
}
