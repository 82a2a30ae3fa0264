/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package resizerbd converts between an upper block size and a smaller
// lower one; the upper size must be a whole multiple of the lower. The
// module keeps its own block manager: an upper descriptor is assembled
// from the run of lower blocks it spans and stays stable across reads so
// patches persist on it. On write, each upper-level byte patch is
// re-expressed as per-lower-block patches; a fresh ownerless empty patch
// stands in for the original so its dependencies stay observable by
// higher layers.
package resizerbd

import (
	"github.com/ucla-readable/fstitch/fscore"
)

type ResizerBD struct {
	fscore.DevInfo

	below    fscore.BD
	ratio    uint32 // lower blocks per upper block
	blockman *fscore.Blockman
}

// New presents below (with its small blocks) as a device of
// upperBlockSize-byte blocks. Reads are single-block only.
func New(below fscore.BD, upperBlockSize uint16) (*ResizerBD, error) {
	info := below.Info()
	if upperBlockSize == 0 || upperBlockSize%info.BlockSize != 0 || upperBlockSize == info.BlockSize {
		return nil, fscore.ErrInvalid
	}
	ratio := uint32(upperBlockSize / info.BlockSize)
	bd := &ResizerBD{below: below, ratio: ratio, blockman: fscore.NewBlockman(0)}
	bd.Level = info.Level
	bd.GraphIndex = info.GraphIndex + 1
	bd.NumBlocks = info.NumBlocks / ratio
	bd.BlockSize = upperBlockSize
	bd.AtomicSize = info.AtomicSize
	if bd.GraphIndex >= fscore.NBDIndex {
		return nil, fscore.ErrGraphIndex
	}
	return bd, nil
}

func (bd *ResizerBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count != 1 || number >= bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	block := bd.blockman.Lookup(number)
	if block != nil && !block.Synthetic() {
		return block, nil
	}
	if block == nil {
		block = fscore.BdescAlloc(number, bd.BlockSize, 1).Autorelease()
	}
	lowerSize := uint32(bd.below.Info().BlockSize)
	for i := uint32(0); i < bd.ratio; i++ {
		lower, err := bd.below.ReadBlock(number*bd.ratio+i, 1)
		if err != nil {
			return nil, err
		}
		copy(block.Data()[i*lowerSize:(i+1)*lowerSize], lower.Data())
	}
	if block.Synthetic() {
		block.SetSynthetic(false)
	} else {
		bd.blockman.Add(block, number)
	}
	return block, nil
}

func (bd *ResizerBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count != 1 || number >= bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	if block := bd.blockman.Lookup(number); block != nil {
		return block, nil
	}
	block := fscore.BdescAlloc(number, bd.BlockSize, 1).Autorelease()
	block.SetSynthetic(true)
	bd.blockman.Add(block, number)
	return block, nil
}

// WriteBlock slices the upper block into lower blocks. Every byte patch at
// our index is split at lower-block boundaries: the pieces are created on
// the lower descriptors with the original's befores, a fresh ownerless
// empty depends on all pieces, and the original's afters are moved
// onto that empty before the original is retired.
func (bd *ResizerBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	lowerSize := uint32(bd.below.Info().BlockSize)

	patches := block.Patches(bd.GraphIndex)
	dirty := make(map[uint32]*fscore.Bdesc)
	var order []uint32

	for _, p := range patches {
		if p.Type() == fscore.EmptyPatch {
			continue
		}
		start, end, data := p.Span()
		befores := p.Befores()

		var pieces []*fscore.Patch
		for off := start; off < end; {
			li := off / lowerSize
			stop := (li + 1) * lowerSize
			if stop > end {
				stop = end
			}
			lower, ok := dirty[li]
			if !ok {
				var err error
				lower, err = bd.below.ReadBlock(number*bd.ratio+li, 1)
				if err != nil {
					return err
				}
				dirty[li] = lower
				order = append(order, li)
			}
			piece, err := fscore.CreateByte(lower, bd.below,
				uint16(off-li*lowerSize), uint16(stop-off),
				data[off-start:stop-start], befores...)
			if err != nil {
				return err
			}
			pieces = append(pieces, piece)
			off = stop
		}

		stub, err := fscore.CreateEmpty(nil, pieces...)
		if err != nil {
			return err
		}
		for _, after := range p.Afters() {
			if !stub.Satisfied() {
				if err := fscore.AddDependSafe(after, stub); err != nil {
					return err
				}
			}
			fscore.RemoveDepend(after, p)
		}
		// the pieces carry the original's obligations now
		for _, before := range befores {
			fscore.RemoveDepend(p, before)
		}
		if err := p.Satisfy(); err != nil {
			return err
		}
	}

	for _, li := range order {
		if err := bd.below.WriteBlock(dirty[li], number*bd.ratio+li); err != nil {
			return err
		}
	}
	return nil
}

func (bd *ResizerBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *ResizerBD) WriteHead() *fscore.Patch { return bd.below.WriteHead() }

func (bd *ResizerBD) BlockSpace() int32 { return bd.below.BlockSpace() }
