/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package unlinkbd severs every dependency edge leaving a passing patch
// except intra-block edges and the configured write-head edge. Layers
// below it only see same-block ordering, which is all some media need.
// When a patchgroup is engaged, passing patches are unhooked from
// patchgroup bookkeeping and exempted from further engagement; this makes
// the module incompatible with patchgroup ordering below it, by contract.
package unlinkbd

import (
	"github.com/ucla-readable/fstitch/fscore"
)

type UnlinkBD struct {
	fscore.DevInfo

	below     fscore.BD
	writeHead *fscore.Patch
}

// New stacks an unlink filter on below, inheriting its write head.
func New(below fscore.BD) (*UnlinkBD, error) {
	info := below.Info()
	bd := &UnlinkBD{below: below, writeHead: below.WriteHead()}
	bd.Level = info.Level
	bd.GraphIndex = info.GraphIndex + 1
	bd.NumBlocks = info.NumBlocks
	bd.BlockSize = info.BlockSize
	bd.AtomicSize = info.AtomicSize
	if bd.GraphIndex >= fscore.NBDIndex {
		return nil, fscore.ErrGraphIndex
	}
	return bd, nil
}

func (bd *UnlinkBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	return bd.below.ReadBlock(number, count)
}

func (bd *UnlinkBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	return bd.below.SyntheticReadBlock(number, count)
}

func (bd *UnlinkBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	engaged := fscore.CurrentScope() != nil && len(fscore.CurrentScope().Engaged()) > 0

	for _, p := range block.Patches(bd.GraphIndex) {
		needsHead := bd.writeHead != nil
		for _, before := range p.Befores() {
			if before == bd.writeHead {
				needsHead = false
				continue
			}
			if before.Block() == block {
				continue
			}
			fscore.RemoveDepend(p, before)
		}
		if needsHead {
			if err := fscore.AddDependSafe(p, bd.writeHead); err != nil {
				return err
			}
		}
		if engaged {
			// unhook patchgroup bookkeeping empties and exempt the patch
			// from further engagement
			for _, after := range p.Afters() {
				if after.Type() == fscore.EmptyPatch && after.Flags()&fscore.FlagNoPatchgroup != 0 {
					fscore.RemoveDepend(after, p)
				}
			}
			p.SetNoPatchgroup()
		}
	}

	if err := fscore.PushDown(block, bd, bd.below); err != nil {
		return err
	}
	return bd.below.WriteBlock(block, number)
}

func (bd *UnlinkBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *UnlinkBD) WriteHead() *fscore.Patch { return bd.writeHead }

func (bd *UnlinkBD) BlockSpace() int32 { return bd.below.BlockSpace() }
