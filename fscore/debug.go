/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Graph dumps are a debug aid: the live patch population of a set of
// blocks serialized as gzip-compressed JSON, one node per patch with its
// edges by id. Nothing in the dump format is stable across releases.

type dumpPatch struct {
	ID        int     `json:"id"`
	Type      uint8   `json:"type"`
	Block     *uint32 `json:"block,omitempty"`
	Offset    uint16  `json:"offset"`
	Length    uint16  `json:"length,omitempty"`
	Xor       uint32  `json:"xor,omitempty"`
	Flags     uint32  `json:"flags"`
	Befores   []int   `json:"befores,omitempty"`
	Satisfied bool    `json:"satisfied,omitempty"`
	Claimed   bool    `json:"claimed,omitempty"`
}

type dumpBlock struct {
	Number  uint32 `json:"number"`
	Length  uint16 `json:"length"`
	Patches int    `json:"patches"`
}

type graphDump struct {
	Blocks  []dumpBlock `json:"blocks"`
	Patches []dumpPatch `json:"patches"`
}

// DumpGraph writes the patch graph reachable from the given blocks to w as
// gzip-compressed JSON. Call under the engine lock.
func DumpGraph(w io.Writer, blocks ...*Bdesc) error {
	ids := make(map[*Patch]int)
	var order []*Patch

	var walk func(p *Patch)
	walk = func(p *Patch) {
		if _, ok := ids[p]; ok {
			return
		}
		ids[p] = len(order)
		order = append(order, p)
		for _, d := range p.befores {
			walk(d.before)
		}
		for _, d := range p.afters {
			walk(d.after)
		}
	}

	var dump graphDump
	for _, b := range blocks {
		n := 0
		for gi := range b.index {
			for p := b.index[gi].head; p != nil; p = p.indexNext {
				walk(p)
				n++
			}
		}
		dump.Blocks = append(dump.Blocks, dumpBlock{Number: b.number, Length: b.length, Patches: n})
	}

	for _, p := range order {
		dp := dumpPatch{
			ID:        ids[p],
			Type:      uint8(p.typ),
			Offset:    p.offset,
			Length:    p.length,
			Xor:       p.xor,
			Flags:     uint32(p.flags),
			Satisfied: p.satisfied,
			Claimed:   p.claimed,
		}
		if p.block != nil {
			n := p.block.number
			dp.Block = &n
		}
		for _, d := range p.befores {
			dp.Befores = append(dp.Befores, ids[d.before])
		}
		dump.Patches = append(dump.Patches, dp)
	}

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(&dump); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
