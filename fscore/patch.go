/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

import (
	"encoding/binary"
)

// PatchType identifies the kind of change a patch makes to its block.
type PatchType uint8

const (
	BytePatch  PatchType = 1
	BitPatch   PatchType = 2
	EmptyPatch PatchType = 3
)

// PatchFlags are transient and lifecycle markers on a patch.
type PatchFlags uint32

const (
	// FlagMarked is used by graph walks; never set between operations.
	FlagMarked PatchFlags = 1 << iota
	// FlagRolledBack means the patch is currently un-applied to the
	// in-memory block image: the image holds the pre-image bytes.
	FlagRolledBack
	// FlagInFlight means the patch has been handed to the storage layer
	// but not yet acknowledged. Inflight patches are immutable.
	FlagInFlight
	// FlagSafeAfter marks an edge installation as semantic only, exempt
	// from the level ordering check.
	FlagSafeAfter
	// FlagNoPatchgroup exempts the patch from patchgroup engagement.
	FlagNoPatchgroup
)

// dep is one edge of the DAG: after depends on before; before must reach
// storage first.
type dep struct {
	before, after *Patch
}

// Patch is one node in the dependency DAG: a single pending change to a
// byte range of a block, a bit flip, or an empty sync point.
type Patch struct {
	typ   PatchType
	block *Bdesc
	owner BD
	flags PatchFlags

	// byte patches
	offset   uint16
	length   uint16
	data     []byte // bytes the patch writes
	rollback []byte // pre-image of the same range

	// bit patches: offset is the 32-bit word offset, xor the mask
	xor uint32

	befores []*dep
	afters  []*dep

	weakRefs []*WeakRef

	// claimed empties are exempt from automatic satisfaction
	claimed   bool
	satisfied bool

	// creation order; rollback unapplies newest first
	seq uint64

	indexNext, indexPrev *Patch
}

var patchSeq uint64

func nextPatchSeq() uint64 {
	patchSeq++
	return patchSeq
}

func (p *Patch) Type() PatchType   { return p.typ }
func (p *Patch) Block() *Bdesc     { return p.block }
func (p *Patch) Owner() BD         { return p.owner }
func (p *Patch) Flags() PatchFlags { return p.flags }
func (p *Patch) Offset() uint16    { return p.offset }
func (p *Patch) Length() uint16    { return p.length }
func (p *Patch) Satisfied() bool   { return p.satisfied }

// Span returns the byte range a data patch covers and the bytes it
// writes, materializing bit patches from the current word image. Empty
// patches span nothing.
func (p *Patch) Span() (start, end uint32, data []byte) {
	switch p.typ {
	case BytePatch:
		return uint32(p.offset), uint32(p.offset) + uint32(p.length), p.data
	case BitPatch:
		start = uint32(p.offset) * 4
		return start, start + 4, append([]byte(nil), p.block.data[start:start+4]...)
	}
	return 0, 0, nil
}

// NumBefores returns the count of live before edges.
func (p *Patch) NumBefores() int { return len(p.befores) }

// Befores returns the patches this patch depends on.
func (p *Patch) Befores() []*Patch {
	out := make([]*Patch, 0, len(p.befores))
	for _, d := range p.befores {
		out = append(out, d.before)
	}
	return out
}

// Afters returns the patches depending on this patch.
func (p *Patch) Afters() []*Patch {
	out := make([]*Patch, 0, len(p.afters))
	for _, d := range p.afters {
		out = append(out, d.after)
	}
	return out
}

// Claim exempts an empty patch from automatic satisfaction when its last
// before goes away. Patchgroup heads and tails and journal holds use this.
func (p *Patch) Claim() {
	p.claimed = true
}

// SetNoPatchgroup exempts the patch from patchgroup engagement.
func (p *Patch) SetNoPatchgroup() {
	p.flags |= FlagNoPatchgroup
}

// Unclaim re-enables automatic collection. The patch is not collected on
// the spot: a bare empty stays in the graph until the next edge removal or
// readiness walk touches it, matching satisfaction-on-demand for barriers
// that are about to gain afters.
func (p *Patch) Unclaim() {
	p.claimed = false
}

// collectEmpty satisfies an unclaimed empty patch whose befores are all
// themselves collectible empty chains. Used by the readiness walk so that
// barrier chains do not wedge flushes.
func (p *Patch) collectEmpty() bool {
	if p.satisfied {
		return true
	}
	if p.typ != EmptyPatch || p.claimed || p.flags&FlagInFlight != 0 {
		return false
	}
	bs := append([]*dep(nil), p.befores...)
	for _, d := range bs {
		if !d.before.collectEmpty() {
			return false
		}
	}
	if !p.satisfied {
		p.satisfy()
	}
	return true
}

var patchesCreated, patchesSatisfied uint64

// LivePatchCount returns the number of patches created and not yet
// satisfied, for statistics and tests.
func LivePatchCount() uint64 { return patchesCreated - patchesSatisfied }

// CreateEmpty creates an empty patch: no data change, a pure sync point.
// An empty patch created with no befores is satisfied on the spot;
// callers that need a durable barrier pass at least one before or use
// CreateEmptyClaimed.
func CreateEmpty(owner BD, befores ...*Patch) (*Patch, error) {
	p := &Patch{typ: EmptyPatch, owner: owner}
	patchesCreated++
	p.seq = nextPatchSeq()
	if err := p.attachBefores(befores); err != nil {
		return nil, err
	}
	// ownerless empties are engine bookkeeping, not application content
	if owner != nil {
		attachEngaged(p)
	}
	if len(p.befores) == 0 {
		p.satisfy()
	}
	return p, nil
}

// CreateEmptyClaimed creates a claimed empty patch that stays live until
// explicitly unclaimed, regardless of its befores.
func CreateEmptyClaimed(owner BD, befores ...*Patch) (*Patch, error) {
	p := &Patch{typ: EmptyPatch, owner: owner, claimed: true}
	patchesCreated++
	p.seq = nextPatchSeq()
	if err := p.attachBefores(befores); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateByte creates a byte patch overwriting length bytes at offset in
// the block's image with data. The block image is updated immediately; the
// pre-image is retained for rollback. The engine appends the owner's write
// head and the currently engaged patchgroup heads to the pass set, and may
// merge the change into an existing compatible patch instead of creating a
// new one.
func CreateByte(block *Bdesc, owner BD, offset, length uint16, data []byte, befores ...*Patch) (*Patch, error) {
	if block == nil || owner == nil || length == 0 || len(data) < int(length) {
		return nil, ErrInvalid
	}
	if uint32(offset)+uint32(length) > uint32(block.length) {
		return nil, ErrInvalid
	}

	befores = appendWriteHead(owner, befores)

	gi := owner.Info().GraphIndex
	// merged writes would bypass patchgroup bookkeeping, so absorption is
	// off while any group is engaged
	if !patchgroupEngaged() {
		if m := mergeByte(block, gi, offset, length, data, befores); m != nil {
			return m, nil
		}
	}

	p := &Patch{
		typ:    BytePatch,
		block:  block,
		owner:  owner,
		offset: offset,
		length: length,
	}
	patchesCreated++
	p.seq = nextPatchSeq()
	p.rollback = append([]byte(nil), block.data[offset:offset+length]...)
	p.data = append([]byte(nil), data[:length]...)

	if err := p.attachOverlaps(); err != nil {
		patchesSatisfied++
		return nil, err
	}
	if err := p.attachBefores(befores); err != nil {
		p.unhookAll()
		patchesSatisfied++
		return nil, err
	}
	attachEngaged(p)

	copy(block.data[offset:offset+length], p.data)
	block.indexAppend(gi, p)
	return p, nil
}

// CreateBit creates a bit patch toggling the bits of xor at the given
// 32-bit word offset.
func CreateBit(block *Bdesc, owner BD, offset uint16, xor uint32, befores ...*Patch) (*Patch, error) {
	if block == nil || owner == nil || xor == 0 {
		return nil, ErrInvalid
	}
	if (uint32(offset)+1)*4 > uint32(block.length) {
		return nil, ErrInvalid
	}

	befores = appendWriteHead(owner, befores)

	gi := owner.Info().GraphIndex
	if !patchgroupEngaged() {
		if m := mergeBit(block, gi, offset, xor, befores); m != nil {
			return m, nil
		}
	}

	p := &Patch{
		typ:    BitPatch,
		block:  block,
		owner:  owner,
		offset: offset,
		xor:    xor,
	}
	patchesCreated++
	p.seq = nextPatchSeq()

	if err := p.attachOverlaps(); err != nil {
		patchesSatisfied++
		return nil, err
	}
	if err := p.attachBefores(befores); err != nil {
		p.unhookAll()
		patchesSatisfied++
		return nil, err
	}
	attachEngaged(p)

	p.applyBit()
	block.indexAppend(gi, p)
	return p, nil
}

// CreateDiff computes the minimal byte range over which old and new
// differ and creates a byte patch covering it. It returns (nil, nil) when
// the ranges are identical.
func CreateDiff(block *Bdesc, owner BD, offset, length uint16, olddata, newdata []byte, befores ...*Patch) (*Patch, error) {
	if olddata == nil || newdata == nil || length == 0 {
		return nil, ErrInvalid
	}
	start := 0
	for start < int(length) && olddata[start] == newdata[start] {
		start++
	}
	if start >= int(length) {
		return nil, nil
	}
	end := int(length) - 1
	for end >= start && olddata[end] == newdata[end] {
		end--
	}
	return CreateByte(block, owner, offset+uint16(start), uint16(end-start+1), newdata[start:end+1], befores...)
}

func appendWriteHead(owner BD, befores []*Patch) []*Patch {
	if head := owner.WriteHead(); head != nil {
		return append(befores, head)
	}
	return befores
}

// attachBefores installs the pass set, skipping satisfied entries and
// duplicates.
func (p *Patch) attachBefores(befores []*Patch) error {
	for _, b := range befores {
		if b == nil || b.satisfied {
			continue
		}
		if err := AddDepend(p, b); err != nil {
			return err
		}
	}
	return nil
}

// attachOverlaps adds a before edge to every live patch on the same block
// whose byte range overlaps this one, so that no two overlapping live
// patches lack an ordering edge.
func (p *Patch) attachOverlaps() error {
	lo, hi := p.byteRange()
	for gi := range p.block.index {
		for q := p.block.index[gi].head; q != nil; q = q.indexNext {
			if q == p {
				continue
			}
			qlo, qhi := q.byteRange()
			if lo < qhi && qlo < hi {
				if err := AddDepend(p, q); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Patch) byteRange() (uint32, uint32) {
	switch p.typ {
	case BytePatch:
		return uint32(p.offset), uint32(p.offset) + uint32(p.length)
	case BitPatch:
		return uint32(p.offset) * 4, uint32(p.offset)*4 + 4
	}
	return 0, 0
}

func (p *Patch) applyBit() {
	word := p.block.data[p.offset*4 : p.offset*4+4]
	v := binary.LittleEndian.Uint32(word)
	binary.LittleEndian.PutUint32(word, v^p.xor)
}

// unhookAll removes every edge touching p, without satisfaction side
// effects. Used to unwind failed creation.
func (p *Patch) unhookAll() {
	for _, d := range p.befores {
		d.before.afters = removeDep(d.before.afters, d)
	}
	p.befores = nil
	for _, d := range p.afters {
		d.after.befores = removeDep(d.after.befores, d)
	}
	p.afters = nil
}

func removeDep(list []*dep, d *dep) []*dep {
	for i := range list {
		if list[i] == d {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// AddDepend installs the edge "after depends on before" iff no cycle is
// thereby introduced. Inflight afters are immutable; edges may only point
// downward in the stack unless the after carries FlagSafeAfter.
func AddDepend(after, before *Patch) error {
	if after == nil || before == nil || after == before {
		return ErrInvalid
	}
	if before.satisfied {
		return nil
	}
	if after.satisfied {
		return ErrInvalid
	}
	if after.flags&FlagInFlight != 0 {
		return ErrInFlight
	}
	if after.flags&FlagSafeAfter == 0 && after.owner != nil && before.owner != nil {
		if before.owner.Info().Level > after.owner.Info().Level {
			return ErrBadLevel
		}
	}
	for _, d := range after.befores {
		if d.before == before {
			return nil
		}
	}
	// cycle check: a path from before back to after
	if dependsOn(before, after) {
		return ErrCycle
	}
	d := &dep{before: before, after: after}
	after.befores = append(after.befores, d)
	before.afters = append(before.afters, d)
	return nil
}

// RemoveDepend removes the edge between after and before, if present.
// Edge removal is always legal. Removing the last before of an unclaimed
// empty patch satisfies it.
func RemoveDepend(after, before *Patch) {
	for _, d := range after.befores {
		if d.before == before {
			after.befores = removeDep(after.befores, d)
			before.afters = removeDep(before.afters, d)
			after.maybeCollect()
			return
		}
	}
}

// dependsOn reports whether from transitively depends on target, using
// FlagMarked for the walk.
func dependsOn(from, target *Patch) bool {
	if from == target {
		return true
	}
	markGraph(from)
	found := target.flags&FlagMarked != 0
	unmarkGraph(from)
	return found
}

func markGraph(root *Patch) {
	root.flags |= FlagMarked
	for _, d := range root.befores {
		if d.before.flags&FlagMarked == 0 {
			markGraph(d.before)
		}
	}
}

func unmarkGraph(root *Patch) {
	root.flags &^= FlagMarked
	for _, d := range root.befores {
		if d.before.flags&FlagMarked != 0 {
			unmarkGraph(d.before)
		}
	}
}

// satisfy marks the patch durably accepted: every after has its edge
// dropped atomically, weak references are notified, and empty afters that
// thereby reach zero befores are collected on the spot.
func (p *Patch) satisfy() {
	if p.satisfied {
		return
	}
	p.satisfied = true
	patchesSatisfied++

	if p.block != nil && p.owner != nil {
		p.block.indexRemove(p.owner.Info().GraphIndex, p)
	}

	for _, d := range p.befores {
		d.before.afters = removeDep(d.before.afters, d)
	}
	p.befores = nil

	afters := p.afters
	p.afters = nil
	for _, d := range afters {
		d.after.befores = removeDep(d.after.befores, d)
	}

	for _, w := range p.weakRefs {
		w.patch = nil
		if w.callback != nil {
			w.callback(w, p)
		}
	}
	p.weakRefs = nil

	for _, d := range afters {
		d.after.maybeCollect()
	}

	if p.block != nil {
		p.block.tryFree()
	}
}

// Satisfy is the exported satisfaction entry point used by the revision
// machinery and by tests. The patch must have no live befores.
func (p *Patch) Satisfy() error {
	if len(p.befores) != 0 {
		return ErrInvalid
	}
	p.satisfy()
	return nil
}

func (p *Patch) maybeCollect() {
	if p.typ == EmptyPatch && !p.claimed && !p.satisfied && len(p.befores) == 0 {
		p.satisfy()
	}
}

// WeakRef observes a patch until it is satisfied; Patch returns nil after
// satisfaction. The optional callback runs on the satisfaction path.
type WeakRef struct {
	patch    *Patch
	callback func(*WeakRef, *Patch)
}

// WeakRetain installs a weak reference on p.
func WeakRetain(p *Patch, cb func(*WeakRef, *Patch)) *WeakRef {
	w := &WeakRef{patch: p, callback: cb}
	p.weakRefs = append(p.weakRefs, w)
	return w
}

// Patch returns the referenced patch, or nil once it has been satisfied.
func (w *WeakRef) Patch() *Patch { return w.patch }

// Release drops the weak reference without waiting for satisfaction.
func (w *WeakRef) Release() {
	if w.patch == nil {
		return
	}
	for i, o := range w.patch.weakRefs {
		if o == w {
			w.patch.weakRefs = append(w.patch.weakRefs[:i], w.patch.weakRefs[i+1:]...)
			break
		}
	}
	w.patch = nil
}

// mergeByte tries to fold the new change into an existing byte patch on
// the same block owned at the same graph index. Merging is an
// optimization; on any obstacle the caller falls back to a fresh patch.
func mergeByte(block *Bdesc, gi uint16, offset, length uint16, data []byte, befores []*Patch) *Patch {
	var target *Patch
	for q := block.index[gi].head; q != nil; q = q.indexNext {
		if q.typ != BytePatch || q.flags&(FlagInFlight|FlagRolledBack) != 0 {
			continue
		}
		// a candidate with afters cannot absorb new bytes: its afters
		// were ordered against its current content only
		if len(q.afters) != 0 {
			continue
		}
		target = q
		break
	}
	if target == nil {
		return nil
	}
	// the new range must not overlap any other live patch, which would
	// need an ordering edge a merge cannot express
	lo, hi := uint32(offset), uint32(offset)+uint32(length)
	for i := range block.index {
		for q := block.index[i].head; q != nil; q = q.indexNext {
			if q == target {
				continue
			}
			qlo, qhi := q.byteRange()
			if lo < qhi && qlo < hi {
				return nil
			}
		}
	}
	// adding the pass set must not create a cycle or cross levels the
	// wrong way
	for _, b := range befores {
		if b == nil || b.satisfied || b == target {
			continue
		}
		if dependsOn(b, target) {
			return nil
		}
		if b.owner != nil && b.owner.Info().Level > target.owner.Info().Level {
			return nil
		}
	}

	newStart := target.offset
	if offset < newStart {
		newStart = offset
	}
	end := uint32(target.offset) + uint32(target.length)
	if e := uint32(offset) + uint32(length); e > end {
		end = e
	}
	newLen := uint16(end - uint32(newStart))

	// pre-image of the union: the candidate's rollback where it covered,
	// current block bytes elsewhere (untouched by either patch)
	rb := append([]byte(nil), block.data[newStart:uint32(newStart)+uint32(newLen)]...)
	copy(rb[target.offset-newStart:], target.rollback)

	// apply the new bytes, then capture the union as the merged image
	copy(block.data[offset:offset+length], data[:length])
	nd := append([]byte(nil), block.data[newStart:uint32(newStart)+uint32(newLen)]...)

	target.offset = newStart
	target.length = newLen
	target.rollback = rb
	target.data = nd

	for _, b := range befores {
		if b == nil || b.satisfied || b == target {
			continue
		}
		if err := AddDepend(target, b); err != nil && err != ErrCycle {
			// cycles and level violations were ruled out above, before
			// the data merge was committed
			continue
		}
	}
	return target
}

// mergeBit folds a bit flip into an existing bit patch at the same word.
func mergeBit(block *Bdesc, gi uint16, offset uint16, xor uint32, befores []*Patch) *Patch {
	var target *Patch
	for q := block.index[gi].head; q != nil; q = q.indexNext {
		if q.typ == BitPatch && q.offset == offset && q.flags&(FlagInFlight|FlagRolledBack) == 0 {
			target = q
			break
		}
	}
	if target == nil || len(target.afters) != 0 {
		return nil
	}
	for _, b := range befores {
		if b == nil || b.satisfied || b == target {
			continue
		}
		if dependsOn(b, target) {
			return nil
		}
	}
	target.xor ^= xor
	word := block.data[offset*4 : offset*4+4]
	v := binary.LittleEndian.Uint32(word)
	binary.LittleEndian.PutUint32(word, v^xor)
	for _, b := range befores {
		if b == nil || b.satisfied || b == target {
			continue
		}
		if err := AddDepend(target, b); err != nil {
			continue
		}
	}
	return target
}
