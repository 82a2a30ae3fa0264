/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

import "sort"

// The revision machinery rolls a block back and forward across the subset
// of its patches that are actually eligible to reach storage right now.
//
// Two modes exist. In-place revision mutates the block buffer directly and
// restores it on acknowledge; copy revision materializes the eligible
// image into a caller buffer and leaves the block buffer alone. The mode
// is a runtime policy on the engine so both can be exercised by the same
// test suite.

var revisionCopy bool

// SetRevisionCopy selects copy-based revision when v is true, in-place
// revision otherwise.
func SetRevisionCopy(v bool) { revisionCopy = v }

// RevisionCopyMode reports the current revision policy.
func RevisionCopyMode() bool { return revisionCopy }

// revState carries the partition computed by a tail prepare until the
// matching acknowledge or revert.
type revState struct {
	bd      BD
	ready   []*Patch // application order
	rolled  []*Patch // application order; rolled back in reverse
	inplace bool
}

// RevisionSlice describes which patches on one block are eligible to be
// flushed from owner to target right now.
type RevisionSlice struct {
	Owner, Target BD
	Ready         []*Patch
	AllReady      bool
}

// patchReady reports whether every before of p is either inflight, a
// collectible empty chain, or an already-ready patch being written in the
// same slice.
func patchReady(p *Patch, inSlice func(*Patch) bool) bool {
	bs := append([]*dep(nil), p.befores...)
	for _, d := range bs {
		b := d.before
		if b.satisfied {
			continue
		}
		if b.flags&FlagInFlight != 0 {
			continue
		}
		if b.collectEmpty() {
			continue
		}
		if inSlice != nil && inSlice(b) {
			continue
		}
		return false
	}
	return true
}

// readyPartition partitions the patches on block at bd's graph index into
// ready and not-ready, iterating to a fixpoint so that chains contained
// entirely in the slice count as ready together.
func readyPartition(block *Bdesc, bd BD) (ready, notReady []*Patch) {
	gi := bd.Info().GraphIndex
	state := make(map[*Patch]bool)
	inSlice := func(p *Patch) bool { return state[p] }
	for changed := true; changed; {
		changed = false
		for p := block.index[gi].head; p != nil; p = p.indexNext {
			if state[p] {
				continue
			}
			if patchReady(p, inSlice) {
				state[p] = true
				changed = true
			}
		}
	}
	for p := block.index[gi].head; p != nil; p = p.indexNext {
		if state[p] {
			ready = append(ready, p)
		} else {
			notReady = append(notReady, p)
		}
	}
	return ready, notReady
}

// RevisionSliceCreate computes the eligible subset of block's patches at
// owner, rolls the rest back, and pushes the ready patches down to target.
func RevisionSliceCreate(block *Bdesc, owner, target BD) (*RevisionSlice, error) {
	ready, notReady := readyPartition(block, owner)
	slice := &RevisionSlice{
		Owner:    owner,
		Target:   target,
		Ready:    ready,
		AllReady: len(notReady) == 0,
	}
	if len(ready) == 0 {
		return slice, nil
	}
	// move only the ready patches down: detach not-ready ones first, push
	// the remainder, then re-append
	gi := owner.Info().GraphIndex
	for _, p := range notReady {
		block.indexRemove(gi, p)
	}
	if err := PushDown(block, owner, target); err != nil {
		for _, p := range notReady {
			block.indexAppend(gi, p)
		}
		return nil, err
	}
	for _, p := range notReady {
		block.indexAppend(gi, p)
	}
	return slice, nil
}

// PullUp returns the slice's patches to the owner after a failed or
// partial write attempt.
func (s *RevisionSlice) PullUp(block *Bdesc) {
	if len(s.Ready) == 0 {
		return
	}
	ti := s.Target.Info().GraphIndex
	oi := s.Owner.Info().GraphIndex
	for _, p := range s.Ready {
		if p.satisfied || p.flags&FlagInFlight != 0 {
			continue
		}
		block.indexRemove(ti, p)
		p.owner = s.Owner
		block.indexAppend(oi, p)
	}
}

// rollBack un-applies p from the given buffer (the block image in
// in-place mode, the caller copy otherwise).
func (p *Patch) rollBackInto(buf []byte) {
	switch p.typ {
	case BytePatch:
		copy(buf[p.offset:p.offset+p.length], p.rollback)
	case BitPatch:
		xorWord(buf, p.offset, p.xor)
	}
}

func (p *Patch) rollForwardInto(buf []byte) {
	switch p.typ {
	case BytePatch:
		copy(buf[p.offset:p.offset+p.length], p.data)
	case BitPatch:
		xorWord(buf, p.offset, p.xor)
	}
}

func xorWord(buf []byte, wordOffset uint16, mask uint32) {
	w := buf[wordOffset*4 : wordOffset*4+4]
	w[0] ^= byte(mask)
	w[1] ^= byte(mask >> 8)
	w[2] ^= byte(mask >> 16)
	w[3] ^= byte(mask >> 24)
}

// RevisionTailPrepare rolls back the patches on block that will not be
// part of this write and fills buf with the image to hand to storage:
// the not-ready patches at bd's own graph index, plus everything owned at
// other indices (layers above that have not pushed down yet). Rollback
// unapplies newest first so overlapping pre-images restore correctly. In
// in-place mode the block buffer itself is reverted and copied into buf;
// in copy mode the block buffer is left untouched and the rollback is
// performed in buf only. buf must be at least the block length.
func RevisionTailPrepare(block *Bdesc, bd BD, buf []byte) error {
	if block.rev != nil {
		return ErrInvalid
	}
	if len(buf) < int(block.length) {
		return ErrInvalid
	}
	ready, notReady := readyPartition(block, bd)
	gi := bd.Info().GraphIndex
	for i := range block.index {
		if uint16(i) == gi {
			continue
		}
		for p := block.index[i].head; p != nil; p = p.indexNext {
			notReady = append(notReady, p)
		}
	}
	sort.Slice(notReady, func(i, j int) bool { return notReady[i].seq < notReady[j].seq })
	st := &revState{bd: bd, ready: ready, rolled: notReady, inplace: !revisionCopy}
	if st.inplace {
		for i := len(notReady) - 1; i >= 0; i-- {
			p := notReady[i]
			p.rollBackInto(block.data)
			p.flags |= FlagRolledBack
		}
		copy(buf, block.data[:block.length])
	} else {
		copy(buf, block.data[:block.length])
		for i := len(notReady) - 1; i >= 0; i-- {
			notReady[i].rollBackInto(buf)
		}
	}
	block.rev = st
	return nil
}

// RevisionTailRevert undoes RevisionTailPrepare without a write: rolled
// back patches are rolled forward again and the pending state dropped.
func RevisionTailRevert(block *Bdesc, bd BD) error {
	st := block.rev
	if st == nil || st.bd != bd {
		return ErrInvalid
	}
	if st.inplace {
		for _, p := range st.rolled {
			p.rollForwardInto(block.data)
			p.flags &^= FlagRolledBack
		}
	}
	block.rev = nil
	return nil
}

// RevisionTailAcknowledge satisfies the ready patches after a completed
// synchronous write and rolls the others forward again.
func RevisionTailAcknowledge(block *Bdesc, bd BD) error {
	st := block.rev
	if st == nil || st.bd != bd {
		return ErrInvalid
	}
	if st.inplace {
		for _, p := range st.rolled {
			p.rollForwardInto(block.data)
			p.flags &^= FlagRolledBack
		}
	}
	block.rev = nil
	for _, p := range st.ready {
		p.satisfy()
	}
	block.tryFree()
	return nil
}

// RevisionTailInflightAck marks the ready patches in flight after an
// asynchronous write has been issued, and rolls the others forward. Until
// landing, inflight patches still block their afters and participate in
// cycle checks.
func RevisionTailInflightAck(block *Bdesc, bd BD) error {
	st := block.rev
	if st == nil || st.bd != bd {
		return ErrInvalid
	}
	if st.inplace {
		for _, p := range st.rolled {
			p.rollForwardInto(block.data)
			p.flags &^= FlagRolledBack
		}
	}
	block.rev = nil
	for _, p := range st.ready {
		p.flags |= FlagInFlight
		block.inflight = append(block.inflight, p)
	}
	return nil
}

// Landing requests cross the only trust boundary in the engine: they are
// produced by I/O completion contexts and drained by the scheduler under
// the engine lock. The ring is bounded to the maximum outstanding I/O;
// overflow blocks the producer at the host layer, never the engine.
const landingRingSize = 256

var landingRing = make(chan *Bdesc, landingRingSize)
var flightCount int

// ScheduleFlight reserves a flight slot ahead of issuing asynchronous I/O.
func ScheduleFlight() { flightCount++ }

// CancelFlight releases a slot reserved by ScheduleFlight when the I/O is
// not issued after all.
func CancelFlight() {
	if flightCount > 0 {
		flightCount--
	}
}

// FlightsExist reports whether any scheduled or holding flights remain.
func FlightsExist() bool { return flightCount > 0 || len(landingRing) > 0 }

// RequestLanding notifies the engine that a block's asynchronous write has
// completed. It is the single entry point callable from completion
// contexts; it never takes the engine lock.
func RequestLanding(block *Bdesc) {
	landingRing <- block
}

// ProcessLandingRequests drains the landing ring, converting inflight
// patches to satisfied. Runs at the head of each scheduler tick, under the
// engine lock.
func ProcessLandingRequests() {
	for {
		select {
		case block := <-landingRing:
			landed := block.inflight
			block.inflight = nil
			for _, p := range landed {
				p.flags &^= FlagInFlight
				p.satisfy()
			}
			if flightCount > 0 {
				flightCount--
			}
			block.tryFree()
		default:
			return
		}
	}
}
