/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

// patchList is the head and tail of the per-graph-index list of patches
// attached to a block. Patches are kept in application order: new patches
// append at the tail, rollback walks tail to head.
type patchList struct {
	head, tail *Patch
}

// Bdesc is the in-memory image of one disk block plus its attached
// patches, indexed per BD graph index. Descriptors are reference counted;
// Autorelease enrolls a descriptor in the current pool so the reference is
// dropped at the next scheduler tick boundary.
type Bdesc struct {
	number uint32
	length uint16
	data   []byte

	man        *Blockman
	diskNumber uint32
	synthetic  bool

	refs int32

	index [NBDIndex]patchList

	// inflight patches on this block, in slice order
	inflight []*Patch
	// revision state between tail prepare and acknowledge
	rev *revState

	hashNext *Bdesc
	inMan    bool
}

// BdescAlloc returns a descriptor with a zero reference count holding a
// fresh buffer of count blocks of blocksize bytes.
func BdescAlloc(number uint32, blocksize, count uint16) *Bdesc {
	length := uint32(blocksize) * uint32(count)
	return &Bdesc{
		number:     number,
		diskNumber: number,
		length:     uint16(length),
		data:       make([]byte, length),
	}
}

func (b *Bdesc) Number() uint32 { return b.number }
func (b *Bdesc) Length() uint16 { return b.length }
func (b *Bdesc) Data() []byte   { return b.data }

// Synthetic reports whether the descriptor was produced by a synthetic
// read and has not yet been filled from storage.
func (b *Bdesc) Synthetic() bool { return b.synthetic }

// SetSynthetic flips the synthetic bit. Terminal devices clear it after a
// real read; callers that overwrite the whole block clear it themselves.
func (b *Bdesc) SetSynthetic(v bool) { b.synthetic = v }

// Retain increments the reference count.
func (b *Bdesc) Retain() *Bdesc {
	b.refs++
	return b
}

// Release decrements the reference count. A descriptor is torn down when
// the count reaches zero and no patches remain attached.
func (b *Bdesc) Release() {
	if b.refs > 0 {
		b.refs--
	}
	b.tryFree()
}

func (b *Bdesc) tryFree() {
	if b.refs > 0 || len(b.inflight) > 0 {
		return
	}
	for i := range b.index {
		if b.index[i].head != nil {
			return
		}
	}
	if b.man != nil {
		b.man.Remove(b)
	}
}

// PatchCount returns the number of live patches attached at the given
// graph index.
func (b *Bdesc) PatchCount(graphIndex uint16) int {
	n := 0
	for p := b.index[graphIndex].head; p != nil; p = p.indexNext {
		n++
	}
	return n
}

// Patches returns the live patches attached at the given graph index in
// application order.
func (b *Bdesc) Patches(graphIndex uint16) []*Patch {
	var out []*Patch
	for p := b.index[graphIndex].head; p != nil; p = p.indexNext {
		out = append(out, p)
	}
	return out
}

func (b *Bdesc) indexAppend(gi uint16, p *Patch) {
	l := &b.index[gi]
	p.indexPrev = l.tail
	p.indexNext = nil
	if l.tail != nil {
		l.tail.indexNext = p
	} else {
		l.head = p
	}
	l.tail = p
}

func (b *Bdesc) indexRemove(gi uint16, p *Patch) {
	l := &b.index[gi]
	if p.indexPrev != nil {
		p.indexPrev.indexNext = p.indexNext
	} else {
		l.head = p.indexNext
	}
	if p.indexNext != nil {
		p.indexNext.indexPrev = p.indexPrev
	} else {
		l.tail = p.indexPrev
	}
	p.indexNext = nil
	p.indexPrev = nil
}

// The autorelease pool defers descriptor releases to scheduler tick
// boundaries, so descriptors returned from read paths stay valid for the
// duration of the request that produced them.
var poolStack [][]*Bdesc

// Autorelease enrolls the descriptor in the current pool and returns it.
// The descriptor's reference is dropped when the pool is popped.
func (b *Bdesc) Autorelease() *Bdesc {
	if len(poolStack) == 0 {
		poolStack = append(poolStack, nil)
	}
	b.refs++
	top := len(poolStack) - 1
	poolStack[top] = append(poolStack[top], b)
	return b
}

// PoolPush opens a new autorelease pool scope.
func PoolPush() {
	poolStack = append(poolStack, nil)
}

// PoolPop releases every descriptor enrolled since the matching PoolPush.
func PoolPop() {
	if len(poolStack) == 0 {
		return
	}
	top := len(poolStack) - 1
	pool := poolStack[top]
	poolStack = poolStack[:top]
	for _, b := range pool {
		b.Release()
	}
}

// PoolDepth returns the number of open pool scopes.
func PoolDepth() int { return len(poolStack) }
