/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package filebd implements a terminal block device backed by a regular
// file or block special. The device file is locked against concurrent use.
// Writes are either synchronous (prepare, write, fdatasync, acknowledge)
// or asynchronous: the ready patches are marked inflight and a completion
// goroutine posts a landing request once the bytes are durable.
package filebd

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/ucla-readable/fstitch/fscore"
)

type FileBD struct {
	fscore.DevInfo

	f        *os.File
	lk       *flock.Flock
	blockman *fscore.Blockman
	async    bool
}

// New opens path as a block device of blocksize-byte blocks. The file
// size must be a multiple of blocksize. async selects inflight
// acknowledgement with landing callbacks over synchronous writes.
func New(path string, blocksize uint16, async bool) (*FileBD, error) {
	if blocksize == 0 {
		return nil, fscore.ErrInvalid
	}
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("device %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		lk.Unlock()
		return nil, err
	}
	if fi.Size()%int64(blocksize) != 0 {
		f.Close()
		lk.Unlock()
		return nil, fmt.Errorf("device size %d is not a multiple of block size %d", fi.Size(), blocksize)
	}

	bd := &FileBD{
		f:        f,
		lk:       lk,
		blockman: fscore.NewBlockman(0),
		async:    async,
	}
	bd.Level = 0
	bd.GraphIndex = 0
	bd.NumBlocks = uint32(fi.Size() / int64(blocksize))
	bd.BlockSize = blocksize
	// regular files give no atomicity; assume the traditional sector
	bd.AtomicSize = 512
	if blocksize < 512 {
		bd.AtomicSize = blocksize
	}
	return bd, nil
}

func (bd *FileBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	block := bd.blockman.Lookup(number)
	if block != nil && !block.Synthetic() {
		return block, nil
	}
	if block == nil {
		block = fscore.BdescAlloc(number, bd.BlockSize, count).Autorelease()
	}
	off := int64(number) * int64(bd.BlockSize)
	if _, err := bd.f.ReadAt(block.Data(), off); err != nil {
		return nil, err
	}
	if block.Synthetic() {
		block.SetSynthetic(false)
	} else {
		bd.blockman.Add(block, number)
	}
	return block, nil
}

func (bd *FileBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	if count == 0 || number+uint32(count) > bd.NumBlocks {
		return nil, fscore.ErrOutOfRange
	}
	if block := bd.blockman.Lookup(number); block != nil {
		return block, nil
	}
	block := fscore.BdescAlloc(number, bd.BlockSize, count).Autorelease()
	block.SetSynthetic(true)
	bd.blockman.Add(block, number)
	return block, nil
}

func (bd *FileBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	buf := make([]byte, block.Length())
	if err := fscore.RevisionTailPrepare(block, bd, buf); err != nil {
		return err
	}
	off := int64(number) * int64(bd.BlockSize)

	if !bd.async {
		if _, err := bd.f.WriteAt(buf, off); err != nil {
			// a device error leaves inflight state unresolvable
			panic(fmt.Sprintf("filebd: write of block %d failed: %v", number, err))
		}
		if err := unix.Fdatasync(int(bd.f.Fd())); err != nil {
			panic(fmt.Sprintf("filebd: fdatasync failed: %v", err))
		}
		return fscore.RevisionTailAcknowledge(block, bd)
	}

	fscore.ScheduleFlight()
	if err := fscore.RevisionTailInflightAck(block, bd); err != nil {
		fscore.CancelFlight()
		return err
	}
	go func() {
		if _, err := bd.f.WriteAt(buf, off); err != nil {
			panic(fmt.Sprintf("filebd: write of block %d failed: %v", number, err))
		}
		if err := unix.Fdatasync(int(bd.f.Fd())); err != nil {
			panic(fmt.Sprintf("filebd: fdatasync failed: %v", err))
		}
		fscore.RequestLanding(block)
	}()
	return nil
}

func (bd *FileBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *FileBD) WriteHead() *fscore.Patch { return nil }

func (bd *FileBD) BlockSpace() int32 { return 0 }

// Destroy releases the backing file and its lock.
func (bd *FileBD) Destroy() error {
	if err := bd.f.Close(); err != nil {
		return err
	}
	return bd.lk.Unlock()
}
