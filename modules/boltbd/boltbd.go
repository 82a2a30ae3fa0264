/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package boltbd implements a terminal block device storing blocks in a
// bbolt database, one key per block. Absent keys read as zero blocks, so
// the device is sparse: only written blocks consume space. bbolt commits
// are durable, so writes are acknowledged synchronously.
package boltbd

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ucla-readable/fstitch/fscore"
)

var bucketBlocks = []byte(`blocks`)

type BoltBD struct {
	fscore.DevInfo

	db       *bolt.DB
	blockman *fscore.Blockman
}

// New opens or creates the database at path, presenting numblocks blocks
// of blocksize bytes.
func New(path string, numblocks uint32, blocksize uint16) (*BoltBD, error) {
	if numblocks == 0 || blocksize == 0 {
		return nil, fscore.ErrInvalid
	}
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	bd := &BoltBD{
		db:       db,
		blockman: fscore.NewBlockman(0),
	}
	bd.Level = 0
	bd.GraphIndex = 0
	bd.NumBlocks = numblocks
	bd.BlockSize = blocksize
	bd.AtomicSize = blocksize
	return bd, nil
}

func blockKey(number uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], number)
	return k[:]
}

func (bd *BoltBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
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
	err := bd.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlocks)
		for i := uint16(0); i < count; i++ {
			dst := block.Data()[uint32(i)*uint32(bd.BlockSize):]
			v := bkt.Get(blockKey(number + uint32(i)))
			if v == nil {
				for j := range dst[:bd.BlockSize] {
					dst[j] = 0
				}
			} else {
				copy(dst, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if block.Synthetic() {
		block.SetSynthetic(false)
	} else {
		bd.blockman.Add(block, number)
	}
	return block, nil
}

func (bd *BoltBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
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

func (bd *BoltBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	buf := make([]byte, block.Length())
	if err := fscore.RevisionTailPrepare(block, bd, buf); err != nil {
		return err
	}
	err := bd.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketBlocks)
		bs := uint32(bd.BlockSize)
		for i := uint32(0); i < uint32(len(buf))/bs; i++ {
			if err := bkt.Put(blockKey(number+i), buf[i*bs:(i+1)*bs]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("boltbd: write of block %d failed: %v", number, err))
	}
	return fscore.RevisionTailAcknowledge(block, bd)
}

func (bd *BoltBD) Flush(block uint32, head *fscore.Patch) int {
	return fscore.FlushEmpty
}

func (bd *BoltBD) WriteHead() *fscore.Patch { return nil }

func (bd *BoltBD) BlockSpace() int32 { return 0 }

// Peek returns the persistent contents of a block, for tests.
func (bd *BoltBD) Peek(number uint32) ([]byte, error) {
	out := make([]byte, bd.BlockSize)
	err := bd.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketBlocks).Get(blockKey(number)); v != nil {
			copy(out, v)
		}
		return nil
	})
	return out, err
}

// Destroy closes the database.
func (bd *BoltBD) Destroy() error {
	return bd.db.Close()
}
