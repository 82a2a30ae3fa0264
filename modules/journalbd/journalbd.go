/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package journalbd wraps a data device with a barrier-based write-ahead
// journal. The module is a passthrough until a journal device is attached;
// afterwards every write is absorbed into the open transaction. At commit
// the transaction's blocks are copied into the journal area, a commit
// record is written depending on the copies, the home-location writes are
// released depending on the commit record, and a completion record
// depending on the home writes retires the transaction.
//
// Journal device layout: block 0 is the superblock, block 1 the record
// block (commit record, later overwritten by the completion record), and
// blocks 2.. are data slots, one per transaction block.
//
// Progress is flush driven: both the data path and the journal path should
// have a cache below this module, and repeated whole-device flushes (as
// issued by Sync) walk a transaction through its stages.
package journalbd

import (
	"encoding/binary"
	"time"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/log"
)

const (
	superMagic      = 0x4a545346 // "FSTJ"
	commitMagic     = 0x4a435252
	completionMagic = 0x4a435051

	superBlockNo  = 0
	recordBlockNo = 1
	slotBase      = 2

	recordHeader = 12 // magic, seq, count
)

type transaction struct {
	seq    uint32
	hold   *fscore.Patch
	blocks map[uint32]*fscore.Bdesc
	order  []uint32
}

type JournalBD struct {
	fscore.DevInfo

	below   fscore.BD
	journal fscore.BD
	lg      *log.Logger

	seq      uint32
	open     *transaction
	commit   *transaction // committed, completion not yet durable
	maxSlots uint32

	schedID int
}

// package-wide holds: while any hold is outstanding no journal stops a
// transaction
var holdCount int

// AddHold prevents transaction boundaries engine-wide until removed.
func AddHold() { holdCount++ }

// RemoveHold releases a hold taken with AddHold.
func RemoveHold() {
	if holdCount > 0 {
		holdCount--
	}
}

// New wraps below. The device starts in passthrough mode; call SetJournal
// to activate journaling.
func New(below fscore.BD, commitInterval time.Duration, lg *log.Logger) (*JournalBD, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	info := below.Info()
	bd := &JournalBD{below: below, lg: lg}
	bd.Level = info.Level + 1
	bd.GraphIndex = info.GraphIndex + 1
	bd.NumBlocks = info.NumBlocks
	bd.BlockSize = info.BlockSize
	bd.AtomicSize = info.AtomicSize
	if bd.GraphIndex >= fscore.NBDIndex {
		return nil, fscore.ErrGraphIndex
	}
	if commitInterval > 0 {
		bd.schedID = fscore.SchedRegister(func() { bd.tryCommit() }, commitInterval)
	}
	return bd, nil
}

// SetJournal attaches a journal device and activates journaling. The
// journal's block size must match the data device's.
func (bd *JournalBD) SetJournal(journal fscore.BD) error {
	if bd.journal != nil {
		return fscore.ErrInvalid
	}
	ji := journal.Info()
	if ji.BlockSize != bd.BlockSize || ji.NumBlocks < slotBase+1 {
		return fscore.ErrInvalid
	}
	maxSlots := ji.NumBlocks - slotBase
	if byRecord := (uint32(bd.BlockSize) - recordHeader) / 4; byRecord < maxSlots {
		maxSlots = byRecord
	}
	bd.journal = journal
	bd.maxSlots = maxSlots

	// stamp the superblock so replay can sanity check the device
	super, err := journal.SyntheticReadBlock(superBlockNo, 1)
	if err != nil {
		return err
	}
	var sb [12]byte
	binary.LittleEndian.PutUint32(sb[0:], superMagic)
	binary.LittleEndian.PutUint32(sb[4:], 1)
	binary.LittleEndian.PutUint32(sb[8:], maxSlots)
	if _, err := fscore.CreateByte(super, journal, 0, uint16(len(sb)), sb[:]); err != nil {
		return err
	}
	super.SetSynthetic(false)
	return journal.WriteBlock(super, superBlockNo)
}

func (bd *JournalBD) ReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	return bd.below.ReadBlock(number, count)
}

func (bd *JournalBD) SyntheticReadBlock(number uint32, count uint16) (*fscore.Bdesc, error) {
	return bd.below.SyntheticReadBlock(number, count)
}

func (bd *JournalBD) WriteBlock(block *fscore.Bdesc, number uint32) error {
	if number >= bd.NumBlocks {
		return fscore.ErrOutOfRange
	}
	if bd.journal == nil {
		if err := fscore.PushDown(block, bd, bd.below); err != nil {
			return err
		}
		return bd.below.WriteBlock(block, number)
	}

	if bd.open == nil {
		bd.seq++
		hold, err := fscore.CreateEmptyClaimed(nil)
		if err != nil {
			return err
		}
		hold.SetNoPatchgroup()
		bd.open = &transaction{
			seq:    bd.seq,
			hold:   hold,
			blocks: make(map[uint32]*fscore.Bdesc),
		}
	}
	txn := bd.open

	// every absorbed patch waits for the commit record through the hold
	for _, p := range block.Patches(bd.GraphIndex) {
		if err := fscore.AddDependSafe(p, txn.hold); err != nil && err != fscore.ErrCycle {
			return err
		}
	}
	if _, ok := txn.blocks[number]; !ok {
		if uint32(len(txn.order)) >= bd.maxSlots {
			// transaction is full; try to cut it here
			bd.tryCommit()
			if bd.open == nil {
				return bd.WriteBlock(block, number)
			}
			return fscore.ErrBusy
		}
		txn.blocks[number] = block.Retain()
		txn.order = append(txn.order, number)
	}
	return nil
}

// tryCommit cuts the open transaction if allowed: no holds, and the
// previous transaction fully retired.
func (bd *JournalBD) tryCommit() bool {
	if bd.open == nil || holdCount > 0 || bd.commit != nil {
		return bd.open == nil
	}
	txn := bd.open

	// data half: copy every dirty block into its journal slot, carrying
	// the originals' obligations from outside the transaction; intra-
	// transaction dependencies are honored by commit atomicity itself
	inTxn := make(map[*fscore.Bdesc]bool, len(txn.blocks))
	for _, home := range txn.blocks {
		inTxn[home] = true
	}
	var copies []*fscore.Patch
	for i, number := range txn.order {
		home := txn.blocks[number]
		jslot, err := bd.journal.SyntheticReadBlock(slotBase+uint32(i), 1)
		if err != nil {
			return false
		}
		jp, err := fscore.CreateByte(jslot, bd.journal, 0, bd.BlockSize, home.Data())
		if err != nil {
			return false
		}
		jslot.SetSynthetic(false)
		for _, p := range home.Patches(bd.GraphIndex) {
			for _, b := range p.Befores() {
				if b == txn.hold || inTxn[b.Block()] {
					continue
				}
				if err := fscore.AddDependSafe(jp, b); err != nil && err != fscore.ErrCycle {
					return false
				}
			}
		}
		copies = append(copies, jp)
		if err := bd.journal.WriteBlock(jslot, slotBase+uint32(i)); err != nil {
			return false
		}
	}

	// commit record, depending on the whole data half
	record := make([]byte, recordHeader+4*len(txn.order))
	binary.LittleEndian.PutUint32(record[0:], commitMagic)
	binary.LittleEndian.PutUint32(record[4:], txn.seq)
	binary.LittleEndian.PutUint32(record[8:], uint32(len(txn.order)))
	for i, number := range txn.order {
		binary.LittleEndian.PutUint32(record[recordHeader+4*i:], number)
	}
	rblock, err := bd.journal.ReadBlock(recordBlockNo, 1)
	if err != nil {
		return false
	}
	cr, err := fscore.CreateByte(rblock, bd.journal, 0, uint16(len(record)), record, copies...)
	if err != nil {
		return false
	}
	if err := bd.journal.WriteBlock(rblock, recordBlockNo); err != nil {
		return false
	}

	// release the home writes: the hold now waits for the commit record
	if err := fscore.AddDependSafe(txn.hold, cr); err != nil {
		return false
	}
	txn.hold.Unclaim()

	// home-location writes, and the completion record behind them
	var completion [recordHeader]byte
	binary.LittleEndian.PutUint32(completion[0:], completionMagic)
	binary.LittleEndian.PutUint32(completion[4:], txn.seq)

	var homes []*fscore.Patch
	for _, number := range txn.order {
		home := txn.blocks[number]
		homes = append(homes, home.Patches(bd.GraphIndex)...)
		if err := fscore.PushDown(home, bd, bd.below); err != nil {
			return false
		}
		if err := bd.below.WriteBlock(home, number); err != nil {
			return false
		}
	}

	cp, err := fscore.CreateByte(rblock, bd.journal, 0, uint16(len(completion)), completion[:])
	if err != nil {
		return false
	}
	for _, p := range homes {
		if p.Satisfied() {
			continue
		}
		if err := fscore.AddDependSafe(cp, p); err != nil && err != fscore.ErrCycle {
			return false
		}
	}
	if err := bd.journal.WriteBlock(rblock, recordBlockNo); err != nil {
		return false
	}

	bd.open = nil
	retire := func() {
		for _, number := range txn.order {
			txn.blocks[number].Release()
		}
		if bd.commit == txn {
			bd.commit = nil
		}
		bd.lg.Debugf("journal transaction %d retired", txn.seq)
	}
	if cp.Satisfied() {
		// synchronous lower devices land the whole cycle inline
		retire()
		return true
	}
	bd.commit = txn
	fscore.WeakRetain(cp, func(*fscore.WeakRef, *fscore.Patch) { retire() })
	return true
}

func (bd *JournalBD) Flush(block uint32, head *fscore.Patch) int {
	if bd.journal == nil {
		return fscore.FlushEmpty
	}
	pending := bd.open != nil || bd.commit != nil
	if !pending {
		return fscore.FlushEmpty
	}
	r := fscore.FlushNone
	if bd.tryCommit() {
		r = fscore.FlushSome
	}
	r |= bd.journal.Flush(fscore.FlushDevice, nil)
	r |= bd.below.Flush(fscore.FlushDevice, nil)
	if bd.open == nil && bd.commit == nil {
		return fscore.FlushDone
	}
	return r
}

func (bd *JournalBD) WriteHead() *fscore.Patch { return bd.below.WriteHead() }

func (bd *JournalBD) BlockSpace() int32 { return bd.below.BlockSpace() }

// Destroy unregisters the commit callback. Transactions must be retired.
func (bd *JournalBD) Destroy() error {
	if bd.open != nil || bd.commit != nil {
		return fscore.ErrBusy
	}
	if bd.schedID != 0 {
		fscore.SchedUnregister(bd.schedID)
	}
	return nil
}
