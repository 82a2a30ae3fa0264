/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package journalbd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/modules/membd"
)

const testBS = 512

func newJournalStack(t *testing.T) (*membd.MemBD, *membd.MemBD, *JournalBD) {
	t.Helper()
	data, err := membd.New(64, testBS)
	if err != nil {
		t.Fatal(err)
	}
	jdev, err := membd.New(16, testBS)
	if err != nil {
		t.Fatal(err)
	}
	jbd, err := New(data, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := jbd.SetJournal(jdev); err != nil {
		t.Fatal(err)
	}
	return data, jdev, jbd
}

func writeThrough(t *testing.T, jbd *JournalBD, number uint32, payload []byte) {
	t.Helper()
	block, err := jbd.ReadBlock(number, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(block, jbd, 0, uint16(len(payload)), payload); err != nil {
		t.Fatal(err)
	}
	if err := jbd.WriteBlock(block, number); err != nil {
		t.Fatal(err)
	}
}

func TestPassthroughWithoutJournal(t *testing.T) {
	data, err := membd.New(64, testBS)
	if err != nil {
		t.Fatal(err)
	}
	jbd, err := New(data, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	writeThrough(t, jbd, 9, []byte(`PASS`))
	if !bytes.Equal(data.Peek(9)[0:4], []byte(`PASS`)) {
		t.Fatal("passthrough write lost")
	}
}

func TestTransactionCommit(t *testing.T) {
	data, jdev, jbd := newJournalStack(t)

	writeThrough(t, jbd, 10, []byte(`TEN.`))
	writeThrough(t, jbd, 11, []byte(`ELVN`))
	writeThrough(t, jbd, 12, []byte(`TWLV`))

	// absorbed, not yet committed
	if !bytes.Equal(data.Peek(10)[0:4], make([]byte, 4)) {
		t.Fatal("write reached the data device before commit")
	}

	if r := jbd.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("flush made no progress")
	}
	for n, want := range map[uint32]string{10: `TEN.`, 11: `ELVN`, 12: `TWLV`} {
		if !bytes.Equal(data.Peek(n)[0:4], []byte(want)) {
			t.Fatalf("block %d = %q, want %q", n, data.Peek(n)[0:4], want)
		}
	}

	// the record block carries the completion record
	record := jdev.Peek(recordBlockNo)
	if binary.LittleEndian.Uint32(record[0:]) != completionMagic {
		t.Fatalf("record magic %x, want completion", binary.LittleEndian.Uint32(record[0:]))
	}
	if jbd.Flush(fscore.FlushDevice, nil) != fscore.FlushEmpty {
		t.Fatal("journal not quiescent after commit")
	}
}

func TestJournalDataHalfMatchesHomes(t *testing.T) {
	data, jdev, jbd := newJournalStack(t)

	payload := bytes.Repeat([]byte{0xab}, testBS)
	block, err := jbd.ReadBlock(20, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fscore.CreateByte(block, jbd, 0, testBS, payload); err != nil {
		t.Fatal(err)
	}
	if err := jbd.WriteBlock(block, 20); err != nil {
		t.Fatal(err)
	}
	if r := jbd.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("flush made no progress")
	}
	if !bytes.Equal(data.Peek(20), payload) {
		t.Fatal("home block mismatch")
	}
	if !bytes.Equal(jdev.Peek(slotBase), payload) {
		t.Fatal("journal slot mismatch")
	}
}

func TestReplayCommittedTransaction(t *testing.T) {
	// build a journal image by hand: slots plus a commit record with no
	// completion, as a crash between commit and completion leaves it
	data, err := membd.New(64, testBS)
	if err != nil {
		t.Fatal(err)
	}
	jdev, err := membd.New(16, testBS)
	if err != nil {
		t.Fatal(err)
	}

	writeRaw := func(bd *membd.MemBD, number uint32, payload []byte) {
		block, err := bd.SyntheticReadBlock(number, 1)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fscore.CreateByte(block, bd, 0, uint16(len(payload)), payload); err != nil {
			t.Fatal(err)
		}
		block.SetSynthetic(false)
		if err := bd.WriteBlock(block, number); err != nil {
			t.Fatal(err)
		}
	}

	slot0 := bytes.Repeat([]byte{0x11}, testBS)
	slot1 := bytes.Repeat([]byte{0x22}, testBS)
	writeRaw(jdev, slotBase, slot0)
	writeRaw(jdev, slotBase+1, slot1)

	record := make([]byte, recordHeader+8)
	binary.LittleEndian.PutUint32(record[0:], commitMagic)
	binary.LittleEndian.PutUint32(record[4:], 1)
	binary.LittleEndian.PutUint32(record[8:], 2)
	binary.LittleEndian.PutUint32(record[recordHeader:], 30)
	binary.LittleEndian.PutUint32(record[recordHeader+4:], 31)
	writeRaw(jdev, recordBlockNo, record)

	replayed, err := Replay(data, jdev)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed {
		t.Fatal("committed transaction not replayed")
	}
	if !bytes.Equal(data.Peek(30), slot0) || !bytes.Equal(data.Peek(31), slot1) {
		t.Fatal("homes not restored from the journal")
	}
	rec := jdev.Peek(recordBlockNo)
	if binary.LittleEndian.Uint32(rec[0:]) != completionMagic {
		t.Fatal("completion record not written after replay")
	}

	// a second replay is a no-op
	replayed, err = Replay(data, jdev)
	if err != nil {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("completed transaction replayed again")
	}
}

func TestReplayWithoutCommitIsNoop(t *testing.T) {
	// crash before commit: slots may hold data but no commit record
	data, err := membd.New(64, testBS)
	if err != nil {
		t.Fatal(err)
	}
	jdev, err := membd.New(16, testBS)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := Replay(data, jdev)
	if err != nil {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("replay without a commit record")
	}
	if !bytes.Equal(data.Peek(30), make([]byte, testBS)) {
		t.Fatal("data device modified")
	}
}

func TestHoldsBlockCommit(t *testing.T) {
	data, _, jbd := newJournalStack(t)

	AddHold()
	writeThrough(t, jbd, 10, []byte(`HELD`))
	jbd.Flush(fscore.FlushDevice, nil)
	if bytes.Equal(data.Peek(10)[0:4], []byte(`HELD`)) {
		t.Fatal("transaction cut while held")
	}
	RemoveHold()
	if r := jbd.Flush(fscore.FlushDevice, nil); r == fscore.FlushNone {
		t.Fatal("flush made no progress after hold release")
	}
	if !bytes.Equal(data.Peek(10)[0:4], []byte(`HELD`)) {
		t.Fatal("write lost after hold release")
	}
}
