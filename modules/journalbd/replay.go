/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package journalbd

import (
	"encoding/binary"

	"github.com/ucla-readable/fstitch/fscore"
)

// Replay applies a committed but incomplete transaction from journal to
// data. It is a mount-time duty of the file system personality; the core
// provides it so crash scenarios can be exercised end to end. A commit
// record with no completion causes every slot to be copied to its home
// block and a completion record to be written; a missing or completed
// record is a no-op. Returns whether a transaction was replayed.
func Replay(data, journal fscore.BD) (bool, error) {
	rblock, err := journal.ReadBlock(recordBlockNo, 1)
	if err != nil {
		return false, err
	}
	raw := rblock.Data()
	if binary.LittleEndian.Uint32(raw[0:]) != commitMagic {
		return false, nil
	}
	seq := binary.LittleEndian.Uint32(raw[4:])
	count := binary.LittleEndian.Uint32(raw[8:])
	bs := data.Info().BlockSize
	if count > (uint32(bs)-recordHeader)/4 {
		return false, fscore.ErrInvalid
	}

	for i := uint32(0); i < count; i++ {
		home := binary.LittleEndian.Uint32(raw[recordHeader+4*i:])
		jslot, err := journal.ReadBlock(slotBase+i, 1)
		if err != nil {
			return false, err
		}
		hblock, err := data.SyntheticReadBlock(home, 1)
		if err != nil {
			return false, err
		}
		if _, err := fscore.CreateByte(hblock, data, 0, bs, jslot.Data()); err != nil {
			return false, err
		}
		hblock.SetSynthetic(false)
		if err := data.WriteBlock(hblock, home); err != nil {
			return false, err
		}
	}

	var completion [recordHeader]byte
	binary.LittleEndian.PutUint32(completion[0:], completionMagic)
	binary.LittleEndian.PutUint32(completion[4:], seq)
	if _, err := fscore.CreateByte(rblock, journal, 0, uint16(len(completion)), completion[:]); err != nil {
		return false, err
	}
	if err := journal.WriteBlock(rblock, recordBlockNo); err != nil {
		return false, err
	}
	return true, nil
}
