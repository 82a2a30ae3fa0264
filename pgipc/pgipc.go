/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pgipc bridges patchgroups to applications over a unix socket,
// standing in for the historic character device. Commands and the
// four-field argument struct keep the ioctl numbering; transport is gob.
// Each connection gets its own patchgroup scope, created lazily on first
// use and destroyed when the connection closes.
package pgipc

import "errors"

// DeviceName is the historic endpoint name ("opgroup" before the rename);
// the unix socket is conventionally <run-dir>/DeviceName.sock.
const DeviceName = `patchgroup`

// Major is the historic character device major number, kept for interface
// completeness.
const Major = 223

// Command numbers, matching the ioctl interface.
const (
	CmdCreate    = 1
	CmdSync      = 2
	CmdAddDepend = 3
	CmdEngage    = 4
	CmdDisengage = 5
	CmdRelease   = 6
	CmdAbandon   = 7
	CmdLabel     = 8
	CmdTxnStart  = 9
	CmdTxnFinish = 10
	CmdTxnAbort  = 11
)

// Flag bits accepted by CmdCreate.
const (
	FlagHidden = 0x2
	FlagAtomic = 0x6
)

const maxLabel = 128

var (
	ErrBadCommand = errors.New("unknown command")
	ErrBadLabel   = errors.New("label too long")
)

// Request is the four-field argument struct: two patchgroup ids, flags,
// and a short string (labels only).
type Request struct {
	Cmd   int32
	IDA   int32
	IDB   int32
	Flags int32
	Str   string
}

// Response carries the nonnegative result or an error string; Result is
// the new id for CmdCreate.
type Response struct {
	Result int32
	Err    string
}
