/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fscore implements the Featherstitch write-ordering engine: the
// patch dependency graph, block descriptors, the revision machinery that
// rolls blocks back and forward across the subset of patches eligible to
// reach storage, the block device contract every stack module implements,
// the cooperative scheduler, and patchgroups.
//
// The engine is single-threaded under one global lock. Every externally
// initiated request (read, write, flush, landing) takes the engine lock on
// entry and drops it on exit; the only concurrency the core handles
// explicitly is interrupt-style landing notifications, which arrive on a
// bounded ring drained by the scheduler.
package fscore

import (
	"errors"
	"math"
)

// Maximum number of BD graph indices along any path in a stack.
const NBDIndex = 8

// BDLevelNone marks a device whose level has not been assigned.
const BDLevelNone = uint16(0xffff)

// FlushDevice is passed to Flush in place of a block number to request a
// whole-device flush.
const FlushDevice = uint32(0xffffffff)

// InvalidBlock is a sentinel block number.
const InvalidBlock = uint32(0xffffffff)

// Flush results. These are combined arithmetically (r |= bd.Flush(...)), so
// FlushEmpty must be zero, FlushDone must be a positive bit, and the two
// failure values are distinct negative sentinels whose bitwise OR preserves
// the worst progress value.
const (
	FlushEmpty = 0
	FlushDone  = 1
	FlushSome  = -2
	FlushNone  = math.MinInt
)

var (
	ErrInvalid     = errors.New("invalid argument")
	ErrCycle       = errors.New("dependency would create a cycle")
	ErrInFlight    = errors.New("patch is in flight")
	ErrBadLevel    = errors.New("dependency crosses levels the wrong way")
	ErrBusy        = errors.New("no flush progress")
	ErrOutOfRange  = errors.New("block number out of range")
	ErrNoSuchBlock = errors.New("no such block")
	ErrGraphIndex  = errors.New("out of graph indices")
)

// DevInfo holds the fields common to every block device module. Modules
// embed it and get the accessor half of the BD contract for free.
type DevInfo struct {
	Level      uint16
	GraphIndex uint16
	NumBlocks  uint32
	BlockSize  uint16
	AtomicSize uint16
}

func (d *DevInfo) Info() *DevInfo { return d }

// BD is the uniform contract every block device module exposes.
//
// ReadBlock returns a descriptor whose data reflects the current in-memory
// image of the block with all its patches applied. SyntheticReadBlock is
// the same, but skips the actual read when the block is not cached: the
// returned descriptor has its synthetic bit set and the caller undertakes
// to overwrite the block completely or perform a real read before any
// flush. WriteBlock accepts a descriptor and the patches attached to it at
// this device's graph index; the module absorbs, transforms, or passes
// them through, pushing accepted patches down the stack. Flush attempts to
// push pending state to the next layer and returns one of the Flush*
// sentinels. WriteHead exposes an implicit barrier new patches at this
// level should depend on, or nil. BlockSpace reports dirtyable slots in
// the earliest cache; negative values mean the cache is over threshold and
// the caller should throttle.
type BD interface {
	Info() *DevInfo
	ReadBlock(number uint32, count uint16) (*Bdesc, error)
	SyntheticReadBlock(number uint32, count uint16) (*Bdesc, error)
	WriteBlock(block *Bdesc, number uint32) error
	Flush(block uint32, head *Patch) int
	WriteHead() *Patch
	BlockSpace() int32
}

// Destroyer is implemented by modules that hold resources beyond the
// engine (files, databases, mappings).
type Destroyer interface {
	Destroy() error
}

type modEntry struct {
	bd   BD
	name string
}

var modules []modEntry

// Register adds a device to the engine's module registry. Sync iterates
// registered devices; the daemon uses the registry to resolve devices by
// name. Call under the engine lock.
func Register(bd BD, name string) {
	modules = append(modules, modEntry{bd: bd, name: name})
}

// Unregister removes a device from the registry.
func Unregister(bd BD) {
	for i := range modules {
		if modules[i].bd == bd {
			modules = append(modules[:i], modules[i+1:]...)
			return
		}
	}
}

// LookupBD resolves a registered device by name.
func LookupBD(name string) BD {
	for i := range modules {
		if modules[i].name == name {
			return modules[i].bd
		}
	}
	return nil
}

// RegisteredBDs returns the registered devices in registration order.
func RegisteredBDs() []BD {
	out := make([]BD, 0, len(modules))
	for i := range modules {
		out = append(out, modules[i].bd)
	}
	return out
}
