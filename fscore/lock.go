/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

import (
	"sync"
	"sync/atomic"
)

// The engine lock serializes every mutation of the patch graph and of the
// BD stack. All public entry points acquire on entry and release on exit;
// the scheduler holds it across each tick.

type unlockEntry struct {
	fn    func(count int)
	count int
}

var engineMu sync.Mutex
var engineHeld atomic.Bool
var unlockCBs map[any]*unlockEntry
var unlockOrder []any

// Lock acquires the engine lock.
func Lock() {
	engineMu.Lock()
	engineHeld.Store(true)
}

// Unlock fires pending unlock callbacks with their aggregated hit counts
// and releases the engine lock.
func Unlock() {
	cbs := unlockOrder
	m := unlockCBs
	unlockOrder = nil
	unlockCBs = nil
	engineHeld.Store(false)
	engineMu.Unlock()
	for _, k := range cbs {
		e := m[k]
		e.fn(e.count)
	}
}

// Locked reports whether the engine lock is currently held, for assertion
// paths.
func Locked() bool { return engineHeld.Load() }

// UnlockCallback registers fn to run when the engine lock is next
// released. Repeated registrations under the same key coalesce into a
// single invocation with the number of hits, which debounces wakeups.
// Call under the engine lock.
func UnlockCallback(key any, fn func(count int)) {
	if unlockCBs == nil {
		unlockCBs = make(map[any]*unlockEntry)
	}
	if e, ok := unlockCBs[key]; ok {
		e.count++
		return
	}
	unlockCBs[key] = &unlockEntry{fn: fn, count: 1}
	unlockOrder = append(unlockOrder, key)
}
