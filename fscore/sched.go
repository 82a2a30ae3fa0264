/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

import (
	"context"
	"time"
)

// The scheduler is a single-threaded cooperative loop. Each tick runs due
// periodic callbacks, drains landing requests, and cycles the autorelease
// pool, all under the engine lock. Satisfied patches are not reclaimed
// here; they are freed by the garbage collector once unreferenced.

type schedEntry struct {
	fn     func()
	period time.Duration
	next   time.Time
	id     int
}

var schedEntries []*schedEntry
var schedNextID int

// SchedRegister adds a periodic callback and returns a handle for
// SchedUnregister. Call under the engine lock.
func SchedRegister(fn func(), period time.Duration) int {
	schedNextID++
	schedEntries = append(schedEntries, &schedEntry{
		fn:     fn,
		period: period,
		next:   time.Now().Add(period),
		id:     schedNextID,
	})
	return schedNextID
}

// SchedUnregister removes the callback registered under id.
func SchedUnregister(id int) error {
	for i, e := range schedEntries {
		if e.id == id {
			schedEntries = append(schedEntries[:i], schedEntries[i+1:]...)
			return nil
		}
	}
	return ErrInvalid
}

// SchedRunCallbacks runs every callback whose period has elapsed. The next
// fire time advances from the scheduled time, not the actual run time, so
// a slow tick does not shift the cadence.
func SchedRunCallbacks(now time.Time) {
	for _, e := range schedEntries {
		if !e.next.After(now) {
			e.fn()
			SchedRunCleanup()
			e.next = e.next.Add(e.period)
			now = time.Now()
		}
	}
}

// SchedRunCleanup processes landing requests and cycles the autorelease
// pool so descriptors released during the tick are actually freed.
func SchedRunCleanup() {
	ProcessLandingRequests()
	PoolPop()
	PoolPush()
}

// SchedTick performs one full scheduler tick under the engine lock.
func SchedTick() {
	Lock()
	defer Unlock()
	SchedRunCallbacks(time.Now())
	SchedRunCleanup()
}

// SchedLoop drives ticks at the given resolution until ctx is done. The
// resolution is coarse; callbacks declare their own periods.
func SchedLoop(ctx context.Context, resolution time.Duration) error {
	if resolution <= 0 {
		resolution = 10 * time.Millisecond
	}
	tick := time.NewTicker(resolution)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			SchedTick()
		}
	}
}
