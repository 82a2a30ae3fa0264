/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fscore

// Sync flushes every registered device repeatedly until all of them report
// FlushEmpty. A full pass with no progress fails with ErrBusy. Call under
// the engine lock.
func Sync() error {
	for {
		r := FlushEmpty
		for _, bd := range RegisteredBDs() {
			r |= bd.Flush(FlushDevice, nil)
		}
		if r == FlushEmpty {
			return nil
		}
		if r == FlushNone {
			return ErrBusy
		}
		// progress was made; go around again
		ProcessLandingRequests()
	}
}
