/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// jctl attaches a journal device to a running journal module, or prints
// the daemon's device status.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ucla-readable/fstitch/control"
)

var (
	sock    = flag.String("socket", "/var/run/fstitchd.sock", "Control socket of the running daemon")
	device  = flag.String("device", "", "Journal module section name")
	journal = flag.String("journal", "", "Journal device section name")
	status  = flag.Bool("status", false, "Print device status and exit")
)

func main() {
	flag.Parse()
	c, err := control.Dial(*sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *sock, err)
		os.Exit(-1)
	}
	defer c.Close()

	if *status {
		resp, err := c.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(-1)
		}
		fmt.Printf("live patches: %d\n", resp.LivePatches)
		for _, d := range resp.Devices {
			fmt.Printf("%-16s level=%d index=%d blocks=%d bs=%d space=%d\n",
				d.Name, d.Level, d.GraphIndex, d.NumBlocks, d.BlockSize, d.BlockSpace)
		}
		return
	}

	if *device == `` || *journal == `` {
		fmt.Fprintln(os.Stderr, "Both -device and -journal are required")
		os.Exit(-1)
	}
	if err := c.JournalAttach(*device, *journal); err != nil {
		fmt.Fprintf(os.Stderr, "Attach failed: %v\n", err)
		os.Exit(-1)
	}
}
