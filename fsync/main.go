/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ucla-readable/fstitch/control"
)

var (
	sock = flag.String("socket", "/var/run/fstitchd.sock", "Control socket of the running daemon")
)

func main() {
	flag.Parse()
	c, err := control.Dial(*sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *sock, err)
		os.Exit(-1)
	}
	defer c.Close()
	if err := c.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		os.Exit(-1)
	}
}
