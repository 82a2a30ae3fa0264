/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package boltbd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
)

func TestSparseBlocksReadZero(t *testing.T) {
	bd, err := New(filepath.Join(t.TempDir(), `blocks.db`), 32, 512)
	if err != nil {
		t.Fatal(err)
	}
	defer bd.Destroy()

	block, err := bd.ReadBlock(5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block.Data(), make([]byte, 512)) {
		t.Fatal("unwritten block not zero")
	}
}

func TestWritePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), `blocks.db`)
	bd, err := New(path, 32, 512)
	if err != nil {
		t.Fatal(err)
	}

	block, err := bd.ReadBlock(7, 1)
	if err != nil {
		t.Fatal(err)
	}
	p, err := fscore.CreateByte(block, bd, 0, 4, []byte(`BOLT`))
	if err != nil {
		t.Fatal(err)
	}
	if err := bd.WriteBlock(block, 7); err != nil {
		t.Fatal(err)
	}
	if !p.Satisfied() {
		t.Fatal("write not acknowledged")
	}
	if err := bd.Destroy(); err != nil {
		t.Fatal(err)
	}

	// reopen and verify durability
	bd2, err := New(path, 32, 512)
	if err != nil {
		t.Fatal(err)
	}
	defer bd2.Destroy()
	got, err := bd2.Peek(7)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[0:4], []byte(`BOLT`)) {
		t.Fatalf("persisted %q", got[0:4])
	}
}
