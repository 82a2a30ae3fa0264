/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package unlinkbd

import (
	"bytes"
	"testing"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/modules/membd"
)

func TestCrossBlockEdgesSevered(t *testing.T) {
	mem, _ := membd.New(64, 512)
	ul, err := New(mem)
	if err != nil {
		t.Fatal(err)
	}

	b1, err := ul.ReadBlock(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := ul.ReadBlock(2, 1)
	if err != nil {
		t.Fatal(err)
	}

	p1, err := fscore.CreateByte(b1, ul, 0, 4, []byte(`DEP.`))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := fscore.CreateByte(b2, ul, 0, 4, []byte(`FREE`), p1)
	if err != nil {
		t.Fatal(err)
	}

	// the cross-block edge is severed on the way through, so the
	// dependent write lands even though its former dependency is live
	if err := ul.WriteBlock(b2, 2); err != nil {
		t.Fatal(err)
	}
	if !p2.Satisfied() {
		t.Fatal("write blocked by a severed dependency")
	}
	if !bytes.Equal(mem.Peek(2)[0:4], []byte(`FREE`)) {
		t.Fatal("bytes missing from backing store")
	}
	if p1.Satisfied() {
		t.Fatal("untouched dependency satisfied")
	}
}

func TestIntraBlockEdgesKept(t *testing.T) {
	mem, _ := membd.New(64, 512)
	ul, _ := New(mem)

	b1, err := ul.ReadBlock(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	p1, err := fscore.CreateByte(b1, ul, 0, 4, []byte(`AAAA`))
	if err != nil {
		t.Fatal(err)
	}
	// pin p1 so the second write does not merge into it
	pin, err := fscore.CreateEmpty(ul, p1)
	if err != nil {
		t.Fatal(err)
	}
	_ = pin
	p2, err := fscore.CreateByte(b1, ul, 0, 4, []byte(`BBBB`))
	if err != nil {
		t.Fatal(err)
	}

	if err := ul.WriteBlock(b1, 1); err != nil {
		t.Fatal(err)
	}
	// intra-block order preserved: both written, final image is p2's
	if !p1.Satisfied() || !p2.Satisfied() {
		t.Fatal("intra-block chain not written together")
	}
	if !bytes.Equal(mem.Peek(1)[0:4], []byte(`BBBB`)) {
		t.Fatalf("final image %q", mem.Peek(1)[0:4])
	}
}
