/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package control defines the daemon's control socket protocol and a
// client for the command line tools: whole-engine sync, journal attach
// and detach, and a status snapshot. Transport is gob over a unix socket.
package control

import (
	"encoding/gob"
	"errors"
	"net"
)

const (
	CmdSync    = 1
	CmdStatus  = 2
	CmdJAttach = 3
	CmdJDetach = 4
)

type Request struct {
	Cmd     int32
	Device  string // journal module section name
	Journal string // journal device section name
}

type DeviceStatus struct {
	Name       string
	Level      uint16
	GraphIndex uint16
	NumBlocks  uint32
	BlockSize  uint16
	BlockSpace int32
}

type Response struct {
	Err         string
	LivePatches uint64
	Devices     []DeviceStatus
}

// Client talks to a running daemon.
type Client struct {
	conn net.Conn
	dec  *gob.Decoder
	enc  *gob.Encoder
}

// Dial connects to the daemon's control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial(`unix`, path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, dec: gob.NewDecoder(conn), enc: gob.NewEncoder(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) request(req Request) (*Response, error) {
	if err := c.enc.Encode(&req); err != nil {
		return nil, err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Err != `` {
		return &resp, errors.New(resp.Err)
	}
	return &resp, nil
}

// Sync flushes the whole engine until every device is clean.
func (c *Client) Sync() error {
	_, err := c.request(Request{Cmd: CmdSync})
	return err
}

// Status returns a snapshot of the registered devices.
func (c *Client) Status() (*Response, error) {
	return c.request(Request{Cmd: CmdStatus})
}

// JournalAttach activates journaling on the named journal module, backed
// by the named journal device.
func (c *Client) JournalAttach(device, journal string) error {
	_, err := c.request(Request{Cmd: CmdJAttach, Device: device, Journal: journal})
	return err
}

// JournalDetach sends a detach request for interface completeness; the
// daemon answers every detach request with an error.
func (c *Client) JournalDetach(device string) error {
	_, err := c.request(Request{Cmd: CmdJDetach, Device: device})
	return err
}
