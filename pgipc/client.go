/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pgipc

import (
	"encoding/gob"
	"errors"
	"net"
	"sync"
)

// Client is the application-side handle. One connection is one scope, so
// a client's groups are invisible to other processes.
type Client struct {
	mtx  sync.Mutex
	conn net.Conn
	dec  *gob.Decoder
	enc  *gob.Encoder
}

// Dial connects to the daemon's patchgroup socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial(`unix`, path)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn: conn,
		dec:  gob.NewDecoder(conn),
		enc:  gob.NewEncoder(conn),
	}, nil
}

// Close tears down the connection; the server destroys the scope.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) request(cmd, ida, idb, flags int32, str string) (int32, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.enc.Encode(&Request{Cmd: cmd, IDA: ida, IDB: idb, Flags: flags, Str: str}); err != nil {
		return -1, err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return -1, err
	}
	if resp.Err != `` {
		return resp.Result, errors.New(resp.Err)
	}
	return resp.Result, nil
}

// Create allocates a patchgroup and returns its id.
func (c *Client) Create(flags int32) (int32, error) {
	return c.request(CmdCreate, -1, -1, flags, ``)
}

// AddDepend orders after behind before.
func (c *Client) AddDepend(after, before int32) error {
	_, err := c.request(CmdAddDepend, after, before, -1, ``)
	return err
}

// Engage marks the group engaged for this connection's scope.
func (c *Client) Engage(id int32) error {
	_, err := c.request(CmdEngage, id, -1, -1, ``)
	return err
}

// Disengage removes the group from the engaged set.
func (c *Client) Disengage(id int32) error {
	_, err := c.request(CmdDisengage, id, -1, -1, ``)
	return err
}

// Release finalizes the group's dependency set.
func (c *Client) Release(id int32) error {
	_, err := c.request(CmdRelease, id, -1, -1, ``)
	return err
}

// Abandon drops this scope's reference.
func (c *Client) Abandon(id int32) error {
	_, err := c.request(CmdAbandon, id, -1, -1, ``)
	return err
}

// Sync blocks until every write in the group is durable.
func (c *Client) Sync(id int32) error {
	_, err := c.request(CmdSync, id, -1, -1, ``)
	return err
}

// Label attaches a debug label to the group.
func (c *Client) Label(id int32, label string) error {
	_, err := c.request(CmdLabel, id, -1, -1, label)
	return err
}

// TxnStart creates, releases, and engages a group in one round trip,
// depending on prev when prev >= 0.
func (c *Client) TxnStart(prev int32) (int32, error) {
	return c.request(CmdTxnStart, prev, -1, 0, ``)
}

// TxnFinish disengages, releases, and abandons the group.
func (c *Client) TxnFinish(id int32) error {
	_, err := c.request(CmdTxnFinish, id, -1, -1, ``)
	return err
}

// TxnAbort disengages and abandons the group without releasing it.
func (c *Client) TxnAbort(id int32) error {
	_, err := c.request(CmdTxnAbort, id, -1, -1, ``)
	return err
}
