/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"encoding/gob"
	"net"
	"os"

	"github.com/ucla-readable/fstitch/control"
	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/log"
	"github.com/ucla-readable/fstitch/modules/journalbd"
)

type controlServer struct {
	lis   net.Listener
	stack map[string]fscore.BD
	lg    *log.Logger
	done  chan struct{}
}

func newControlServer(path string, stack map[string]fscore.BD, lg *log.Logger) (*controlServer, error) {
	os.Remove(path)
	lis, err := net.Listen(`unix`, path)
	if err != nil {
		return nil, err
	}
	s := &controlServer{lis: lis, stack: stack, lg: lg, done: make(chan struct{})}
	go s.acceptLoop()
	return s, nil
}

func (s *controlServer) Close() error {
	close(s.done)
	return s.lis.Close()
}

func (s *controlServer) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.lg.Warn("control accept failed", log.KVErr(err))
			return
		}
		go s.serve(conn)
	}
}

func (s *controlServer) serve(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var req control.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.handle(&req)
		if err := enc.Encode(&resp); err != nil {
			return
		}
	}
}

func (s *controlServer) handle(req *control.Request) (resp control.Response) {
	fscore.Lock()
	defer fscore.Unlock()

	switch req.Cmd {
	case control.CmdSync:
		if err := fscore.Sync(); err != nil {
			resp.Err = err.Error()
		}
	case control.CmdStatus:
		resp.LivePatches = fscore.LivePatchCount()
		for name, bd := range s.stack {
			info := bd.Info()
			resp.Devices = append(resp.Devices, control.DeviceStatus{
				Name:       name,
				Level:      info.Level,
				GraphIndex: info.GraphIndex,
				NumBlocks:  info.NumBlocks,
				BlockSize:  info.BlockSize,
				BlockSpace: bd.BlockSpace(),
			})
		}
	case control.CmdJAttach:
		jm, ok := s.stack[req.Device].(*journalbd.JournalBD)
		if !ok {
			resp.Err = "no such journal module"
			return
		}
		jdev, ok := s.stack[req.Journal]
		if !ok {
			resp.Err = "no such journal device"
			return
		}
		if err := jm.SetJournal(jdev); err != nil {
			resp.Err = err.Error()
		} else {
			s.lg.Info("journal attached",
				log.KV("device", req.Device), log.KV("journal", req.Journal))
		}
	case control.CmdJDetach:
		resp.Err = "journal detach requires a daemon restart"
	default:
		resp.Err = "unknown command"
	}
	return
}
