/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pgipc

import (
	"encoding/gob"
	"net"
	"os"
	"time"

	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/log"
)

// Server accepts patchgroup connections on a unix socket. All state
// mutation happens under the engine lock with the connection's scope
// installed as current.
type Server struct {
	lis    net.Listener
	lg     *log.Logger
	labels map[int32]string
	done   chan struct{}
}

// NewServer listens on the unix socket at path, replacing a stale socket
// file if one is present.
func NewServer(path string, lg *log.Logger) (*Server, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	os.Remove(path)
	lis, err := net.Listen(`unix`, path)
	if err != nil {
		return nil, err
	}
	s := &Server{
		lis:    lis,
		lg:     lg,
		labels: make(map[int32]string),
		done:   make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting and unlinks the socket.
func (s *Server) Close() error {
	close(s.done)
	return s.lis.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.lg.Warn("patchgroup accept failed", log.KVErr(err))
			return
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	// the scope is created with the first request
	var scope *fscore.Scope
	defer func() {
		if scope == nil {
			return
		}
		fscore.Lock()
		scope.Destroy()
		fscore.Unlock()
	}()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if scope == nil {
			fscore.Lock()
			scope = fscore.NewScope()
			fscore.Unlock()
		}
		resp := s.handle(scope, &req)
		if err := enc.Encode(&resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(scope *fscore.Scope, req *Request) (resp Response) {
	// sync must poll with the lock dropped, so it is special cased
	if req.Cmd == CmdSync {
		return s.sync(scope, req.IDA)
	}

	fscore.Lock()
	defer fscore.Unlock()
	fscore.SetCurrent(scope)
	defer fscore.SetCurrent(nil)

	fail := func(err error) Response {
		return Response{Result: -1, Err: err.Error()}
	}

	switch req.Cmd {
	case CmdCreate:
		g, err := scope.Create(req.Flags)
		if err != nil {
			return fail(err)
		}
		return Response{Result: g.ID()}
	case CmdAddDepend:
		after, before := scope.Lookup(req.IDA), scope.Lookup(req.IDB)
		if after == nil || before == nil {
			return fail(fscore.ErrInvalid)
		}
		if err := scope.AddDepend(after, before); err != nil {
			return fail(err)
		}
	case CmdEngage:
		g := scope.Lookup(req.IDA)
		if g == nil {
			return fail(fscore.ErrInvalid)
		}
		if err := scope.Engage(g); err != nil {
			return fail(err)
		}
	case CmdDisengage:
		g := scope.Lookup(req.IDA)
		if g == nil {
			return fail(fscore.ErrInvalid)
		}
		if err := scope.Disengage(g); err != nil {
			return fail(err)
		}
	case CmdRelease:
		g := scope.Lookup(req.IDA)
		if g == nil {
			return fail(fscore.ErrInvalid)
		}
		g.Release()
	case CmdAbandon:
		g := scope.Lookup(req.IDA)
		if g == nil {
			return fail(fscore.ErrInvalid)
		}
		if err := scope.Abandon(g); err != nil {
			return fail(err)
		}
	case CmdLabel:
		if len(req.Str) > maxLabel {
			return fail(ErrBadLabel)
		}
		if scope.Lookup(req.IDA) == nil {
			return fail(fscore.ErrInvalid)
		}
		s.labels[req.IDA] = req.Str
	case CmdTxnStart:
		// transaction shortcut: a released, engaged group depending on
		// the previous transaction when one is given
		g, err := scope.Create(req.Flags)
		if err != nil {
			return fail(err)
		}
		if req.IDA >= 0 {
			if prev := scope.Lookup(req.IDA); prev != nil {
				if err := scope.AddDepend(g, prev); err != nil {
					scope.Abandon(g)
					return fail(err)
				}
			}
		}
		g.Release()
		if err := scope.Engage(g); err != nil {
			scope.Abandon(g)
			return fail(err)
		}
		return Response{Result: g.ID()}
	case CmdTxnFinish:
		g := scope.Lookup(req.IDA)
		if g == nil {
			return fail(fscore.ErrInvalid)
		}
		scope.Disengage(g)
		g.Release()
		if err := scope.Abandon(g); err != nil {
			return fail(err)
		}
	case CmdTxnAbort:
		g := scope.Lookup(req.IDA)
		if g == nil {
			return fail(fscore.ErrInvalid)
		}
		scope.Disengage(g)
		if err := scope.Abandon(g); err != nil {
			return fail(err)
		}
	default:
		return fail(ErrBadCommand)
	}
	return Response{Result: 0}
}

func (s *Server) sync(scope *fscore.Scope, id int32) Response {
	for {
		fscore.Lock()
		g := scope.Lookup(id)
		if g == nil {
			fscore.Unlock()
			return Response{Result: -1, Err: fscore.ErrInvalid.Error()}
		}
		ok, err := g.Synced()
		if err != nil {
			fscore.Unlock()
			return Response{Result: -1, Err: err.Error()}
		}
		if ok {
			fscore.Unlock()
			return Response{Result: 0}
		}
		// push the stack along before the next poll
		fscore.Sync()
		fscore.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
}
