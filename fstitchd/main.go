/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ucla-readable/fstitch/config"
	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/log"
	"github.com/ucla-readable/fstitch/pgipc"
)

var (
	confLoc = flag.String("config-file", "/etc/fstitchd.conf", "Location of the configuration file")
	verbose = flag.Bool("v", false, "Log to stderr as well")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadFile(*confLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", *confLoc, err)
		os.Exit(-1)
	}

	var lg *log.Logger
	if cfg.Global.Log_File != `` {
		if lg, err = log.NewFile(cfg.Global.Log_File); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(-1)
		}
	} else {
		lg = log.NewStderrLogger()
	}
	if lvl, err := log.LevelFromString(cfg.Global.Log_Level); err == nil {
		lg.SetLevel(lvl)
	}
	if *verbose && cfg.Global.Log_File != `` {
		lg.AddWriter(os.Stderr)
	}

	if _, ok := cfg.InstanceUUID(); !ok {
		id := uuid.New()
		if err := cfg.SetInstanceUUID(id, *confLoc); err != nil {
			lg.Warn("failed to persist instance UUID", log.KVErr(err))
		}
	}
	id, _ := cfg.InstanceUUID()
	lg.Info("fstitchd starting", log.KV("instance", id))

	if cfg.Global.Pid_File != `` {
		pid := fmt.Sprintf("%d\n", os.Getpid())
		if err := renameio.WriteFile(cfg.Global.Pid_File, []byte(pid), 0644); err != nil {
			lg.Fatalf("failed to write pid file: %v", err)
		}
		defer os.Remove(cfg.Global.Pid_File)
	}

	fscore.Lock()
	fscore.SetRevisionCopy(cfg.Global.Copy_Revision)
	stack, err := buildStack(cfg, lg)
	fscore.Unlock()
	if err != nil {
		lg.Fatalf("failed to build device stack: %v", err)
	}
	defer teardown(stack, lg)

	pgs, err := pgipc.NewServer(cfg.Global.Control_Socket+`.`+pgipc.DeviceName, lg)
	if err != nil {
		lg.Fatalf("failed to start patchgroup endpoint: %v", err)
	}
	defer pgs.Close()

	ctl, err := newControlServer(cfg.Global.Control_Socket, stack, lg)
	if err != nil {
		lg.Fatalf("failed to start control endpoint: %v", err)
	}
	defer ctl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fscore.SchedLoop(ctx, 10*time.Millisecond)
	})
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		lg.Error("daemon exiting", log.KVErr(err))
	}

	// final sync so nothing dirty is stranded
	fscore.Lock()
	if err := fscore.Sync(); err != nil {
		lg.Error("final sync failed", log.KVErr(err))
	}
	fscore.Unlock()
	lg.Info("fstitchd exiting")
}

func teardown(stack map[string]fscore.BD, lg *log.Logger) {
	fscore.Lock()
	defer fscore.Unlock()
	for name, bd := range stack {
		fscore.Unregister(bd)
		if d, ok := bd.(fscore.Destroyer); ok {
			if err := d.Destroy(); err != nil {
				lg.Warn("failed to destroy device", log.KV("device", name), log.KVErr(err))
			}
		}
	}
}
