/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"fmt"
	"time"

	"github.com/ucla-readable/fstitch/config"
	"github.com/ucla-readable/fstitch/fscore"
	"github.com/ucla-readable/fstitch/log"
	"github.com/ucla-readable/fstitch/modules/boltbd"
	"github.com/ucla-readable/fstitch/modules/filebd"
	"github.com/ucla-readable/fstitch/modules/journalbd"
	"github.com/ucla-readable/fstitch/modules/loopbd"
	"github.com/ucla-readable/fstitch/modules/mdbd"
	"github.com/ucla-readable/fstitch/modules/membd"
	"github.com/ucla-readable/fstitch/modules/mmapbd"
	"github.com/ucla-readable/fstitch/modules/partitionbd"
	"github.com/ucla-readable/fstitch/modules/resizerbd"
	"github.com/ucla-readable/fstitch/modules/unlinkbd"
	"github.com/ucla-readable/fstitch/modules/wbcachebd"
)

// buildStack instantiates every configured device bottom-up and registers
// it with the engine. Call under the engine lock.
func buildStack(cfg *config.Config, lg *log.Logger) (map[string]fscore.BD, error) {
	built := make(map[string]fscore.BD)
	var building []string

	var build func(name string) (fscore.BD, error)
	build = func(name string) (fscore.BD, error) {
		if bd, ok := built[name]; ok {
			return bd, nil
		}
		for _, b := range building {
			if b == name {
				return nil, fmt.Errorf("device cycle through %s", name)
			}
		}
		building = append(building, name)
		defer func() { building = building[:len(building)-1] }()

		d, ok := cfg.Device[name]
		if !ok {
			return nil, fmt.Errorf("unknown device %s", name)
		}
		bs, err := d.BlockSizeBytes()
		if err != nil {
			return nil, err
		}

		var bd fscore.BD
		switch d.Type {
		case `mem`:
			bd, err = membd.New(d.Num_Blocks, bs)
		case `file`:
			bd, err = filebd.New(d.Path, bs, d.Async)
		case `mmap`:
			bd, err = mmapbd.New(d.Path, bs)
		case `bolt`:
			bd, err = boltbd.New(d.Path, d.Num_Blocks, bs)
		case `wbcache`:
			var below fscore.BD
			if below, err = build(d.On); err == nil {
				bd, err = wbcachebd.New(below, d.Dirty_Blocks, d.Clean_Blocks, d.Flush_Rate, lg)
			}
		case `journal`:
			var below fscore.BD
			if below, err = build(d.On); err == nil {
				interval := time.Duration(d.Commit_MS) * time.Millisecond
				bd, err = journalbd.New(below, interval, lg)
			}
		case `partition`:
			var below fscore.BD
			if below, err = build(d.On); err == nil {
				bd, err = partitionbd.New(below, d.Start, d.Length)
			}
		case `loop`:
			var below fscore.BD
			if below, err = build(d.On); err == nil {
				bd, err = loopbd.New(below, d.Start, d.Length)
			}
		case `unlink`:
			var below fscore.BD
			if below, err = build(d.On); err == nil {
				bd, err = unlinkbd.New(below)
			}
		case `resizer`:
			var below fscore.BD
			if below, err = build(d.On); err == nil {
				bd, err = resizerbd.New(below, bs)
			}
		case `mirror`:
			var b0, b1 fscore.BD
			if b0, err = build(d.On); err == nil {
				if b1, err = build(d.On_Second); err == nil {
					bd, err = mdbd.New(b0, b1)
				}
			}
		default:
			err = config.ErrUnknownType
		}
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		built[name] = bd
		fscore.Register(bd, name)
		lg.Info("device up", log.KV("device", name), log.KV("type", d.Type))
		return bd, nil
	}

	for name := range cfg.Device {
		if _, err := build(name); err != nil {
			return built, err
		}
	}
	return built, nil
}
