/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the daemon's stack description from a gcfg ini
// file. The [global] section configures logging, the control socket, and
// the engine; named device sections declare the BD stack bottom-up, each
// referencing the section it stacks on.
//
// An example:
//
//	[global]
//	Log-Level=INFO
//	Control-Socket=/tmp/fstitchd.sock
//
//	[Device "disk"]
//	Type=file
//	Path=/tmp/disk.img
//	Block-Size=4KB
//
//	[Device "cache"]
//	Type=wbcache
//	On=disk
//	Dirty-Blocks=256
//	Clean-Blocks=1024
//
//	[Device "journal"]
//	Type=journal
//	On=cache
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravwell/gcfg"
	"github.com/inhies/go-bytesize"
)

const (
	maxConfigSize int64 = 4 * 1024 * 1024

	defaultLogLevel      = `INFO`
	defaultControlSocket = `/var/run/fstitchd.sock`
	defaultBlockSize     = 4096

	envLogLevel = `FSTITCH_LOG_LEVEL`
	envSocket   = `FSTITCH_CONTROL_SOCKET`

	instanceParam = `Instance-UUID`
)

var (
	ErrConfigFileTooLarge = errors.New("Config file is too large")
	ErrFailedFileRead     = errors.New("Failed to read entire config file")
	ErrNoDevices          = errors.New("No device sections specified")
	ErrUnknownType        = errors.New("Unknown device type")
	ErrMissingBase        = errors.New("Device references an unknown base device")
	ErrInvalidBlockSize   = errors.New("Invalid block size")
)

type Global struct {
	Log_Level      string
	Log_File       string
	Control_Socket string
	Pid_File       string
	Copy_Revision  bool
	Instance_UUID  string
}

type Device struct {
	Type         string
	On           string // base device section, empty for terminals
	On_Second    string // second base, mirror only
	Path         string
	Block_Size   string
	Num_Blocks   uint32
	Start        uint32
	Length       uint32
	Dirty_Blocks uint32
	Clean_Blocks uint32
	Flush_Rate   float64
	Async        bool
	Commit_MS    int
}

type Config struct {
	Global Global
	Device map[string]*Device
}

// LoadFile reads and parses the config at path, applying environment
// overrides and defaults.
func LoadFile(p string) (*Config, error) {
	fin, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	bb := bytes.NewBuffer(nil)
	if n, err := io.Copy(bb, fin); err != nil {
		return nil, err
	} else if n != fi.Size() {
		return nil, ErrFailedFileRead
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes parses a config from memory.
func LoadBytes(b []byte) (*Config, error) {
	var c Config
	if err := gcfg.ReadStringInto(&c, string(b)); err != nil {
		return nil, err
	}
	c.defaults()
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) defaults() {
	if c.Global.Log_Level == `` {
		c.Global.Log_Level = defaultLogLevel
	}
	if lv := os.Getenv(envLogLevel); lv != `` {
		c.Global.Log_Level = lv
	}
	if c.Global.Control_Socket == `` {
		c.Global.Control_Socket = defaultControlSocket
	}
	if sk := os.Getenv(envSocket); sk != `` {
		c.Global.Control_Socket = sk
	}
}

// Verify checks section consistency: every stacked device references an
// existing base and every file, mmap, or bolt terminal names a Path.
func (c *Config) Verify() error {
	if len(c.Device) == 0 {
		return ErrNoDevices
	}
	for name, d := range c.Device {
		d.Type = strings.ToLower(strings.TrimSpace(d.Type))
		switch d.Type {
		case `mem`, `file`, `mmap`, `bolt`:
			if d.Type != `mem` && d.Path == `` {
				return errors.New("Device " + name + " requires a Path")
			}
		case `wbcache`, `journal`, `partition`, `loop`, `unlink`, `resizer`:
			if d.On == `` {
				return ErrMissingBase
			}
			if _, ok := c.Device[d.On]; !ok {
				return ErrMissingBase
			}
		case `mirror`:
			if d.On == `` || d.On_Second == `` {
				return ErrMissingBase
			}
			if _, ok := c.Device[d.On]; !ok {
				return ErrMissingBase
			}
			if _, ok := c.Device[d.On_Second]; !ok {
				return ErrMissingBase
			}
		default:
			return ErrUnknownType
		}
	}
	return nil
}

// BlockSizeBytes resolves a device's Block-Size value, accepting plain
// numbers and human-friendly sizes like 4KB.
func (d *Device) BlockSizeBytes() (uint16, error) {
	if d.Block_Size == `` {
		return defaultBlockSize, nil
	}
	var bs uint64
	if n, err := strconv.ParseUint(d.Block_Size, 10, 32); err == nil {
		bs = n
	} else {
		v, err := bytesize.Parse(d.Block_Size)
		if err != nil {
			return 0, err
		}
		bs = uint64(v)
	}
	if bs == 0 || bs > 65536 || bs&(bs-1) != 0 {
		return 0, ErrInvalidBlockSize
	}
	return uint16(bs), nil
}

// InstanceUUID returns the persistent instance id, if set.
func (c *Config) InstanceUUID() (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Global.Instance_UUID)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// SetInstanceUUID writes a fresh instance id back into the config file at
// p under the [global] header, preserving the rest of the file.
func (c *Config) SetInstanceUUID(id uuid.UUID, p string) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	lines := strings.Split(string(b), "\n")
	out := make([]string, 0, len(lines)+1)
	inserted := false
	for _, ln := range lines {
		out = append(out, ln)
		if !inserted && strings.TrimSpace(ln) == `[global]` {
			out = append(out, instanceParam+`=`+id.String())
			inserted = true
		}
	}
	if !inserted {
		out = append([]string{`[global]`, instanceParam + `=` + id.String()}, out...)
	}
	if err := os.WriteFile(p, []byte(strings.Join(out, "\n")), 0660); err != nil {
		return err
	}
	c.Global.Instance_UUID = id.String()
	return nil
}
