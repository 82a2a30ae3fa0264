/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log provides the leveled logger used across the engine, the
// stack modules, and the daemon. Output is RFC5424 structured data so log
// collectors can consume it directly; a raw mode keeps the old plain form
// for the console.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
)

const defaultID = `fstitch@1`

var (
	ErrNotOpen      = errors.New("Logger is not open")
	ErrInvalidLevel = errors.New("Log level is invalid")
)

type Level int

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	}
	return `UNKNOWN`
}

// LevelFromString parses a level name, case insensitively.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`, `WARNING`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	}
	return OFF, ErrInvalidLevel
}

// KV builds a structured key/value pair for the leveled KV methods.
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", value)}
}

// KVErr is shorthand for the conventional error pair.
func KVErr(err error) rfc5424.SDParam {
	return KV(`error`, err)
}

type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hot      bool
	raw      bool
	hostname string
	appname  string
}

// New creates a logger emitting to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.hostname, _ = os.Hostname()
	if args := os.Args; len(args) > 0 {
		exe := filepath.Base(args[0])
		l.appname = strings.TrimSuffix(exe, filepath.Ext(exe))
	}
	return l
}

// NewFile creates a logger appending to the file at f, creating it if
// needed.
func NewFile(f string) (*Logger, error) {
	fout, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

// NewDiscardLogger creates a logger that drops everything; handy default
// for tests and optional module arguments.
func NewDiscardLogger() *Logger {
	return New(discardCloser{})
}

// NewStderrLogger creates a raw-mode logger on standard error.
func NewStderrLogger() *Logger {
	l := New(os.Stderr)
	l.raw = true
	return l
}

// AddWriter attaches an additional output.
func (l *Logger) AddWriter(wtr io.WriteCloser) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.wtrs = append(l.wtrs, wtr)
	return nil
}

// SetLevel adjusts the filter level.
func (l *Logger) SetLevel(lvl Level) error {
	if lvl < OFF || lvl > CRITICAL {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

// GetLevel returns the current filter level.
func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

// SetRaw switches to the plain output form.
func (l *Logger) SetRaw(v bool) {
	l.mtx.Lock()
	l.raw = v
	l.mtx.Unlock()
}

// SetAppname overrides the application name guessed from os.Args.
func (l *Logger) SetAppname(name string) {
	l.mtx.Lock()
	l.appname = name
	l.mtx.Unlock()
}

// Close shuts down every attached writer.
func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	var err error
	for _, w := range l.wtrs {
		if lerr := w.Close(); lerr != nil {
			err = lerr
		}
	}
	l.wtrs = nil
	return err
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot || l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	var line []byte
	if l.raw {
		line = []byte(fmt.Sprintf("%s %s %s %s\n",
			time.Now().UTC().Format(time.RFC3339), l.appname, lvl, msg))
	} else {
		m := rfc5424.Message{
			Priority:  prio(lvl),
			Timestamp: time.Now(),
			Hostname:  l.hostname,
			AppName:   l.appname,
			Message:   []byte(msg),
		}
		if len(sds) > 0 {
			m.StructuredData = []rfc5424.StructuredData{
				{ID: defaultID, Parameters: sds},
			}
		}
		b, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		line = append(b, '\n')
	}
	var err error
	for _, w := range l.wtrs {
		if _, lerr := w.Write(line); lerr != nil {
			err = lerr
		}
	}
	return err
}

func prio(lvl Level) rfc5424.Priority {
	switch lvl {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	}
	return rfc5424.User | rfc5424.Info
}

func (l *Logger) Debugf(format string, args ...interface{}) error {
	return l.output(DEBUG, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) error {
	return l.output(INFO, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) error {
	return l.output(WARN, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) error {
	return l.output(ERROR, fmt.Sprintf(format, args...))
}

func (l *Logger) Criticalf(format string, args ...interface{}) error {
	return l.output(CRITICAL, fmt.Sprintf(format, args...))
}

// The KV variants attach structured pairs instead of formatting them into
// the message.

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error { return l.output(DEBUG, msg, sds...) }
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error  { return l.output(INFO, msg, sds...) }
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error  { return l.output(WARN, msg, sds...) }
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error { return l.output(ERROR, msg, sds...) }
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.output(CRITICAL, msg, sds...)
}

// Fatalf logs at CRITICAL and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.output(CRITICAL, fmt.Sprintf(format, args...))
	os.Exit(-1)
}
