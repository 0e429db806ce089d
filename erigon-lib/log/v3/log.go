// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package log is a small leveled, key/value logger. Call sites look like
// log.Info("[flusher] batch committed", "vbid", vbid, "n", n) throughout the
// rest of the module; arguments after the message are alternating key/value
// pairs appended to the line, never interpolated into it.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Lvl int

const (
	LvlError Lvl = iota
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlError:
		return "EROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	case LvlTrace:
		return "TRCE"
	default:
		return "????"
	}
}

// Logger is the interface every component takes instead of holding onto the
// package-level default directly, so tests can swap in a silent one.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	// New returns a child logger with ctx merged into every line it writes,
	// the same "bound logger per background task" pattern the teacher uses
	// for its per-stage loggers.
	New(ctx ...any) Logger
}

type logger struct {
	mu     *sync.Mutex
	out    io.Writer
	lvl    Lvl
	prefix []any
}

var (
	root = &logger{mu: &sync.Mutex{}, out: os.Stderr, lvl: LvlInfo}
)

// Root returns the process-wide default logger.
func Root() Logger { return root }

// SetLevel changes the minimum level the root logger emits; useful for a
// CLI's -v/-vv flags.
func SetLevel(l Lvl) { root.lvl = l }

func New(ctx ...any) Logger { return root.New(ctx...) }

func (l *logger) New(ctx ...any) Logger {
	return &logger{mu: l.mu, out: l.out, lvl: l.lvl, prefix: append(append([]any{}, l.prefix...), ctx...)}
}

func (l *logger) write(lvl Lvl, msg string, ctx []any) {
	if lvl > l.lvl {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05-0700"))
	b.WriteByte(' ')
	b.WriteString(lvl.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	all := append(append([]any{}, l.prefix...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(&b, " %v=MISSING", all[len(all)-1])
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(l.out, b.String())
}

func (l *logger) Trace(msg string, ctx ...any) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.write(LvlError, msg, ctx) }

func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
