/*
Copyright (c) ColdSync contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pconn

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/coldsync/pconn/dlp"
	"github.com/coldsync/pconn/netsync"
	"github.com/coldsync/pconn/padp"
	"github.com/coldsync/pconn/slp"
	"github.com/coldsync/pconn/transport"
)

// StackKind selects which layers a Connection builds under DLP.
type StackKind int

const (
	// StackFull is DLP over PADP over SLP over a raw byte stream
	// (serial, most devices).
	StackFull StackKind = iota
	// StackSimple is DLP directly over NetSync framing, with no
	// ritual handshake (later USB-as-serial devices).
	StackSimple
	// StackNet is DLP over NetSync framing over TCP, preceded by the
	// NetSync wakeup/ritual handshake run at transport.Accept time.
	StackNet
)

func (k StackKind) String() string {
	switch k {
	case StackFull:
		return "full"
	case StackSimple:
		return "simple"
	case StackNet:
		return "net"
	default:
		return "unknown"
	}
}

// Status is the Connection's lifecycle state (§4.6).
type Status int

const (
	StatusNone Status = iota
	StatusUp
	StatusLost
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusUp:
		return "up"
	case StatusLost:
		return "lost"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flags are caller-visible options that don't affect wire behavior.
type Flags int

const (
	// FlagPromptUser asks a caller-supplied UI to tell the user to
	// press the HotSync button, rather than assuming it already
	// happened.
	FlagPromptUser Flags = 1 << iota
	// FlagDeviceMayAppearLater marks a transport that may not be
	// present yet (a USB device not plugged in, a listener not yet
	// seeing traffic). Open records it (see Connection.Flags) but does
	// not change its behavior for it.
	FlagDeviceMayAppearLater
)

// ErrNotUp is returned by any I/O attempted while status is not Up.
var ErrNotUp = errors.New("pconn: connection is not up")

// Config holds everything Open needs beyond the transport itself.
type Config struct {
	Stack StackKind
	Flags Flags

	// Bind is the local SLP address; only meaningful for StackFull.
	Bind slp.Address

	Logger *log.Logger
	Stats  *Stats
}

// Connection is the exclusive owner of a transport.Transport and of
// every per-layer piece of state built on top of it (§3). It is built
// by Open and torn down by Close, which releases the layers in
// reverse order of construction.
type Connection struct {
	t       transport.Transport
	stack   StackKind
	flags   Flags
	status  Status
	lastErr error

	slp  *slp.Framer
	padp *padp.Conn
	net  *netsync.Conn
	dlp  *dlp.Conn

	stats *Stats
	log   *log.Entry
}

// Open runs the transport's own Accept handshake (a no-op on plain
// serial, the NetSync wakeup/ritual on a NetSyncServer), then builds
// the layer stack cfg.Stack names on top of t, and returns a
// Connection whose status is Up.
func Open(ctx context.Context, t transport.Transport, cfg Config) (*Connection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	c := &Connection{
		t:     t,
		stack: cfg.Stack,
		flags: cfg.Flags,
		stats: cfg.Stats,
		log:   logger.WithField("component", "pconn"),
	}

	if err := t.Accept(ctx); err != nil {
		return nil, fmt.Errorf("pconn: open: %w", err)
	}

	var requester dlp.Requester
	switch cfg.Stack {
	case StackFull:
		c.slp = slp.New(t, logger)
		c.slp.Bind(cfg.Bind)
		c.padp = padp.New(c.slp, logger)
		requester = c.padp
		if c.stats != nil {
			c.slp.OnDiscard = c.stats.SLPDiscards.Inc
			c.padp.OnRetry = c.stats.PADPRetries.Inc
			c.padp.OnFragment = c.stats.PADPFragments.Inc
		}
	case StackSimple, StackNet:
		c.net = netsync.New(t, logger)
		requester = c.net
	default:
		return nil, fmt.Errorf("pconn: open: unknown stack kind %v", cfg.Stack)
	}

	c.dlp = dlp.New(&guardedRequester{c: c, next: requester}, logger)
	if c.stats != nil {
		c.dlp.OnRetry = c.stats.DLPRetries.Inc
	}
	c.status = StatusUp
	return c, nil
}

// Status reports the Connection's current lifecycle state.
func (c *Connection) Status() Status { return c.status }

// LastError returns the error that most recently moved the Connection
// to Lost, or nil if it never has.
func (c *Connection) LastError() error { return c.lastErr }

// Stack reports which protocol stack kind this Connection was opened
// with.
func (c *Connection) Stack() StackKind { return c.stack }

// Flags returns the options Open was given.
func (c *Connection) Flags() Flags { return c.flags }

// DLP returns the DLP codec layered over this Connection's stack, for
// issuing the typed command helpers (ReadUserInfo, OpenDB, ...) or the
// raw Exec primitive. Every call it makes is routed back through the
// Connection's status checks and lost-transition logic, so callers
// never need to duplicate that bookkeeping.
func (c *Connection) DLP() *dlp.Conn { return c.dlp }

// checkIO returns an error if no further I/O is permitted (§4.6: once
// lost or closed, no further I/O is permitted).
func (c *Connection) checkIO() error {
	switch c.status {
	case StatusUp:
		return nil
	case StatusLost:
		return fmt.Errorf("%w: connection lost: %v", ErrNotUp, c.lastErr)
	case StatusClosed:
		return fmt.Errorf("%w: connection closed", ErrNotUp)
	default:
		return ErrNotUp
	}
}

// observe inspects the outcome of a lower-layer I/O call and moves
// the Connection to Lost if it is one of the conditions treated as
// terminal: padp.ErrTimeout (PADP retry-limit exhaustion on a write),
// padp.ErrAbort, padp.ErrProtocol, or transport.ErrClosed. Anything
// else, including other transport errors such as io.EOF and a nil
// error, leaves the status alone.
func (c *Connection) observe(err error) {
	if err == nil || c.status != StatusUp {
		return
	}
	if errors.Is(err, padp.ErrTimeout) || errors.Is(err, padp.ErrAbort) ||
		errors.Is(err, padp.ErrProtocol) || errors.Is(err, transport.ErrClosed) {
		c.status = StatusLost
		c.lastErr = err
		c.log.WithError(err).Warn("connection lost")
	}
}

// Close tears the layers down in reverse order of construction: the
// DLP/PADP/NetSync state is simply dropped (none of it owns a
// resource of its own), then the transport itself is closed last.
// Close is idempotent; calling it on an already-closed Connection is a
// no-op.
func (c *Connection) Close() error {
	if c.status == StatusClosed {
		return nil
	}
	c.dlp = nil
	c.padp = nil
	c.net = nil
	c.slp = nil
	c.status = StatusClosed
	return c.t.Close()
}

// guardedRequester wraps the PADP or NetSync pair so every DLP-level
// Write/Read passes through the Connection's status check and error
// observation, enforcing "no further I/O once lost or closed" for
// every call DLP makes, whether through Exec or a typed helper.
type guardedRequester struct {
	c    *Connection
	next dlp.Requester
}

func (g *guardedRequester) Write(msg []byte) error {
	if err := g.c.checkIO(); err != nil {
		return err
	}
	err := g.next.Write(msg)
	g.c.observe(err)
	return err
}

func (g *guardedRequester) Read() ([]byte, error) {
	if err := g.c.checkIO(); err != nil {
		return nil, err
	}
	msg, err := g.next.Read()
	// On the read side a PADP timeout is a single read timeout, which
	// DLP may retry, not retry-limit exhaustion, so it leaves the
	// status alone.
	if !errors.Is(err, padp.ErrTimeout) {
		g.c.observe(err)
	}
	return msg, err
}
