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

// Package netsync implements the NetSync framing used in place of
// SLP+PADP on TCP and M50x-class USB-as-serial transports: a simple
// length-prefixed frame with no CRC, no fragmentation, and no ACK,
// since the underlying transport (TCP, or the USB stream) already
// provides reliability.
package netsync

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/coldsync/pconn/transport"
)

// FrameTag is the fixed first byte of every NetSync frame.
const FrameTag = 0x01

// headerLen is tag(1) + xid(1) + length(4).
const headerLen = 6

// Conn carries one NetSync-framed message at a time over a Transport.
// The transaction ID starts at 1 and increments per exchange (§4.4).
type Conn struct {
	t   transport.Transport
	xid byte
	log *log.Entry
}

// New wraps t in NetSync framing. logger may be nil, in which case the
// standard logger is used.
func New(t transport.Transport, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Conn{t: t, xid: 1, log: logger.WithField("component", "netsync")}
}

// XID returns the transaction ID that will be used on the next Write.
func (c *Conn) XID() byte { return c.xid }

// Write frames payload as a single NetSync message and writes it in
// one call, then advances the transaction ID.
func (c *Conn) Write(payload []byte) error {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = FrameTag
	buf[1] = c.xid
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)

	if err := c.t.Write(buf); err != nil {
		return fmt.Errorf("netsync write: %w", err)
	}
	c.log.WithField("xid", c.xid).WithField("len", len(payload)).Debug("wrote frame")
	c.xid++
	return nil
}

// Read reads one NetSync-framed message and returns its payload.
func (c *Conn) Read() ([]byte, error) {
	header := make([]byte, headerLen)
	if err := readFull(c.t, header); err != nil {
		return nil, fmt.Errorf("netsync read header: %w", err)
	}
	if header[0] != FrameTag {
		return nil, fmt.Errorf("netsync: bad frame tag 0x%02x", header[0])
	}
	xid := header[1]
	length := binary.BigEndian.Uint32(header[2:6])

	payload := make([]byte, length)
	if err := readFull(c.t, payload); err != nil {
		return nil, fmt.Errorf("netsync read payload: %w", err)
	}
	c.log.WithField("xid", xid).WithField("len", length).Debug("read frame")
	return payload, nil
}

func readFull(t transport.Transport, buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := t.Read(buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		read += n
	}
	return nil
}
