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

// Package padp implements the Packet Assembly/Disassembly Protocol:
// reliable, retransmitting, fragmented delivery of arbitrarily large
// messages over an slp.Framer, including tickle (keep-alive)
// tolerance and ACK-loss recovery.
package padp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coldsync/pconn/slp"
	"github.com/coldsync/pconn/transport"
)

// Fragment types (§4.3, §6). NAK is obsolete and only ever ignored.
const (
	typeData   = 1
	typeACK    = 2
	typeTickle = 3
	typeAbort  = 4
	typeNAK    = 5
)

// Fragment flags.
const (
	flagFirst = 0x80
	flagLast  = 0x40
)

// MaxFragmentLen is the largest payload carried in one PADP fragment
// (§4.3, §6).
const MaxFragmentLen = 1024

// MaxRetries is the per-fragment retry ceiling before PADP gives up
// and the Connection goes to lost (§4.3, §8).
const MaxRetries = 5

// DefaultReadTimeout is this implementation's own choice for the ACK/
// read wait (original_source/ does not include padp.h; see
// SPEC_FULL.md §6). The unit the spec text uses (tenths of a second)
// is not reproduced; Go expresses it as a time.Duration directly.
const DefaultReadTimeout = 2 * time.Second

var (
	// ErrAbort is returned when the peer sends an ABORT fragment.
	ErrAbort = errors.New("padp: peer sent abort")
	// ErrProtocol covers any other unexpected fragment type or a
	// malformed multi-fragment reassembly sequence.
	ErrProtocol = errors.New("padp: protocol error")
	// ErrTimeout is returned when an outbound fragment gets no ACK in
	// MaxRetries attempts. An inbound read that sees no fragment within
	// ReadTimeout returns an error that wraps ErrTimeout and also has a
	// Timeout() method reporting true, so DLP's whole-request retry
	// treats it as a single timeout.
	ErrTimeout = errors.New("padp: timeout")
)

// readTimeoutError is the error readDataFragment returns when no
// fragment arrives within ReadTimeout.
type readTimeoutError struct{}

func (readTimeoutError) Error() string { return ErrTimeout.Error() }
func (readTimeoutError) Timeout() bool { return true }
func (readTimeoutError) Unwrap() error { return ErrTimeout }

type header struct {
	typ   byte
	flags byte
	size  uint16
}

func decodeHeader(b []byte) header {
	return header{typ: b[0], flags: b[1], size: binary.BigEndian.Uint16(b[2:4])}
}

func (h header) encode() []byte {
	b := make([]byte, 4)
	b[0], b[1] = h.typ, h.flags
	binary.BigEndian.PutUint16(b[2:4], h.size)
	return b
}

// bumpXID increments xid, skipping the reserved values 0x00 and 0xff
// (§3, grounded on the reference implementation's bump_xid).
func bumpXID(xid byte) byte {
	xid++
	if xid == 0x00 || xid == 0xff {
		xid++
	}
	return xid
}

// Conn is a PADP connection: a current outgoing transaction ID and a
// read timeout layered over an slp.Framer (§3 "PADP sub-state").
type Conn struct {
	slp *slp.Framer
	xid byte

	ReadTimeout time.Duration

	log *log.Entry

	// OnRetry, if set, is called once per fragment attempt beyond the
	// first (timeout, stray data, or tickle).
	OnRetry func()
	// OnFragment, if set, is called once per data fragment
	// successfully ACKed.
	OnFragment func()
}

// New wraps f for PADP delivery. The transaction ID starts at 1 (the
// first non-reserved value).
func New(f *slp.Framer, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Conn{
		slp:         f,
		xid:         1,
		ReadTimeout: DefaultReadTimeout,
		log:         logger.WithField("component", "padp"),
	}
}

func (c *Conn) txFrag(h header, payload []byte) error {
	buf := append(h.encode(), payload...)
	return c.slp.Write(buf, c.xid)
}

// ack sends an ACK echoing the given flags and size, forcibly setting
// the PADP xid to SLP's last received xid first, per the reference
// implementation's padp_ack: an ACK's outgoing SLP transaction ID must
// echo the just-received inbound one, not PADP's own outgoing
// counter.
func (c *Conn) ack(flags byte, size uint16) error {
	c.xid = c.slp.LastXID()
	return c.txFrag(header{typ: typeACK, flags: flags, size: size}, nil)
}

func (c *Conn) rxFrag() (header, []byte, error) {
	payload, _, err := c.slp.Read()
	if err != nil {
		return header{}, nil, err
	}
	if len(payload) < 4 {
		return header{}, nil, fmt.Errorf("%w: short padp fragment", ErrProtocol)
	}
	h := decodeHeader(payload[:4])
	return h, payload[4:], nil
}

// Write sends msg as one or more PADP fragments, making up to
// MaxRetries attempts per fragment, handling stale DATA replies,
// tickles, and aborts as described in §4.3.
func (c *Conn) Write(msg []byte) error {
	c.xid = bumpXID(c.xid)

	total := len(msg)
	for offset := 0; offset == 0 || offset < total; {
		end := offset + MaxFragmentLen
		if end > total {
			end = total
		}
		frag := msg[offset:end]

		flags := byte(0)
		if offset == 0 {
			flags |= flagFirst
		}
		isLast := end >= total
		if isLast {
			flags |= flagLast
		}
		// size carries the total message length on the first
		// fragment, and this fragment's own starting cumulative
		// offset on every later one (§4.3; the reassembly check on
		// the receiving side compares this to the running offset it
		// has accumulated so far). It's a 16-bit wire field, so for
		// messages at or beyond 64KB it wraps; reassembly tracks the
		// true, unwrapped offset separately and only uses this field
		// (also taken mod 1<<16) to validate fragment order.
		size := uint16(offset)
		if offset == 0 {
			size = uint16(total)
		}

		if err := c.writeFragmentWithRetry(frag, flags, size); err != nil {
			return err
		}

		offset = end
		if isLast {
			break
		}
	}
	return nil
}

func (c *Conn) writeFragmentWithRetry(frag []byte, flags byte, size uint16) error {
	h := header{typ: typeData, flags: flags, size: size}

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 && c.OnRetry != nil {
			c.OnRetry()
		}

		if res, err := c.slp.WaitWritable(c.ReadTimeout); err != nil {
			return fmt.Errorf("padp: wait writable: %w", err)
		} else if res == transport.TimedOut {
			continue
		}

		if err := c.txFrag(h, frag); err != nil {
			return fmt.Errorf("padp: write fragment: %w", err)
		}

		if res, err := c.slp.WaitReadable(c.ReadTimeout); err != nil {
			return fmt.Errorf("padp: wait readable: %w", err)
		} else if res == transport.TimedOut {
			continue
		}

		ackHdr, ackPayload, err := c.rxFrag()
		if err != nil {
			c.log.WithError(err).Debug("retrying fragment after read error")
			continue
		}

		switch ackHdr.typ {
		case typeACK:
			if c.OnFragment != nil {
				c.OnFragment()
			}
			return nil
		case typeData:
			// Stale/unexpected DATA from the peer, most likely a
			// retransmission caused by our own ACK being lost.
			// Send a fresh ACK echoing it, bump our xid so the real
			// retransmit below does not reuse this transaction ID,
			// then retry the current fragment.
			_ = ackPayload
			if err := c.ack(ackHdr.flags, ackHdr.size); err != nil {
				return fmt.Errorf("padp: ack stale data: %w", err)
			}
			c.xid = bumpXID(c.xid)
			continue
		case typeTickle:
			continue
		case typeAbort:
			return ErrAbort
		case typeNAK:
			continue
		default:
			return fmt.Errorf("%w: unknown fragment type %d", ErrProtocol, ackHdr.typ)
		}
	}

	return ErrTimeout
}

// Read reads one complete message, reassembling multiple fragments as
// needed and ACKing each (§4.3 "Inbound read").
func (c *Conn) Read() ([]byte, error) {
	h, payload, err := c.readDataFragment()
	if err != nil {
		return nil, err
	}

	if h.flags&flagFirst != 0 && h.flags&flagLast != 0 {
		if err := c.ack(h.flags, h.size); err != nil {
			return nil, fmt.Errorf("padp: ack single fragment: %w", err)
		}
		return payload, nil
	}

	if h.flags&flagFirst == 0 {
		return nil, fmt.Errorf("%w: first fragment missing FIRST flag", ErrProtocol)
	}

	// h.size is only a 16-bit wire hint of the total message length
	// (wrapped for messages at or beyond 64KB), so it is not a safe
	// pre-allocation size; the reassembly buffer grows incrementally,
	// one fragment at a time, instead.
	buf := append([]byte(nil), payload...)
	offset := len(payload)

	if err := c.ack(h.flags, h.size); err != nil {
		return nil, fmt.Errorf("padp: ack first fragment: %w", err)
	}

	for {
		fh, fpayload, err := c.readDataFragment()
		if err != nil {
			return nil, err
		}
		if fh.flags&flagFirst != 0 {
			return nil, fmt.Errorf("%w: unexpected FIRST mid-reassembly", ErrProtocol)
		}
		if fh.size != uint16(offset) {
			return nil, fmt.Errorf("%w: fragment offset mismatch (want %d got %d)", ErrProtocol, uint16(offset), fh.size)
		}
		buf = append(buf, fpayload...)
		offset += len(fpayload)

		if err := c.ack(fh.flags, fh.size); err != nil {
			return nil, fmt.Errorf("padp: ack continuation: %w", err)
		}

		if fh.flags&flagLast != 0 {
			break
		}
	}

	return buf, nil
}

// readDataFragment reads fragments until a DATA fragment is seen,
// silently retrying on TICKLE, logging and retrying on an unexpected
// ACK, and failing on ABORT or any other type. Each pass waits up to
// ReadTimeout for the transport to become readable; a single timeout
// fails the read immediately, with no retry budget (§4.3 "Inbound
// read"). Tickles and stray ACKs loop back for a fresh wait rather
// than counting as a failure, since they're evidence the peer is
// still there, not that it's gone.
func (c *Conn) readDataFragment() (header, []byte, error) {
	for {
		res, err := c.slp.WaitReadable(c.ReadTimeout)
		if err != nil {
			return header{}, nil, fmt.Errorf("padp: wait readable: %w", err)
		}
		if res == transport.TimedOut {
			return header{}, nil, readTimeoutError{}
		}

		h, payload, err := c.rxFrag()
		if err != nil {
			return header{}, nil, err
		}
		switch h.typ {
		case typeData:
			return h, payload, nil
		case typeTickle:
			continue
		case typeACK:
			c.log.Debug("unexpected ack while reading, retrying")
			continue
		case typeAbort:
			return header{}, nil, ErrAbort
		case typeNAK:
			continue
		default:
			return header{}, nil, fmt.Errorf("%w: unknown fragment type %d", ErrProtocol, h.typ)
		}
	}
}
