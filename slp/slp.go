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

// Package slp implements the Serial Link Protocol: framed, CRC-
// checked datagrams with port addressing, riding directly on a
// transport.Transport byte stream.
package slp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coldsync/pconn/transport"
)

// Preamble is the fixed 3-byte sequence that opens every SLP header.
var Preamble = [3]byte{0xbe, 0xef, 0xed}

// headerLen is the full header length: preamble(3) + dst(1) + src(1)
// + proto(1) + size(2) + xid(1) + checksum(1).
const headerLen = 10

// initialBufLen is this implementation's own choice for the starting
// input/output buffer size (original_source/ does not include slp.h,
// so no recovered constant exists; see SPEC_FULL.md §6).
const initialBufLen = 1024

// ErrBadChecksum and ErrBadCRC name the two framing-error conditions
// (§7 "bad framing"). Read never returns either: a packet failing
// either check is discarded and the read loop resumes, and Read's
// errors come only from the transport.
var (
	ErrBadChecksum = errors.New("slp: bad header checksum")
	ErrBadCRC      = errors.New("slp: bad crc")
)

// Address is a (protocol, port) pair, SLP's unit of addressing.
type Address struct {
	Protocol byte
	Port     byte
}

// Framer reads and writes SLP datagrams over a transport.Transport,
// filtering out anything not addressed to its bound local Address.
type Framer struct {
	t     transport.Transport
	local Address
	bound bool

	remote  Address
	lastXID byte

	inbuf  []byte
	outbuf []byte

	log *log.Entry

	// OnDiscard, if set, is called once per packet Read throws away:
	// bad header checksum, bad CRC, or an address that doesn't match
	// the bound local address.
	OnDiscard func()
}

// New wraps t for SLP framing. logger may be nil.
func New(t transport.Transport, logger *log.Logger) *Framer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Framer{
		t:      t,
		inbuf:  make([]byte, initialBufLen),
		outbuf: make([]byte, initialBufLen),
		log:    logger.WithField("component", "slp"),
	}
}

// Bind sets the local address that Read filters incoming packets
// against, and that Write uses as the source address.
func (f *Framer) Bind(addr Address) {
	f.local = addr
	f.bound = true
}

// RemoteAddr returns the address latched from the most recent inbound
// packet whose header checksum verified, including one Read then
// discarded for a bad CRC or a non-matching destination.
func (f *Framer) RemoteAddr() Address { return f.remote }

// WaitReadable and WaitWritable pass through to the underlying
// transport so PADP can implement its own ACK-timeout/retry loop
// (§4.3) around individual SLP reads and writes.
func (f *Framer) WaitReadable(timeout time.Duration) (transport.WaitResult, error) {
	return f.t.WaitReadable(timeout)
}

func (f *Framer) WaitWritable(timeout time.Duration) (transport.WaitResult, error) {
	return f.t.WaitWritable(timeout)
}

// LastXID returns the transaction ID of the most recently accepted
// inbound packet, exposed so PADP can echo it on ACKs.
func (f *Framer) LastXID() byte { return f.lastXID }

func (f *Framer) growIn(n int) {
	if cap(f.inbuf) < n {
		f.inbuf = make([]byte, n)
	} else {
		f.inbuf = f.inbuf[:n]
	}
}

func (f *Framer) growOut(n int) {
	if cap(f.outbuf) < n {
		f.outbuf = make([]byte, n)
	} else {
		f.outbuf = f.outbuf[:n]
	}
}

func (f *Framer) readFull(buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := f.t.Read(buf[read:])
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

// resync reads one byte at a time until it sees the 3-byte preamble,
// discarding non-matching bytes silently (§4.2 step 1).
func (f *Framer) resync() error {
	var window [3]byte
	have := 0
	b := make([]byte, 1)
	for {
		if err := f.readFull(b); err != nil {
			return err
		}
		if have < 3 {
			window[have] = b[0]
			have++
		} else {
			window[0], window[1], window[2] = window[1], window[2], b[0]
		}
		if have >= 3 && window == Preamble {
			return nil
		}
	}
}

func headerChecksum(header [headerLen]byte) byte {
	var sum byte
	for i := 0; i < headerLen-1; i++ {
		sum += header[i]
	}
	return sum
}

// Read returns the next datagram addressed to the bound local
// address, resynchronizing past garbage and discarding any packet
// that fails its checksum/CRC or is not addressed to us (§4.2).
func (f *Framer) Read() (payload []byte, xid byte, err error) {
	for {
		if err := f.resync(); err != nil {
			return nil, 0, fmt.Errorf("slp: resync: %w", err)
		}

		var header [headerLen]byte
		header[0], header[1], header[2] = Preamble[0], Preamble[1], Preamble[2]
		if err := f.readFull(header[3:]); err != nil {
			return nil, 0, fmt.Errorf("slp: read header: %w", err)
		}

		dst := header[3]
		src := header[4]
		proto := header[5]
		size := binary.BigEndian.Uint16(header[6:8])
		xidByte := header[8]
		checksum := header[9]

		if headerChecksum(header) != checksum {
			f.log.Debug("discarding packet: bad header checksum")
			if f.OnDiscard != nil {
				f.OnDiscard()
			}
			continue
		}

		// Latch the remote address as soon as the header
		// checksum verifies, before the payload/CRC are even
		// read (§4.2 step 3: latching follows header
		// verification, not payload verification).
		f.remote = Address{Protocol: proto, Port: src}

		f.growIn(int(size))
		if err := f.readFull(f.inbuf); err != nil {
			return nil, 0, fmt.Errorf("slp: read payload: %w", err)
		}
		var crcTrailer [2]byte
		if err := f.readFull(crcTrailer[:]); err != nil {
			return nil, 0, fmt.Errorf("slp: read crc: %w", err)
		}

		crc := crc16(header[:])
		crc = crc16Update(crc, f.inbuf)
		crc = crc16Update(crc, crcTrailer[:])
		if crc != 0 {
			f.log.Debug("discarding packet: bad crc")
			if f.OnDiscard != nil {
				f.OnDiscard()
			}
			continue
		}

		if f.bound && (proto != f.local.Protocol || dst != f.local.Port) {
			f.log.WithField("dst", dst).Debug("discarding packet: not addressed to us")
			if f.OnDiscard != nil {
				f.OnDiscard()
			}
			continue
		}

		f.lastXID = xidByte
		payload = make([]byte, size)
		copy(payload, f.inbuf)
		return payload, xidByte, nil
	}
}

// Write assembles header+payload+CRC into one buffer and writes it in
// a single transport call (§4.2 "Write").
func (f *Framer) Write(payload []byte, xid byte) error {
	total := headerLen + len(payload) + 2
	f.growOut(total)

	header := f.outbuf[:headerLen]
	header[0], header[1], header[2] = Preamble[0], Preamble[1], Preamble[2]
	header[3] = f.remote.Port
	header[4] = f.local.Port
	header[5] = f.local.Protocol
	binary.BigEndian.PutUint16(header[6:8], uint16(len(payload)))
	header[8] = xid
	header[9] = headerChecksum([headerLen]byte(header))

	copy(f.outbuf[headerLen:], payload)

	crc := crc16(header)
	crc = crc16Update(crc, payload)
	binary.BigEndian.PutUint16(f.outbuf[headerLen+len(payload):], crc)

	if err := f.t.Write(f.outbuf[:total]); err != nil {
		return fmt.Errorf("slp: write: %w", err)
	}
	return nil
}
