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

// Package dlp implements the Desktop Link Protocol codec: the typed
// request/response wrapper that rides on top of PADP (or NetSync)
// and carries every actual HotSync operation (reading databases,
// records, system and user info, and so on).
package dlp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Argument header shapes, selected by the top two bits of the first
// byte (§4.5, grounded on dlp.c's dlp_send_req/dlp_recv_resp).
const (
	tinyArgMax  = 0xff
	smallArgMax = 0xffff

	tinyHeaderLen  = 2
	smallHeaderLen = 4
	longHeaderLen  = 6

	argKindMask  = 0xc0
	argKindSmall = 0x80
	argKindLong  = 0xc0
)

// MaxRetries is how many attempts, the first send included, Exec makes
// at a whole request while the underlying transaction (PADP or
// NetSync) times out (§4.5).
const MaxRetries = 5

var (
	// ErrShortResponse is returned when a response is truncated mid
	// header or mid argument.
	ErrShortResponse = errors.New("dlp: short response")
	// ErrIDMismatch is returned when a response's function ID (with
	// the high bit cleared) doesn't match the request that was sent.
	ErrIDMismatch = errors.New("dlp: response id does not match request")
	// ErrTimeout is returned once MaxRetries whole-request attempts
	// have all timed out at the transaction layer.
	ErrTimeout = errors.New("dlp: timeout")
)

// Arg is one DLP argument: an ID and its raw data. appendTo picks the
// tiny/small/long header shape from len(Data), exactly as
// dlp_send_req does.
type Arg struct {
	ID   byte
	Data []byte
}

func (a Arg) encodedLen() int {
	switch {
	case len(a.Data) <= tinyArgMax:
		return tinyHeaderLen + len(a.Data)
	case len(a.Data) <= smallArgMax:
		return smallHeaderLen + len(a.Data)
	default:
		return longHeaderLen + len(a.Data)
	}
}

func (a Arg) appendTo(buf []byte) []byte {
	switch {
	case len(a.Data) <= tinyArgMax:
		buf = append(buf, a.ID&^argKindMask, byte(len(a.Data)))
	case len(a.Data) <= smallArgMax:
		buf = append(buf, a.ID|argKindSmall, 0)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Data)))
	default:
		id := uint16(a.ID) | (argKindLong << 8)
		buf = binary.BigEndian.AppendUint16(buf, id)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.Data)))
	}
	return append(buf, a.Data...)
}

// decodeArg reads one argument from buf, returning it and the number
// of bytes consumed.
func decodeArg(buf []byte) (Arg, int, error) {
	if len(buf) < 1 {
		return Arg{}, 0, fmt.Errorf("%w: truncated argument", ErrShortResponse)
	}
	switch buf[0] & argKindMask {
	case argKindLong:
		if len(buf) < longHeaderLen {
			return Arg{}, 0, fmt.Errorf("%w: truncated long argument header", ErrShortResponse)
		}
		id := byte(binary.BigEndian.Uint16(buf[0:2]) &^ (argKindLong << 8))
		size := int(binary.BigEndian.Uint32(buf[2:6]))
		end := longHeaderLen + size
		if len(buf) < end {
			return Arg{}, 0, fmt.Errorf("%w: truncated long argument data", ErrShortResponse)
		}
		return Arg{ID: id, Data: buf[longHeaderLen:end]}, end, nil

	case argKindSmall:
		if len(buf) < smallHeaderLen {
			return Arg{}, 0, fmt.Errorf("%w: truncated small argument header", ErrShortResponse)
		}
		id := buf[0] &^ argKindMask
		size := int(binary.BigEndian.Uint16(buf[2:4]))
		end := smallHeaderLen + size
		if len(buf) < end {
			return Arg{}, 0, fmt.Errorf("%w: truncated small argument data", ErrShortResponse)
		}
		return Arg{ID: id, Data: buf[smallHeaderLen:end]}, end, nil

	default: // tiny, top bits 0x00 or 0x40
		if len(buf) < tinyHeaderLen {
			return Arg{}, 0, fmt.Errorf("%w: truncated tiny argument header", ErrShortResponse)
		}
		id := buf[0] &^ argKindMask
		size := int(buf[1])
		end := tinyHeaderLen + size
		if len(buf) < end {
			return Arg{}, 0, fmt.Errorf("%w: truncated tiny argument data", ErrShortResponse)
		}
		return Arg{ID: id, Data: buf[tinyHeaderLen:end]}, end, nil
	}
}

// Response is a decoded DLP response: the echoed function ID, the
// DLPSTAT_* error code, and its arguments.
type Response struct {
	ID        byte
	ErrorCode Status
	Args      []Arg
}

// Requester is the transaction layer a Conn rides on: one whole-
// message exchange per call, implemented by padp.Conn or
// netsync.Conn. Separated out so dlp can be tested against a mock
// without a real PADP/SLP stack.
type Requester interface {
	Write(msg []byte) error
	Read() ([]byte, error)
}

// Conn is a DLP connection: a Requester plus the whole-request retry
// policy layered over it (§4.5).
type Conn struct {
	r   Requester
	log *log.Entry

	// OnRetry, if set, is called once per whole-request retry (i.e.
	// every attempt after the first).
	OnRetry func()
}

// New wraps r for DLP request/response exchanges.
func New(r Requester, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Conn{r: r, log: logger.WithField("component", "dlp")}
}

func encodeRequest(id byte, args []Arg) []byte {
	total := 2
	for _, a := range args {
		total += a.encodedLen()
	}
	buf := make([]byte, 0, total)
	buf = append(buf, id, byte(len(args)))
	for _, a := range args {
		buf = a.appendTo(buf)
	}
	return buf
}

func decodeResponse(buf []byte) (Response, error) {
	if len(buf) < 4 {
		return Response{}, fmt.Errorf("%w: header", ErrShortResponse)
	}
	if buf[0]&0x80 == 0 {
		return Response{}, fmt.Errorf("%w: response id 0x%02x has no reply bit set", ErrIDMismatch, buf[0])
	}
	resp := Response{
		ID:        buf[0] &^ 0x80,
		ErrorCode: Status(binary.BigEndian.Uint16(buf[2:4])),
	}
	argc := int(buf[1])
	rest := buf[4:]
	for i := 0; i < argc; i++ {
		arg, n, err := decodeArg(rest)
		if err != nil {
			return Response{}, err
		}
		resp.Args = append(resp.Args, arg)
		rest = rest[n:]
	}
	return resp, nil
}

// Exec sends a DLP request with the given function id and arguments,
// resending the whole request while the underlying transaction layer
// times out (up to MaxRetries attempts in all), and returns the
// decoded response.
//
// A response whose id (high bit cleared) doesn't match the request
// is treated as ErrIDMismatch rather than silently accepted, since
// unlike PADP/SLP, DLP has no transaction ID of its own to catch a
// stale reply.
func (c *Conn) Exec(id byte, args ...Arg) (Response, error) {
	req := encodeRequest(id, args)

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 && c.OnRetry != nil {
			c.OnRetry()
		}
		if err := c.r.Write(req); err != nil {
			if isTimeout(err) {
				lastErr = err
				c.log.WithError(err).Debug("retrying dlp request after write timeout")
				continue
			}
			return Response{}, fmt.Errorf("dlp: write request: %w", err)
		}

		raw, err := c.r.Read()
		if err != nil {
			if isTimeout(err) {
				lastErr = err
				c.log.WithError(err).Debug("retrying dlp request after read timeout")
				continue
			}
			return Response{}, fmt.Errorf("dlp: read response: %w", err)
		}

		resp, err := decodeResponse(raw)
		if err != nil {
			return Response{}, err
		}
		if resp.ID != id {
			return Response{}, fmt.Errorf("%w: sent 0x%02x, got 0x%02x", ErrIDMismatch, id, resp.ID)
		}
		return resp, nil
	}

	return Response{}, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeoutError
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

// encodeTime packs a time.Time into DLP's 8-byte dlp_time structure
// (§4.9, grounded on dlp_cmd.h's struct dlp_time). A zero year means
// "no such date".
func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	if t.IsZero() {
		return buf
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(t.Year()))
	buf[2] = byte(t.Month())
	buf[3] = byte(t.Day())
	buf[4] = byte(t.Hour())
	buf[5] = byte(t.Minute())
	buf[6] = byte(t.Second())
	return buf
}

func decodeTime(buf []byte) time.Time {
	year := binary.BigEndian.Uint16(buf[0:2])
	if year == 0 {
		return time.Time{}
	}
	return time.Date(int(year), time.Month(buf[2]), int(buf[3]),
		int(buf[4]), int(buf[5]), int(buf[6]), 0, time.UTC)
}
