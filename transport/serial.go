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

package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// HandshakeBaud is the speed required during the initial handshake
// (§4.1): 9600 baud, regardless of what speed the session negotiates
// afterward.
const HandshakeBaud = 9600

// Serial is a Transport backed by a local serial or USB-as-serial
// device. Accept is a no-op here, so no NetSync ritual is run over a
// serial byte stream; NetSyncServer runs the ritual only over its own
// TCP connection.
type Serial struct {
	device string
	port   serial.Port
}

// OpenSerial opens device at the mandatory handshake speed.
func OpenSerial(device string) (*Serial, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: HandshakeBaud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return &Serial{device: device, port: port}, nil
}

// SetSpeed changes the baud rate after the handshake, per §4.1 ("the
// upper layer may request a speed change later").
func (s *Serial) SetSpeed(baud int) error {
	return s.port.SetMode(&serial.Mode{BaudRate: baud})
}

// Read returns (0, nil) on a read-deadline timeout, matching
// go.bug.st/serial's own convention; it never synthesizes io.EOF for
// that case since a timeout is not end of stream.
func (s *Serial) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *Serial) Write(p []byte) error {
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// WaitReadable sets the port's read deadline to timeout and reports
// Ready; go.bug.st/serial has no non-consuming readiness poll, so the
// actual wait happens on the following Read, which returns (0, nil)
// on its own timeout. Callers in padp/slp treat a zero-length,
// error-free Read as a timeout.
func (s *Serial) WaitReadable(timeout time.Duration) (WaitResult, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return TimedOut, err
	}
	return Ready, nil
}

// WaitWritable is always immediately ready: serial writes only block
// on the kernel's own output buffer, which this library does not
// expose a select-style wait for.
func (s *Serial) WaitWritable(_ time.Duration) (WaitResult, error) {
	return Ready, nil
}

func (s *Serial) Drain() error {
	return s.port.Drain()
}

func (s *Serial) Accept(_ context.Context) error {
	return nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}
