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
	"bytes"
	"context"
	"sync"
	"time"
)

// Loopback is one end of a connected pair of in-memory transports,
// used by padp/slp tests to exercise two real Connections talking to
// each other, including selective packet drops for retry/ACK-loss
// tests.
type Loopback struct {
	mu   sync.Mutex
	peer *Loopback
	in   bytes.Buffer

	// DropNext, if > 0, silently discards the next N writes to this
	// endpoint's peer and decrements itself per dropped write.
	DropNext int
}

// NewLoopbackPair returns two endpoints, each other's peer.
func NewLoopbackPair() (a, b *Loopback) {
	a = &Loopback{}
	b = &Loopback{}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.in.Len() == 0 {
		return 0, nil
	}
	return l.in.Read(p)
}

func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	if l.DropNext > 0 {
		l.DropNext--
		l.mu.Unlock()
		return nil
	}
	peer := l.peer
	l.mu.Unlock()

	peer.mu.Lock()
	defer peer.mu.Unlock()
	_, err := peer.in.Write(p)
	return err
}

// WaitReadable blocks, polling briefly, until data is available or
// timeout elapses. Real transports block on a genuine select/poll;
// this one polls because bytes.Buffer has no wait primitive, but the
// observable behavior (block until ready or timeout) is the same,
// which lets two Conns on opposite ends of a pair genuinely
// synchronize in tests instead of racing.
func (l *Loopback) WaitReadable(timeout time.Duration) (WaitResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		ready := l.in.Len() > 0
		l.mu.Unlock()
		if ready {
			return Ready, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return TimedOut, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *Loopback) WaitWritable(_ time.Duration) (WaitResult, error) {
	return Ready, nil
}

func (l *Loopback) Drain() error               { return nil }
func (l *Loopback) Accept(_ context.Context) error { return nil }
func (l *Loopback) Close() error               { return nil }
