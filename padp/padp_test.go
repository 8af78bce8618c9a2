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

package padp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldsync/pconn/slp"
	"github.com/coldsync/pconn/transport"
)

func newPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := transport.NewLoopbackPair()

	sa := slp.New(a, nil)
	sa.Bind(slp.Address{Protocol: 1, Port: 1})
	sb := slp.New(b, nil)
	sb.Bind(slp.Address{Protocol: 1, Port: 2})

	// Each side's SLP remote address is fixed to the other's bound
	// local address, as if a prior exchange had already latched it.
	setRemote(sa, slp.Address{Protocol: 1, Port: 2})
	setRemote(sb, slp.Address{Protocol: 1, Port: 1})

	return New(sa, nil), New(sb, nil)
}

// setRemote pokes the unexported remote-address field via the helper
// slp exposes solely for tests in slp/testutil.go.
func setRemote(f *slp.Framer, addr slp.Address) {
	slp.SetRemoteForTest(f, addr)
}

func TestFragmentationRoundTrip(t *testing.T) {
	writer, reader := newPair(t)

	msg := make([]byte, 2400)
	for i := range msg {
		msg[i] = byte(i % 251)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		writeErr = writer.Write(msg)
	}()

	got, err := reader.Read()
	wg.Wait()

	require.NoError(t, writeErr)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestTickleTolerance(t *testing.T) {
	writer, reader := newPair(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		// Two tickles ahead of the real write, sent directly over
		// the reader's inbound wire.
		writeErr = writer.txFrag(header{typ: typeTickle}, nil)
		if writeErr != nil {
			return
		}
		writeErr = writer.txFrag(header{typ: typeTickle}, nil)
		if writeErr != nil {
			return
		}
		writeErr = writer.Write([]byte("hello"))
	}()

	got, err := reader.Read()
	wg.Wait()

	require.NoError(t, writeErr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestFragmentHeaderSequence(t *testing.T) {
	writer, reader := newPair(t)

	msg := make([]byte, 2400)

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		writeErr = writer.Write(msg)
	}()

	var got []header
	for i := 0; i < 3; i++ {
		h, _, err := reader.readDataFragment()
		require.NoError(t, err)
		got = append(got, h)
		require.NoError(t, reader.ack(h.flags, h.size))
	}
	wg.Wait()
	require.NoError(t, writeErr)

	require.Equal(t, header{typ: typeData, flags: flagFirst, size: 2400}, got[0])
	require.Equal(t, header{typ: typeData, flags: 0, size: 1024}, got[1])
	require.Equal(t, header{typ: typeData, flags: flagLast, size: 2048}, got[2])
}

// TestWriteRecoversFromDroppedACK drops the reader's first ACK on the
// wire (transport.Loopback's DropNext), forcing the writer to time
// out waiting for it and retransmit the same fragment. The message
// still arrives, and the writer's retry path runs at least once.
func TestWriteRecoversFromDroppedACK(t *testing.T) {
	a, b := transport.NewLoopbackPair()

	sa := slp.New(a, nil)
	sa.Bind(slp.Address{Protocol: 1, Port: 1})
	slp.SetRemoteForTest(sa, slp.Address{Protocol: 1, Port: 2})

	sb := slp.New(b, nil)
	sb.Bind(slp.Address{Protocol: 1, Port: 2})
	slp.SetRemoteForTest(sb, slp.Address{Protocol: 1, Port: 1})

	writer := New(sa, nil)
	writer.ReadTimeout = 20 * time.Millisecond
	reader := New(sb, nil)

	var retries int
	writer.OnRetry = func() { retries++ }

	// b is the reader's endpoint; dropping its next write drops the
	// ACK the reader is about to send back for the first fragment.
	b.DropNext = 1

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		writeErr = writer.Write([]byte("hello"))
	}()

	got, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	// The writer never saw that ACK, so it retransmits the same
	// fragment; drain and re-ack it so the writer's retry succeeds.
	h, _, err := reader.readDataFragment()
	require.NoError(t, err)
	require.NoError(t, reader.ack(h.flags, h.size))

	wg.Wait()
	require.NoError(t, writeErr)
	require.GreaterOrEqual(t, retries, 1)
}

func TestRetryBoundExhaustsToTimeout(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	_ = b

	sa := slp.New(a, nil)
	sa.Bind(slp.Address{Protocol: 1, Port: 1})
	slp.SetRemoteForTest(sa, slp.Address{Protocol: 1, Port: 2})

	writer := New(sa, nil)
	writer.ReadTimeout = 0 // fire WaitReadable timeouts immediately

	err := writer.Write([]byte("nobody is listening"))
	require.ErrorIs(t, err, ErrTimeout)
}
