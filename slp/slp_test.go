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

package slp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldsync/pconn/transport"
)

func TestRoundTrip(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	writer := New(a, nil)
	writer.Bind(Address{Protocol: 2, Port: 3})
	reader := New(b, nil)
	reader.Bind(Address{Protocol: 2, Port: 4})

	// writer's remote is reader's bound address, so the packet's
	// destination matches what reader is bound to.
	writer.remote = Address{Protocol: 2, Port: 4}

	msg := make([]byte, 500)
	for i := range msg {
		msg[i] = byte(i)
	}
	require.NoError(t, writer.Write(msg, 0x42))

	payload, xid, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, msg, payload)
	require.Equal(t, byte(0x42), xid)
	require.Equal(t, byte(0x42), reader.LastXID())
	require.Equal(t, Address{Protocol: 2, Port: 3}, reader.RemoteAddr())
}

func TestResynchronization(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	writer := New(a, nil)
	writer.Bind(Address{Protocol: 1, Port: 1})
	reader := New(b, nil)
	reader.Bind(Address{Protocol: 1, Port: 9})
	writer.remote = Address{Protocol: 1, Port: 9}

	// Inject garbage, including a partial preamble match, directly
	// ahead of a well-formed frame.
	garbage := []byte{0x00, 0xbe, 0xef, 0x01, 0xbe, 0xff}
	require.NoError(t, a.Write(garbage))
	require.NoError(t, writer.Write([]byte("hello"), 7))

	payload, xid, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
	require.Equal(t, byte(7), xid)
}

func TestAddressFiltering(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	writer := New(a, nil)
	writer.Bind(Address{Protocol: 1, Port: 1})
	reader := New(b, nil)
	reader.Bind(Address{Protocol: 1, Port: 9})
	writer.remote = Address{Protocol: 1, Port: 100} // wrong port

	require.NoError(t, writer.Write([]byte("ignored"), 1))

	// Second, correctly addressed packet.
	writer.remote = Address{Protocol: 1, Port: 9}
	require.NoError(t, writer.Write([]byte("matched"), 2))

	payload, xid, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("matched"), payload)
	require.Equal(t, byte(2), xid)
}

func TestBadCRCDiscarded(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	reader := New(b, nil)
	reader.Bind(Address{Protocol: 1, Port: 9})

	// Hand-assemble a frame with a good header checksum but a
	// corrupted trailing CRC, directly onto the wire.
	payload := []byte("corrupt me")
	var header [headerLen]byte
	header[0], header[1], header[2] = Preamble[0], Preamble[1], Preamble[2]
	header[3] = 9 // dst port
	header[4] = 1 // src port
	header[5] = 1 // proto
	header[6], header[7] = 0, byte(len(payload))
	header[8] = 3 // xid
	header[9] = headerChecksum(header)
	crc := crc16(header[:])
	crc = crc16Update(crc, payload)
	// Flip a bit in the CRC so it no longer validates.
	crcBytes := []byte{byte(crc >> 8), byte(crc)}
	crcBytes[1] ^= 0xff

	bad := append(append(append([]byte{}, header[:]...), payload...), crcBytes...)
	require.NoError(t, a.Write(bad))

	// Followed by a well-formed frame.
	writer := New(a, nil)
	writer.Bind(Address{Protocol: 1, Port: 1})
	writer.remote = Address{Protocol: 1, Port: 9}
	require.NoError(t, writer.Write([]byte("good frame"), 4))

	out, xid, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, []byte("good frame"), out)
	require.Equal(t, byte(4), xid)
}

// TestBufferGrowthIdempotence sends messages of growing, then
// shrinking, then growing size over the same Framer pair, making sure
// growIn/growOut's buffer reuse never bleeds stale bytes from a
// previous, larger payload into a smaller one, and correctly
// reallocates for one larger than anything seen so far.
func TestBufferGrowthIdempotence(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	writer := New(a, nil)
	writer.Bind(Address{Protocol: 1, Port: 1})
	reader := New(b, nil)
	reader.Bind(Address{Protocol: 1, Port: 9})
	writer.remote = Address{Protocol: 1, Port: 9}

	sizes := []int{8, 4096, 16, 8192, 1}
	for i, n := range sizes {
		msg := make([]byte, n)
		for j := range msg {
			msg[j] = byte(i + j)
		}
		require.NoError(t, writer.Write(msg, byte(i+1)))

		payload, xid, err := reader.Read()
		require.NoError(t, err)
		require.Equal(t, msg, payload)
		require.Equal(t, byte(i+1), xid)
	}
}
