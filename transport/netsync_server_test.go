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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRunServerRitualExchangesThreeFrames drives runServerRitual over
// a Loopback pair, playing the client side by hand: send response 1,
// read statement 2, send response 2, read statement 3, send response
// 3. This is the part of
// the NetSync wakeup handshake (§4.4/§9) that doesn't need a real UDP/
// TCP socket to exercise.
func TestRunServerRitualExchangesThreeFrames(t *testing.T) {
	a, b := NewLoopbackPair()

	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() {
		defer wg.Done()
		serverErr = runServerRitual(a)
	}()

	// Response 1, ahead of anything from the server.
	require.NoError(t, writeRitualFrame(b, 1, []byte("resp1")))

	stmt2Len, err := readRitualFrame(b)
	require.NoError(t, err)
	require.Equal(t, len(ritualStmt2), stmt2Len)

	require.NoError(t, writeRitualFrame(b, 1, []byte("resp2")))

	stmt3Len, err := readRitualFrame(b)
	require.NoError(t, err)
	require.Equal(t, len(ritualStmt3), stmt3Len)

	require.NoError(t, writeRitualFrame(b, 2, []byte("resp3")))

	wg.Wait()
	require.NoError(t, serverErr)
}

func TestParseWakeupRoundTripsIntoAck(t *testing.T) {
	buf := make([]byte, 0, 20)
	buf = append(buf, 0x90, 0x01) // magic
	buf = append(buf, 1)          // type: wakeup request
	buf = append(buf, 0)          // unknown
	buf = append(buf, 0, 0, 0, 7) // hostid
	buf = append(buf, 0xff, 0xff, 0xff, 0x00) // netmask
	buf = append(buf, []byte("host\x00\x00\x00")...)

	w, err := parseWakeup(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(WakeupMagic), w.magic)
	require.Equal(t, byte(1), w.typ)
	require.Equal(t, uint32(7), w.hostid)
	require.Equal(t, "host", string(w.hostname))

	ack := w.ack()
	reparsed, err := parseWakeup(ack)
	require.NoError(t, err)
	require.Equal(t, uint16(WakeupMagic), reparsed.magic)
	require.Equal(t, byte(2), reparsed.typ)
	require.Equal(t, w.hostid, reparsed.hostid)
	require.Equal(t, w.netmask, reparsed.netmask)
	require.Equal(t, "host", string(reparsed.hostname))
}

func TestParseWakeupRejectsShortPacket(t *testing.T) {
	_, err := parseWakeup([]byte{0x90, 0x01, 1})
	require.Error(t, err)
}
