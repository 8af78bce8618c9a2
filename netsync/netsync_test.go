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

package netsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldsync/pconn/transport"
)

func TestRoundTrip(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	writer := New(a, nil)
	reader := New(b, nil)

	require.Equal(t, byte(1), writer.XID())

	payload := []byte("ReadUserInfo request body")
	require.NoError(t, writer.Write(payload))

	got, err := reader.Read()
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, byte(2), writer.XID())
}

func TestXIDIncrementsPerExchange(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	writer := New(a, nil)
	reader := New(b, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, writer.Write([]byte{byte(i)}))
	}
	for i := 0; i < 3; i++ {
		got, err := reader.Read()
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
	require.Equal(t, byte(4), writer.XID())
}

func TestBadFrameTagRejected(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	reader := New(b, nil)

	require.NoError(t, a.Write([]byte{0x02, 0x01, 0x00, 0x00, 0x00, 0x00}))

	_, err := reader.Read()
	require.Error(t, err)
}
