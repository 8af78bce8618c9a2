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

package pconn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldsync/pconn/netsync"
	"github.com/coldsync/pconn/padp"
	"github.com/coldsync/pconn/slp"
	"github.com/coldsync/pconn/transport"
)

func TestOpenFullBuildsSLPAndPADP(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	c, err := Open(context.Background(), a, Config{
		Stack: StackFull,
		Bind:  slp.Address{Protocol: 1, Port: 1},
	})
	require.NoError(t, err)
	require.Equal(t, StatusUp, c.Status())
	require.NotNil(t, c.slp)
	require.NotNil(t, c.padp)
	require.Nil(t, c.net)
}

func TestOpenSimpleBuildsNetSync(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	c, err := Open(context.Background(), a, Config{Stack: StackSimple})
	require.NoError(t, err)
	require.Equal(t, StatusUp, c.Status())
	require.NotNil(t, c.net)
	require.Nil(t, c.slp)
	require.Nil(t, c.padp)
}

func TestOpenRejectsUnknownStack(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	_, err := Open(context.Background(), a, Config{Stack: StackKind(99)})
	require.Error(t, err)
}

// TestOpenSimpleExecRoundTrip drives a real Exec call through the full
// guarded-requester/dlp/netsync/transport pipeline, with a bare
// netsync.Conn on the other end standing in for the handheld.
func TestOpenSimpleExecRoundTrip(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	host, err := Open(context.Background(), a, Config{Stack: StackSimple})
	require.NoError(t, err)
	defer host.Close()

	peer := netsync.New(b, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req, err := peer.Read()
		require.NoError(t, err)
		require.Equal(t, []byte{0x13, 0}, req)
		require.NoError(t, peer.Write([]byte{0x13 | 0x80, 0, 0, 0}))
	}()

	resp, err := host.DLP().Exec(0x13)
	require.NoError(t, err)
	require.Equal(t, byte(0x13), resp.ID)
	wg.Wait()
}

func TestObserveMovesToLostOnTerminalError(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	c, err := Open(context.Background(), a, Config{Stack: StackSimple})
	require.NoError(t, err)

	c.observe(padp.ErrTimeout)
	require.Equal(t, StatusLost, c.Status())
	require.ErrorIs(t, c.LastError(), padp.ErrTimeout)
}

func TestObserveIgnoresNilAndNonTerminalErrors(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	c, err := Open(context.Background(), a, Config{Stack: StackSimple})
	require.NoError(t, err)

	c.observe(nil)
	require.Equal(t, StatusUp, c.Status())

	c.observe(context.Canceled)
	require.Equal(t, StatusUp, c.Status())
}

func TestCheckIORejectsAfterLostOrClosed(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	c, err := Open(context.Background(), a, Config{Stack: StackSimple})
	require.NoError(t, err)

	c.observe(padp.ErrAbort)
	require.ErrorIs(t, c.checkIO(), ErrNotUp)

	_, err = c.DLP().Exec(0x13)
	require.ErrorIs(t, err, ErrNotUp)

	require.NoError(t, c.Close())
	require.Equal(t, StatusClosed, c.Status())
	require.ErrorIs(t, c.checkIO(), ErrNotUp)
}

func TestCloseIsIdempotentAndTearsDownLayers(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	c, err := Open(context.Background(), a, Config{Stack: StackSimple})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.Nil(t, c.net)
	require.Nil(t, c.dlp)

	require.NoError(t, c.Close())
	require.Equal(t, StatusClosed, c.Status())
}

func TestStackKindStrings(t *testing.T) {
	require.Equal(t, "full", StackFull.String())
	require.Equal(t, "simple", StackSimple.String())
	require.Equal(t, "net", StackNet.String())
}
