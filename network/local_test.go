package network_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmwaters/mempool/core"
	"github.com/cmwaters/mempool/network"
)

func testMessage(sender string) *core.Message {
	return &core.Message{
		Type:      core.SyncRequestMessage,
		Sender:    []byte(sender),
		Signature: []byte("sig"),
		Digests:   []core.Digest{{1}, {2}},
	}
}

func TestLocalNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := network.NewLocalNetwork(10)
	a, b, c := n.Join([]byte("a")), n.Join([]byte("b")), n.Join([]byte("c"))

	msg := testMessage("a")
	require.NoError(t, a.Broadcast(ctx, msg))
	for _, tr := range []*network.LocalTransport{b, c} {
		got, err := tr.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}

	require.NoError(t, b.Send(ctx, []byte("c"), testMessage("b")))
	got, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got.Sender)

	require.Error(t, b.Send(ctx, []byte("d"), testMessage("b")))

	// the sender never receives its own broadcast
	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	_, err = a.Receive(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalNetworkFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := network.NewLocalNetwork(10)
	a, b, c := n.Join([]byte("a")), n.Join([]byte("b")), n.Join([]byte("c"))
	n.SetFilter(func(from, to []byte, msg *core.Message) bool {
		return !bytes.Equal(to, []byte("b"))
	})

	require.NoError(t, a.Broadcast(ctx, testMessage("a")))
	_, err := c.Receive(ctx)
	require.NoError(t, err)

	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	_, err = b.Receive(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalTransportDropsMalformed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := network.NewLocalNetwork(10)
	a, b := n.Join([]byte("a")), n.Join([]byte("b"))

	require.NoError(t, b.Inject(ctx, []byte("garbage")))
	require.NoError(t, b.Inject(ctx, []byte(`{"type":1,"sender":"YQ==","signature":"YQ=="}`)))
	require.NoError(t, a.Send(ctx, []byte("b"), testMessage("a")))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, testMessage("a"), got)
}

func TestLocalTransportClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := network.NewLocalNetwork(1)
	a, b := n.Join([]byte("a")), n.Join([]byte("b"))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err := b.Receive(ctx)
	require.ErrorIs(t, err, core.ErrTransportClosed)

	// the departed peer is no longer addressable
	require.Error(t, a.Send(ctx, []byte("b"), testMessage("a")))
	require.NoError(t, a.Broadcast(ctx, testMessage("a")))
}

func TestCodec(t *testing.T) {
	msg := testMessage("a")
	data, err := network.Encode(msg)
	require.NoError(t, err)
	got, err := network.Decode(data)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// the size bound holds for the largest possible messages
	full := &core.Message{
		Type:      core.BatchMessage,
		Sender:    bytes.Repeat([]byte{1}, 32),
		Signature: bytes.Repeat([]byte{2}, 64),
		Payload:   bytes.Repeat([]byte{3}, 1000),
	}
	data, err = network.Encode(full)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), network.MaxMessageSize(1000))

	full = &core.Message{
		Type:      core.SyncRequestMessage,
		Sender:    bytes.Repeat([]byte{1}, 32),
		Signature: bytes.Repeat([]byte{2}, 64),
		Digests:   make([]core.Digest, core.MaxSyncDigests),
	}
	data, err = network.Encode(full)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), network.MaxMessageSize(1000))

	_, err = network.Decode([]byte(`{"type":3,"sender":"YQ==","signature":"YQ=="}`))
	require.Error(t, err)
}
