package unison

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newChannelPair(t *testing.T) (*UnisonChannel, *UnisonChannel) {
	t.Helper()
	codec, err := NewCodec(DefaultCodecConfig())
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	a, b := newPipeStreamPair()
	clientSide := newUnisonChannel("orders", 1, a, codec, DefaultEventQueueSize, zerolog.Nop())
	serverSide := newUnisonChannel("orders", 1, b, codec, DefaultEventQueueSize, zerolog.Nop())
	t.Cleanup(func() { _ = clientSide.Close() })
	t.Cleanup(func() { _ = serverSide.Close() })
	return clientSide, serverSide
}

func TestChannelRequestResponse(t *testing.T) {
	client, server := newChannelPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, err := server.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, MsgRequest, msg.Type)
		require.NoError(t, server.SendResponse(msg.ID, "", json.RawMessage(`{"ok":true}`)))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, "create", map[string]string{"sku": "abc"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp))

	<-done
}

func TestChannelRequestRemoteError(t *testing.T) {
	client, server := newChannelPair(t)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, err := server.Recv(ctx)
		if err != nil {
			return
		}
		_ = server.SendErrorResponse(msg.ID, CodeInternal, "boom")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Request(ctx, "create", nil)
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, CodeInternal, remote.Code)
}

func TestChannelSendEventRecv(t *testing.T) {
	client, server := newChannelPair(t)

	require.NoError(t, server.SendEvent("tick", map[string]int{"n": 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, MsgEvent, msg.Type)
	require.Equal(t, "tick", msg.Method)
}

func TestChannelRawFastPath(t *testing.T) {
	client, server := newChannelPair(t)

	require.NoError(t, server.SendRaw([]byte("blob-bytes")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := client.RecvRaw(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("blob-bytes"), data)
}

func TestChannelCloseFailsPendingRequests(t *testing.T) {
	client, _ := newChannelPair(t)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := client.Request(ctx, "never-answered", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not unblock after Close")
	}
}

func TestChannelRequestContextCancellation(t *testing.T) {
	client, _ := newChannelPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Request(ctx, "never-answered", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestChannelIDsSkipZero(t *testing.T) {
	client, _ := newChannelPair(t)
	first, err := client.nextID()
	require.NoError(t, err)
	require.NotZero(t, first)
}
