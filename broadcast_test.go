package unison

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionBroadcasterFanOut(t *testing.T) {
	b := newConnectionBroadcaster()
	sub1, unsub1 := b.subscribe()
	sub2, unsub2 := b.subscribe()
	defer unsub1()
	defer unsub2()

	b.publish(ConnectionEvent{Kind: ConnectionConnected, RemoteAddr: "1.2.3.4"})

	ev1 := <-sub1
	ev2 := <-sub2
	require.Equal(t, ConnectionConnected, ev1.Kind)
	require.Equal(t, ConnectionConnected, ev2.Kind)
}

func TestConnectionBroadcasterLateSubscriberMissesHistory(t *testing.T) {
	b := newConnectionBroadcaster()
	b.publish(ConnectionEvent{Kind: ConnectionConnected, RemoteAddr: "1.2.3.4"})

	sub, unsub := b.subscribe()
	defer unsub()

	select {
	case ev := <-sub:
		t.Fatalf("late subscriber should not observe prior event, got %+v", ev)
	default:
	}
}

func TestConnectionBroadcasterDropsOnFullBuffer(t *testing.T) {
	b := newConnectionBroadcaster()
	sub, unsub := b.subscribe()
	defer unsub()

	for i := 0; i < connectionBroadcastBuffer+10; i++ {
		b.publish(ConnectionEvent{Kind: ConnectionConnected})
	}

	count := 0
	for {
		select {
		case <-sub:
			count++
		default:
			require.LessOrEqual(t, count, connectionBroadcastBuffer)
			return
		}
	}
}

func TestConnectionBroadcasterCloseAllClosesSubscribers(t *testing.T) {
	b := newConnectionBroadcaster()
	sub, _ := b.subscribe()
	b.closeAll()

	_, ok := <-sub
	require.False(t, ok)
}
