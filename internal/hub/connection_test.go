package hub

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/chatalot/internal/protocol"
)

func TestConnectionManagerAddRemoveSession(t *testing.T) {
	m := NewConnectionManager()
	userID := uuid.New()
	sessionID := uuid.New()
	send := make(chan protocol.ServerMessage, 1)

	require.False(t, m.IsOnline(userID))

	m.AddSession(SessionHandle{SessionID: sessionID, UserID: userID, Send: send})
	require.True(t, m.IsOnline(userID))

	m.RemoveSession(userID, sessionID)
	require.False(t, m.IsOnline(userID))
}

func TestConnectionManagerSendToUserMultiDevice(t *testing.T) {
	m := NewConnectionManager()
	userID := uuid.New()

	sendA := make(chan protocol.ServerMessage, 1)
	sendB := make(chan protocol.ServerMessage, 1)
	m.AddSession(SessionHandle{SessionID: uuid.New(), UserID: userID, Send: sendA})
	m.AddSession(SessionHandle{SessionID: uuid.New(), UserID: userID, Send: sendB})

	m.SendToUser(userID, protocol.ServerMessage{Type: protocol.ServerPong})

	select {
	case <-sendA:
	case <-time.After(time.Second):
		t.Fatal("device A did not receive message")
	}
	select {
	case <-sendB:
	case <-time.After(time.Second):
		t.Fatal("device B did not receive message")
	}
}

func TestConnectionManagerSendToUserDropsOnFullOutbox(t *testing.T) {
	m := NewConnectionManager()
	userID := uuid.New()
	send := make(chan protocol.ServerMessage, 1)
	m.AddSession(SessionHandle{SessionID: uuid.New(), UserID: userID, Send: send})

	m.SendToUser(userID, protocol.ServerMessage{Type: protocol.ServerPong, Timestamp: 1})
	m.SendToUser(userID, protocol.ServerMessage{Type: protocol.ServerPong, Timestamp: 2})

	msg := <-send
	require.Equal(t, int64(1), msg.Timestamp)

	select {
	case <-send:
		t.Fatal("expected second message to have been dropped")
	default:
	}
}

func TestConnectionManagerBroadcastToChannel(t *testing.T) {
	m := NewConnectionManager()
	channelID := uuid.New()

	sessionA := uuid.New()
	sessionB := uuid.New()
	chA, unsubA := m.SubscribeChannel(channelID, sessionA)
	chB, unsubB := m.SubscribeChannel(channelID, sessionB)
	defer unsubA()
	defer unsubB()

	m.BroadcastToChannel(channelID, protocol.ServerMessage{Type: protocol.ServerUserTyping, ChannelID: channelID})

	select {
	case msg := <-chA:
		require.Equal(t, protocol.ServerUserTyping, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber A did not receive broadcast")
	}
	select {
	case msg := <-chB:
		require.Equal(t, protocol.ServerUserTyping, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber B did not receive broadcast")
	}
}

func TestConnectionManagerBroadcastToChannelNoSubscribersIsNoop(t *testing.T) {
	m := NewConnectionManager()
	require.NotPanics(t, func() {
		m.BroadcastToChannel(uuid.New(), protocol.ServerMessage{Type: protocol.ServerUserTyping})
	})
}

func TestConnectionManagerUnsubscribeStopsDelivery(t *testing.T) {
	m := NewConnectionManager()
	channelID := uuid.New()
	sessionID := uuid.New()

	ch, unsubscribe := m.SubscribeChannel(channelID, sessionID)
	unsubscribe()

	m.BroadcastToChannel(channelID, protocol.ServerMessage{Type: protocol.ServerUserTyping})

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestConnectionManagerEvictsEmptyBusOnUnsubscribe(t *testing.T) {
	m := NewConnectionManager()
	channelID := uuid.New()
	sessionID := uuid.New()

	_, unsubscribe := m.SubscribeChannel(channelID, sessionID)

	m.mu.RLock()
	_, exists := m.channels[channelID]
	m.mu.RUnlock()
	require.True(t, exists, "bus should exist while subscribed")

	unsubscribe()

	m.mu.RLock()
	_, exists = m.channels[channelID]
	m.mu.RUnlock()
	require.False(t, exists, "bus should be evicted once its last subscriber leaves")
}

func TestConnectionManagerKeepsBusWithRemainingSubscribers(t *testing.T) {
	m := NewConnectionManager()
	channelID := uuid.New()

	_, unsubscribeA := m.SubscribeChannel(channelID, uuid.New())
	_, unsubscribeB := m.SubscribeChannel(channelID, uuid.New())

	unsubscribeA()

	m.mu.RLock()
	_, exists := m.channels[channelID]
	m.mu.RUnlock()
	require.True(t, exists, "bus should survive while another subscriber remains")

	unsubscribeB()

	m.mu.RLock()
	_, exists = m.channels[channelID]
	m.mu.RUnlock()
	require.False(t, exists)
}
