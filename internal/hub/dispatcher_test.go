package hub

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/chatalot/internal/protocol"
	"github.com/jaydenbeard/chatalot/internal/store"
)

func newTestSession(userID uuid.UUID, manager *ConnectionManager, dispatcher *Dispatcher) *Session {
	return &Session{
		ID:         uuid.New(),
		UserID:     userID,
		send:       make(chan protocol.ServerMessage, 16),
		manager:    manager,
		dispatcher: dispatcher,
		unsubs:     make(map[uuid.UUID]func()),
	}
}

func recvOrFail(t *testing.T, ch <-chan protocol.ServerMessage) protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server message")
		return protocol.ServerMessage{}
	}
}

func requireEmpty(t *testing.T, ch <-chan protocol.ServerMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message, got %+v", msg)
	default:
	}
}

func TestDispatchPing(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")
	s := newTestSession(uuid.New(), manager, d)

	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientPing, Timestamp: 42})

	msg := recvOrFail(t, s.send)
	require.Equal(t, protocol.ServerPong, msg.Type)
	require.Equal(t, int64(42), msg.Timestamp)
}

func TestDispatchSendMessageRejectsNonMember(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelText})

	s := newTestSession(uuid.New(), manager, d)
	d.Dispatch(context.Background(), s, &protocol.ClientMessage{
		Type:      protocol.ClientSendMessage,
		ChannelID: channelID,
	})

	msg := recvOrFail(t, s.send)
	require.Equal(t, protocol.ServerError, msg.Type)
	require.Equal(t, protocol.CodeForbidden, msg.Code)
}

func TestDispatchSendMessageBroadcastsToGroupChannel(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	sender := uuid.New()
	listener := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelText})
	mem.SeedMember(channelID, sender, store.RoleMember)
	mem.SeedMember(channelID, listener, store.RoleMember)

	senderSession := newTestSession(sender, manager, d)
	listenerSession := newTestSession(listener, manager, d)
	ch, unsubscribe := manager.SubscribeChannel(channelID, listenerSession.ID)
	defer unsubscribe()

	d.Dispatch(context.Background(), senderSession, &protocol.ClientMessage{
		Type:        protocol.ClientSendMessage,
		ChannelID:   channelID,
		Ciphertext:  []byte("ct"),
		Nonce:       []byte("nonce"),
		MessageType: protocol.MessageTypeText,
	})

	sentConfirm := recvOrFail(t, senderSession.send)
	require.Equal(t, protocol.ServerMessageSent, sentConfirm.Type)

	broadcast := recvOrFail(t, ch)
	require.Equal(t, protocol.ServerNewMessage, broadcast.Type)
	require.Equal(t, sender, broadcast.SenderID)

	count, err := mem.CountMessages(context.Background(), channelID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDispatchSendMessageDMBlockedWithoutSharedCommunity(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	userA := uuid.New()
	userB := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelDM})
	mem.SeedMember(channelID, userA, store.RoleMember)
	mem.SeedMember(channelID, userB, store.RoleMember)

	s := newTestSession(userA, manager, d)
	d.Dispatch(context.Background(), s, &protocol.ClientMessage{
		Type:        protocol.ClientSendMessage,
		ChannelID:   channelID,
		Ciphertext:  []byte("ct"),
		Nonce:       []byte("nonce"),
		MessageType: protocol.MessageTypeText,
	})

	msg := recvOrFail(t, s.send)
	require.Equal(t, protocol.ServerError, msg.Type)
	require.Equal(t, protocol.CodeForbidden, msg.Code)
}

func TestDispatchDeleteMessageOwnerNoRoleNeeded(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	author := uuid.New()
	messageID := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelText})
	mem.SeedMember(channelID, author, store.RoleMember)
	require.NoError(t, mem.InsertMessage(context.Background(), &store.Message{
		ID: messageID, ChannelID: channelID, SenderID: &author, CreatedAt: time.Now(),
	}))

	s := newTestSession(author, manager, d)
	ch, unsubscribe := manager.SubscribeChannel(channelID, uuid.New())
	defer unsubscribe()

	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientDeleteMessage, MessageID: messageID})

	broadcast := recvOrFail(t, ch)
	require.Equal(t, protocol.ServerMessageDeleted, broadcast.Type)
	require.Equal(t, messageID, broadcast.MessageID)
}

func TestDispatchDeleteMessageForbiddenForPlainMember(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	author := uuid.New()
	other := uuid.New()
	messageID := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelText})
	mem.SeedMember(channelID, author, store.RoleMember)
	mem.SeedMember(channelID, other, store.RoleMember)
	require.NoError(t, mem.InsertMessage(context.Background(), &store.Message{
		ID: messageID, ChannelID: channelID, SenderID: &author, CreatedAt: time.Now(),
	}))

	s := newTestSession(other, manager, d)
	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientDeleteMessage, MessageID: messageID})

	msg := recvOrFail(t, s.send)
	require.Equal(t, protocol.ServerError, msg.Type)
	require.Equal(t, protocol.CodeForbidden, msg.Code)
}

func TestDispatchDeleteMessageAllowedForModerator(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	author := uuid.New()
	moderator := uuid.New()
	messageID := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelText})
	mem.SeedMember(channelID, author, store.RoleMember)
	mem.SeedMember(channelID, moderator, store.RoleModerator)
	require.NoError(t, mem.InsertMessage(context.Background(), &store.Message{
		ID: messageID, ChannelID: channelID, SenderID: &author, CreatedAt: time.Now(),
	}))

	s := newTestSession(moderator, manager, d)
	ch, unsubscribe := manager.SubscribeChannel(channelID, uuid.New())
	defer unsubscribe()

	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientDeleteMessage, MessageID: messageID})

	broadcast := recvOrFail(t, ch)
	require.Equal(t, protocol.ServerMessageDeleted, broadcast.Type)
}

func TestDispatchJoinVoiceThenLeaveEndsEmptySession(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	userID := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelVoice})
	mem.SeedMember(channelID, userID, store.RoleMember)

	s := newTestSession(userID, manager, d)
	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientJoinVoice, ChannelID: channelID})

	state := recvOrFail(t, s.send)
	require.Equal(t, protocol.ServerVoiceStateUpdate, state.Type)

	active, err := mem.VoiceGetActiveSession(context.Background(), channelID)
	require.NoError(t, err)
	require.NotNil(t, active)

	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientLeaveVoice, ChannelID: channelID})

	ended, err := mem.VoiceGetActiveSession(context.Background(), channelID)
	require.NoError(t, err)
	require.Nil(t, ended)
}

func TestDispatchSubscribeSelfEchoFiltered(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	userID := uuid.New()
	mem.SeedChannel(&store.Channel{ID: channelID, Type: store.ChannelText})
	mem.SeedMember(channelID, userID, store.RoleMember)

	s := newTestSession(userID, manager, d)
	d.Dispatch(context.Background(), s, &protocol.ClientMessage{Type: protocol.ClientSubscribe, ChannelIDs: []uuid.UUID{channelID}})

	manager.BroadcastToChannel(channelID, protocol.ServerMessage{
		Type:      protocol.ServerNewMessage,
		ChannelID: channelID,
		SenderID:  userID,
	})

	time.Sleep(50 * time.Millisecond)
	requireEmpty(t, s.send)
}

func TestRemoveMemberAndRotateKeysBroadcastsRequirement(t *testing.T) {
	mem := store.NewMemoryStore()
	manager := NewConnectionManager()
	d := NewDispatcher(mem, manager, "test")

	channelID := uuid.New()
	actor := uuid.New()
	removed := uuid.New()
	remaining := uuid.New()
	mem.SeedMember(channelID, removed, store.RoleMember)
	mem.SeedMember(channelID, remaining, store.RoleMember)

	ch, unsubscribe := manager.SubscribeChannel(channelID, uuid.New())
	defer unsubscribe()

	require.NoError(t, d.RemoveMemberAndRotateKeys(context.Background(), actor, channelID, removed))

	msg := recvOrFail(t, ch)
	require.Equal(t, protocol.ServerSenderKeyRotationReq, msg.Type)

	isMember, err := mem.IsChannelMember(context.Background(), channelID, removed)
	require.NoError(t, err)
	require.False(t, isMember)
}
