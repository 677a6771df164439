package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/chatalot/internal/protocol"
)

const (
	// writeWait bounds how long a single frame write may take.
	writeWait = 10 * time.Second

	// pongWait bounds how long a reader will wait for any client frame
	// (including websocket-level pong control frames) before it is
	// considered dead.
	pongWait = 60 * time.Second

	// heartbeatPeriod is how often the server pushes an application-level
	// pong frame, independent of websocket ping/pong control frames.
	heartbeatPeriod = 30 * time.Second

	// maxMessageSize bounds a single client frame.
	maxMessageSize = 64 * 1024

	// sendBufferSize is each session's outbound queue depth.
	sendBufferSize = 256
)

// Session is one authenticated WebSocket connection. It owns the
// reader, writer, and heartbeat loops for that connection and tracks
// which channel broadcast buses it has subscribed to.
type Session struct {
	ID     uuid.UUID
	UserID uuid.UUID

	// IsOwner and IsAdmin mirror the instance-level role flags carried in
	// the session's access token. They're session-lifetime snapshots:
	// a role change takes effect on the user's next reconnect, same as
	// every other claim in the token.
	IsOwner bool
	IsAdmin bool

	conn       *websocket.Conn
	send       chan protocol.ServerMessage
	manager    *ConnectionManager
	dispatcher *Dispatcher

	subsMu   sync.Mutex
	unsubs   map[uuid.UUID]func()
}

func newSession(conn *websocket.Conn, auth AuthResult, manager *ConnectionManager, dispatcher *Dispatcher) *Session {
	return &Session{
		ID:         uuid.New(),
		UserID:     auth.UserID,
		IsOwner:    auth.IsOwner,
		IsAdmin:    auth.IsAdmin,
		conn:       conn,
		send:       make(chan protocol.ServerMessage, sendBufferSize),
		manager:    manager,
		dispatcher: dispatcher,
		unsubs:     make(map[uuid.UUID]func()),
	}
}

// Enqueue pushes a server frame onto this session's outbox without
// blocking; a full outbox drops the frame rather than stalling the
// caller (same semantics as ConnectionManager.SendToUser).
func (s *Session) Enqueue(msg protocol.ServerMessage) {
	select {
	case s.send <- msg:
	default:
	}
}

// subscribeChannel joins this session to a channel's broadcast bus and
// starts a relay goroutine that filters out messages this session's own
// user authored (self-echo), then forwards the rest to the outbox.
func (s *Session) subscribeChannel(channelID uuid.UUID) {
	s.subsMu.Lock()
	if _, already := s.unsubs[channelID]; already {
		s.subsMu.Unlock()
		return
	}
	ch, unsubscribe := s.manager.SubscribeChannel(channelID, s.ID)
	s.unsubs[channelID] = unsubscribe
	s.subsMu.Unlock()

	go func() {
		for msg := range ch {
			if msg.Type == protocol.ServerNewMessage && msg.SenderID == s.UserID {
				continue
			}
			s.Enqueue(msg)
		}
	}()
}

func (s *Session) unsubscribeAll() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, unsubscribe := range s.unsubs {
		unsubscribe()
	}
	s.unsubs = make(map[uuid.UUID]func())
}

// Run drives the session to completion: it starts the writer and
// heartbeat loops, then reads client frames until the connection closes
// or errors, and cleans up on the way out.
func (s *Session) Run(ctx context.Context) {
	s.manager.AddSession(SessionHandle{SessionID: s.ID, UserID: s.UserID, Send: s.send})
	broadcastPresence(s.manager, s.UserID, protocol.PresenceOnline)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump(ctx)

	s.manager.RemoveSession(s.UserID, s.ID)
	s.unsubscribeAll()
	close(s.send)
	<-writerDone

	if !s.manager.IsOnline(s.UserID) {
		broadcastPresence(s.manager, s.UserID, protocol.PresenceOffline)
	}
}

func (s *Session) readPump(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("hub: session %s read error: %v", s.ID, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			continue
		}

		s.dispatcher.Dispatch(ctx, s, msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := msg.Marshal()
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			pong := protocol.ServerMessage{Type: protocol.ServerPong, Timestamp: time.Now().Unix()}
			data, _ := pong.Marshal()
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// broadcastPresence tells every other online user about userID's status
// change.
func broadcastPresence(manager *ConnectionManager, userID uuid.UUID, status protocol.PresenceStatus) {
	msg := protocol.ServerMessage{Type: protocol.ServerPresenceUpdate, UserID: userID, Status: status}
	for _, uid := range manager.OnlineUsers() {
		if uid != userID {
			manager.SendToUser(uid, msg)
		}
	}
}
