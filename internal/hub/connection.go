package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jaydenbeard/chatalot/internal/protocol"
)

// channelBusCapacity bounds each channel's per-subscriber outbox. A slow
// subscriber that falls behind this far misses the events broadcast while
// its outbox is full, rather than blocking the broadcaster, and stays
// subscribed, mirroring a bounded broadcast channel's lagged-receiver
// behavior.
const channelBusCapacity = 256

// channelBus fans a channel's events out to every subscribed session.
// Go has no built-in multi-consumer broadcast channel, so this keeps one
// buffered outbox per subscriber and writes to each non-blockingly.
type channelBus struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan protocol.ServerMessage
}

func newChannelBus() *channelBus {
	return &channelBus{subscribers: make(map[uuid.UUID]chan protocol.ServerMessage)}
}

func (b *channelBus) subscribe(sessionID uuid.UUID) <-chan protocol.ServerMessage {
	ch := make(chan protocol.ServerMessage, channelBusCapacity)
	b.mu.Lock()
	b.subscribers[sessionID] = ch
	b.mu.Unlock()
	return ch
}

func (b *channelBus) unsubscribe(sessionID uuid.UUID) {
	b.mu.Lock()
	if ch, ok := b.subscribers[sessionID]; ok {
		delete(b.subscribers, sessionID)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *channelBus) broadcast(msg protocol.ServerMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			// subscriber is lagging; drop rather than block the broadcaster
		}
	}
}

func (b *channelBus) empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers) == 0
}

// SessionHandle is what the connection manager holds for a registered
// session: enough to push a server frame at it without knowing about the
// underlying websocket connection.
type SessionHandle struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Send      chan<- protocol.ServerMessage
}

// ConnectionManager owns every active session and channel broadcast bus
// for one server process. It supports multiple simultaneous sessions per
// user (multi-device) and non-blocking fan-out to both.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]map[uuid.UUID]SessionHandle // userID -> sessionID -> handle
	channels    map[uuid.UUID]*channelBus                 // channelID -> bus
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[uuid.UUID]map[uuid.UUID]SessionHandle),
		channels:    make(map[uuid.UUID]*channelBus),
	}
}

// AddSession registers a new session for handle.UserID.
func (m *ConnectionManager) AddSession(handle SessionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[handle.UserID] == nil {
		m.connections[handle.UserID] = make(map[uuid.UUID]SessionHandle)
	}
	m.connections[handle.UserID][handle.SessionID] = handle
}

// RemoveSession drops a session. The user's map entry is deleted once it
// empties so IsOnline reflects only truly-connected users.
func (m *ConnectionManager) RemoveSession(userID, sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.connections[userID]
	if !ok {
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.connections, userID)
	}
}

// IsOnline reports whether userID has any live session.
func (m *ConnectionManager) IsOnline(userID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections[userID]) > 0
}

// OnlineUsers returns every user with at least one live session.
func (m *ConnectionManager) OnlineUsers() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.connections))
	for uid := range m.connections {
		out = append(out, uid)
	}
	return out
}

// SendToUser delivers msg to every session userID has open, across every
// device. Sends are non-blocking: a session whose outbox is full is
// skipped rather than stalling delivery to the rest.
func (m *ConnectionManager) SendToUser(userID uuid.UUID, msg protocol.ServerMessage) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, handle := range m.connections[userID] {
		select {
		case handle.Send <- msg:
		default:
		}
	}
}

// SubscribeChannel joins sessionID to channelID's broadcast bus, creating
// the bus on first use. The returned channel delivers every subsequent
// BroadcastToChannel call for channelID; the returned func detaches it
// and, if that was the bus's last subscriber, evicts the bus itself so
// an abandoned channel doesn't hold a map entry forever.
func (m *ConnectionManager) SubscribeChannel(channelID, sessionID uuid.UUID) (<-chan protocol.ServerMessage, func()) {
	bus := m.getOrCreateBus(channelID)
	ch := bus.subscribe(sessionID)
	return ch, func() {
		bus.unsubscribe(sessionID)
		m.evictBusIfEmpty(channelID, bus)
	}
}

// evictBusIfEmpty removes channelID's bus from the manager once it has
// no subscribers left, provided no new subscriber raced in between the
// unsubscribe and this check.
func (m *ConnectionManager) evictBusIfEmpty(channelID uuid.UUID, bus *channelBus) {
	if !bus.empty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.channels[channelID]; ok && current == bus && bus.empty() {
		delete(m.channels, channelID)
	}
}

// BroadcastToChannel fans msg out to every session subscribed to
// channelID. A channel with no subscribers is a silent no-op.
func (m *ConnectionManager) BroadcastToChannel(channelID uuid.UUID, msg protocol.ServerMessage) {
	m.mu.RLock()
	bus, ok := m.channels[channelID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	bus.broadcast(msg)
}

func (m *ConnectionManager) getOrCreateBus(channelID uuid.UUID) *channelBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	bus, ok := m.channels[channelID]
	if !ok {
		bus = newChannelBus()
		m.channels[channelID] = bus
	}
	return bus
}
