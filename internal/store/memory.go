package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store used by dispatcher and
// hub unit tests. It is not a production backend: nothing is persisted
// across process restarts and there is no SKIP LOCKED equivalent for
// prekey contention (a single mutex serialises every call instead).
type MemoryStore struct {
	mu sync.Mutex

	channels  map[uuid.UUID]*Channel
	members   map[uuid.UUID]map[uuid.UUID]Role // channelID -> userID -> role
	users     map[uuid.UUID]*User
	community map[uuid.UUID]map[uuid.UUID]bool // userID -> communityID -> true

	messages map[uuid.UUID]*Message

	signedPrekeys  map[uuid.UUID]SignedPrekey
	oneTimePrekeys map[uuid.UUID][]OneTimePrekey
	identityKeys   map[uuid.UUID][]byte

	senderKeyDistributions map[uuid.UUID]map[uuid.UUID]*SenderKeyDistributionRow // channelID -> userID -> row

	voiceSessions     map[uuid.UUID]*VoiceSession   // channelID -> active session
	voiceSessionsByID map[uuid.UUID]*VoiceSession   // sessionID -> session
	voiceParticipants map[uuid.UUID]map[uuid.UUID]bool // sessionID -> userID -> true

	reactions map[uuid.UUID]map[uuid.UUID]map[string]bool // messageID -> userID -> emoji -> true

	readCursors map[uuid.UUID]map[uuid.UUID]uuid.UUID // userID -> channelID -> messageID

	auditLog []auditEntry

	refreshTokens map[string]*RefreshToken
}

type auditEntry struct {
	ActorID uuid.UUID
	Action  string
	Details map[string]any
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:               make(map[uuid.UUID]*Channel),
		members:                make(map[uuid.UUID]map[uuid.UUID]Role),
		users:                  make(map[uuid.UUID]*User),
		community:              make(map[uuid.UUID]map[uuid.UUID]bool),
		messages:               make(map[uuid.UUID]*Message),
		signedPrekeys:          make(map[uuid.UUID]SignedPrekey),
		oneTimePrekeys:         make(map[uuid.UUID][]OneTimePrekey),
		identityKeys:           make(map[uuid.UUID][]byte),
		senderKeyDistributions: make(map[uuid.UUID]map[uuid.UUID]*SenderKeyDistributionRow),
		voiceSessions:          make(map[uuid.UUID]*VoiceSession),
		voiceSessionsByID:      make(map[uuid.UUID]*VoiceSession),
		voiceParticipants:      make(map[uuid.UUID]map[uuid.UUID]bool),
		reactions:              make(map[uuid.UUID]map[uuid.UUID]map[string]bool),
		readCursors:            make(map[uuid.UUID]map[uuid.UUID]uuid.UUID),
		refreshTokens:          make(map[string]*RefreshToken),
	}
}

// Seeding helpers used directly by tests to set up fixtures; these are
// not part of the Store interface.

func (m *MemoryStore) SeedChannel(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
}

func (m *MemoryStore) SeedMember(channelID, userID uuid.UUID, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[channelID] == nil {
		m.members[channelID] = make(map[uuid.UUID]Role)
	}
	m.members[channelID][userID] = role
}

func (m *MemoryStore) SeedUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *MemoryStore) SeedCommunity(userID, communityID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.community[userID] == nil {
		m.community[userID] = make(map[uuid.UUID]bool)
	}
	m.community[userID][communityID] = true
}

func (m *MemoryStore) SeedIdentityKey(userID uuid.UUID, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identityKeys[userID] = key
}

func (m *MemoryStore) SeedSignedPrekey(userID uuid.UUID, spk SignedPrekey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedPrekeys[userID] = spk
}

func (m *MemoryStore) SeedOneTimePrekeys(userID uuid.UUID, otps []OneTimePrekey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oneTimePrekeys[userID] = append(m.oneTimePrekeys[userID], otps...)
}

func (m *MemoryStore) GetChannel(ctx context.Context, channelID uuid.UUID) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return ch, nil
}

func (m *MemoryStore) IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[channelID][userID]
	return ok, nil
}

func (m *MemoryStore) ChannelRoleOf(ctx context.Context, channelID, userID uuid.UUID) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.members[channelID][userID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (m *MemoryStore) ListChannelMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Member
	for uid, role := range m.members[channelID] {
		out = append(out, Member{ChannelID: channelID, UserID: uid, Role: role})
	}
	return out, nil
}

func (m *MemoryStore) RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[channelID], userID)
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) SharesCommunity(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid := range m.community[userA] {
		if m.community[userB][cid] {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryStore) SoftDeleteMessage(ctx context.Context, messageID, actorID uuid.UUID, asModerator bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.DeletedAt != nil {
		return false, nil
	}
	if !asModerator && (msg.SenderID == nil || *msg.SenderID != actorID) {
		return false, nil
	}
	now := time.Now()
	msg.DeletedAt = &now
	return true, nil
}

func (m *MemoryStore) EditMessage(ctx context.Context, messageID, actorID uuid.UUID, ciphertext, nonce []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.DeletedAt != nil {
		return false, nil
	}
	if msg.SenderID == nil || *msg.SenderID != actorID {
		return false, nil
	}
	msg.Ciphertext = ciphertext
	msg.Nonce = nonce
	now := time.Now()
	msg.EditedAt = &now
	return true, nil
}

func (m *MemoryStore) CountMessages(ctx context.Context, channelID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.ChannelID == channelID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ClaimOneTimePrekey(ctx context.Context, userID uuid.UUID) (*OneTimePrekey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.oneTimePrekeys[userID]
	for i := range list {
		if !list[i].Used {
			list[i].Used = true
			claimed := list[i]
			return &claimed, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FetchKeyBundle(ctx context.Context, userID uuid.UUID) (*KeyBundle, error) {
	m.mu.Lock()
	identityKey, ok := m.identityKeys[userID]
	spk := m.signedPrekeys[userID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	otp, err := m.ClaimOneTimePrekey(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &KeyBundle{IdentityKey: identityKey, SignedPrekey: spk, OneTimePrekey: otp}, nil
}

func (m *MemoryStore) UpsertSenderKeyDistribution(ctx context.Context, row *SenderKeyDistributionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.senderKeyDistributions[row.ChannelID] == nil {
		m.senderKeyDistributions[row.ChannelID] = make(map[uuid.UUID]*SenderKeyDistributionRow)
	}
	cp := *row
	m.senderKeyDistributions[row.ChannelID][row.SenderID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSenderKeyDistribution(ctx context.Context, channelID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senderKeyDistributions[channelID], userID)
	return nil
}

func (m *MemoryStore) VoiceGetOrCreateSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.voiceSessions[channelID]; ok && existing.Active {
		return existing, nil
	}
	vs := &VoiceSession{ID: uuid.New(), ChannelID: channelID, Active: true, CreatedAt: time.Now()}
	m.voiceSessions[channelID] = vs
	m.voiceSessionsByID[vs.ID] = vs
	m.voiceParticipants[vs.ID] = make(map[uuid.UUID]bool)
	return vs, nil
}

func (m *MemoryStore) VoiceJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voiceParticipants[sessionID] == nil {
		m.voiceParticipants[sessionID] = make(map[uuid.UUID]bool)
	}
	m.voiceParticipants[sessionID][userID] = true
	return nil
}

func (m *MemoryStore) VoiceLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.voiceParticipants[sessionID], userID)
	return nil
}

func (m *MemoryStore) VoiceParticipants(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for uid := range m.voiceParticipants[sessionID] {
		out = append(out, uid)
	}
	return out, nil
}

func (m *MemoryStore) VoiceEnd(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voiceSessionsByID[sessionID]
	if !ok {
		return nil
	}
	vs.Active = false
	now := time.Now()
	vs.EndedAt = &now
	if m.voiceSessions[vs.ChannelID] == vs {
		delete(m.voiceSessions, vs.ChannelID)
	}
	return nil
}

func (m *MemoryStore) VoiceGetActiveSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.voiceSessions[channelID]
	if !ok || !vs.Active {
		return nil, nil
	}
	return vs, nil
}

func (m *MemoryStore) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactions[messageID] == nil {
		m.reactions[messageID] = make(map[uuid.UUID]map[string]bool)
	}
	if m.reactions[messageID][userID] == nil {
		m.reactions[messageID][userID] = make(map[string]bool)
	}
	m.reactions[messageID][userID][emoji] = true
	return nil
}

func (m *MemoryStore) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactions[messageID] == nil || !m.reactions[messageID][userID][emoji] {
		return false, nil
	}
	delete(m.reactions[messageID][userID], emoji)
	return true, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, userID, channelID, messageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readCursors[userID] == nil {
		m.readCursors[userID] = make(map[uuid.UUID]uuid.UUID)
	}
	m.readCursors[userID][channelID] = messageID
	return nil
}

func (m *MemoryStore) InsertAuditLog(ctx context.Context, actorID uuid.UUID, action string, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLog = append(m.auditLog, auditEntry{ActorID: actorID, Action: action, Details: details})
	return nil
}

func (m *MemoryStore) CreateRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[tokenHash] = &RefreshToken{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[tokenHash]
	if !ok || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		return nil, ErrNotFound
	}
	rt.Revoked = true
	cp := *rt
	return &cp, nil
}

func (m *MemoryStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.refreshTokens[tokenHash]; ok {
		rt.Revoked = true
	}
	return nil
}
