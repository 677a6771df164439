// Package store defines the repository abstraction the hub dispatcher
// depends on and its error taxonomy. Concrete backends (Postgres,
// SQLite, an in-memory fake for tests) implement the Store interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/chatalot/internal/protocol"
)

// Sentinel errors propagated across the store boundary. The dispatcher
// maps these to wire {code, message} error events.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrConflict   = errors.New("store: conflict")
	ErrValidation = errors.New("store: validation failed")
	ErrForbidden  = errors.New("store: forbidden")
	ErrInternal   = errors.New("store: internal error")
)

type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
	ChannelDM    ChannelType = "dm"
)

type Channel struct {
	ID              uuid.UUID
	Name            string
	Type            ChannelType
	GroupID         *uuid.UUID
	ReadOnly        bool
	SlowModeSeconds int
	Archived        bool
	Discoverable    bool
	CreatedAt       time.Time
}

type Role string

const (
	RoleInstanceOwner Role = "instance_owner"
	RoleInstanceAdmin Role = "instance_admin"
	RoleOwner         Role = "owner"
	RoleAdmin         Role = "admin"
	RoleModerator     Role = "moderator"
	RoleMember        Role = "member"
)

type Member struct {
	ChannelID uuid.UUID
	UserID    uuid.UUID
	Role      Role
}

type User struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
	AvatarURL   string
	IsAdmin     bool
	IsOwner     bool
}

type Message struct {
	ID          uuid.UUID
	ChannelID   uuid.UUID
	SenderID    *uuid.UUID
	Ciphertext  []byte
	Nonce       []byte
	MessageType protocol.MessageType
	SenderKeyID *uint32
	ReplyTo     *uuid.UUID
	PinnedBy    *uuid.UUID
	PinnedAt    *time.Time
	EditedAt    *time.Time
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

type SignedPrekey struct {
	KeyID     uint32
	Public    [32]byte
	Signature []byte
}

type OneTimePrekey struct {
	KeyID  uint32
	Public [32]byte
	Used   bool
}

type KeyBundle struct {
	IdentityKey   []byte // 32-byte Ed25519 public key
	SignedPrekey  SignedPrekey
	OneTimePrekey *OneTimePrekey // nil if none were available
}

type SenderKeyDistributionRow struct {
	ChannelID uuid.UUID
	SenderID  uuid.UUID
	ChainID   uint32
	Iteration uint32
	ChainKey  []byte
}

type VoiceSession struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	Active    bool
	CreatedAt time.Time
	EndedAt   *time.Time
}

type RefreshToken struct {
	TokenHash string
	UserID    uuid.UUID
	ExpiresAt time.Time
	Revoked   bool
}

// Store is the abstract repository the hub dispatcher depends on. Every
// method is awaitable (takes a context) and signals ErrNotFound for a
// missing row; any other failure is the underlying driver error wrapped
// with context.
type Store interface {
	GetChannel(ctx context.Context, channelID uuid.UUID) (*Channel, error)
	IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
	ChannelRoleOf(ctx context.Context, channelID, userID uuid.UUID) (Role, error)
	ListChannelMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error)
	RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error

	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
	SharesCommunity(ctx context.Context, userA, userB uuid.UUID) (bool, error)

	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, messageID uuid.UUID) (*Message, error)
	SoftDeleteMessage(ctx context.Context, messageID, actorID uuid.UUID, asModerator bool) (bool, error)
	EditMessage(ctx context.Context, messageID, actorID uuid.UUID, ciphertext, nonce []byte) (bool, error)
	CountMessages(ctx context.Context, channelID uuid.UUID) (int, error)

	ClaimOneTimePrekey(ctx context.Context, userID uuid.UUID) (*OneTimePrekey, error)
	FetchKeyBundle(ctx context.Context, userID uuid.UUID) (*KeyBundle, error)

	UpsertSenderKeyDistribution(ctx context.Context, row *SenderKeyDistributionRow) error
	DeleteSenderKeyDistribution(ctx context.Context, channelID, userID uuid.UUID) error

	VoiceGetOrCreateSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error)
	VoiceJoin(ctx context.Context, sessionID, userID uuid.UUID) error
	VoiceLeave(ctx context.Context, sessionID, userID uuid.UUID) error
	VoiceParticipants(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)
	VoiceEnd(ctx context.Context, sessionID uuid.UUID) error
	VoiceGetActiveSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error)

	AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)

	MarkRead(ctx context.Context, userID, channelID, messageID uuid.UUID) error

	InsertAuditLog(ctx context.Context, actorID uuid.UUID, action string, details map[string]any) error

	CreateRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
}
