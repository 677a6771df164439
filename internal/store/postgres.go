package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/jaydenbeard/chatalot/internal/protocol"
)

// PostgresStore is the production Store backend. Queries use $N
// placeholders and database/sql directly, no ORM, matching the
// connection-pool and query conventions used elsewhere in this codebase.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection to connStr and verifies it
// with a ping.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) GetChannel(ctx context.Context, channelID uuid.UUID) (*Channel, error) {
	const q = `
		SELECT id, name, type, group_id, read_only, slow_mode_seconds, archived, discoverable, created_at
		FROM channels WHERE id = $1`

	ch := &Channel{}
	err := p.db.QueryRowContext(ctx, q, channelID).Scan(
		&ch.ID, &ch.Name, &ch.Type, &ch.GroupID, &ch.ReadOnly,
		&ch.SlowModeSeconds, &ch.Archived, &ch.Discoverable, &ch.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get channel: %w", err)
	}
	return ch, nil
}

func (p *PostgresStore) IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM channel_members
			WHERE channel_id = $1 AND user_id = $2
		) AND NOT EXISTS(
			SELECT 1 FROM channel_bans WHERE channel_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := p.db.QueryRowContext(ctx, q, channelID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is channel member: %w", err)
	}
	return ok, nil
}

func (p *PostgresStore) ChannelRoleOf(ctx context.Context, channelID, userID uuid.UUID) (Role, error) {
	const q = `SELECT role FROM channel_members WHERE channel_id = $1 AND user_id = $2`

	var role string
	err := p.db.QueryRowContext(ctx, q, channelID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: channel role of: %w", err)
	}
	return Role(role), nil
}

func (p *PostgresStore) ListChannelMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	const q = `SELECT channel_id, user_id, role FROM channel_members WHERE channel_id = $1`

	rows, err := p.db.QueryContext(ctx, q, channelID)
	if err != nil {
		return nil, fmt.Errorf("store: list channel members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var role string
		if err := rows.Scan(&m.ChannelID, &m.UserID, &role); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		m.Role = Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *PostgresStore) RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error {
	const q = `DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`
	_, err := p.db.ExecContext(ctx, q, channelID, userID)
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	const q = `SELECT id, username, display_name, avatar_url, is_admin, is_owner FROM users WHERE id = $1`

	u := &User{}
	err := p.db.QueryRowContext(ctx, q, userID).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.IsAdmin, &u.IsOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) SharesCommunity(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM community_members cm1
			JOIN community_members cm2 ON cm1.community_id = cm2.community_id
			WHERE cm1.user_id = $1 AND cm2.user_id = $2
		)`

	var ok bool
	if err := p.db.QueryRowContext(ctx, q, userA, userB).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: shares community: %w", err)
	}
	return ok, nil
}

func (p *PostgresStore) InsertMessage(ctx context.Context, msg *Message) error {
	const q = `
		INSERT INTO messages (id, channel_id, sender_id, ciphertext, nonce, message_type, sender_key_id, reply_to_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := p.db.ExecContext(ctx, q,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Ciphertext, msg.Nonce,
		msg.MessageType, msg.SenderKeyID, msg.ReplyTo, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*Message, error) {
	const q = `
		SELECT id, channel_id, sender_id, ciphertext, nonce, message_type, sender_key_id, reply_to_id,
		       pinned_by, pinned_at, edited_at, deleted_at, created_at
		FROM messages WHERE id = $1`

	m := &Message{}
	var messageType string
	err := p.db.QueryRowContext(ctx, q, messageID).Scan(
		&m.ID, &m.ChannelID, &m.SenderID, &m.Ciphertext, &m.Nonce, &messageType,
		&m.SenderKeyID, &m.ReplyTo, &m.PinnedBy, &m.PinnedAt, &m.EditedAt, &m.DeletedAt, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	m.MessageType = protocol.MessageType(messageType)
	return m, nil
}

func (p *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, actorID uuid.UUID, asModerator bool) (bool, error) {
	var q string
	if asModerator {
		q = `UPDATE messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`
	} else {
		q = `UPDATE messages SET deleted_at = now() WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`
	}

	var result sql.Result
	var err error
	if asModerator {
		result, err = p.db.ExecContext(ctx, q, messageID)
	} else {
		result, err = p.db.ExecContext(ctx, q, messageID, actorID)
	}
	if err != nil {
		return false, fmt.Errorf("store: soft delete message: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) EditMessage(ctx context.Context, messageID, actorID uuid.UUID, ciphertext, nonce []byte) (bool, error) {
	const q = `
		UPDATE messages SET ciphertext = $3, nonce = $4, edited_at = now()
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`

	result, err := p.db.ExecContext(ctx, q, messageID, actorID, ciphertext, nonce)
	if err != nil {
		return false, fmt.Errorf("store: edit message: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) CountMessages(ctx context.Context, channelID uuid.UUID) (int, error) {
	const q = `SELECT count(*) FROM messages WHERE channel_id = $1`

	var n int
	if err := p.db.QueryRowContext(ctx, q, channelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// ClaimOneTimePrekey atomically selects and marks used one unused prekey
// row, using SKIP LOCKED so concurrent X3DH initiations never race on the
// same prekey.
func (p *PostgresStore) ClaimOneTimePrekey(ctx context.Context, userID uuid.UUID) (*OneTimePrekey, error) {
	const q = `
		UPDATE one_time_prekeys
		SET used = true
		WHERE key_id = (
			SELECT key_id FROM one_time_prekeys
			WHERE user_id = $1 AND used = false
			ORDER BY key_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING key_id, public`

	otp := &OneTimePrekey{}
	var public []byte
	err := p.db.QueryRowContext(ctx, q, userID).Scan(&otp.KeyID, &public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // no OTP available; X3DH proceeds with three DH legs
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim one-time prekey: %w", err)
	}
	copy(otp.Public[:], public)
	otp.Used = true
	return otp, nil
}

func (p *PostgresStore) FetchKeyBundle(ctx context.Context, userID uuid.UUID) (*KeyBundle, error) {
	const identityQ = `SELECT identity_key FROM users WHERE id = $1`
	var identityKey []byte
	if err := p.db.QueryRowContext(ctx, identityQ, userID).Scan(&identityKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetch identity key: %w", err)
	}

	const spkQ = `
		SELECT key_id, public, signature FROM signed_prekeys
		WHERE user_id = $1 ORDER BY key_id DESC LIMIT 1`
	var spk SignedPrekey
	var spkPublic []byte
	if err := p.db.QueryRowContext(ctx, spkQ, userID).Scan(&spk.KeyID, &spkPublic, &spk.Signature); err != nil {
		return nil, fmt.Errorf("store: fetch signed prekey: %w", err)
	}
	copy(spk.Public[:], spkPublic)

	otp, err := p.ClaimOneTimePrekey(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &KeyBundle{IdentityKey: identityKey, SignedPrekey: spk, OneTimePrekey: otp}, nil
}

func (p *PostgresStore) UpsertSenderKeyDistribution(ctx context.Context, row *SenderKeyDistributionRow) error {
	const q = `
		INSERT INTO sender_key_distributions (channel_id, sender_id, chain_id, iteration, chain_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, sender_id) DO UPDATE
		SET chain_id = EXCLUDED.chain_id, iteration = EXCLUDED.iteration, chain_key = EXCLUDED.chain_key`

	_, err := p.db.ExecContext(ctx, q, row.ChannelID, row.SenderID, row.ChainID, row.Iteration, row.ChainKey)
	if err != nil {
		return fmt.Errorf("store: upsert sender key distribution: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteSenderKeyDistribution(ctx context.Context, channelID, userID uuid.UUID) error {
	const q = `DELETE FROM sender_key_distributions WHERE channel_id = $1 AND sender_id = $2`
	_, err := p.db.ExecContext(ctx, q, channelID, userID)
	if err != nil {
		return fmt.Errorf("store: delete sender key distribution: %w", err)
	}
	return nil
}

// VoiceGetOrCreateSession uses a CTE with WHERE NOT EXISTS so concurrent
// join_voice calls on an empty channel never create two active sessions.
func (p *PostgresStore) VoiceGetOrCreateSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error) {
	const q = `
		WITH inserted AS (
			INSERT INTO voice_sessions (id, channel_id, active, created_at)
			SELECT $2, $1, true, now()
			WHERE NOT EXISTS (
				SELECT 1 FROM voice_sessions WHERE channel_id = $1 AND active = true
			)
			RETURNING id, channel_id, active, created_at, ended_at
		)
		SELECT id, channel_id, active, created_at, ended_at FROM inserted
		UNION ALL
		SELECT id, channel_id, active, created_at, ended_at FROM voice_sessions
		WHERE channel_id = $1 AND active = true
		LIMIT 1`

	vs := &VoiceSession{}
	err := p.db.QueryRowContext(ctx, q, channelID, uuid.New()).Scan(&vs.ID, &vs.ChannelID, &vs.Active, &vs.CreatedAt, &vs.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("store: voice get or create session: %w", err)
	}
	return vs, nil
}

func (p *PostgresStore) VoiceJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `
		INSERT INTO voice_participants (session_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id, user_id) DO NOTHING`
	_, err := p.db.ExecContext(ctx, q, sessionID, userID)
	if err != nil {
		return fmt.Errorf("store: voice join: %w", err)
	}
	return nil
}

func (p *PostgresStore) VoiceLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `DELETE FROM voice_participants WHERE session_id = $1 AND user_id = $2`
	_, err := p.db.ExecContext(ctx, q, sessionID, userID)
	if err != nil {
		return fmt.Errorf("store: voice leave: %w", err)
	}
	return nil
}

func (p *PostgresStore) VoiceParticipants(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	const q = `SELECT user_id FROM voice_participants WHERE session_id = $1`

	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: voice participants: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var u uuid.UUID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: scan voice participant: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresStore) VoiceEnd(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE voice_sessions SET active = false, ended_at = now() WHERE id = $1`
	_, err := p.db.ExecContext(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("store: voice end: %w", err)
	}
	return nil
}

func (p *PostgresStore) VoiceGetActiveSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error) {
	const q = `SELECT id, channel_id, active, created_at, ended_at FROM voice_sessions WHERE channel_id = $1 AND active = true`

	vs := &VoiceSession{}
	err := p.db.QueryRowContext(ctx, q, channelID).Scan(&vs.ID, &vs.ChannelID, &vs.Active, &vs.CreatedAt, &vs.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: voice get active session: %w", err)
	}
	return vs, nil
}

func (p *PostgresStore) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	const q = `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`
	_, err := p.db.ExecContext(ctx, q, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("store: add reaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	const q = `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`
	result, err := p.db.ExecContext(ctx, q, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("store: remove reaction: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) MarkRead(ctx context.Context, userID, channelID, messageID uuid.UUID) error {
	const q = `
		INSERT INTO read_cursors (user_id, channel_id, last_read_message_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, channel_id) DO UPDATE
		SET last_read_message_id = EXCLUDED.last_read_message_id, updated_at = now()`
	_, err := p.db.ExecContext(ctx, q, userID, channelID, messageID)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

func (p *PostgresStore) InsertAuditLog(ctx context.Context, actorID uuid.UUID, action string, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("store: marshal audit details: %w", err)
	}

	const q = `INSERT INTO audit_logs (actor_id, action, details, created_at) VALUES ($1, $2, $3, now())`
	_, err = p.db.ExecContext(ctx, q, actorID, action, detailsJSON)
	if err != nil {
		return fmt.Errorf("store: insert audit log: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	const q = `INSERT INTO refresh_tokens (token_hash, user_id, expires_at, revoked) VALUES ($1, $2, $3, false)`
	_, err := p.db.ExecContext(ctx, q, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("store: create refresh token: %w", err)
	}
	return nil
}

func (p *PostgresStore) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	const q = `
		UPDATE refresh_tokens SET revoked = true
		WHERE token_hash = $1 AND revoked = false AND expires_at > now()
		RETURNING token_hash, user_id, expires_at, revoked`

	rt := &RefreshToken{}
	err := p.db.QueryRowContext(ctx, q, tokenHash).Scan(&rt.TokenHash, &rt.UserID, &rt.ExpiresAt, &rt.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: consume refresh token: %w", err)
	}
	return rt, nil
}

func (p *PostgresStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	const q = `UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1`
	_, err := p.db.ExecContext(ctx, q, tokenHash)
	if err != nil {
		return fmt.Errorf("store: revoke refresh token: %w", err)
	}
	return nil
}
