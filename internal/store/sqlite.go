package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydenbeard/chatalot/internal/protocol"
)

// SQLiteStore is the single-node deployment backend: a self-hosted
// instance with no Postgres available falls back to this, trading
// SKIP LOCKED concurrency for a single-writer file database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (e.g. "chatalot.db" or ":memory:" for tests)
// and applies the pragmas this package's write patterns assume.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// SQLite serialises writers regardless; a single connection avoids
	// "database is locked" errors under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetChannel(ctx context.Context, channelID uuid.UUID) (*Channel, error) {
	const q = `
		SELECT id, name, type, group_id, read_only, slow_mode_seconds, archived, discoverable, created_at
		FROM channels WHERE id = ?`

	ch := &Channel{}
	err := s.db.QueryRowContext(ctx, q, channelID.String()).Scan(
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

func (s *SQLiteStore) IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)
		AND NOT EXISTS(SELECT 1 FROM channel_bans WHERE channel_id = ? AND user_id = ?)`

	var ok bool
	err := s.db.QueryRowContext(ctx, q, channelID.String(), userID.String(), channelID.String(), userID.String()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: is channel member: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStore) ChannelRoleOf(ctx context.Context, channelID, userID uuid.UUID) (Role, error) {
	const q = `SELECT role FROM channel_members WHERE channel_id = ? AND user_id = ?`

	var role string
	err := s.db.QueryRowContext(ctx, q, channelID.String(), userID.String()).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: channel role of: %w", err)
	}
	return Role(role), nil
}

func (s *SQLiteStore) ListChannelMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	const q = `SELECT channel_id, user_id, role FROM channel_members WHERE channel_id = ?`

	rows, err := s.db.QueryContext(ctx, q, channelID.String())
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

func (s *SQLiteStore) RemoveMember(ctx context.Context, channelID, userID uuid.UUID) error {
	const q = `DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`
	_, err := s.db.ExecContext(ctx, q, channelID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	const q = `SELECT id, username, display_name, avatar_url, is_admin, is_owner FROM users WHERE id = ?`

	u := &User{}
	err := s.db.QueryRowContext(ctx, q, userID.String()).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.IsAdmin, &u.IsOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) SharesCommunity(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM community_members cm1
			JOIN community_members cm2 ON cm1.community_id = cm2.community_id
			WHERE cm1.user_id = ? AND cm2.user_id = ?
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, userA.String(), userB.String()).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: shares community: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	const q = `
		INSERT INTO messages (id, channel_id, sender_id, ciphertext, nonce, message_type, sender_key_id, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		msg.ID.String(), msg.ChannelID.String(), msg.SenderID, msg.Ciphertext, msg.Nonce,
		msg.MessageType, msg.SenderKeyID, msg.ReplyTo, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*Message, error) {
	const q = `
		SELECT id, channel_id, sender_id, ciphertext, nonce, message_type, sender_key_id, reply_to_id,
		       pinned_by, pinned_at, edited_at, deleted_at, created_at
		FROM messages WHERE id = ?`

	m := &Message{}
	var messageType string
	err := s.db.QueryRowContext(ctx, q, messageID.String()).Scan(
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

func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, messageID, actorID uuid.UUID, asModerator bool) (bool, error) {
	var q string
	var result sql.Result
	var err error
	if asModerator {
		q = `UPDATE messages SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`
		result, err = s.db.ExecContext(ctx, q, messageID.String())
	} else {
		q = `UPDATE messages SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND sender_id = ? AND deleted_at IS NULL`
		result, err = s.db.ExecContext(ctx, q, messageID.String(), actorID.String())
	}
	if err != nil {
		return false, fmt.Errorf("store: soft delete message: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) EditMessage(ctx context.Context, messageID, actorID uuid.UUID, ciphertext, nonce []byte) (bool, error) {
	const q = `
		UPDATE messages SET ciphertext = ?, nonce = ?, edited_at = CURRENT_TIMESTAMP
		WHERE id = ? AND sender_id = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, q, ciphertext, nonce, messageID.String(), actorID.String())
	if err != nil {
		return false, fmt.Errorf("store: edit message: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) CountMessages(ctx context.Context, channelID uuid.UUID) (int, error) {
	const q = `SELECT count(*) FROM messages WHERE channel_id = ?`

	var n int
	if err := s.db.QueryRowContext(ctx, q, channelID.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// ClaimOneTimePrekey relies on SQLite's single-writer connection for
// mutual exclusion rather than SKIP LOCKED, which SQLite has no
// equivalent for.
func (s *SQLiteStore) ClaimOneTimePrekey(ctx context.Context, userID uuid.UUID) (*OneTimePrekey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim prekey tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `SELECT key_id, public FROM one_time_prekeys WHERE user_id = ? AND used = 0 ORDER BY key_id LIMIT 1`
	otp := &OneTimePrekey{}
	var public []byte
	err = tx.QueryRowContext(ctx, selectQ, userID.String()).Scan(&otp.KeyID, &public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select one-time prekey: %w", err)
	}

	const updateQ = `UPDATE one_time_prekeys SET used = 1 WHERE user_id = ? AND key_id = ?`
	if _, err := tx.ExecContext(ctx, updateQ, userID.String(), otp.KeyID); err != nil {
		return nil, fmt.Errorf("store: mark prekey used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim prekey tx: %w", err)
	}

	copy(otp.Public[:], public)
	otp.Used = true
	return otp, nil
}

func (s *SQLiteStore) FetchKeyBundle(ctx context.Context, userID uuid.UUID) (*KeyBundle, error) {
	const identityQ = `SELECT identity_key FROM users WHERE id = ?`
	var identityKey []byte
	if err := s.db.QueryRowContext(ctx, identityQ, userID.String()).Scan(&identityKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetch identity key: %w", err)
	}

	const spkQ = `SELECT key_id, public, signature FROM signed_prekeys WHERE user_id = ? ORDER BY key_id DESC LIMIT 1`
	var spk SignedPrekey
	var spkPublic []byte
	if err := s.db.QueryRowContext(ctx, spkQ, userID.String()).Scan(&spk.KeyID, &spkPublic, &spk.Signature); err != nil {
		return nil, fmt.Errorf("store: fetch signed prekey: %w", err)
	}
	copy(spk.Public[:], spkPublic)

	otp, err := s.ClaimOneTimePrekey(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &KeyBundle{IdentityKey: identityKey, SignedPrekey: spk, OneTimePrekey: otp}, nil
}

func (s *SQLiteStore) UpsertSenderKeyDistribution(ctx context.Context, row *SenderKeyDistributionRow) error {
	const q = `
		INSERT INTO sender_key_distributions (channel_id, sender_id, chain_id, iteration, chain_key)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, sender_id) DO UPDATE
		SET chain_id = excluded.chain_id, iteration = excluded.iteration, chain_key = excluded.chain_key`

	_, err := s.db.ExecContext(ctx, q, row.ChannelID.String(), row.SenderID.String(), row.ChainID, row.Iteration, row.ChainKey)
	if err != nil {
		return fmt.Errorf("store: upsert sender key distribution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSenderKeyDistribution(ctx context.Context, channelID, userID uuid.UUID) error {
	const q = `DELETE FROM sender_key_distributions WHERE channel_id = ? AND sender_id = ?`
	_, err := s.db.ExecContext(ctx, q, channelID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("store: delete sender key distribution: %w", err)
	}
	return nil
}

// VoiceGetOrCreateSession uses the same single-writer transaction
// strategy as ClaimOneTimePrekey in place of Postgres's CTE guard.
func (s *SQLiteStore) VoiceGetOrCreateSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin voice session tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `SELECT id, channel_id, active, created_at, ended_at FROM voice_sessions WHERE channel_id = ? AND active = 1`
	vs := &VoiceSession{}
	err = tx.QueryRowContext(ctx, selectQ, channelID.String()).Scan(&vs.ID, &vs.ChannelID, &vs.Active, &vs.CreatedAt, &vs.EndedAt)
	if err == nil {
		return vs, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: select voice session: %w", err)
	}

	id := uuid.New()
	const insertQ = `INSERT INTO voice_sessions (id, channel_id, active, created_at) VALUES (?, ?, 1, CURRENT_TIMESTAMP)`
	if _, err := tx.ExecContext(ctx, insertQ, id.String(), channelID.String()); err != nil {
		return nil, fmt.Errorf("store: insert voice session: %w", err)
	}

	err = tx.QueryRowContext(ctx, selectQ, channelID.String()).Scan(&vs.ID, &vs.ChannelID, &vs.Active, &vs.CreatedAt, &vs.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("store: reselect voice session: %w", err)
	}

	return vs, tx.Commit()
}

func (s *SQLiteStore) VoiceJoin(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `INSERT OR IGNORE INTO voice_participants (session_id, user_id, joined_at) VALUES (?, ?, CURRENT_TIMESTAMP)`
	_, err := s.db.ExecContext(ctx, q, sessionID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("store: voice join: %w", err)
	}
	return nil
}

func (s *SQLiteStore) VoiceLeave(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `DELETE FROM voice_participants WHERE session_id = ? AND user_id = ?`
	_, err := s.db.ExecContext(ctx, q, sessionID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("store: voice leave: %w", err)
	}
	return nil
}

func (s *SQLiteStore) VoiceParticipants(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	const q = `SELECT user_id FROM voice_participants WHERE session_id = ?`

	rows, err := s.db.QueryContext(ctx, q, sessionID.String())
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

func (s *SQLiteStore) VoiceEnd(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE voice_sessions SET active = 0, ended_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, sessionID.String())
	if err != nil {
		return fmt.Errorf("store: voice end: %w", err)
	}
	return nil
}

func (s *SQLiteStore) VoiceGetActiveSession(ctx context.Context, channelID uuid.UUID) (*VoiceSession, error) {
	const q = `SELECT id, channel_id, active, created_at, ended_at FROM voice_sessions WHERE channel_id = ? AND active = 1`

	vs := &VoiceSession{}
	err := s.db.QueryRowContext(ctx, q, channelID.String()).Scan(&vs.ID, &vs.ChannelID, &vs.Active, &vs.CreatedAt, &vs.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: voice get active session: %w", err)
	}
	return vs, nil
}

func (s *SQLiteStore) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	const q = `INSERT OR IGNORE INTO message_reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, messageID.String(), userID.String(), emoji)
	if err != nil {
		return fmt.Errorf("store: add reaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	const q = `DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`
	result, err := s.db.ExecContext(ctx, q, messageID.String(), userID.String(), emoji)
	if err != nil {
		return false, fmt.Errorf("store: remove reaction: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) MarkRead(ctx context.Context, userID, channelID, messageID uuid.UUID) error {
	const q = `
		INSERT INTO read_cursors (user_id, channel_id, last_read_message_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, channel_id) DO UPDATE
		SET last_read_message_id = excluded.last_read_message_id, updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.ExecContext(ctx, q, userID.String(), channelID.String(), messageID.String())
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, actorID uuid.UUID, action string, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("store: marshal audit details: %w", err)
	}

	const q = `INSERT INTO audit_logs (actor_id, action, details, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`
	_, err = s.db.ExecContext(ctx, q, actorID.String(), action, detailsJSON)
	if err != nil {
		return fmt.Errorf("store: insert audit log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	const q = `INSERT INTO refresh_tokens (token_hash, user_id, expires_at, revoked) VALUES (?, ?, ?, 0)`
	_, err := s.db.ExecContext(ctx, q, tokenHash, userID.String(), expiresAt)
	if err != nil {
		return fmt.Errorf("store: create refresh token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin consume refresh token tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `SELECT token_hash, user_id, expires_at, revoked FROM refresh_tokens WHERE token_hash = ?`
	rt := &RefreshToken{}
	err = tx.QueryRowContext(ctx, selectQ, tokenHash).Scan(&rt.TokenHash, &rt.UserID, &rt.ExpiresAt, &rt.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: select refresh token: %w", err)
	}
	if rt.Revoked || time.Now().After(rt.ExpiresAt) {
		return nil, ErrNotFound
	}

	const updateQ = `UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`
	if _, err := tx.ExecContext(ctx, updateQ, tokenHash); err != nil {
		return nil, fmt.Errorf("store: revoke consumed refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit consume refresh token tx: %w", err)
	}

	rt.Revoked = true
	return rt, nil
}

func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	const q = `UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`
	_, err := s.db.ExecContext(ctx, q, tokenHash)
	if err != nil {
		return fmt.Errorf("store: revoke refresh token: %w", err)
	}
	return nil
}
