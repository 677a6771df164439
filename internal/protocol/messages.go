// Package protocol defines the WebSocket wire envelope exchanged between
// clients and the hub: the tagged ClientMessage/ServerMessage variants,
// their JSON shape, and the message/session-state enums referenced by
// both the dispatcher and the store.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a persisted chat message's payload kind. The
// server never interprets ciphertext; this only routes client-side
// rendering (text bubble vs file attachment vs system notice).
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// PresenceStatus is a user's self-reported availability.
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceIdle      PresenceStatus = "idle"
	PresenceDnd       PresenceStatus = "dnd"
	PresenceInvisible PresenceStatus = "invisible"
	PresenceOffline   PresenceStatus = "offline"
)

// ClientMessage is the envelope for every frame a client sends. It is one
// flat struct whose Type selects which fields are meaningful (several
// types share fields such as ChannelID and MessageID); this mirrors
// the teacher's tagged-struct idiom rather than a Rust-style enum, since
// Go has no sum types.
type ClientMessage struct {
	Type string `json:"type"`

	// ping
	Timestamp int64 `json:"timestamp,omitempty"`

	// authenticate
	Token string `json:"token,omitempty"`

	// send_message
	ChannelID   uuid.UUID   `json:"channel_id,omitempty"`
	Ciphertext  []byte      `json:"ciphertext,omitempty"`
	Nonce       []byte      `json:"nonce,omitempty"`
	MessageType MessageType `json:"message_type,omitempty"`
	ReplyTo     *uuid.UUID  `json:"reply_to,omitempty"`
	SenderKeyID *uint32     `json:"sender_key_id,omitempty"`

	// edit_message / delete_message
	MessageID uuid.UUID `json:"message_id,omitempty"`

	// update_presence
	Status PresenceStatus `json:"status,omitempty"`

	// subscribe / unsubscribe
	ChannelIDs []uuid.UUID `json:"channel_ids,omitempty"`

	// rtc_offer / rtc_answer / rtc_ice_candidate
	TargetUserID uuid.UUID `json:"target_user_id,omitempty"`
	SessionID    uuid.UUID `json:"session_id,omitempty"`
	SDP          string    `json:"sdp,omitempty"`
	Candidate    string    `json:"candidate,omitempty"`

	// join_voice / leave_voice
	// (uses ChannelID above)

	// add_reaction / remove_reaction
	Emoji string `json:"emoji,omitempty"`

	// mark_read
	// (uses ChannelID, MessageID above)
}

// Client message type tags, as carried in ClientMessage.Type.
const (
	ClientPing            = "ping"
	ClientAuthenticate    = "authenticate"
	ClientSendMessage     = "send_message"
	ClientEditMessage     = "edit_message"
	ClientDeleteMessage   = "delete_message"
	ClientTyping          = "typing"
	ClientStopTyping      = "stop_typing"
	ClientUpdatePresence  = "update_presence"
	ClientSubscribe       = "subscribe"
	ClientUnsubscribe     = "unsubscribe"
	ClientRtcOffer        = "rtc_offer"
	ClientRtcAnswer       = "rtc_answer"
	ClientRtcIceCandidate = "rtc_ice_candidate"
	ClientJoinVoice       = "join_voice"
	ClientLeaveVoice      = "leave_voice"
	ClientAddReaction     = "add_reaction"
	ClientRemoveReaction  = "remove_reaction"
	ClientMarkRead        = "mark_read"
)

// ServerMessage is the envelope for every frame the hub sends. As with
// ClientMessage, Type selects which fields are meaningful.
type ServerMessage struct {
	Type string `json:"type"`

	// authenticated
	UserID        uuid.UUID `json:"user_id,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`

	// new_message / message_sent / message_edited
	ID          uuid.UUID   `json:"id,omitempty"`
	ChannelID   uuid.UUID   `json:"channel_id,omitempty"`
	SenderID    uuid.UUID   `json:"sender_id,omitempty"`
	Ciphertext  []byte      `json:"ciphertext,omitempty"`
	Nonce       []byte      `json:"nonce,omitempty"`
	MessageType MessageType `json:"message_type,omitempty"`
	ReplyTo     *uuid.UUID  `json:"reply_to,omitempty"`
	SenderKeyID *uint32     `json:"sender_key_id,omitempty"`
	ThreadID    *uuid.UUID  `json:"thread_id,omitempty"`
	CreatedAt   string      `json:"created_at,omitempty"`
	EditedAt    string      `json:"edited_at,omitempty"`

	// message_deleted / edit / pin
	MessageID uuid.UUID `json:"message_id,omitempty"`

	// presence_update
	Status PresenceStatus `json:"status,omitempty"`

	// user_typing / user_stopped_typing / reaction*/read_receipt use
	// ChannelID, UserID, MessageID above plus:
	Emoji string `json:"emoji,omitempty"`

	// rtc_*
	FromUserID uuid.UUID `json:"from_user_id,omitempty"`
	SessionID  uuid.UUID `json:"session_id,omitempty"`
	SDP        string    `json:"sdp,omitempty"`
	Candidate  string    `json:"candidate,omitempty"`

	// voice_state_update
	Participants []uuid.UUID `json:"participants,omitempty"`

	// member_kicked / member_banned / member_role_updated
	KickedBy uuid.UUID `json:"kicked_by,omitempty"`
	BannedBy uuid.UUID `json:"banned_by,omitempty"`
	Role     string    `json:"role,omitempty"`

	// message_pinned
	PinnedBy uuid.UUID `json:"pinned_by,omitempty"`
	PinnedAt string    `json:"pinned_at,omitempty"`

	// new_dm_channel
	ChannelName          string `json:"channel_name,omitempty"`
	OtherUserID          uuid.UUID `json:"other_user_id,omitempty"`
	OtherUserUsername    string `json:"other_user_username,omitempty"`
	OtherUserDisplayName string `json:"other_user_display_name,omitempty"`
	OtherUserAvatarURL   string `json:"other_user_avatar_url,omitempty"`

	// sender_key_updated
	ChainID      uint32 `json:"chain_id,omitempty"`
	Distribution []byte `json:"distribution,omitempty"`

	// sender_key_rotation_required
	Reason string `json:"reason,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Server message type tags, as carried in ServerMessage.Type. These are
// exactly the wire tags named in the external-interfaces event list.
// MessagePinned/MessageUnpinned are declared for wire completeness but
// have no ClientMessage counterpart and no dispatcher trigger in this
// core: pinning is a REST-leaf operation outside this module's scope.
const (
	ServerAuthenticated         = "authenticated"
	ServerNewMessage            = "new_message"
	ServerMessageEdited         = "message_edited"
	ServerMessageDeleted        = "message_deleted"
	ServerMessageSent           = "message_sent"
	ServerPresenceUpdate        = "presence_update"
	ServerUserTyping            = "user_typing"
	ServerUserStoppedTyping     = "user_stopped_typing"
	ServerRtcOffer              = "rtc_offer"
	ServerRtcAnswer             = "rtc_answer"
	ServerRtcIceCandidate       = "rtc_ice_candidate"
	ServerVoiceStateUpdate      = "voice_state_update"
	ServerUserJoinedVoice       = "user_joined_voice"
	ServerUserLeftVoice         = "user_left_voice"
	ServerReactionAdded         = "reaction_added"
	ServerReactionRemoved       = "reaction_removed"
	ServerReadReceipt           = "read_receipt"
	ServerMemberKicked          = "member_kicked"
	ServerMemberBanned          = "member_banned"
	ServerMemberRoleUpdated     = "member_role_updated"
	ServerMessagePinned         = "message_pinned"
	ServerMessageUnpinned       = "message_unpinned"
	ServerNewDMChannel          = "new_dm_channel"
	ServerSenderKeyUpdated      = "sender_key_updated"
	ServerSenderKeyRotationReq  = "sender_key_rotation_required"
	ServerError                 = "error"
	ServerPong                  = "pong"
)

// Error codes used in ServerMessage{Type: error}.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeValidation   = "validation_error"
	CodeInternal     = "internal_error"
)

// ErrorMessage builds a {type: error} server frame.
func ErrorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: ServerError, Code: code, Message: message}
}

// Marshal serialises a server message for the session outbox.
func (m ServerMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseClientMessage decodes a raw text frame into a ClientMessage.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SenderKeyDistributionPayload is the JSON shape carried inside a
// sender_key_updated event's Distribution field.
type SenderKeyDistributionPayload struct {
	ChainID   uint32 `json:"chain_id"`
	Iteration uint32 `json:"iteration"`
	ChainKey  []byte `json:"chain_key"`
	SenderID  []byte `json:"sender_id"`
}

// nowRFC3339 is the canonical timestamp format used for created_at,
// edited_at, and pinned_at wire fields.
func nowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatTimestamp exposes nowRFC3339 for callers outside this package.
func FormatTimestamp(t time.Time) string {
	return nowRFC3339(t)
}
