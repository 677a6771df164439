package hub

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jaydenbeard/chatalot/internal/metrics"
	"github.com/jaydenbeard/chatalot/internal/protocol"
	"github.com/jaydenbeard/chatalot/internal/store"
)

// Dispatcher holds the one repository and connection manager every
// session shares, and turns each decoded ClientMessage into the store
// calls and broadcasts it implies.
type Dispatcher struct {
	Store         store.Store
	Manager       *ConnectionManager
	ServerVersion string
}

// NewDispatcher builds a Dispatcher over st, fanning results out through
// manager.
func NewDispatcher(st store.Store, manager *ConnectionManager, serverVersion string) *Dispatcher {
	return &Dispatcher{Store: st, Manager: manager, ServerVersion: serverVersion}
}

// Dispatch routes one client frame to its handler. Handlers never panic
// on a malformed or unauthorized request; they reply with an error frame
// or, for frames the original protocol treats as silently-ignorable,
// nothing at all.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.ClientPing:
		s.Enqueue(protocol.ServerMessage{Type: protocol.ServerPong, Timestamp: msg.Timestamp})

	case protocol.ClientAuthenticate:
		// Authentication only happens on the first frame of a connection;
		// a later one is a protocol violation and is ignored.

	case protocol.ClientSendMessage:
		d.handleSendMessage(ctx, s, msg)

	case protocol.ClientEditMessage:
		d.handleEditMessage(ctx, s, msg)

	case protocol.ClientDeleteMessage:
		d.handleDeleteMessage(ctx, s, msg)

	case protocol.ClientTyping:
		d.handleTypingState(ctx, s, msg.ChannelID, protocol.ServerUserTyping)

	case protocol.ClientStopTyping:
		d.handleTypingState(ctx, s, msg.ChannelID, protocol.ServerUserStoppedTyping)

	case protocol.ClientUpdatePresence:
		broadcastPresence(d.Manager, s.UserID, msg.Status)

	case protocol.ClientSubscribe:
		d.handleSubscribe(ctx, s, msg.ChannelIDs)

	case protocol.ClientUnsubscribe:
		// Unsubscription is handled implicitly by session teardown today;
		// per-channel unsubscribe without disconnecting is not wired.

	case protocol.ClientRtcOffer:
		d.relayRTC(s, protocol.ServerRtcOffer, msg)

	case protocol.ClientRtcAnswer:
		d.relayRTC(s, protocol.ServerRtcAnswer, msg)

	case protocol.ClientRtcIceCandidate:
		d.relayRTC(s, protocol.ServerRtcIceCandidate, msg)

	case protocol.ClientJoinVoice:
		d.handleJoinVoice(ctx, s, msg.ChannelID)

	case protocol.ClientLeaveVoice:
		d.handleLeaveVoice(ctx, s, msg.ChannelID)

	case protocol.ClientAddReaction:
		d.handleAddReaction(ctx, s, msg)

	case protocol.ClientRemoveReaction:
		d.handleRemoveReaction(ctx, s, msg)

	case protocol.ClientMarkRead:
		if err := d.Store.MarkRead(ctx, s.UserID, msg.ChannelID, msg.MessageID); err != nil {
			log.Printf("hub: mark read: %v", err)
		}

	default:
		// Unknown frame types are dropped rather than treated as errors,
		// so older and newer clients can coexist on one protocol version.
	}
}

// logPermissionDenial records a denied action to the audit log,
// best-effort: a logging failure never blocks the reply already queued
// for the caller.
func (d *Dispatcher) logPermissionDenial(ctx context.Context, actorID uuid.UUID, action string, channelID uuid.UUID) {
	metrics.RecordAuditEvent(action)
	if err := d.Store.InsertAuditLog(ctx, actorID, action, map[string]any{"channel_id": channelID}); err != nil {
		log.Printf("hub: insert audit log: %v", err)
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, s *Session, msg *protocol.ClientMessage) {
	isMember, err := d.Store.IsChannelMember(ctx, msg.ChannelID, s.UserID)
	if err != nil || !isMember {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeForbidden, "not a member of this channel"))
		return
	}

	channel, err := d.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeNotFound, "channel not found"))
		return
	}

	isDM := channel.Type == store.ChannelDM
	var members []store.Member
	if isDM {
		members, err = d.Store.ListChannelMembers(ctx, msg.ChannelID)
		if err == nil && !s.IsOwner {
			for _, member := range members {
				if member.UserID == s.UserID {
					continue
				}
				shares, err := d.Store.SharesCommunity(ctx, s.UserID, member.UserID)
				if err != nil {
					log.Printf("hub: shares community check: %v", err)
					continue
				}
				if !shares {
					d.logPermissionDenial(ctx, s.UserID, "dm_cross_community_send", msg.ChannelID)
					s.Enqueue(protocol.ErrorMessage(protocol.CodeForbidden, "you no longer share a community with this user"))
					return
				}
			}
		}
	}

	messageID, err := uuid.NewV7()
	if err != nil {
		messageID = uuid.New()
	}
	now := time.Now()

	record := &store.Message{
		ID:          messageID,
		ChannelID:   msg.ChannelID,
		SenderID:    &s.UserID,
		Ciphertext:  msg.Ciphertext,
		Nonce:       msg.Nonce,
		MessageType: msg.MessageType,
		SenderKeyID: msg.SenderKeyID,
		ReplyTo:     msg.ReplyTo,
		CreatedAt:   now,
	}
	if err := d.Store.InsertMessage(ctx, record); err != nil {
		log.Printf("hub: persist message: %v", err)
		s.Enqueue(protocol.ErrorMessage(protocol.CodeInternal, "failed to send message"))
		return
	}

	createdAt := protocol.FormatTimestamp(now)

	s.Enqueue(protocol.ServerMessage{
		Type:      protocol.ServerMessageSent,
		ID:        messageID,
		ChannelID: msg.ChannelID,
		CreatedAt: createdAt,
	})

	newMsg := protocol.ServerMessage{
		Type:        protocol.ServerNewMessage,
		ID:          messageID,
		ChannelID:   msg.ChannelID,
		SenderID:    s.UserID,
		Ciphertext:  msg.Ciphertext,
		Nonce:       msg.Nonce,
		MessageType: msg.MessageType,
		ReplyTo:     msg.ReplyTo,
		SenderKeyID: msg.SenderKeyID,
		CreatedAt:   createdAt,
	}

	if isDM {
		count, _ := d.Store.CountMessages(ctx, msg.ChannelID)
		isFirst := count == 1

		for _, member := range members {
			if member.UserID == s.UserID {
				continue
			}
			if isFirst {
				if sender, err := d.Store.GetUser(ctx, s.UserID); err == nil {
					d.Manager.SendToUser(member.UserID, protocol.ServerMessage{
						Type:                 protocol.ServerNewDMChannel,
						ChannelID:            msg.ChannelID,
						ChannelName:          channel.Name,
						CreatedAt:            protocol.FormatTimestamp(channel.CreatedAt),
						OtherUserID:          sender.ID,
						OtherUserUsername:    sender.Username,
						OtherUserDisplayName: sender.DisplayName,
						OtherUserAvatarURL:   sender.AvatarURL,
					})
				}
			}
			d.Manager.SendToUser(member.UserID, newMsg)
		}
	} else {
		d.Manager.BroadcastToChannel(msg.ChannelID, newMsg)
	}
}

func (d *Dispatcher) handleEditMessage(ctx context.Context, s *Session, msg *protocol.ClientMessage) {
	record, err := d.Store.GetMessage(ctx, msg.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeNotFound, "message not found"))
		return
	}
	if err != nil {
		log.Printf("hub: look up message for edit: %v", err)
		return
	}

	ok, err := d.Store.EditMessage(ctx, msg.MessageID, s.UserID, msg.Ciphertext, msg.Nonce)
	if err != nil {
		log.Printf("hub: edit message: %v", err)
		return
	}
	if !ok {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeNotFound, "message not found or not yours"))
		return
	}

	d.Manager.BroadcastToChannel(record.ChannelID, protocol.ServerMessage{
		Type:       protocol.ServerMessageEdited,
		MessageID:  msg.MessageID,
		ChannelID:  record.ChannelID,
		SenderID:   s.UserID,
		Ciphertext: msg.Ciphertext,
		Nonce:      msg.Nonce,
		EditedAt:   protocol.FormatTimestamp(time.Now()),
	})
}

func (d *Dispatcher) handleDeleteMessage(ctx context.Context, s *Session, msg *protocol.ClientMessage) {
	record, err := d.Store.GetMessage(ctx, msg.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeNotFound, "message not found"))
		return
	}
	if err != nil {
		log.Printf("hub: look up message for delete: %v", err)
		return
	}

	var deleted bool
	if record.SenderID != nil && *record.SenderID == s.UserID {
		deleted, err = d.Store.SoftDeleteMessage(ctx, msg.MessageID, s.UserID, false)
	} else {
		role, roleErr := d.Store.ChannelRoleOf(ctx, record.ChannelID, s.UserID)
		if roleErr != nil || !canDeleteOthersMessages(role) {
			d.logPermissionDenial(ctx, s.UserID, "delete_message_denied", record.ChannelID)
			s.Enqueue(protocol.ErrorMessage(protocol.CodeForbidden, "you don't have permission to delete this message"))
			return
		}
		deleted, err = d.Store.SoftDeleteMessage(ctx, msg.MessageID, s.UserID, true)
	}
	if err != nil {
		log.Printf("hub: delete message: %v", err)
		return
	}
	if !deleted {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeNotFound, "message not found or already deleted"))
		return
	}

	d.Manager.BroadcastToChannel(record.ChannelID, protocol.ServerMessage{
		Type:      protocol.ServerMessageDeleted,
		MessageID: msg.MessageID,
	})
}

func (d *Dispatcher) handleTypingState(ctx context.Context, s *Session, channelID uuid.UUID, eventType string) {
	isMember, err := d.Store.IsChannelMember(ctx, channelID, s.UserID)
	if err != nil || !isMember {
		return
	}
	d.Manager.BroadcastToChannel(channelID, protocol.ServerMessage{
		Type:      eventType,
		ChannelID: channelID,
		UserID:    s.UserID,
	})
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, s *Session, channelIDs []uuid.UUID) {
	for _, channelID := range channelIDs {
		isMember, err := d.Store.IsChannelMember(ctx, channelID, s.UserID)
		if err != nil || !isMember {
			continue
		}
		s.subscribeChannel(channelID)
	}
}

func (d *Dispatcher) relayRTC(s *Session, eventType string, msg *protocol.ClientMessage) {
	d.Manager.SendToUser(msg.TargetUserID, protocol.ServerMessage{
		Type:       eventType,
		FromUserID: s.UserID,
		SessionID:  msg.SessionID,
		SDP:        msg.SDP,
		Candidate:  msg.Candidate,
	})
}

func (d *Dispatcher) handleJoinVoice(ctx context.Context, s *Session, channelID uuid.UUID) {
	isMember, err := d.Store.IsChannelMember(ctx, channelID, s.UserID)
	if err != nil || !isMember {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeForbidden, "not a member of this channel"))
		return
	}

	session, err := d.Store.VoiceGetOrCreateSession(ctx, channelID)
	if err != nil {
		log.Printf("hub: get/create voice session: %v", err)
		return
	}
	if err := d.Store.VoiceJoin(ctx, session.ID, s.UserID); err != nil {
		log.Printf("hub: join voice session: %v", err)
		return
	}

	participants, err := d.Store.VoiceParticipants(ctx, session.ID)
	if err != nil {
		log.Printf("hub: list voice participants: %v", err)
		return
	}

	s.Enqueue(protocol.ServerMessage{
		Type:         protocol.ServerVoiceStateUpdate,
		ChannelID:    channelID,
		Participants: participants,
	})
	d.Manager.BroadcastToChannel(channelID, protocol.ServerMessage{
		Type:      protocol.ServerUserJoinedVoice,
		ChannelID: channelID,
		UserID:    s.UserID,
	})
}

func (d *Dispatcher) handleLeaveVoice(ctx context.Context, s *Session, channelID uuid.UUID) {
	session, err := d.Store.VoiceGetActiveSession(ctx, channelID)
	if err != nil || session == nil {
		return
	}
	if err := d.Store.VoiceLeave(ctx, session.ID, s.UserID); err != nil {
		log.Printf("hub: leave voice session: %v", err)
		return
	}

	d.Manager.BroadcastToChannel(channelID, protocol.ServerMessage{
		Type:      protocol.ServerUserLeftVoice,
		ChannelID: channelID,
		UserID:    s.UserID,
	})

	participants, err := d.Store.VoiceParticipants(ctx, session.ID)
	if err == nil && len(participants) == 0 {
		if err := d.Store.VoiceEnd(ctx, session.ID); err != nil {
			log.Printf("hub: end empty voice session: %v", err)
		}
	}
}

func (d *Dispatcher) handleAddReaction(ctx context.Context, s *Session, msg *protocol.ClientMessage) {
	if msg.Emoji == "" || len(msg.Emoji) > 32 {
		s.Enqueue(protocol.ErrorMessage(protocol.CodeValidation, "invalid emoji"))
		return
	}

	record, err := d.Store.GetMessage(ctx, msg.MessageID)
	if err != nil {
		return
	}

	isMember, err := d.Store.IsChannelMember(ctx, record.ChannelID, s.UserID)
	if err != nil || !isMember {
		return
	}

	if err := d.Store.AddReaction(ctx, msg.MessageID, s.UserID, msg.Emoji); err != nil {
		return
	}

	d.Manager.BroadcastToChannel(record.ChannelID, protocol.ServerMessage{
		Type:      protocol.ServerReactionAdded,
		MessageID: msg.MessageID,
		UserID:    s.UserID,
		Emoji:     msg.Emoji,
	})
}

// RemoveMemberAndRotateKeys evicts userID from channelID and tells every
// remaining member their sender-key chain for this channel must be
// rotated, since the removed member can no longer be trusted to have
// lost access to the old one. This is invoked by the REST membership
// endpoints (kick/ban/leave), not by a client WebSocket frame.
func (d *Dispatcher) RemoveMemberAndRotateKeys(ctx context.Context, actorID, channelID, userID uuid.UUID) error {
	if err := d.Store.RemoveMember(ctx, channelID, userID); err != nil {
		return err
	}
	if err := d.Store.DeleteSenderKeyDistribution(ctx, channelID, userID); err != nil {
		log.Printf("hub: delete sender key distribution for removed member: %v", err)
	}

	metrics.RecordSenderKeyRotation("member_removed")
	if err := d.Store.InsertAuditLog(ctx, actorID, "member_removed_key_rotation", map[string]any{
		"channel_id": channelID,
		"removed":    userID,
	}); err != nil {
		log.Printf("hub: insert audit log: %v", err)
	}

	d.Manager.BroadcastToChannel(channelID, protocol.ServerMessage{
		Type:      protocol.ServerSenderKeyRotationReq,
		ChannelID: channelID,
		Reason:    "member_removed",
	})
	return nil
}

// PublishSenderKeyDistribution records a freshly rotated sender-key
// chain and notifies channelID's other members so they can fetch the
// new distribution through their pairwise sessions.
func (d *Dispatcher) PublishSenderKeyDistribution(ctx context.Context, row *store.SenderKeyDistributionRow) error {
	if err := d.Store.UpsertSenderKeyDistribution(ctx, row); err != nil {
		return err
	}

	d.Manager.BroadcastToChannel(row.ChannelID, protocol.ServerMessage{
		Type:      protocol.ServerSenderKeyUpdated,
		ChannelID: row.ChannelID,
		SenderID:  row.SenderID,
		ChainID:   row.ChainID,
	})
	return nil
}

func (d *Dispatcher) handleRemoveReaction(ctx context.Context, s *Session, msg *protocol.ClientMessage) {
	record, err := d.Store.GetMessage(ctx, msg.MessageID)
	if err != nil {
		return
	}

	removed, err := d.Store.RemoveReaction(ctx, msg.MessageID, s.UserID, msg.Emoji)
	if err != nil || !removed {
		return
	}

	d.Manager.BroadcastToChannel(record.ChannelID, protocol.ServerMessage{
		Type:      protocol.ServerReactionRemoved,
		MessageID: msg.MessageID,
		UserID:    s.UserID,
		Emoji:     msg.Emoji,
	})
}
