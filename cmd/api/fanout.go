package main

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/converso-chat/converso/internal/data"
	"github.com/converso-chat/converso/internal/notify"
)

// sendMessage runs the full delivery pipeline for one inbound message:
// gates, persistence, delivery receipts for online recipients, room
// broadcast, and push dispatch for everyone else.
func (s *Server) sendMessage(ctx context.Context, c *client, p sendMessagePayload) (*data.Message, error) {
	chatID, err := bson.ObjectIDFromHex(p.ChatID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid chat id", data.ErrValidation)
	}

	chat, err := s.chats.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsParticipant(c.user.ID) {
		return nil, fmt.Errorf("%w: not a participant of this chat", data.ErrNotAuthorized)
	}
	if chat.Type == data.ChatGroup && chat.GroupInfo != nil &&
		chat.GroupInfo.Settings.OnlyAdminsCanMessage && !chat.IsAdmin(c.user.ID) {
		return nil, fmt.Errorf("%w: only admins can send messages in this group", data.ErrNotAuthorized)
	}

	in := data.MessageInput{
		Text:     p.Content,
		Type:     data.MessageType(p.Type),
		Media:    p.Media,
		Metadata: p.Metadata,
	}
	if p.ReplyTo != "" {
		replyID, err := bson.ObjectIDFromHex(p.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid reply id", data.ErrValidation)
		}
		in.ReplyTo = &replyID
	}

	msg, err := data.NewMessage(chatID, c.user.ID, in, chat.TemporaryMessages, time.Now())
	if err != nil {
		return nil, err
	}
	if err := s.msgs.Insert(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.chats.RecordMessage(ctx, chatID, msg.ID, msg.CreatedAt); err != nil {
		s.log.Error("record last message", "chat", chatID.Hex(), "err", err)
	}

	// Every other active participant gets a delivery receipt, written before
	// the broadcast so the frame already carries them. Presence only decides
	// who gets a push on top.
	now := time.Now()
	var offline []bson.ObjectID
	for _, part := range chat.ActiveParticipants() {
		if part.User == c.user.ID {
			continue
		}
		if err := s.msgs.MarkDelivered(ctx, msg.ID, part.User, now); err != nil {
			s.log.Error("mark delivered", "message", msg.ID.Hex(), "user", part.User.Hex(), "err", err)
		} else {
			msg.DeliveredTo = append(msg.DeliveredTo, data.Receipt{User: part.User, At: now})
		}
		if !s.hub.IsOnline(part.User) && !chat.IsMutedFor(part.User, now) {
			offline = append(offline, part.User)
		}
	}

	view := messageView{
		Message: msg,
		SenderInfo: userRef{
			ID:     c.user.ID.Hex(),
			Name:   c.user.Name,
			Avatar: c.user.Avatar,
		},
		ReplyInfo: s.resolveReply(ctx, msg.ReplyTo),
	}
	s.rooms.Broadcast(chatID, marshalEvent(evtNewMessage, view), 0)

	s.pushToOffline(ctx, c.user, chat, msg, offline)
	return msg, nil
}

// resolveReply loads the reply-to context. Any failure degrades to no
// context rather than failing the send.
func (s *Server) resolveReply(ctx context.Context, replyTo *bson.ObjectID) *replyRef {
	if replyTo == nil {
		return nil
	}
	original, err := s.msgs.GetMessageByID(ctx, *replyTo)
	if err != nil {
		return nil
	}
	ref := &replyRef{
		ID:     original.ID.Hex(),
		Text:   original.Content.Text,
		Sender: userRef{ID: original.Sender.Hex()},
	}
	if sender, err := s.users.GetUserByID(ctx, original.Sender); err == nil {
		ref.Sender.Name = sender.Name
		ref.Sender.Avatar = sender.Avatar
	}
	return ref
}

// pushToOffline dispatches a push notification to every offline recipient
// with a registered device. Failures are logged and never surfaced to the
// sender.
func (s *Server) pushToOffline(ctx context.Context, sender *data.User, chat *data.Chat, msg *data.Message, offline []bson.ObjectID) {
	if len(offline) == 0 {
		return
	}
	targets, err := s.users.FindUsersWithDeviceTokens(ctx, offline)
	if err != nil {
		s.log.Error("load push targets", "chat", chat.ID.Hex(), "err", err)
		return
	}

	title := sender.Name
	if chat.Type == data.ChatGroup && chat.GroupInfo != nil {
		title = sender.Name + " @ " + chat.GroupInfo.Name
	}
	body := pushBody(msg)

	for _, target := range targets {
		n := notify.Notification{
			Tokens: target.DeviceTokens,
			Title:  title,
			Body:   body,
			Data: map[string]string{
				"chatId":    chat.ID.Hex(),
				"messageId": msg.ID.Hex(),
			},
		}
		if err := s.notifier.Send(ctx, n); err != nil {
			s.log.Error("push dispatch", "user", target.ID.Hex(), "err", err)
		}
	}
}

// pushBody renders a notification preview without leaking encrypted content.
func pushBody(msg *data.Message) string {
	if msg.Content.Text != "" {
		if len(msg.Content.Text) > 120 {
			return msg.Content.Text[:120]
		}
		return msg.Content.Text
	}
	switch msg.Type {
	case data.TypeImage:
		return "Sent a photo"
	case data.TypeVideo:
		return "Sent a video"
	case data.TypeAudio, data.TypeVoice:
		return "Sent a voice message"
	case data.TypeDocument:
		return "Sent a document"
	case data.TypeLocation:
		return "Shared a location"
	case data.TypeContact:
		return "Shared a contact"
	default:
		return "New message"
	}
}

// markMessagesRead writes read receipts for the given messages and notifies
// each message's sender. Receipts are idempotent and never apply to the
// reader's own messages.
func (s *Server) markMessagesRead(ctx context.Context, c *client, p markReadPayload) error {
	chatID, err := bson.ObjectIDFromHex(p.ChatID)
	if err != nil {
		return fmt.Errorf("%w: invalid chat id", data.ErrValidation)
	}
	ids := make([]bson.ObjectID, 0, len(p.MessageIDs))
	for _, raw := range p.MessageIDs {
		id, err := bson.ObjectIDFromHex(raw)
		if err != nil {
			return fmt.Errorf("%w: invalid message id", data.ErrValidation)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	chat, err := s.chats.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsParticipant(c.user.ID) {
		return fmt.Errorf("%w: not a participant of this chat", data.ErrNotAuthorized)
	}

	msgs, err := s.msgs.FindForReadMarking(ctx, ids, chatID, c.user.ID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, msg := range msgs {
		if msg.IsReadBy(c.user.ID) {
			continue
		}
		if err := s.msgs.MarkRead(ctx, msg.ID, c.user.ID, now); err != nil {
			s.log.Error("mark read", "message", msg.ID.Hex(), "err", err)
			continue
		}
		s.hub.Route(msg.Sender, marshalEvent(evtMessageRead, messageReadPayload{
			MessageID: msg.ID.Hex(),
			ReadBy:    c.user.ID.Hex(),
			ReadAt:    now,
		}))
	}
	return nil
}
