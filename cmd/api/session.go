package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/converso-chat/converso/internal/data"
)

// client is one authenticated websocket connection. The identity binding is
// set during the handshake and never changes for the connection's lifetime.
type client struct {
	id   int64
	user *data.User

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newClient(user *data.User) *client {
	return &client{
		user:   user,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Enqueue implements EventSink: a non-blocking handoff to the write pump.
// Frames are dropped rather than letting a slow connection stall the caller.
func (c *client) Enqueue(frame []byte) bool {
	if frame == nil {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.closed) })
}

// handleSocket owns the lifecycle of one websocket connection: handshake
// authentication, presence registration, room subscription, the read loop,
// and deterministic teardown.
func (s *Server) handleSocket(conn *websocket.Conn) {
	ctx := context.Background()

	user, reason := s.authenticateSocket(ctx, conn)
	if user == nil {
		_ = conn.WriteMessage(websocket.TextMessage, errorEvent(reason))
		_ = conn.Close()
		return
	}

	c := newClient(user)
	id, first := s.hub.Register(user.ID, c)
	c.id = id

	s.log.Info("user connected", "user", user.ID.Hex(), "conn", id)

	now := time.Now()
	if first {
		if err := s.users.UpdateLastSeen(ctx, user.ID, now); err != nil {
			s.log.Error("persist online state", "user", user.ID.Hex(), "err", err)
		}
		s.announceToContacts(user, marshalEvent(evtUserOnline, presencePayload{
			UserID:   user.ID.Hex(),
			IsOnline: true,
			LastSeen: now,
		}))
	}

	// Subscribe the connection to every chat the user is active in.
	if chats, err := s.chats.FindChatsForUser(ctx, user.ID); err != nil {
		s.log.Error("load chats for subscription", "user", user.ID.Hex(), "err", err)
	} else {
		for _, chat := range chats {
			s.rooms.Join(chat.ID, id, c)
		}
	}

	defer s.disconnect(ctx, c)

	go writePump(conn, c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.Enqueue(errorEvent("malformed event"))
			continue
		}
		s.dispatch(ctx, c, env)
	}
}

// disconnect tears one connection down: every room subscription and the
// presence binding go before the handler returns, and when this was the
// user's last connection the offline state is persisted and announced to
// online contacts.
func (s *Server) disconnect(ctx context.Context, c *client) {
	s.rooms.DropConnection(c.id)
	c.close()

	if last := s.hub.Unregister(c.user.ID, c.id); last {
		at := time.Now()
		if err := s.users.SetOffline(ctx, c.user.ID, at); err != nil {
			s.log.Error("persist offline state", "user", c.user.ID.Hex(), "err", err)
		}
		s.announceToContacts(c.user, marshalEvent(evtUserOffline, presencePayload{
			UserID:   c.user.ID.Hex(),
			IsOnline: false,
			LastSeen: at,
		}))
	}
	s.log.Info("user disconnected", "user", c.user.ID.Hex(), "conn", c.id)
}

// authenticateSocket resolves the handshake credential to a verified user,
// or returns a rejection reason.
func (s *Server) authenticateSocket(ctx context.Context, conn *websocket.Conn) (*data.User, string) {
	token := conn.Query("token")
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(conn.Headers("Authorization"), "Bearer"))
	}
	if token == "" {
		return nil, "authentication token required"
	}

	claims, err := s.auth.VerifyToken(token)
	if err != nil {
		return nil, "invalid token"
	}
	userID, err := bson.ObjectIDFromHex(claims.UserID)
	if err != nil {
		return nil, "invalid token"
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, "user not found"
	}
	if !user.IsVerified {
		return nil, "account not verified"
	}
	return user, ""
}

func writePump(conn *websocket.Conn, c *client) {
	defer conn.Close()
	for {
		select {
		case frame := <-c.send:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// dispatch validates and routes one inbound event. Event-level failures are
// reported back to the originating connection only; they never terminate it.
func (s *Server) dispatch(ctx context.Context, c *client, env Envelope) {
	switch env.Event {
	case evtSendMessage:
		if !s.limiter.Allow(c.user.ID.Hex()) {
			c.Enqueue(errorEvent("rate limit exceeded"))
			return
		}
		var p sendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.Enqueue(errorEvent("malformed send_message payload"))
			return
		}
		if _, err := s.sendMessage(ctx, c, p); err != nil {
			s.reportError(c, err)
		}

	case evtMarkMessagesRead:
		var p markReadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.Enqueue(errorEvent("malformed mark_messages_read payload"))
			return
		}
		if err := s.markMessagesRead(ctx, c, p); err != nil {
			s.reportError(c, err)
		}

	case evtTypingStart, evtTypingStop:
		var p chatRefPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.Enqueue(errorEvent("malformed typing payload"))
			return
		}
		chatID, err := bson.ObjectIDFromHex(p.ChatID)
		if err != nil {
			c.Enqueue(errorEvent("invalid chat id"))
			return
		}
		s.handleTyping(c, chatID, env.Event == evtTypingStart)

	case evtJoinChat:
		var p chatRefPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.Enqueue(errorEvent("malformed join_chat payload"))
			return
		}
		if err := s.joinChat(ctx, c, p.ChatID); err != nil {
			s.reportError(c, err)
		}

	case evtLeaveChat:
		var p chatRefPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.Enqueue(errorEvent("malformed leave_chat payload"))
			return
		}
		if chatID, err := bson.ObjectIDFromHex(p.ChatID); err == nil {
			s.rooms.Leave(chatID, c.id)
		}

	case evtCallUser, evtAnswerCall, evtRejectCall, evtEndCall, evtICECandidate:
		var p callPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.Enqueue(errorEvent("malformed call payload"))
			return
		}
		s.relayCall(c, env.Event, p)

	case evtUpdateLastSeen:
		now := time.Now()
		if err := s.users.UpdateLastSeen(ctx, c.user.ID, now); err != nil {
			s.log.Error("update last seen", "user", c.user.ID.Hex(), "err", err)
			return
		}
		s.announceToContacts(c.user, marshalEvent(evtUserLastSeenUpdated, lastSeenPayload{
			UserID:   c.user.ID.Hex(),
			LastSeen: now,
		}))

	default:
		c.Enqueue(errorEvent("unknown event: " + env.Event))
	}
}

// handleTyping updates the tracker and broadcasts the indicator to everyone
// else in the room.
func (s *Server) handleTyping(c *client, chatID bson.ObjectID, isTyping bool) {
	if isTyping {
		s.typing.Start(chatID, c.user.ID, c.user.Name)
	} else if !s.typing.StopTyping(chatID, c.user.ID) {
		return
	}
	frame := marshalEvent(evtUserTyping, typingPayload{
		UserID:   c.user.ID.Hex(),
		UserName: c.user.Name,
		IsTyping: isTyping,
	})
	s.rooms.Broadcast(chatID, frame, c.id)
}

// joinChat subscribes the connection to a room after checking membership.
func (s *Server) joinChat(ctx context.Context, c *client, chatIDHex string) error {
	chatID, err := bson.ObjectIDFromHex(chatIDHex)
	if err != nil {
		return fmt.Errorf("%w: invalid chat id", data.ErrValidation)
	}
	chat, err := s.chats.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsParticipant(c.user.ID) {
		return fmt.Errorf("%w: not a participant of this chat", data.ErrNotAuthorized)
	}
	s.rooms.Join(chatID, c.id, c)
	return nil
}

// reportError converts failures into error events for the originator.
// Anything outside the taxonomy is logged and reported generically.
func (s *Server) reportError(c *client, err error) {
	switch {
	case errors.Is(err, data.ErrNotFound),
		errors.Is(err, data.ErrNotAuthorized),
		errors.Is(err, data.ErrValidation):
		c.Enqueue(errorEvent(err.Error()))
	default:
		s.log.Error("event handling failed", "err", err)
		c.Enqueue(errorEvent("internal error"))
	}
}
