package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/converso-chat/converso/internal/auth"
	"github.com/converso-chat/converso/internal/config"
	"github.com/converso-chat/converso/internal/data"
	"github.com/converso-chat/converso/internal/middleware"
	"github.com/converso-chat/converso/internal/notify"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// The server depends on the narrow slices of the stores it actually calls,
// so tests can substitute in-memory fakes.

type usersStore interface {
	CreateUser(ctx context.Context, name, email, hashedPassword string) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
	UpdateLastSeen(ctx context.Context, id bson.ObjectID, at time.Time) error
	SetOffline(ctx context.Context, id bson.ObjectID, at time.Time) error
	AddDeviceToken(ctx context.Context, id bson.ObjectID, token, platform string) error
	RemoveDeviceToken(ctx context.Context, id bson.ObjectID, token string) error
	AddContact(ctx context.Context, id, contactID bson.ObjectID, name string) error
	FindUsersWithDeviceTokens(ctx context.Context, ids []bson.ObjectID) ([]*data.User, error)
}

type chatsStore interface {
	GetChatByID(ctx context.Context, id bson.ObjectID) (*data.Chat, error)
	FindChatsForUser(ctx context.Context, userID bson.ObjectID) ([]*data.Chat, error)
	GetOrCreateDirectChat(ctx context.Context, a, b bson.ObjectID) (*data.Chat, error)
	CreateGroupChat(ctx context.Context, creator bson.ObjectID, name, description string, members []bson.ObjectID) (*data.Chat, error)
	AddParticipant(ctx context.Context, chatID, userID bson.ObjectID, role string) error
	RemoveParticipant(ctx context.Context, chatID, userID bson.ObjectID) error
	SetParticipantRole(ctx context.Context, chatID, userID bson.ObjectID, role string) error
	SetTemporaryMessages(ctx context.Context, chatID bson.ObjectID, setting data.TimerSetting) error
	RecordMessage(ctx context.Context, chatID, messageID bson.ObjectID, at time.Time) error
	ArchiveForUser(ctx context.Context, chatID, userID bson.ObjectID) error
	UnarchiveForUser(ctx context.Context, chatID, userID bson.ObjectID) error
	MuteForUser(ctx context.Context, chatID, userID bson.ObjectID, d time.Duration) error
	UnmuteForUser(ctx context.Context, chatID, userID bson.ObjectID) error
	PinForUser(ctx context.Context, chatID, userID bson.ObjectID) error
	UnpinForUser(ctx context.Context, chatID, userID bson.ObjectID) error
}

type messagesStore interface {
	Insert(ctx context.Context, msg *data.Message) error
	GetMessageByID(ctx context.Context, id bson.ObjectID) (*data.Message, error)
	MarkDelivered(ctx context.Context, messageID, userID bson.ObjectID, at time.Time) error
	MarkRead(ctx context.Context, messageID, userID bson.ObjectID, at time.Time) error
	FindForReadMarking(ctx context.Context, ids []bson.ObjectID, chatID, readerID bson.ObjectID) ([]*data.Message, error)
	GetChatHistory(ctx context.Context, chatID, userID bson.ObjectID, limit int64) ([]*data.Message, error)
	EditMessage(ctx context.Context, messageID, senderID bson.ObjectID, newText string) (*data.Message, error)
	DeleteForEveryone(ctx context.Context, messageID, senderID bson.ObjectID) error
	DeleteForUser(ctx context.Context, messageID, userID bson.ObjectID) error
}

// Server wires the realtime engine: stores, auth, presence, rooms, typing
// state, rate limiting and notification dispatch.
type Server struct {
	cfg    config.Config
	log    *slog.Logger
	users  usersStore
	chats  chatsStore
	msgs   messagesStore
	auth   *auth.JWTManager
	hub    *PresenceHub
	rooms  *RoomRegistry
	typing *TypingTracker

	limiter  *middleware.LimiterStore
	notifier notify.Notifier
}

// newServer returns a ready-to-use Server wired with its collaborators.
func newServer(cfg config.Config, log *slog.Logger, users usersStore, chats chatsStore, msgs messagesStore,
	authMgr *auth.JWTManager, hub *PresenceHub, rooms *RoomRegistry, typing *TypingTracker,
	limiter *middleware.LimiterStore, notifier notify.Notifier) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		users:    users,
		chats:    chats,
		msgs:     msgs,
		auth:     authMgr,
		hub:      hub,
		rooms:    rooms,
		typing:   typing,
		limiter:  limiter,
		notifier: notifier,
	}
}

// announceToContacts routes a frame to every contact of the user who is
// currently online. Offline contacts simply miss the ephemeral notice.
func (s *Server) announceToContacts(user *data.User, frame []byte) {
	for _, contact := range user.Contacts {
		s.hub.Route(contact.User, frame)
	}
}
