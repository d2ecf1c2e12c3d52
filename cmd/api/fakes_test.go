package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/converso-chat/converso/internal/auth"
	"github.com/converso-chat/converso/internal/config"
	"github.com/converso-chat/converso/internal/data"
	"github.com/converso-chat/converso/internal/middleware"
	"github.com/converso-chat/converso/internal/notify"
)

// fakeSink records every frame it accepts.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	reject bool
}

func (s *fakeSink) Enqueue(frame []byte) bool {
	if s.reject || frame == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSink) envelopes(t *testing.T) []Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("undecodable frame %q: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

func (s *fakeSink) eventNames(t *testing.T) []string {
	t.Helper()
	envs := s.envelopes(t)
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

func (s *fakeSink) lastEvent(t *testing.T, want string) Envelope {
	t.Helper()
	envs := s.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event == want {
			return envs[i]
		}
	}
	t.Fatalf("no %q event among %v", want, s.eventNames(t))
	return Envelope{}
}

// fakeUsers serves user documents from memory.
type fakeUsers struct {
	mu    sync.Mutex
	users map[bson.ObjectID]*data.User

	lastSeenSet map[bson.ObjectID]time.Time
	offlineSet  map[bson.ObjectID]time.Time
}

func newFakeUsers(users ...*data.User) *fakeUsers {
	f := &fakeUsers{
		users:       make(map[bson.ObjectID]*data.User),
		lastSeenSet: make(map[bson.ObjectID]time.Time),
		offlineSet:  make(map[bson.ObjectID]time.Time),
	}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) CreateUser(ctx context.Context, name, email, hashedPassword string) (*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return nil, data.ErrUserExists
		}
	}
	u := &data.User{ID: bson.NewObjectID(), Name: name, Email: email, Password: hashedPassword, IsVerified: true}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, email string) (*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, data.ErrNotFound
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, data.ErrNotFound
}

func (f *fakeUsers) UpdateLastSeen(ctx context.Context, id bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeenSet[id] = at
	return nil
}

func (f *fakeUsers) SetOffline(ctx context.Context, id bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlineSet[id] = at
	return nil
}

func (f *fakeUsers) AddDeviceToken(ctx context.Context, id bson.ObjectID, token, platform string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return data.ErrNotFound
	}
	u.DeviceTokens = append(u.DeviceTokens, data.DeviceToken{Token: token, Platform: platform})
	return nil
}

func (f *fakeUsers) RemoveDeviceToken(ctx context.Context, id bson.ObjectID, token string) error {
	return nil
}

func (f *fakeUsers) AddContact(ctx context.Context, id, contactID bson.ObjectID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return data.ErrNotFound
	}
	u.Contacts = append(u.Contacts, data.Contact{User: contactID, Name: name})
	return nil
}

func (f *fakeUsers) FindUsersWithDeviceTokens(ctx context.Context, ids []bson.ObjectID) ([]*data.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok && len(u.DeviceTokens) > 0 {
			out = append(out, u)
		}
	}
	return out, nil
}

// fakeChats serves chat documents from memory.
type fakeChats struct {
	mu    sync.Mutex
	chats map[bson.ObjectID]*data.Chat
}

func newFakeChats(chats ...*data.Chat) *fakeChats {
	f := &fakeChats{chats: make(map[bson.ObjectID]*data.Chat)}
	for _, c := range chats {
		f.chats[c.ID] = c
	}
	return f
}

func (f *fakeChats) GetChatByID(ctx context.Context, id bson.ObjectID) (*data.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.chats[id]; ok {
		return c, nil
	}
	return nil, data.ErrNotFound
}

func (f *fakeChats) FindChatsForUser(ctx context.Context, userID bson.ObjectID) ([]*data.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Chat
	for _, c := range f.chats {
		if c.IsParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChats) GetOrCreateDirectChat(ctx context.Context, a, b bson.ObjectID) (*data.Chat, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func (f *fakeChats) CreateGroupChat(ctx context.Context, creator bson.ObjectID, name, description string, members []bson.ObjectID) (*data.Chat, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func (f *fakeChats) AddParticipant(ctx context.Context, chatID, userID bson.ObjectID, role string) error {
	return nil
}

func (f *fakeChats) RemoveParticipant(ctx context.Context, chatID, userID bson.ObjectID) error {
	return nil
}

func (f *fakeChats) SetParticipantRole(ctx context.Context, chatID, userID bson.ObjectID, role string) error {
	return nil
}

func (f *fakeChats) SetTemporaryMessages(ctx context.Context, chatID bson.ObjectID, setting data.TimerSetting) error {
	return nil
}

func (f *fakeChats) RecordMessage(ctx context.Context, chatID, messageID bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return data.ErrNotFound
	}
	id := messageID
	c.LastMessage = &id
	c.LastActivity = at
	c.MessageCount++
	return nil
}

func (f *fakeChats) ArchiveForUser(ctx context.Context, chatID, userID bson.ObjectID) error { return nil }
func (f *fakeChats) UnarchiveForUser(ctx context.Context, chatID, userID bson.ObjectID) error {
	return nil
}
func (f *fakeChats) MuteForUser(ctx context.Context, chatID, userID bson.ObjectID, d time.Duration) error {
	return nil
}
func (f *fakeChats) UnmuteForUser(ctx context.Context, chatID, userID bson.ObjectID) error { return nil }
func (f *fakeChats) PinForUser(ctx context.Context, chatID, userID bson.ObjectID) error    { return nil }
func (f *fakeChats) UnpinForUser(ctx context.Context, chatID, userID bson.ObjectID) error  { return nil }

// fakeMsgs stores messages in memory and mirrors the receipt idempotence of
// the real store.
type fakeMsgs struct {
	mu   sync.Mutex
	msgs map[bson.ObjectID]*data.Message

	insertErr error
}

func newFakeMsgs(msgs ...*data.Message) *fakeMsgs {
	f := &fakeMsgs{msgs: make(map[bson.ObjectID]*data.Message)}
	for _, m := range msgs {
		f.msgs[m.ID] = m
	}
	return f
}

func (f *fakeMsgs) Insert(ctx context.Context, msg *data.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if msg.ID.IsZero() {
		msg.ID = bson.NewObjectID()
	}
	// Store a copy so that, as with the real store, receipt writes do not
	// alias the caller's in-memory message.
	stored := *msg
	f.msgs[msg.ID] = &stored
	return nil
}

func (f *fakeMsgs) GetMessageByID(ctx context.Context, id bson.ObjectID) (*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[id]; ok {
		return m, nil
	}
	return nil, data.ErrNotFound
}

func (f *fakeMsgs) MarkDelivered(ctx context.Context, messageID, userID bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok {
		return nil
	}
	if m.Sender == userID || m.IsDeliveredTo(userID) {
		return nil
	}
	m.DeliveredTo = append(m.DeliveredTo, data.Receipt{User: userID, At: at})
	return nil
}

func (f *fakeMsgs) MarkRead(ctx context.Context, messageID, userID bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok {
		return nil
	}
	if m.Sender == userID || m.IsReadBy(userID) {
		return nil
	}
	m.ReadBy = append(m.ReadBy, data.Receipt{User: userID, At: at})
	return nil
}

func (f *fakeMsgs) FindForReadMarking(ctx context.Context, ids []bson.ObjectID, chatID, readerID bson.ObjectID) ([]*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Message
	for _, id := range ids {
		m, ok := f.msgs[id]
		if !ok || m.Chat != chatID || m.Sender == readerID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMsgs) GetChatHistory(ctx context.Context, chatID, userID bson.ObjectID, limit int64) ([]*data.Message, error) {
	return nil, nil
}

func (f *fakeMsgs) EditMessage(ctx context.Context, messageID, senderID bson.ObjectID, newText string) (*data.Message, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func (f *fakeMsgs) DeleteForEveryone(ctx context.Context, messageID, senderID bson.ObjectID) error {
	return nil
}

func (f *fakeMsgs) DeleteForUser(ctx context.Context, messageID, userID bson.ObjectID) error {
	return nil
}

// fakeNotifier records every dispatched notification.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) notifications() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.sent...)
}

// newTestServer wires a Server against in-memory collaborators. The typing
// sweep interval is long enough that tests drive Sweep explicitly.
func newTestServer(t *testing.T, users *fakeUsers, chats *fakeChats, msgs *fakeMsgs) (*Server, *fakeNotifier) {
	t.Helper()

	notifier := &fakeNotifier{}
	cfg := config.Config{Env: "test", JWTSecret: "test-secret", JWTDuration: time.Hour}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	hub := NewPresenceHub()
	rooms := NewRoomRegistry()
	typing := NewTypingTracker(rooms, 5*time.Second, time.Hour)
	t.Cleanup(typing.Stop)

	limiter := middleware.NewLimiterStore(600, 100, time.Hour)
	t.Cleanup(limiter.Stop)

	authMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTDuration)
	srv := newServer(cfg, log, users, chats, msgs, authMgr, hub, rooms, typing, limiter, notifier)
	return srv, notifier
}

// connect registers a client in the hub and subscribes it to the given chats,
// mirroring what the websocket handshake does.
func connect(srv *Server, user *data.User, chatIDs ...bson.ObjectID) *client {
	c := newClient(user)
	id, _ := srv.hub.Register(user.ID, c)
	c.id = id
	for _, chatID := range chatIDs {
		srv.rooms.Join(chatID, id, c)
	}
	return c
}

// drain pulls everything queued on a client's send channel and decodes it.
func drain(t *testing.T, c *client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("undecodable frame %q: %v", frame, err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func unmarshalData(env Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}

func findEvent(envs []Envelope, name string) (Envelope, bool) {
	for _, env := range envs {
		if env.Event == name {
			return env, true
		}
	}
	return Envelope{}, false
}

func directChat(a, b *data.User) *data.Chat {
	now := time.Now()
	return &data.Chat{
		ID:   bson.NewObjectID(),
		Type: data.ChatDirect,
		Participants: []data.Participant{
			{User: a.ID, Role: data.RoleMember, JoinedAt: now, IsActive: true},
			{User: b.ID, Role: data.RoleMember, JoinedAt: now, IsActive: true},
		},
		CreatedAt:    now,
		LastActivity: now,
	}
}

func groupChat(admin *data.User, members ...*data.User) *data.Chat {
	now := time.Now()
	parts := []data.Participant{{User: admin.ID, Role: data.RoleAdmin, JoinedAt: now, IsActive: true}}
	for _, m := range members {
		parts = append(parts, data.Participant{User: m.ID, Role: data.RoleMember, JoinedAt: now, IsActive: true})
	}
	return &data.Chat{
		ID:           bson.NewObjectID(),
		Type:         data.ChatGroup,
		Participants: parts,
		GroupInfo:    &data.GroupInfo{Name: "test group"},
		CreatedAt:    now,
		LastActivity: now,
	}
}

func contactOf(u *data.User) data.Contact {
	return data.Contact{User: u.ID, Name: u.Name, AddedAt: time.Now()}
}

func testUser(name string) *data.User {
	return &data.User{
		ID:         bson.NewObjectID(),
		Name:       name,
		Email:      name + "@example.com",
		IsVerified: true,
	}
}
