package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/converso-chat/converso/internal/middleware"
)

func envelope(t *testing.T, event string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Envelope{Event: event, Data: data}
}

func TestDispatchUnknownEvent(t *testing.T) {
	user := testUser("alice")
	srv, _ := newTestServer(t, newFakeUsers(user), newFakeChats(), newFakeMsgs())
	conn := connect(srv, user)

	srv.dispatch(context.Background(), conn, Envelope{Event: "no_such_event"})

	if _, ok := findEvent(drain(t, conn), evtError); !ok {
		t.Fatal("unknown event should be answered with an error event")
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	user := testUser("alice")
	srv, _ := newTestServer(t, newFakeUsers(user), newFakeChats(), newFakeMsgs())
	conn := connect(srv, user)

	srv.dispatch(context.Background(), conn, Envelope{
		Event: evtSendMessage,
		Data:  json.RawMessage(`"not an object"`),
	})

	if _, ok := findEvent(drain(t, conn), evtError); !ok {
		t.Fatal("malformed payload should be answered with an error event")
	}
}

func TestDispatchRateLimitsSends(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	chat := directChat(alice, bob)
	srv, _ := newTestServer(t, newFakeUsers(alice, bob), newFakeChats(chat), newFakeMsgs())

	// One send per minute with no burst headroom.
	srv.limiter = middleware.NewLimiterStore(1, 1, time.Hour)
	t.Cleanup(srv.limiter.Stop)

	conn := connect(srv, alice, chat.ID)
	payload := sendMessagePayload{ChatID: chat.ID.Hex(), Content: "first"}

	srv.dispatch(context.Background(), conn, envelope(t, evtSendMessage, payload))
	if _, ok := findEvent(drain(t, conn), evtNewMessage); !ok {
		t.Fatal("first send should pass the limiter")
	}

	srv.dispatch(context.Background(), conn, envelope(t, evtSendMessage, payload))
	env, ok := findEvent(drain(t, conn), evtError)
	if !ok {
		t.Fatal("second send should be rate limited")
	}
	var p errorPayload
	if err := unmarshalData(env, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Message != "rate limit exceeded" {
		t.Fatalf("error message %q", p.Message)
	}
}

func TestDispatchTypingBroadcast(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	chat := directChat(alice, bob)
	srv, _ := newTestServer(t, newFakeUsers(alice, bob), newFakeChats(chat), newFakeMsgs())

	aliceConn := connect(srv, alice, chat.ID)
	bobConn := connect(srv, bob, chat.ID)

	srv.dispatch(context.Background(), aliceConn, envelope(t, evtTypingStart, chatRefPayload{ChatID: chat.ID.Hex()}))

	env, ok := findEvent(drain(t, bobConn), evtUserTyping)
	if !ok {
		t.Fatal("bob got no typing indicator")
	}
	var p typingPayload
	if err := unmarshalData(env, &p); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if !p.IsTyping || p.UserID != alice.ID.Hex() || p.UserName != "alice" {
		t.Fatalf("typing payload %+v", p)
	}
	if envs := drain(t, aliceConn); len(envs) != 0 {
		t.Fatalf("typist must not receive their own indicator, got %v", envs)
	}
	if !srv.typing.IsTyping(chat.ID, alice.ID) {
		t.Fatal("tracker should hold the typing entry")
	}

	srv.dispatch(context.Background(), aliceConn, envelope(t, evtTypingStop, chatRefPayload{ChatID: chat.ID.Hex()}))
	env, ok = findEvent(drain(t, bobConn), evtUserTyping)
	if !ok {
		t.Fatal("bob got no stop indicator")
	}
	if err := unmarshalData(env, &p); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if p.IsTyping {
		t.Fatal("stop indicator must carry isTyping=false")
	}
}

func TestDispatchTypingStopWithoutStartIsSilent(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	chat := directChat(alice, bob)
	srv, _ := newTestServer(t, newFakeUsers(alice, bob), newFakeChats(chat), newFakeMsgs())

	aliceConn := connect(srv, alice, chat.ID)
	bobConn := connect(srv, bob, chat.ID)

	srv.dispatch(context.Background(), aliceConn, envelope(t, evtTypingStop, chatRefPayload{ChatID: chat.ID.Hex()}))

	if envs := drain(t, bobConn); len(envs) != 0 {
		t.Fatalf("stop without start must not broadcast, got %v", envs)
	}
}

func TestJoinChatRequiresMembership(t *testing.T) {
	alice, bob, mallory := testUser("alice"), testUser("bob"), testUser("mallory")
	chat := directChat(alice, bob)
	srv, _ := newTestServer(t, newFakeUsers(alice, bob, mallory), newFakeChats(chat), newFakeMsgs())

	conn := connect(srv, mallory)
	srv.dispatch(context.Background(), conn, envelope(t, evtJoinChat, chatRefPayload{ChatID: chat.ID.Hex()}))

	if _, ok := findEvent(drain(t, conn), evtError); !ok {
		t.Fatal("outsider join should produce an error event")
	}
	if srv.rooms.Subscribed(chat.ID, conn.id) {
		t.Fatal("outsider must not end up in the room")
	}

	member := connect(srv, alice)
	srv.dispatch(context.Background(), member, envelope(t, evtJoinChat, chatRefPayload{ChatID: chat.ID.Hex()}))
	if !srv.rooms.Subscribed(chat.ID, member.id) {
		t.Fatal("participant join should subscribe the connection")
	}
}

func TestLeaveChatUnsubscribes(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	chat := directChat(alice, bob)
	srv, _ := newTestServer(t, newFakeUsers(alice, bob), newFakeChats(chat), newFakeMsgs())

	conn := connect(srv, alice, chat.ID)
	if !srv.rooms.Subscribed(chat.ID, conn.id) {
		t.Fatal("setup: connection should start subscribed")
	}

	srv.dispatch(context.Background(), conn, envelope(t, evtLeaveChat, chatRefPayload{ChatID: chat.ID.Hex()}))
	if srv.rooms.Subscribed(chat.ID, conn.id) {
		t.Fatal("leave_chat should unsubscribe the connection")
	}
}

func TestUpdateLastSeenAnnouncesToContacts(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	alice.Contacts = append(alice.Contacts, contactOf(bob))

	users := newFakeUsers(alice, bob)
	srv, _ := newTestServer(t, users, newFakeChats(), newFakeMsgs())

	aliceConn := connect(srv, alice)
	bobConn := connect(srv, bob)

	srv.dispatch(context.Background(), aliceConn, Envelope{Event: evtUpdateLastSeen})

	if _, ok := users.lastSeenSet[alice.ID]; !ok {
		t.Fatal("last seen should be persisted")
	}
	env, ok := findEvent(drain(t, bobConn), evtUserLastSeenUpdated)
	if !ok {
		t.Fatal("contact got no last-seen update")
	}
	var p lastSeenPayload
	if err := unmarshalData(env, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.UserID != alice.ID.Hex() {
		t.Fatalf("payload user %q", p.UserID)
	}
}

func TestDisconnectAnnouncesOfflineToContacts(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	alice.Contacts = append(alice.Contacts, contactOf(bob))
	chat := directChat(alice, bob)

	users := newFakeUsers(alice, bob)
	srv, _ := newTestServer(t, users, newFakeChats(chat), newFakeMsgs())

	aliceConn := connect(srv, alice, chat.ID)
	bobConn := connect(srv, bob, chat.ID)

	srv.disconnect(context.Background(), aliceConn)

	if srv.hub.IsOnline(alice.ID) {
		t.Fatal("alice should be offline after her only connection drops")
	}
	if srv.rooms.Subscribed(chat.ID, aliceConn.id) {
		t.Fatal("dropped connection must leave its rooms")
	}

	at, ok := users.offlineSet[alice.ID]
	if !ok {
		t.Fatal("offline state should be persisted")
	}

	env, found := findEvent(drain(t, bobConn), evtUserOffline)
	if !found {
		t.Fatal("online contact got no user_offline")
	}
	var p presencePayload
	if err := unmarshalData(env, &p); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	if p.UserID != alice.ID.Hex() || p.IsOnline {
		t.Fatalf("presence payload %+v", p)
	}
	if !p.LastSeen.Equal(at) {
		t.Fatalf("broadcast last-seen %v does not match persisted %v", p.LastSeen, at)
	}
}

func TestDisconnectKeepsUserOnlineWhileConnectionsRemain(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	alice.Contacts = append(alice.Contacts, contactOf(bob))

	users := newFakeUsers(alice, bob)
	srv, _ := newTestServer(t, users, newFakeChats(), newFakeMsgs())

	first := connect(srv, alice)
	second := connect(srv, alice)
	bobConn := connect(srv, bob)

	srv.disconnect(context.Background(), first)

	if !srv.hub.IsOnline(alice.ID) {
		t.Fatal("alice should stay online with a second connection")
	}
	if _, ok := users.offlineSet[alice.ID]; ok {
		t.Fatal("offline state must not be persisted while connections remain")
	}
	if envs := drain(t, bobConn); len(envs) != 0 {
		t.Fatalf("no broadcast expected while alice stays online, got %v", envs)
	}

	srv.disconnect(context.Background(), second)
	if _, ok := findEvent(drain(t, bobConn), evtUserOffline); !ok {
		t.Fatal("dropping the final connection should announce user_offline")
	}
}

func TestClientEnqueueDropsWhenFull(t *testing.T) {
	c := newClient(testUser("slow"))
	for i := 0; i < cap(c.send); i++ {
		if !c.Enqueue([]byte(`{}`)) {
			t.Fatalf("enqueue %d should fit in the buffer", i)
		}
	}
	if c.Enqueue([]byte(`{}`)) {
		t.Fatal("a full buffer must drop, not block")
	}

	c.close()
	if c.Enqueue([]byte(`{}`)) {
		t.Fatal("a closed client must reject frames")
	}
}
