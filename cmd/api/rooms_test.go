package main

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestRoomBroadcastSkipsExcludedConnection(t *testing.T) {
	rooms := NewRoomRegistry()
	chatID := bson.NewObjectID()

	a, b, c := &fakeSink{}, &fakeSink{}, &fakeSink{}
	rooms.Join(chatID, 1, a)
	rooms.Join(chatID, 2, b)
	rooms.Join(chatID, 3, c)

	n := rooms.Broadcast(chatID, []byte(`{}`), 2)
	if n != 2 {
		t.Fatalf("want 2 deliveries, got %d", n)
	}
	if len(b.frames) != 0 {
		t.Fatal("excluded connection must not receive the frame")
	}
	if len(a.frames) != 1 || len(c.frames) != 1 {
		t.Fatal("remaining connections should each receive the frame")
	}
}

func TestRoomBroadcastZeroExcludesNobody(t *testing.T) {
	rooms := NewRoomRegistry()
	chatID := bson.NewObjectID()

	a, b := &fakeSink{}, &fakeSink{}
	rooms.Join(chatID, 1, a)
	rooms.Join(chatID, 2, b)

	if n := rooms.Broadcast(chatID, []byte(`{}`), 0); n != 2 {
		t.Fatalf("want 2 deliveries, got %d", n)
	}
}

func TestRoomBroadcastEmptyRoom(t *testing.T) {
	rooms := NewRoomRegistry()
	if n := rooms.Broadcast(bson.NewObjectID(), []byte(`{}`), 0); n != 0 {
		t.Fatalf("want 0 deliveries in an empty room, got %d", n)
	}
}

func TestRoomDropConnectionLeavesAllRooms(t *testing.T) {
	rooms := NewRoomRegistry()
	chat1, chat2 := bson.NewObjectID(), bson.NewObjectID()

	sink := &fakeSink{}
	rooms.Join(chat1, 7, sink)
	rooms.Join(chat2, 7, sink)

	if !rooms.Subscribed(chat1, 7) || !rooms.Subscribed(chat2, 7) {
		t.Fatal("connection should be subscribed to both rooms")
	}

	rooms.DropConnection(7)

	if rooms.Subscribed(chat1, 7) || rooms.Subscribed(chat2, 7) {
		t.Fatal("dropped connection should be gone from every room")
	}
	if rooms.Broadcast(chat1, []byte(`{}`), 0) != 0 {
		t.Fatal("no deliveries expected after drop")
	}
}

func TestRoomLeaveIsScopedToOneRoom(t *testing.T) {
	rooms := NewRoomRegistry()
	chat1, chat2 := bson.NewObjectID(), bson.NewObjectID()

	sink := &fakeSink{}
	rooms.Join(chat1, 4, sink)
	rooms.Join(chat2, 4, sink)

	rooms.Leave(chat1, 4)

	if rooms.Subscribed(chat1, 4) {
		t.Fatal("connection should have left chat1")
	}
	if !rooms.Subscribed(chat2, 4) {
		t.Fatal("connection should still be in chat2")
	}
}
