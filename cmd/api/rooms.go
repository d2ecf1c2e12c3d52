package main

import (
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// RoomRegistry tracks which connections are subscribed to which chat rooms.
// Subscriptions are connection-scoped: they exist only while the connection
// lives and are dropped wholesale on disconnect.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[bson.ObjectID]map[int64]EventSink
	byConn map[int64]map[bson.ObjectID]struct{}
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[bson.ObjectID]map[int64]EventSink),
		byConn: make(map[int64]map[bson.ObjectID]struct{}),
	}
}

// Join subscribes a connection to a chat room. Rejoining is a no-op.
func (r *RoomRegistry) Join(chatID bson.ObjectID, connID int64, sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[chatID]
	if !ok {
		room = make(map[int64]EventSink)
		r.rooms[chatID] = room
	}
	room[connID] = sink

	set, ok := r.byConn[connID]
	if !ok {
		set = make(map[bson.ObjectID]struct{})
		r.byConn[connID] = set
	}
	set[chatID] = struct{}{}
}

// Leave unsubscribes a connection from one room.
func (r *RoomRegistry) Leave(chatID bson.ObjectID, connID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(chatID, connID)
}

func (r *RoomRegistry) leaveLocked(chatID bson.ObjectID, connID int64) {
	if room, ok := r.rooms[chatID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, chatID)
		}
	}
	if set, ok := r.byConn[connID]; ok {
		delete(set, chatID)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// DropConnection removes every subscription of a connection. Called exactly
// once on disconnect so no later broadcast can reach a dead connection.
func (r *RoomRegistry) DropConnection(connID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID := range r.byConn[connID] {
		r.leaveLocked(chatID, connID)
	}
}

// Subscribed reports whether a connection is in the given room.
func (r *RoomRegistry) Subscribed(chatID bson.ObjectID, connID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[chatID][connID]
	return ok
}

// Broadcast delivers a frame to every connection in a room, skipping
// exceptConnID (zero skips nobody). Delivery to each connection is an
// independent non-blocking enqueue. Returns the number of connections that
// accepted the frame.
func (r *RoomRegistry) Broadcast(chatID bson.ObjectID, frame []byte, exceptConnID int64) int {
	if frame == nil {
		return 0
	}

	r.mu.RLock()
	sinks := make([]EventSink, 0, len(r.rooms[chatID]))
	for id, s := range r.rooms[chatID] {
		if id == exceptConnID {
			continue
		}
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range sinks {
		if s.Enqueue(frame) {
			delivered++
		}
	}
	return delivered
}
