package main

import (
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// EventSink is the minimal interface the hub and room registry need from a
// connection: a non-blocking enqueue of one outbound frame. It reports false
// when the frame was dropped (connection closed or its buffer full), so no
// slow recipient can stall a broadcast.
type EventSink interface {
	Enqueue(frame []byte) bool
}

// PresenceHub is the process-wide registry of live connections per user.
// A user may hold several simultaneous connections; the user counts as online
// while at least one remains.
type PresenceHub struct {
	mu     sync.RWMutex
	conns  map[bson.ObjectID]map[int64]EventSink
	nextID int64
}

// NewPresenceHub creates an empty hub.
func NewPresenceHub() *PresenceHub {
	return &PresenceHub{conns: make(map[bson.ObjectID]map[int64]EventSink)}
}

// Register binds a connection to a user identity and returns the connection
// id for later unregistration, plus whether this was the user's first live
// connection (the offline→online transition).
func (h *PresenceHub) Register(userID bson.ObjectID, sink EventSink) (id int64, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[userID]
	if !ok {
		set = make(map[int64]EventSink)
		h.conns[userID] = set
	}

	h.nextID++
	id = h.nextID
	set[id] = sink
	return id, !ok
}

// Unregister removes one connection binding and reports whether the user has
// no connections left (the online→offline transition).
func (h *PresenceHub) Unregister(userID bson.ObjectID, id int64) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[userID]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.conns, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one live connection.
func (h *PresenceHub) IsOnline(userID bson.ObjectID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// ActiveUserIDs returns the ids of every currently-connected user.
func (h *PresenceHub) ActiveUserIDs() []bson.ObjectID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]bson.ObjectID, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// Route delivers a frame to every live connection of one user, best-effort.
// It reports whether at least one connection accepted the frame; false means
// the user is offline (or every connection dropped it).
func (h *PresenceHub) Route(userID bson.ObjectID, frame []byte) bool {
	if frame == nil {
		return false
	}

	h.mu.RLock()
	sinks := make([]EventSink, 0, len(h.conns[userID]))
	for _, s := range h.conns[userID] {
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	delivered := false
	for _, s := range sinks {
		if s.Enqueue(frame) {
			delivered = true
		}
	}
	return delivered
}
