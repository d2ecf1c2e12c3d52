package main

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type typingEntry struct {
	name string
	at   time.Time
}

// TypingTracker holds the transient per-chat, per-user typing flags. Entries
// expire after a silence window so indicators clear even when a client
// disconnects without sending typing_stop. Purely in-memory.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[bson.ObjectID]map[bson.ObjectID]typingEntry

	rooms   *RoomRegistry
	timeout time.Duration
	stopCh  chan struct{}
}

// NewTypingTracker starts a tracker whose sweep runs every sweepInterval and
// expires entries older than timeout.
func NewTypingTracker(rooms *RoomRegistry, timeout, sweepInterval time.Duration) *TypingTracker {
	t := &TypingTracker{
		entries: make(map[bson.ObjectID]map[bson.ObjectID]typingEntry),
		rooms:   rooms,
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval)
	return t
}

// Stop terminates the sweep goroutine.
func (t *TypingTracker) Stop() {
	close(t.stopCh)
}

// Start records that a user is typing in a chat, refreshing the timestamp on
// repeat events.
func (t *TypingTracker) Start(chatID, userID bson.ObjectID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chat, ok := t.entries[chatID]
	if !ok {
		chat = make(map[bson.ObjectID]typingEntry)
		t.entries[chatID] = chat
	}
	chat[userID] = typingEntry{name: name, at: time.Now()}
}

// StopTyping removes a user's typing flag. Reports whether a flag existed.
func (t *TypingTracker) StopTyping(chatID, userID bson.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(chatID, userID)
}

func (t *TypingTracker) removeLocked(chatID, userID bson.ObjectID) bool {
	chat, ok := t.entries[chatID]
	if !ok {
		return false
	}
	if _, ok := chat[userID]; !ok {
		return false
	}
	delete(chat, userID)
	if len(chat) == 0 {
		delete(t.entries, chatID)
	}
	return true
}

// IsTyping reports whether a user currently holds a typing flag in a chat.
func (t *TypingTracker) IsTyping(chatID, userID bson.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[chatID][userID]
	return ok
}

// Sweep expires entries older than the timeout as of now and broadcasts the
// stop indicator for each, so stale flags clear without an explicit
// typing_stop. Exposed for tests; the sweep loop calls it on a ticker.
func (t *TypingTracker) Sweep(now time.Time) {
	type expired struct {
		chatID bson.ObjectID
		userID bson.ObjectID
		name   string
	}

	cutoff := now.Add(-t.timeout)
	var out []expired

	t.mu.Lock()
	for chatID, chat := range t.entries {
		for userID, e := range chat {
			if e.at.Before(cutoff) {
				out = append(out, expired{chatID: chatID, userID: userID, name: e.name})
			}
		}
	}
	for _, e := range out {
		t.removeLocked(e.chatID, e.userID)
	}
	t.mu.Unlock()

	for _, e := range out {
		frame := marshalEvent(evtUserTyping, typingPayload{
			UserID:   e.userID.Hex(),
			UserName: e.name,
			IsTyping: false,
		})
		t.rooms.Broadcast(e.chatID, frame, 0)
	}
}

func (t *TypingTracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep(time.Now())
		case <-t.stopCh:
			return
		}
	}
}
