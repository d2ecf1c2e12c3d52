package main

import (
	"encoding/json"
	"time"

	"github.com/converso-chat/converso/internal/data"
)

// Envelope is the wire frame for every socket event, inbound and outbound:
// a name plus an event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	evtSendMessage      = "send_message"
	evtMarkMessagesRead = "mark_messages_read"
	evtTypingStart      = "typing_start"
	evtTypingStop       = "typing_stop"
	evtJoinChat         = "join_chat"
	evtLeaveChat        = "leave_chat"
	evtCallUser         = "call_user"
	evtAnswerCall       = "answer_call"
	evtRejectCall       = "reject_call"
	evtEndCall          = "end_call"
	evtICECandidate     = "ice_candidate"
	evtUpdateLastSeen   = "update_last_seen"
)

// Outbound event names.
const (
	evtNewMessage          = "new_message"
	evtMessageRead         = "message_read"
	evtUserTyping          = "user_typing"
	evtUserOnline          = "user_online"
	evtUserOffline         = "user_offline"
	evtUserLastSeenUpdated = "user_last_seen_updated"
	evtIncomingCall        = "incoming_call"
	evtCallAnswered        = "call_answered"
	evtCallRejected        = "call_rejected"
	evtCallEnded           = "call_ended"
	evtError               = "error"
)

// sendMessagePayload is the body of a send_message event.
type sendMessagePayload struct {
	ChatID   string          `json:"chatId"`
	Content  string          `json:"content"`
	Type     string          `json:"type,omitempty"`
	ReplyTo  string          `json:"replyTo,omitempty"`
	Media    *data.MediaInfo `json:"media,omitempty"`
	Metadata *data.Metadata  `json:"metadata,omitempty"`
}

// markReadPayload is the body of a mark_messages_read event.
type markReadPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

// chatRefPayload covers typing_start, typing_stop, join_chat and leave_chat.
type chatRefPayload struct {
	ChatID string `json:"chatId"`
}

// callPayload covers every call-signaling event: a target plus an opaque
// negotiation payload the engine relays untouched.
type callPayload struct {
	TargetUserID string          `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// userRef is the compact sender/peer descriptor attached to outbound events.
type userRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// replyRef is the resolved reply-to context carried on a broadcast message.
type replyRef struct {
	ID     string  `json:"id"`
	Text   string  `json:"text,omitempty"`
	Sender userRef `json:"sender"`
}

// messageView is the fully-populated message broadcast to a room.
type messageView struct {
	*data.Message
	SenderInfo userRef   `json:"senderInfo"`
	ReplyInfo  *replyRef `json:"replyInfo,omitempty"`
}

// presencePayload announces online/offline transitions to contacts.
type presencePayload struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// lastSeenPayload announces an explicit last-seen refresh.
type lastSeenPayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// typingPayload is the body of a user_typing broadcast.
type typingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// messageReadPayload notifies a sender that one message was read.
type messageReadPayload struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// incomingCallPayload is delivered to the callee on call_user.
type incomingCallPayload struct {
	From     string          `json:"from"`
	FromUser userRef         `json:"fromUser"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// callEventPayload covers call_answered, call_rejected, call_ended and the
// outbound ice_candidate relay.
type callEventPayload struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// errorPayload is reported to the originating connection only.
type errorPayload struct {
	Message string `json:"message"`
}

// marshalEvent frames an outbound event. Payloads are plain structs, so a
// marshal failure is a programming error; callers treat nil as "skip".
func marshalEvent(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return frame
}

func errorEvent(message string) []byte {
	return marshalEvent(evtError, errorPayload{Message: message})
}
