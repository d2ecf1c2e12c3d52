// Package data provides the MongoDB document models and stores.
package data

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Sentinel errors shared by the stores and the engine. Handlers convert these
// into error events on the originating connection; anything else is treated
// as an internal failure.
var (
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrValidation    = errors.New("validation failed")
	ErrUserExists    = errors.New("user already exists")
)

// ChatType distinguishes two-party threads from groups.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Participant roles within a chat.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// MessageType enumerates the supported message kinds.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeVoice    MessageType = "voice"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
)

// DeviceToken is one registered push-notification endpoint.
type DeviceToken struct {
	Token     string    `bson:"token" json:"token"`
	Platform  string    `bson:"platform" json:"platform"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// Contact is a reference to another user in someone's contact list.
type Contact struct {
	User    bson.ObjectID `bson:"user" json:"user"`
	Name    string        `bson:"name,omitempty" json:"name,omitempty"`
	AddedAt time.Time     `bson:"added_at" json:"addedAt"`
}

// User maps to the users collection.
type User struct {
	ID           bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Name         string        `bson:"name" json:"name"`
	Email        string        `bson:"email" json:"email"`
	Password     string        `bson:"password" json:"-"`
	Avatar       string        `bson:"avatar,omitempty" json:"avatar,omitempty"`
	StatusText   string        `bson:"status_text,omitempty" json:"statusText,omitempty"`
	IsOnline     bool          `bson:"is_online" json:"isOnline"`
	LastSeen     time.Time     `bson:"last_seen" json:"lastSeen"`
	Contacts     []Contact     `bson:"contacts,omitempty" json:"contacts,omitempty"`
	DeviceTokens []DeviceToken `bson:"device_tokens,omitempty" json:"-"`
	IsVerified   bool          `bson:"is_verified" json:"isVerified"`
	CreatedAt    time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time     `bson:"updated_at" json:"updatedAt"`
}

// ParticipantSettings are a user's per-chat preferences.
type ParticipantSettings struct {
	Notifications bool   `bson:"notifications" json:"notifications"`
	CustomName    string `bson:"custom_name,omitempty" json:"customName,omitempty"`
}

// Participant is one user's membership record within a chat. A participant is
// either active or carries a left timestamp, never both.
type Participant struct {
	User     bson.ObjectID       `bson:"user" json:"user"`
	Role     string              `bson:"role" json:"role"`
	JoinedAt time.Time           `bson:"joined_at" json:"joinedAt"`
	LeftAt   *time.Time          `bson:"left_at,omitempty" json:"leftAt,omitempty"`
	IsActive bool                `bson:"is_active" json:"isActive"`
	Settings ParticipantSettings `bson:"settings" json:"settings"`
}

// TimerSetting is an on/off toggle with a timer in seconds, used both for the
// chat-wide ephemeral-message setting and group disappearing messages.
type TimerSetting struct {
	Enabled      bool  `bson:"enabled" json:"enabled"`
	TimerSeconds int64 `bson:"timer" json:"timer"`
}

// GroupSettings hold the admin-gated switches of a group chat.
type GroupSettings struct {
	OnlyAdminsCanMessage       bool         `bson:"only_admins_can_message" json:"onlyAdminsCanMessage"`
	OnlyAdminsCanAddMembers    bool         `bson:"only_admins_can_add_members" json:"onlyAdminsCanAddMembers"`
	OnlyAdminsCanEditGroupInfo bool         `bson:"only_admins_can_edit_group_info" json:"onlyAdminsCanEditGroupInfo"`
	DisappearingMessages       TimerSetting `bson:"disappearing_messages" json:"disappearingMessages"`
}

// GroupInfo is present only on group chats.
type GroupInfo struct {
	Name        string        `bson:"name" json:"name"`
	Description string        `bson:"description,omitempty" json:"description,omitempty"`
	Avatar      string        `bson:"avatar,omitempty" json:"avatar,omitempty"`
	InviteLink  string        `bson:"invite_link,omitempty" json:"inviteLink,omitempty"`
	Settings    GroupSettings `bson:"settings" json:"settings"`
}

// UserStamp records a per-user overlay (archived, pinned) with its timestamp.
type UserStamp struct {
	User bson.ObjectID `bson:"user" json:"user"`
	At   time.Time     `bson:"at" json:"at"`
}

// MuteEntry silences a chat for one user, optionally until a deadline.
type MuteEntry struct {
	User       bson.ObjectID `bson:"user" json:"user"`
	MutedUntil *time.Time    `bson:"muted_until,omitempty" json:"mutedUntil,omitempty"`
}

// Chat maps to the chats collection.
type Chat struct {
	ID           bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Type         ChatType      `bson:"type" json:"type"`
	Participants []Participant `bson:"participants" json:"participants"`
	GroupInfo    *GroupInfo    `bson:"group_info,omitempty" json:"groupInfo,omitempty"`

	// DirectKey is the canonical sorted pair of participant ids for direct
	// chats; a unique partial index on it guarantees at most one direct
	// thread per pair.
	DirectKey string `bson:"direct_key,omitempty" json:"-"`

	LastMessage  *bson.ObjectID `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	LastActivity time.Time      `bson:"last_activity" json:"lastActivity"`

	// TemporaryMessages, when enabled, stamps every new message in the chat
	// with a self-destruct time.
	TemporaryMessages TimerSetting `bson:"temporary_messages" json:"temporaryMessages"`

	MessageCount int64 `bson:"message_count" json:"messageCount"`

	Archived []UserStamp `bson:"archived,omitempty" json:"archived,omitempty"`
	Muted    []MuteEntry `bson:"muted,omitempty" json:"muted,omitempty"`
	Pinned   []UserStamp `bson:"pinned,omitempty" json:"pinned,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// Participant returns the participant record for a user, active or not.
func (c *Chat) Participant(userID bson.ObjectID) *Participant {
	for i := range c.Participants {
		if c.Participants[i].User == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// IsParticipant reports whether the user is an active participant.
func (c *Chat) IsParticipant(userID bson.ObjectID) bool {
	p := c.Participant(userID)
	return p != nil && p.IsActive
}

// IsAdmin reports whether the user is an active admin of the chat.
func (c *Chat) IsAdmin(userID bson.ObjectID) bool {
	p := c.Participant(userID)
	return p != nil && p.IsActive && p.Role == RoleAdmin
}

// ActiveParticipants returns the currently active participant records.
func (c *Chat) ActiveParticipants() []Participant {
	out := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// IsMutedFor reports whether the chat is muted for the user at time now.
func (c *Chat) IsMutedFor(userID bson.ObjectID, now time.Time) bool {
	for _, m := range c.Muted {
		if m.User == userID {
			return m.MutedUntil == nil || m.MutedUntil.After(now)
		}
	}
	return false
}

// DirectPairKey builds the canonical key for a direct chat between two users.
// The pair is unordered, so the ids are sorted before joining.
func DirectPairKey(a, b bson.ObjectID) string {
	ids := []string{a.Hex(), b.Hex()}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// MediaInfo describes an attached file.
type MediaInfo struct {
	Filename     string  `bson:"filename,omitempty" json:"filename,omitempty"`
	OriginalName string  `bson:"original_name,omitempty" json:"originalName,omitempty"`
	MimeType     string  `bson:"mime_type,omitempty" json:"mimeType,omitempty"`
	Size         int64   `bson:"size,omitempty" json:"size,omitempty"`
	URL          string  `bson:"url,omitempty" json:"url,omitempty"`
	Thumbnail    string  `bson:"thumbnail,omitempty" json:"thumbnail,omitempty"`
	Duration     float64 `bson:"duration,omitempty" json:"duration,omitempty"`
	Width        int     `bson:"width,omitempty" json:"width,omitempty"`
	Height       int     `bson:"height,omitempty" json:"height,omitempty"`
}

// Receipt is one user's read or delivery mark on a message. At most one
// receipt per user exists in each list.
type Receipt struct {
	User bson.ObjectID `bson:"user" json:"user"`
	At   time.Time     `bson:"at" json:"at"`
}

// SelfDestruct schedules a message for deletion. DestructAt is computed once
// at creation from the timer and never changes afterwards; a TTL index purges
// expired messages.
type SelfDestruct struct {
	Enabled      bool       `bson:"enabled" json:"enabled"`
	TimerSeconds int64      `bson:"timer" json:"timer"`
	DestructAt   *time.Time `bson:"destruct_at,omitempty" json:"destructAt,omitempty"`
}

// Location metadata for location messages.
type Location struct {
	Latitude  float64 `bson:"latitude" json:"latitude"`
	Longitude float64 `bson:"longitude" json:"longitude"`
	Address   string  `bson:"address,omitempty" json:"address,omitempty"`
}

// ContactCard metadata for contact messages.
type ContactCard struct {
	Name  string `bson:"name" json:"name"`
	Phone string `bson:"phone,omitempty" json:"phone,omitempty"`
	Email string `bson:"email,omitempty" json:"email,omitempty"`
}

// VoiceInfo metadata for voice messages.
type VoiceInfo struct {
	Waveform      []float64 `bson:"waveform,omitempty" json:"waveform,omitempty"`
	Transcription string    `bson:"transcription,omitempty" json:"transcription,omitempty"`
}

// Metadata carries the type-specific extras of a message.
type Metadata struct {
	Location *Location    `bson:"location,omitempty" json:"location,omitempty"`
	Contact  *ContactCard `bson:"contact,omitempty" json:"contact,omitempty"`
	Voice    *VoiceInfo   `bson:"voice,omitempty" json:"voice,omitempty"`
}

// Content holds the message body. Exactly one of Text or Encrypted is
// authoritative at a time.
type Content struct {
	Text      string `bson:"text,omitempty" json:"text,omitempty"`
	Encrypted string `bson:"encrypted,omitempty" json:"encrypted,omitempty"`
}

// Message maps to the messages collection.
type Message struct {
	ID      bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Chat    bson.ObjectID `bson:"chat" json:"chat"`
	Sender  bson.ObjectID `bson:"sender" json:"sender"`
	Content Content       `bson:"content" json:"content"`
	Type    MessageType   `bson:"type" json:"type"`

	Media   *MediaInfo     `bson:"media,omitempty" json:"media,omitempty"`
	ReplyTo *bson.ObjectID `bson:"reply_to,omitempty" json:"replyTo,omitempty"`

	Forwarded     bool           `bson:"forwarded" json:"forwarded"`
	ForwardedFrom *bson.ObjectID `bson:"forwarded_from,omitempty" json:"forwardedFrom,omitempty"`

	ReadBy      []Receipt `bson:"read_by,omitempty" json:"readBy,omitempty"`
	DeliveredTo []Receipt `bson:"delivered_to,omitempty" json:"deliveredTo,omitempty"`

	Deleted    bool            `bson:"deleted" json:"deleted"`
	DeletedFor []bson.ObjectID `bson:"deleted_for,omitempty" json:"-"`

	IsEdited bool       `bson:"is_edited" json:"isEdited"`
	EditedAt *time.Time `bson:"edited_at,omitempty" json:"editedAt,omitempty"`

	SelfDestruct SelfDestruct `bson:"self_destruct" json:"selfDestruct"`
	Metadata     *Metadata    `bson:"metadata,omitempty" json:"metadata,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// IsReadBy reports whether the user has a read receipt on the message.
func (m *Message) IsReadBy(userID bson.ObjectID) bool {
	for _, r := range m.ReadBy {
		if r.User == userID {
			return true
		}
	}
	return false
}

// IsDeliveredTo reports whether the user has a delivery receipt on the message.
func (m *Message) IsDeliveredTo(userID bson.ObjectID) bool {
	for _, r := range m.DeliveredTo {
		if r.User == userID {
			return true
		}
	}
	return false
}

// MessageInput is the validated payload a message is built from.
type MessageInput struct {
	Text      string
	Encrypted string
	Type      MessageType
	Media     *MediaInfo
	ReplyTo   *bson.ObjectID
	Metadata  *Metadata
}

// NewMessage builds a message document from an input, applying per-type
// validation and the chat's ephemeral-message setting. The chat timer always
// wins: when it is enabled the self-destruct fields come from the chat, and
// DestructAt is fixed here, once.
func NewMessage(chatID, senderID bson.ObjectID, in MessageInput, chatTimer TimerSetting, now time.Time) (*Message, error) {
	if in.Type == "" {
		in.Type = TypeText
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	msg := &Message{
		Chat:      chatID,
		Sender:    senderID,
		Content:   Content{Text: in.Text, Encrypted: in.Encrypted},
		Type:      in.Type,
		Media:     in.Media,
		ReplyTo:   in.ReplyTo,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if chatTimer.Enabled && chatTimer.TimerSeconds > 0 {
		at := now.Add(time.Duration(chatTimer.TimerSeconds) * time.Second)
		msg.SelfDestruct = SelfDestruct{
			Enabled:      true,
			TimerSeconds: chatTimer.TimerSeconds,
			DestructAt:   &at,
		}
	}
	return msg, nil
}

func validateInput(in MessageInput) error {
	switch in.Type {
	case TypeText:
		if in.Text == "" && in.Encrypted == "" {
			return fmt.Errorf("%w: text message requires content", ErrValidation)
		}
	case TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeVoice:
		if in.Media == nil || in.Media.URL == "" {
			return fmt.Errorf("%w: %s message requires media with a url", ErrValidation, in.Type)
		}
	case TypeLocation:
		if in.Metadata == nil || in.Metadata.Location == nil {
			return fmt.Errorf("%w: location message requires coordinates", ErrValidation)
		}
	case TypeContact:
		if in.Metadata == nil || in.Metadata.Contact == nil || in.Metadata.Contact.Name == "" {
			return fmt.Errorf("%w: contact message requires a contact card", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, in.Type)
	}
	if in.Text != "" && in.Encrypted != "" {
		return fmt.Errorf("%w: text and encrypted content are mutually exclusive", ErrValidation)
	}
	return nil
}
