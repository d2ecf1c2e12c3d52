package data

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ChatsStore performs chat DB operations.
type ChatsStore struct {
	coll *mongo.Collection
}

// NewChatsStore returns a ChatsStore using the given collection.
func NewChatsStore(coll *mongo.Collection) *ChatsStore {
	return &ChatsStore{coll: coll}
}

// GetChatByID loads one chat document.
func (s *ChatsStore) GetChatByID(ctx context.Context, id bson.ObjectID) (*Chat, error) {
	var chat Chat
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&chat)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &chat, nil
}

// FindChatsForUser returns every chat where the user is an active
// participant, most recently active first. Used to subscribe a fresh
// connection to its rooms.
func (s *ChatsStore) FindChatsForUser(ctx context.Context, userID bson.ObjectID) ([]*Chat, error) {
	filter := bson.M{
		"participants": bson.M{"$elemMatch": bson.M{"user": userID, "is_active": true}},
	}
	opts := options.Find().SetSort(bson.M{"last_activity": -1})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var chats []*Chat
	if err := cursor.All(ctx, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetOrCreateDirectChat returns the direct chat between two users, creating
// it if absent. Creation races converge on one document: the canonical pair
// key is upserted under a unique partial index, so concurrent callers either
// insert or find the same chat.
func (s *ChatsStore) GetOrCreateDirectChat(ctx context.Context, a, b bson.ObjectID) (*Chat, error) {
	if a == b {
		return nil, fmt.Errorf("%w: direct chat requires two distinct users", ErrValidation)
	}
	now := time.Now()
	key := DirectPairKey(a, b)

	filter := bson.M{"type": ChatDirect, "direct_key": key}
	update := bson.M{"$setOnInsert": Chat{
		Type: ChatDirect,
		Participants: []Participant{
			{User: a, Role: RoleMember, JoinedAt: now, IsActive: true, Settings: ParticipantSettings{Notifications: true}},
			{User: b, Role: RoleMember, JoinedAt: now, IsActive: true, Settings: ParticipantSettings{Notifications: true}},
		},
		DirectKey:    key,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var chat Chat
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&chat); err != nil {
		// A concurrent upsert can still trip the unique index; the document
		// exists by then, so retry as a plain read.
		if mongo.IsDuplicateKeyError(err) {
			if err := s.coll.FindOne(ctx, filter).Decode(&chat); err != nil {
				return nil, err
			}
			return &chat, nil
		}
		return nil, err
	}
	return &chat, nil
}

// CreateGroupChat creates a group with the creator as admin and the given
// members, and mints an invite link.
func (s *ChatsStore) CreateGroupChat(ctx context.Context, creator bson.ObjectID, name, description string, members []bson.ObjectID) (*Chat, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: group chat requires a name", ErrValidation)
	}
	now := time.Now()

	participants := []Participant{
		{User: creator, Role: RoleAdmin, JoinedAt: now, IsActive: true, Settings: ParticipantSettings{Notifications: true}},
	}
	for _, m := range members {
		if m == creator {
			continue
		}
		participants = append(participants, Participant{
			User: m, Role: RoleMember, JoinedAt: now, IsActive: true,
			Settings: ParticipantSettings{Notifications: true},
		})
	}

	chat := &Chat{
		Type:         ChatGroup,
		Participants: participants,
		GroupInfo: &GroupInfo{
			Name:        name,
			Description: description,
			InviteLink:  uuid.NewString(),
			Settings:    GroupSettings{OnlyAdminsCanEditGroupInfo: true},
		},
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result, err := s.coll.InsertOne(ctx, chat)
	if err != nil {
		return nil, err
	}
	chat.ID = result.InsertedID.(bson.ObjectID)
	return chat, nil
}

// AddParticipant adds a user to a chat, reactivating a previously-left
// record when one exists. Both paths are single atomic updates.
func (s *ChatsStore) AddParticipant(ctx context.Context, chatID, userID bson.ObjectID, role string) error {
	if role == "" {
		role = RoleMember
	}
	now := time.Now()

	// Reactivate a participant who left earlier.
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": chatID, "participants.user": userID},
		bson.M{
			"$set": bson.M{
				"participants.$.is_active": true,
				"participants.$.joined_at": now,
				"updated_at":               now,
			},
			"$unset": bson.M{"participants.$.left_at": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Not a past participant; append a fresh record. The filter re-checks
	// absence so racing with another add cannot duplicate the user.
	res, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": chatID, "participants.user": bson.M{"$ne": userID}},
		bson.M{
			"$push": bson.M{"participants": Participant{
				User: userID, Role: role, JoinedAt: now, IsActive: true,
				Settings: ParticipantSettings{Notifications: true},
			}},
			"$set": bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Either the chat is gone or a concurrent add won; distinguish.
		if _, gerr := s.GetChatByID(ctx, chatID); gerr != nil {
			return gerr
		}
	}
	return nil
}

// RemoveParticipant deactivates a user's membership and stamps left-at.
func (s *ChatsStore) RemoveParticipant(ctx context.Context, chatID, userID bson.ObjectID) error {
	now := time.Now()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": chatID, "participants.user": userID},
		bson.M{"$set": bson.M{
			"participants.$.is_active": false,
			"participants.$.left_at":   now,
			"updated_at":               now,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetParticipantRole promotes or demotes an active participant.
func (s *ChatsStore) SetParticipantRole(ctx context.Context, chatID, userID bson.ObjectID, role string) error {
	if role != RoleAdmin && role != RoleMember {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": chatID, "participants": bson.M{"$elemMatch": bson.M{"user": userID, "is_active": true}}},
		bson.M{"$set": bson.M{"participants.$.role": role, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordMessage applies the conversation-side effects of a successful send in
// one atomic update: last-message pointer, message count, last activity.
func (s *ChatsStore) RecordMessage(ctx context.Context, chatID, messageID bson.ObjectID, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{
			"$set": bson.M{"last_message": messageID, "last_activity": at, "updated_at": at},
			"$inc": bson.M{"message_count": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTemporaryMessages toggles the chat-wide ephemeral-message setting.
func (s *ChatsStore) SetTemporaryMessages(ctx context.Context, chatID bson.ObjectID, setting TimerSetting) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{"$set": bson.M{"temporary_messages": setting, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveForUser archives the chat for one user. Re-archiving refreshes the
// timestamp rather than duplicating the entry.
func (s *ChatsStore) ArchiveForUser(ctx context.Context, chatID, userID bson.ObjectID) error {
	if err := s.pullOverlay(ctx, chatID, "archived", userID); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": chatID}, bson.M{
		"$push": bson.M{"archived": UserStamp{User: userID, At: time.Now()}},
	})
	return err
}

// UnarchiveForUser removes the user's archive overlay.
func (s *ChatsStore) UnarchiveForUser(ctx context.Context, chatID, userID bson.ObjectID) error {
	return s.pullOverlay(ctx, chatID, "archived", userID)
}

// MuteForUser silences the chat for one user; a zero duration mutes forever.
func (s *ChatsStore) MuteForUser(ctx context.Context, chatID, userID bson.ObjectID, d time.Duration) error {
	if err := s.pullOverlay(ctx, chatID, "muted", userID); err != nil {
		return err
	}
	entry := MuteEntry{User: userID}
	if d > 0 {
		until := time.Now().Add(d)
		entry.MutedUntil = &until
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": chatID}, bson.M{
		"$push": bson.M{"muted": entry},
	})
	return err
}

// UnmuteForUser removes the user's mute overlay.
func (s *ChatsStore) UnmuteForUser(ctx context.Context, chatID, userID bson.ObjectID) error {
	return s.pullOverlay(ctx, chatID, "muted", userID)
}

// PinForUser pins the chat for one user.
func (s *ChatsStore) PinForUser(ctx context.Context, chatID, userID bson.ObjectID) error {
	if err := s.pullOverlay(ctx, chatID, "pinned", userID); err != nil {
		return err
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": chatID}, bson.M{
		"$push": bson.M{"pinned": UserStamp{User: userID, At: time.Now()}},
	})
	return err
}

// UnpinForUser removes the user's pin overlay.
func (s *ChatsStore) UnpinForUser(ctx context.Context, chatID, userID bson.ObjectID) error {
	return s.pullOverlay(ctx, chatID, "pinned", userID)
}

func (s *ChatsStore) pullOverlay(ctx context.Context, chatID bson.ObjectID, field string, userID bson.ObjectID) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": chatID}, bson.M{
		"$pull": bson.M{field: bson.M{"user": userID}},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
