package data

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// Insert persists a message built by NewMessage and fills in its id.
func (s *MessagesStore) Insert(ctx context.Context, msg *Message) error {
	result, err := s.coll.InsertOne(ctx, msg)
	if err != nil {
		return err
	}
	msg.ID = result.InsertedID.(bson.ObjectID)
	return nil
}

// GetMessageByID loads one message document.
func (s *MessagesStore) GetMessageByID(ctx context.Context, id bson.ObjectID) (*Message, error) {
	var msg Message
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// MarkDelivered appends a delivery receipt for the user unless one already
// exists. The absence check lives in the update filter, so concurrent marks
// for the same user cannot double-append. Marking the sender's own message is
// a no-op.
func (s *MessagesStore) MarkDelivered(ctx context.Context, messageID, userID bson.ObjectID, at time.Time) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":               messageID,
			"sender":            bson.M{"$ne": userID},
			"delivered_to.user": bson.M{"$ne": userID},
		},
		bson.M{"$push": bson.M{"delivered_to": Receipt{User: userID, At: at}}},
	)
	return err
}

// MarkRead appends a read receipt for the user, with the same idempotence
// and own-message guarantees as MarkDelivered.
func (s *MessagesStore) MarkRead(ctx context.Context, messageID, userID bson.ObjectID, at time.Time) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":          messageID,
			"sender":       bson.M{"$ne": userID},
			"read_by.user": bson.M{"$ne": userID},
		},
		bson.M{"$push": bson.M{"read_by": Receipt{User: userID, At: at}}},
	)
	return err
}

// FindForReadMarking loads the messages from a batch of ids that belong to
// the given chat and were not sent by the reader. Ids pointing elsewhere are
// silently skipped, matching the per-message independence of read marking.
func (s *MessagesStore) FindForReadMarking(ctx context.Context, ids []bson.ObjectID, chatID, readerID bson.ObjectID) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{
		"_id":    bson.M{"$in": ids},
		"chat":   chatID,
		"sender": bson.M{"$ne": readerID},
	}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetChatHistory returns recent messages of a chat, oldest first, skipping
// those deleted for the requesting user.
func (s *MessagesStore) GetChatHistory(ctx context.Context, chatID, userID bson.ObjectID, limit int64) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(limit)

	filter := bson.M{
		"chat":        chatID,
		"deleted_for": bson.M{"$ne": userID},
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// EditMessage replaces the text of a message the user sent and stamps the
// edit. Only the sender may edit, and never a globally-deleted message.
func (s *MessagesStore) EditMessage(ctx context.Context, messageID, senderID bson.ObjectID, newText string) (*Message, error) {
	now := time.Now()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg Message
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "sender": senderID, "deleted": false},
		bson.M{"$set": bson.M{
			"content.text": newText,
			"is_edited":    true,
			"edited_at":    now,
			"updated_at":   now,
		}},
		opts,
	).Decode(&msg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// DeleteForEveryone marks a message globally deleted and blanks its content
// and media. Only the sender may do this.
func (s *MessagesStore) DeleteForEveryone(ctx context.Context, messageID, senderID bson.ObjectID) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": messageID, "sender": senderID},
		bson.M{
			"$set": bson.M{
				"deleted":      true,
				"content.text": "",
				"updated_at":   time.Now(),
			},
			"$unset": bson.M{"content.encrypted": "", "media": ""},
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

// DeleteForUser hides a message from one user only.
func (s *MessagesStore) DeleteForUser(ctx context.Context, messageID, userID bson.ObjectID) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$addToSet": bson.M{"deleted_for": userID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
