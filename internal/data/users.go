package data

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UsersStore performs user DB operations.
type UsersStore struct {
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// CreateUser inserts a new user document with an already-hashed password.
// Accounts created here are verified immediately; a separate verification
// flow can flip the flag off before issuing credentials.
func (u *UsersStore) CreateUser(ctx context.Context, name, email, hashedPassword string) (*User, error) {
	now := time.Now()
	user := &User{
		Name:       strings.TrimSpace(name),
		Email:      strings.ToLower(strings.TrimSpace(email)),
		Password:   hashedPassword,
		IsVerified: true,
		LastSeen:   now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	result, err := u.coll.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	user.ID = result.InsertedID.(bson.ObjectID)
	return user, nil
}

// GetUserByEmail finds a user by email.
func (u *UsersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))}).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByID finds a user by ObjectID.
func (u *UsersStore) GetUserByID(ctx context.Context, id bson.ObjectID) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdateLastSeen marks the user online and stamps last-seen. Called when a
// connection registers and on explicit update_last_seen events.
func (u *UsersStore) UpdateLastSeen(ctx context.Context, id bson.ObjectID, at time.Time) error {
	_, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"is_online": true, "last_seen": at, "updated_at": at},
	})
	return err
}

// SetOffline clears the online flag and stamps last-seen. Called when the
// last connection for an identity goes away.
func (u *UsersStore) SetOffline(ctx context.Context, id bson.ObjectID, at time.Time) error {
	_, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"is_online": false, "last_seen": at, "updated_at": at},
	})
	return err
}

// AddDeviceToken registers a push endpoint, most-recent-first, keeping at
// most five. Re-registering an existing token moves it to the front.
func (u *UsersStore) AddDeviceToken(ctx context.Context, id bson.ObjectID, token, platform string) error {
	// Drop any existing copy first so the push below can't duplicate it.
	if _, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"device_tokens": bson.M{"token": token}},
	}); err != nil {
		return err
	}

	res, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"device_tokens": bson.M{
			"$each":     bson.A{DeviceToken{Token: token, Platform: platform, CreatedAt: time.Now()}},
			"$position": 0,
			"$slice":    5,
		}},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveDeviceToken unregisters a push endpoint.
func (u *UsersStore) RemoveDeviceToken(ctx context.Context, id bson.ObjectID, token string) error {
	_, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"device_tokens": bson.M{"token": token}},
	})
	return err
}

// AddContact appends a contact reference if it is not already present.
func (u *UsersStore) AddContact(ctx context.Context, id, contactID bson.ObjectID, name string) error {
	_, err := u.coll.UpdateOne(ctx,
		bson.M{"_id": id, "contacts.user": bson.M{"$ne": contactID}},
		bson.M{"$push": bson.M{"contacts": Contact{User: contactID, Name: name, AddedAt: time.Now()}}},
	)
	return err
}

// FindUsersWithDeviceTokens loads the given users, keeping only those with at
// least one registered push endpoint. Used by the fan-out engine for offline
// notification dispatch.
func (u *UsersStore) FindUsersWithDeviceTokens(ctx context.Context, ids []bson.ObjectID) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{
		"_id":             bson.M{"$in": ids},
		"device_tokens.0": bson.M{"$exists": true},
	}
	cursor, err := u.coll.Find(ctx, filter, options.Find())
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}
