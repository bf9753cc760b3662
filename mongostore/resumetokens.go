package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw"
)

// ResumeTokenStore implements watch.ResumeTokenSink and
// watch.ResumeTokenSource (defined as narrow consumed interfaces in
// package watch to avoid an import cycle back into mongostore) over the
// control store's "resume_tokens" collection, keyed on watcher_id.
//
// Grounded on the teacher's stream.ResumeRepository.SaveResumePoint /
// GetLastResumePoint (an upserted single document per watcher, rather than
// one document per event - MongoClaw only ever needs the watermark, not
// history; see watch.Tracker's doc comment).
type ResumeTokenStore struct {
	col *mongo.Collection
}

// NewResumeTokenStore builds a ResumeTokenStore over db's
// CollectionResumeTokens.
func NewResumeTokenStore(db *mongo.Database) *ResumeTokenStore {
	return &ResumeTokenStore{col: Collection(db, CollectionResumeTokens)}
}

// SaveResumeToken upserts token keyed on its WatcherID.
func (s *ResumeTokenStore) SaveResumeToken(ctx context.Context, token mongoclaw.ResumeToken) error {
	token = prepareToken(token)
	_, err := s.col.UpdateOne(ctx,
		bson.M{"_id": token.WatcherID},
		bson.M{"$set": bson.M{"token": token.Token, "updated_at": token.UpdatedAt}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: save resume token for %s: %w", token.WatcherID, err)
	}
	return nil
}

// LastToken returns the last saved token for watcherID, or nil if none has
// been saved yet (a brand-new watcher starts from "now").
func (s *ResumeTokenStore) LastToken(ctx context.Context, watcherID string) (*mongoclaw.ResumeToken, error) {
	var doc struct {
		ID        string      `bson:"_id"`
		Token     interface{} `bson:"token"`
		UpdatedAt time.Time   `bson:"updated_at"`
	}
	err := s.col.FindOne(ctx, bson.M{"_id": watcherID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: load resume token for %s: %w", watcherID, err)
	}
	return &mongoclaw.ResumeToken{WatcherID: doc.ID, Token: doc.Token, UpdatedAt: doc.UpdatedAt}, nil
}

// prepareToken stamps UpdatedAt when the caller left it zero.
func prepareToken(token mongoclaw.ResumeToken) mongoclaw.ResumeToken {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now()
	}
	return token
}
