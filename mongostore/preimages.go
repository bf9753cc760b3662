package mongostore

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// EnableChangeStreamImages turns on changeStreamPreAndPostImages for one
// watched collection (MongoDB >= 6), which Store.Subscribe needs for its
// FullDocumentBeforeChange(options.Required) open to succeed instead of
// falling back to Off. Safe to call repeatedly; collMod is idempotent.
//
// Adapted from the teacher's db.EnablePrePostImages (its MongoDB < 6
// counterpart, RecordPreImages/recordPreImages, targets a server version
// this repo does not support and was dropped rather than carried forward
// unused - see DESIGN.md).
func EnableChangeStreamImages(ctx context.Context, db *mongo.Database, collection string) error {
	cmd := bson.D{
		{Key: "collMod", Value: collection},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}
	var result bson.M
	if err := db.RunCommand(ctx, cmd).Decode(&result); err != nil {
		return fmt.Errorf("mongostore: failed to enable change stream pre/post images on %s: %w", collection, err)
	}
	log.Infof("mongostore: change stream pre/post images enabled on %s", collection)
	return nil
}
