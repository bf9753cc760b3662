package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw"
)

// changeFeed implements mongoclaw.ChangeFeed over a live MongoDB change
// stream cursor. Grounded on the teacher's
// ChangeStreamWatcher.watchChangeStream / extractChangeEvent, generalized
// from "invoke dispatch funcs in-line" to "push a decoded event out
// through Next".
type changeFeed struct {
	cursor     *mongo.ChangeStream
	database   string
	collection string
}

var _ mongoclaw.ChangeFeed = (*changeFeed)(nil)

func (f *changeFeed) Next(ctx context.Context) (mongoclaw.ChangeEvent, bool, error) {
	if !f.cursor.Next(ctx) {
		if err := f.cursor.Err(); err != nil {
			return mongoclaw.ChangeEvent{}, false, fmt.Errorf("mongostore: change stream error: %w", err)
		}
		return mongoclaw.ChangeEvent{}, false, nil
	}

	ev, err := decodeChangeEvent(f.cursor.Current)
	if err != nil {
		return mongoclaw.ChangeEvent{}, false, err
	}
	ev.ResumeToken = mongoclaw.ResumeToken{Token: bson.Raw(f.cursor.ResumeToken())}
	return ev, true, nil
}

func (f *changeFeed) Close(ctx context.Context) error {
	return f.cursor.Close(ctx)
}

// rawChangeEvent mirrors the shape changeStreamPipeline projects out of a
// raw MongoDB change stream document.
type rawChangeEvent struct {
	Timestamp     primitive.Timestamp `bson:"timestamp"`
	OperationType string              `bson:"operationType"`
	Database      string              `bson:"database"`
	Collection    string              `bson:"collection"`
	DocumentKey   interface{}         `bson:"documentKey"`
	FullDocument  bson.M              `bson:"fullDocument"`
}

func timestampToTime(ts primitive.Timestamp) time.Time {
	return time.Unix(int64(ts.T), 0).UTC()
}

// decodeChangeEvent unmarshals a raw change-stream document into
// mongoclaw.ChangeEvent, mapping "invalidate" to ChangeEvent.Invalidate and
// "delete" to a nil FullDocument (the store never supplies a post-image for
// deletes; see spec.md §4.2 "delete with no postimage").
func decodeChangeEvent(raw bson.Raw) (mongoclaw.ChangeEvent, error) {
	var rce rawChangeEvent
	if err := bson.Unmarshal(raw, &rce); err != nil {
		return mongoclaw.ChangeEvent{}, fmt.Errorf("mongostore: failed to unmarshal change event: %w", err)
	}

	ev := mongoclaw.ChangeEvent{
		Operation:    mongoclaw.Operation(rce.OperationType),
		Database:     rce.Database,
		Collection:   rce.Collection,
		DocumentID:   stringifyDocumentKey(rce.DocumentKey),
		FullDocument: rce.FullDocument,
		ClusterTime:  timestampToTime(rce.Timestamp),
		Invalidate:   rce.OperationType == "invalidate",
	}
	return ev, nil
}

func stringifyDocumentKey(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", id)
	}
}
