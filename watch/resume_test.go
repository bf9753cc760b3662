package watch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw"
)

type fakeSink struct {
	saved []mongoclaw.ResumeToken
}

func (f *fakeSink) SaveResumeToken(ctx context.Context, token mongoclaw.ResumeToken) error {
	f.saved = append(f.saved, token)
	return nil
}

func TestTracker_AckInOrderAdvancesWatermarkAndPersists(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(sink)

	tr.Observe(mongoclaw.ChangeEvent{WatcherID: "w1", Sequence: 1, ResumeToken: mongoclaw.ResumeToken{Token: []byte("t1")}})
	tr.Ack(context.Background(), "w1", 1)

	require.Len(t, sink.saved, 1)
	assert.Equal(t, []byte("t1"), sink.saved[0].Token)
	assert.Equal(t, "w1", sink.saved[0].WatcherID)
	assert.Zero(t, tr.Pending())
}

func TestTracker_AckOutOfOrderHoldsUntilGapFills(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(sink)

	tr.Observe(mongoclaw.ChangeEvent{WatcherID: "w1", Sequence: 1, ResumeToken: mongoclaw.ResumeToken{Token: []byte("t1")}})
	tr.Observe(mongoclaw.ChangeEvent{WatcherID: "w1", Sequence: 2, ResumeToken: mongoclaw.ResumeToken{Token: []byte("t2")}})

	// ack 2 before 1: watermark must not advance past the gap at 1.
	tr.Ack(context.Background(), "w1", 2)
	assert.Empty(t, sink.saved)
	assert.Equal(t, 2, tr.Pending())

	tr.Ack(context.Background(), "w1", 1)
	require.Len(t, sink.saved, 1)
	assert.Equal(t, []byte("t2"), sink.saved[0].Token)
	assert.Zero(t, tr.Pending())
}

func TestTracker_TracksEachWatcherIndependently(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(sink)

	tr.Observe(mongoclaw.ChangeEvent{WatcherID: "w1", Sequence: 1, ResumeToken: mongoclaw.ResumeToken{Token: []byte("a")}})
	tr.Observe(mongoclaw.ChangeEvent{WatcherID: "w2", Sequence: 1, ResumeToken: mongoclaw.ResumeToken{Token: []byte("b")}})

	tr.Ack(context.Background(), "w2", 1)

	require.Len(t, sink.saved, 1)
	assert.Equal(t, "w2", sink.saved[0].WatcherID)
	assert.Equal(t, 1, tr.Pending()) // w1's sequence 1 is still outstanding
}

func TestTracker_AckWithoutObserveDoesNotPersist(t *testing.T) {
	sink := &fakeSink{}
	tr := NewTracker(sink)

	// A dropped/filtered event (dispatch.handle's invalidate/skip paths)
	// acks a sequence the tracker never observed a token for.
	tr.Ack(context.Background(), "w1", 1)

	assert.Empty(t, sink.saved)
}
