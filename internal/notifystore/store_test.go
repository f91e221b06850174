package notifystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepulse/carepulse/internal/stream"
	"github.com/carepulse/carepulse/pkg/logger"
)

func event(kind stream.Kind, payload string) stream.Event {
	return stream.Event{Kind: kind, Payload: json.RawMessage(payload), ReceivedAt: time.Now()}
}

func TestApply_Counters(t *testing.T) {
	s := New(logger.Discard())

	s.Apply(event(stream.KindMessage, `{"text":"hello"}`))
	s.Apply(event(stream.KindMedicationMissed, `{"medicationId":1}`))
	s.Apply(event(stream.KindMedicationMissedAggregated, `{"count":3}`))
	s.Apply(event(stream.KindMedicationMissedAggregated, `{}`))
	s.Apply(event(stream.KindMedicationLogged, `{"medicationId":1}`))
	s.Apply(event(stream.KindInviteAccepted, `{"seniorId":9}`))

	snap := s.Snapshot()
	assert.Equal(t, 6, snap.Unread)
	assert.Equal(t, 5, snap.MissedMedications)
	assert.Equal(t, 1, snap.InvitesAccepted)
	assert.False(t, snap.LastEventAt.IsZero())
}

func TestApply_ChatUpdatesTrackRooms(t *testing.T) {
	s := New(logger.Discard())

	s.Apply(event(stream.KindChatUpdate, `{"roomId":"r1"}`))
	s.Apply(event(stream.KindChatUpdate, `{"roomId":"r1"}`))
	s.Apply(event(stream.KindChatUpdate, `{"roomId":7,"unread":4}`))
	s.Apply(event(stream.KindChatUpdate, `{}`))

	snap := s.Snapshot()
	assert.Zero(t, snap.Unread)
	assert.Equal(t, map[string]int{"r1": 2, "7": 4}, snap.ChatUnread)
}

func TestApply_DietWarningKeepsLatest(t *testing.T) {
	s := New(logger.Discard())

	s.Apply(event(stream.KindDietWarning, `{"food":"grapefruit"}`))
	s.Apply(event(stream.KindDietWarning, `{"food":"spinach"}`))

	snap := s.Snapshot()
	require.NotNil(t, snap.LastDietWarning)
	assert.JSONEq(t, `{"food":"spinach"}`, string(snap.LastDietWarning.Payload))
}

func TestApply_JobsDeduplicatedAndBounded(t *testing.T) {
	s := New(logger.Discard())

	s.Apply(event(stream.KindOCRJobDone, `{"jobId":"a"}`))
	s.Apply(event(stream.KindOCRJobDone, `{"jobId":"a"}`))
	s.Apply(event(stream.KindOCRJobDone, `{"id":12}`))
	assert.Equal(t, []string{"a", "12"}, s.Snapshot().OCRJobsDone)

	for i := 0; i < maxJobs+10; i++ {
		s.Apply(event(stream.KindDietJobDone, fmt.Sprintf(`{"jobId":"d%d"}`, i)))
	}
	jobs := s.Snapshot().DietJobsDone
	assert.Len(t, jobs, maxJobs)
	assert.Equal(t, "d10", jobs[0])
	assert.Equal(t, fmt.Sprintf("d%d", maxJobs+9), jobs[len(jobs)-1])
}

func TestApply_JobFallsBackToEventID(t *testing.T) {
	s := New(logger.Discard())

	ev := event(stream.KindDietJobDone, `"done"`)
	ev.ID = "evt-3"
	s.Apply(ev)

	assert.Equal(t, []string{"evt-3"}, s.Snapshot().DietJobsDone)
}

func TestMarkRead(t *testing.T) {
	s := New(logger.Discard())
	s.Apply(event(stream.KindMedicationMissed, `{}`))
	s.Apply(event(stream.KindChatUpdate, `{"roomId":"r1"}`))
	s.Apply(event(stream.KindInviteAccepted, `{}`))

	s.MarkRead()

	snap := s.Snapshot()
	assert.Zero(t, snap.Unread)
	assert.Zero(t, snap.MissedMedications)
	assert.Empty(t, snap.ChatUnread)
	assert.Equal(t, 1, snap.InvitesAccepted)
}

func TestReset(t *testing.T) {
	s := New(logger.Discard())
	s.Apply(event(stream.KindOCRJobDone, `{"jobId":"a"}`))
	s.MarkUnavailable(errors.New("halted"))

	require.NoError(t, s.Reset(context.Background()))

	snap := s.Snapshot()
	assert.Zero(t, snap.Unread)
	assert.Empty(t, snap.OCRJobsDone)
	assert.NotNil(t, snap.OCRJobsDone)
	assert.False(t, snap.Unavailable)
}

func TestMarkUnavailable_ClearedByNextEvent(t *testing.T) {
	s := New(logger.Discard())

	s.MarkUnavailable(errors.New("no valid access token"))
	snap := s.Snapshot()
	assert.True(t, snap.Unavailable)
	assert.Equal(t, "no valid access token", snap.UnavailableReason)

	s.Apply(event(stream.KindMessage, `{}`))
	snap = s.Snapshot()
	assert.False(t, snap.Unavailable)
	assert.Empty(t, snap.UnavailableReason)
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New(logger.Discard())
	s.Apply(event(stream.KindChatUpdate, `{"roomId":"r1"}`))
	s.Apply(event(stream.KindOCRJobDone, `{"jobId":"a"}`))

	snap := s.Snapshot()
	snap.ChatUnread["r1"] = 99
	snap.OCRJobsDone[0] = "mutated"

	again := s.Snapshot()
	assert.Equal(t, 1, again.ChatUnread["r1"])
	assert.Equal(t, "a", again.OCRJobsDone[0])
}
