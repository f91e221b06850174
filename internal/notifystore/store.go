// Package notifystore folds notification stream events into a snapshot the
// status API and the CLI can render.
package notifystore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/carepulse/carepulse/internal/stream"
)

// maxJobs bounds each completed-job list.
const maxJobs = 50

// DietWarning is the most recent diet warning.
type DietWarning struct {
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Snapshot is a copy of the store's state.
type Snapshot struct {
	Unread            int            `json:"unread"`
	MissedMedications int            `json:"missedMedications"`
	LastDietWarning   *DietWarning   `json:"lastDietWarning,omitempty"`
	DietJobsDone      []string       `json:"dietJobsDone"`
	OCRJobsDone       []string       `json:"ocrJobsDone"`
	InvitesAccepted   int            `json:"invitesAccepted"`
	ChatUnread        map[string]int `json:"chatUnread"`
	LastEventAt       time.Time      `json:"lastEventAt,omitempty"`
	Unavailable       bool           `json:"unavailable"`
	UnavailableReason string         `json:"unavailableReason,omitempty"`
}

type jobPayload struct {
	JobID json.RawMessage `json:"jobId"`
	ID    json.RawMessage `json:"id"`
}

type aggregatedPayload struct {
	Count int `json:"count"`
}

type chatPayload struct {
	RoomID json.RawMessage `json:"roomId"`
	Unread *int            `json:"unread"`
}

// Store is safe for concurrent use.
type Store struct {
	logger *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{logger: logger, snap: empty()}
}

func empty() Snapshot {
	return Snapshot{
		DietJobsDone: []string{},
		OCRJobsDone:  []string{},
		ChatUnread:   map[string]int{},
	}
}

// Apply folds one event into the snapshot. It has the stream.MessageHandler
// signature.
func (s *Store) Apply(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Unavailable = false
	s.snap.UnavailableReason = ""
	if ev.ReceivedAt.After(s.snap.LastEventAt) {
		s.snap.LastEventAt = ev.ReceivedAt
	}
	if ev.Kind != stream.KindChatUpdate {
		s.snap.Unread++
	}

	switch ev.Kind {
	case stream.KindMedicationMissed:
		s.snap.MissedMedications++
	case stream.KindMedicationMissedAggregated:
		var p aggregatedPayload
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Count < 1 {
			p.Count = 1
		}
		s.snap.MissedMedications += p.Count
	case stream.KindDietWarning:
		s.snap.LastDietWarning = &DietWarning{Payload: ev.Payload, ReceivedAt: ev.ReceivedAt}
	case stream.KindDietJobDone:
		s.snap.DietJobsDone = appendJob(s.snap.DietJobsDone, jobID(ev))
	case stream.KindOCRJobDone:
		s.snap.OCRJobsDone = appendJob(s.snap.OCRJobsDone, jobID(ev))
	case stream.KindInviteAccepted:
		s.snap.InvitesAccepted++
	case stream.KindChatUpdate:
		var p chatPayload
		_ = json.Unmarshal(ev.Payload, &p)
		room := scalar(p.RoomID)
		if room == "" {
			s.logger.Debug("chat update without room id")
			return
		}
		if p.Unread != nil {
			s.snap.ChatUnread[room] = *p.Unread
		} else {
			s.snap.ChatUnread[room]++
		}
	}
}

// MarkRead zeroes the unread counters.
func (s *Store) MarkRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Unread = 0
	s.snap.MissedMedications = 0
	s.snap.ChatUnread = map[string]int{}
}

// Reset drops everything. It is registered on the invalidation bus.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = empty()
	return nil
}

// MarkUnavailable records that the stream stopped for good. The next
// applied event clears the flag.
func (s *Store) MarkUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Unavailable = true
	if err != nil {
		s.snap.UnavailableReason = err.Error()
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	out.DietJobsDone = append([]string{}, s.snap.DietJobsDone...)
	out.OCRJobsDone = append([]string{}, s.snap.OCRJobsDone...)
	out.ChatUnread = make(map[string]int, len(s.snap.ChatUnread))
	for k, v := range s.snap.ChatUnread {
		out.ChatUnread[k] = v
	}
	if s.snap.LastDietWarning != nil {
		w := *s.snap.LastDietWarning
		out.LastDietWarning = &w
	}
	return out
}

func jobID(ev stream.Event) string {
	var p jobPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ev.ID
	}
	if id := scalar(p.JobID); id != "" {
		return id
	}
	if id := scalar(p.ID); id != "" {
		return id
	}
	return ev.ID
}

// scalar renders a JSON string or number as a plain string.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

func appendJob(jobs []string, id string) []string {
	if id == "" {
		return jobs
	}
	for _, j := range jobs {
		if j == id {
			return jobs
		}
	}
	jobs = append(jobs, id)
	if len(jobs) > maxJobs {
		jobs = jobs[len(jobs)-maxJobs:]
	}
	return jobs
}
