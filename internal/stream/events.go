package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names a server-sent event type.
type Kind string

// The event catalog. Frames without an event name are KindMessage.
const (
	KindMessage                    Kind = "message"
	KindMedicationLogged           Kind = "medication-logged"
	KindMedicationMissed           Kind = "medication-missed"
	KindMedicationMissedAggregated Kind = "medication-missed-aggregated"
	KindDietWarning                Kind = "diet-warning"
	KindDietJobDone                Kind = "diet-job-done"
	KindOCRJobDone                 Kind = "ocr-job-done"
	KindInviteAccepted             Kind = "invite-accepted"
	KindChatUpdate                 Kind = "chat-update"
)

var catalog = []Kind{
	KindMessage,
	KindMedicationLogged,
	KindMedicationMissed,
	KindMedicationMissedAggregated,
	KindDietWarning,
	KindDietJobDone,
	KindOCRJobDone,
	KindInviteAccepted,
	KindChatUpdate,
}

var known = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(catalog))
	for _, k := range catalog {
		m[k] = struct{}{}
	}
	return m
}()

// Kinds returns the catalog in a fixed order.
func Kinds() []Kind {
	out := make([]Kind, len(catalog))
	copy(out, catalog)
	return out
}

// ParseKind maps an SSE event name onto the catalog.
func ParseKind(name string) (Kind, bool) {
	if name == "" {
		return KindMessage, true
	}
	k := Kind(name)
	_, ok := known[k]
	return k, ok
}

// Event is one delivered notification. It is not modified after delivery.
type Event struct {
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ID         string          `json:"id,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
