package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is the per-conversation state carried between turns.
//
// PendingAction is the state-machine tag of a multi-turn tool action: empty
// means idle, otherwise it names the action ("property.add") whose required
// fields are still being collected into PartialPayload.
type Session struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	PendingAction  string         `json:"pending_action,omitempty"`
	PartialPayload map[string]any `json:"partial_payload,omitempty"`
	TurnHistory    []Message      `json:"turn_history,omitempty"`
	RollingSummary string         `json:"rolling_summary,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewSession creates an empty session for an owner.
func NewSession(ownerID string) *Session {
	return &Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		PartialPayload: map[string]any{},
		UpdatedAt:      time.Now(),
	}
}

// HasPending reports whether a multi-turn action is waiting for fields.
func (s *Session) HasPending() bool {
	return s.PendingAction != ""
}

// Merge copies non-empty values into the partial payload.
func (s *Session) Merge(fields map[string]any) {
	if s.PartialPayload == nil {
		s.PartialPayload = map[string]any{}
	}
	for k, v := range fields {
		if IsEmptyValue(v) {
			continue
		}
		s.PartialPayload[k] = v
	}
}

// ClearPending abandons or completes the pending action.
func (s *Session) ClearPending() {
	s.PendingAction = ""
	s.PartialPayload = map[string]any{}
}

// Append adds messages to the turn history.
func (s *Session) Append(msgs ...Message) {
	s.TurnHistory = append(s.TurnHistory, msgs...)
	s.UpdatedAt = time.Now()
}

// IsEmptyValue reports whether v counts as absent: nil, blank string,
// or an empty slice or map.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
