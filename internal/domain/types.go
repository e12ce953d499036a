package domain

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrShiftNotFound     = errors.New("shift not found")
	ErrCaregiverNotFound = errors.New("caregiver not found")
)

// ContactChannel names an outreach channel.
type ContactChannel string

const (
	ChannelSMS  ContactChannel = "sms"
	ChannelCall ContactChannel = "call"
)

// Intent is the classified meaning of an inbound free-text reply.
type Intent string

const (
	IntentAccept  Intent = "accept"
	IntentDecline Intent = "decline"
	IntentUnknown Intent = "unknown"
)

type Caregiver struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Phone string `json:"phone"`
}

type Shift struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	RoleRequired   string    `json:"role_required"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	// ClaimedBy is empty until a caregiver wins the shift; it never changes afterwards.
	ClaimedBy string `json:"claimed_by_caregiver_id,omitempty"`
}

// FanoutState tracks one shift's notification lifecycle.
//
// Invariants:
//   - StartedAt is fixed at creation and anchors the escalation clock.
//   - SMSNotified / CallNotified only grow and hold no duplicates.
//   - Escalated flips false -> true at most once.
//   - ClaimedBy is written at most once (first writer wins).
type FanoutState struct {
	ShiftID      string    `json:"shift_id"`
	StartedAt    time.Time `json:"started_at"`
	SMSNotified  []string  `json:"sms_notified_caregiver_ids"`
	CallNotified []string  `json:"call_notified_caregiver_ids"`
	ClaimedBy    string    `json:"claimed_caregiver_id,omitempty"`
	Escalated    bool      `json:"escalated_to_call"`
}

// Clone returns a deep copy safe to hand out after the per-shift lock is released.
func (s FanoutState) Clone() FanoutState {
	cp := s
	cp.SMSNotified = slices.Clone(s.SMSNotified)
	cp.CallNotified = slices.Clone(s.CallNotified)
	return cp
}

// InboundMessage is a caregiver reply forwarded by the messaging provider.
// MessageID is the provider's delivery id, used to drop webhook replays (optional).
type InboundMessage struct {
	FromPhone string `json:"from_phone"`
	ShiftID   string `json:"shift_id"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
}

// ClaimResponse is the structured outcome of an inbound message.
// Non-success outcomes (ineligible, already claimed, decline, unknown intent)
// are responses, not errors.
type ClaimResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ShiftID   string `json:"shift_id"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}
