package audit

import (
	"errors"
	"time"

	"shiftcast/internal/domain"
)

var ErrDisabled = errors.New("audit storage disabled")

// Config configures audit storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", audit storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	DedupWindow time.Duration // how long inbound message ids are remembered
}

// DeliveryEntry records one notification send attempt.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	ID          string                `json:"id"`
	At          time.Time             `json:"at"`
	ShiftID     string                `json:"shift_id"`
	CaregiverID string                `json:"caregiver_id"`
	Channel     domain.ContactChannel `json:"channel"`
	OK          bool                  `json:"ok"`
	Error       string                `json:"error,omitempty"`
}

// ClaimEntry records one claim attempt outcome.
type ClaimEntry struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	ShiftID     string    `json:"shift_id"`
	CaregiverID string    `json:"caregiver_id"`
	Won         bool      `json:"won"`
	Reason      string    `json:"reason,omitempty"`
}
