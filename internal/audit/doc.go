// Package audit provides the optional persistence layer for the coordinator.
//
// It currently supports:
//   - Append-only delivery attempts (one row per SMS/call issued)
//   - Append-only claim decisions (won and rejected)
//   - Inbound message dedup state (to drop provider webhook replays)
//
// The audit trail is a log, not a source of truth: the in-memory entity
// stores stay authoritative for coordinator decisions.
package audit
