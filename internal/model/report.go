package models

import "time"

const (
	// OutcomeCompleted means the whole trace was published.
	OutcomeCompleted = "completed"

	// OutcomeConnectFailed means no session could be established.
	OutcomeConnectFailed = "connect_failed"

	// OutcomeLoadFailed means the trace could not be loaded.
	OutcomeLoadFailed = "load_failed"

	// OutcomeCanceled means the run was stopped before the trace was exhausted.
	OutcomeCanceled = "canceled"
)

// RunReport summarises one device run.
type RunReport struct {
	// ID is assigned by the repository on save
	ID int64 `json:"id"`

	// Device is the device identity string
	Device string `json:"device"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Published int64 `json:"published"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`

	// AvgLatencyMs is -1 when no confirmation latency was sampled
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	// Outcome is one of the Outcome* constants
	Outcome string `json:"outcome"`

	// Error holds the fatal error message, if any
	Error string `json:"error,omitempty"`
}

// AuditEvent represents one lifecycle event distributed to audit subscribers.
type AuditEvent struct {
	// TS is the timestamp of the event in RFC 3339 format
	TS string `json:"ts"`

	// Kind is "connected", "disconnected" or "run_finished"
	Kind string `json:"kind"`

	// Device is the device the event belongs to
	Device string `json:"device"`

	// Report is set for "run_finished" events
	Report *RunReport `json:"report,omitempty"`
}

// Audit event kinds.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventRunFinished  = "run_finished"
)
