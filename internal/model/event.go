package model

import (
	"errors"
	"time"
)

// EventType identifies the kind of security-relevant action an event records.
type EventType string

const (
	EventAuthSuccess         EventType = "auth_success"
	EventAuthFailure         EventType = "auth_failure"
	EventAuthLockout         EventType = "auth_lockout"
	EventAuthzDenied         EventType = "authz_denied"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventDataAccess          EventType = "data_access"
	EventDataExport          EventType = "data_export"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventBruteForce          EventType = "brute_force"
	EventSessionHijack       EventType = "session_hijack"
	EventSQLInjection        EventType = "sql_injection_attempt"
	EventXSSAttempt          EventType = "xss_attempt"
	EventCSRFViolation       EventType = "csrf_violation"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventUnusualTime         EventType = "unusual_time"
	EventUnusualLocation     EventType = "unusual_location"
)

// Severity ranks how dangerous an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for threshold comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is the same or more severe than min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

var ErrInvalidEvent = errors.New("invalid security event")

// Event is the canonical security event record. Core fields are fixed; Details is
// the open extension map (string to scalar string). Events are immutable once
// submitted and are never mutated downstream.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Actor / context, all optional.
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Method    string `json:"method,omitempty"`
	Resource  string `json:"resource,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	Country   string `json:"country,omitempty"`

	Details map[string]string `json:"details,omitempty"`
}

// Validate checks the minimum shape a submitted event must have. Malformed events
// are dropped with a logged warning, never surfaced to the emitter.
func (e *Event) Validate() error {
	if e == nil {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	switch e.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return errors.New("unknown severity: " + string(e.Severity))
	}
	return nil
}

// StoredEvent is the event-history row shape persisted to ClickHouse. The bucket
// column keeps partitions balanced for high-cardinality users; details are envelope
// encrypted before they reach this struct.
type StoredEvent struct {
	EventBucket      int       `ch:"event_bucket"`
	EventID          string    `ch:"event_id"`
	EventType        string    `ch:"event_type"`
	Severity         string    `ch:"severity"`
	EventTime        time.Time `ch:"event_time"`
	UserID           string    `ch:"user_id"`
	Username         string    `ch:"username"`
	IPAddress        string    `ch:"ip_address"`
	Endpoint         string    `ch:"endpoint"`
	Method           string    `ch:"method"`
	Resource         string    `ch:"resource"`
	SessionID        string    `ch:"session_id"`
	OrgID            string    `ch:"org_id"`
	Country          string    `ch:"country"`
	DetailsEncrypted string    `ch:"details_encrypted"`
	DetailsKeyID     string    `ch:"details_key_id"`
}
