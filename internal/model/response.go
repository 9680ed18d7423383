package model

import "time"

// ActionType is a containment action kind.
type ActionType string

const (
	ActionBlockIP            ActionType = "block_ip"
	ActionRateLimitIP        ActionType = "rate_limit_ip"
	ActionRevokeSession      ActionType = "revoke_session"
	ActionLockUser           ActionType = "lock_user"
	ActionRequireMFA         ActionType = "require_mfa"
	ActionForcePasswordReset ActionType = "force_password_reset"
	ActionQuarantineData     ActionType = "quarantine_data"
	ActionCreateIncident     ActionType = "create_incident"
	ActionNotifySecurityTeam ActionType = "notify_security_team"
)

// ResponseStatus tracks an action attempt: pending -> in_progress -> completed|failed.
type ResponseStatus string

const (
	ResponsePending    ResponseStatus = "pending"
	ResponseInProgress ResponseStatus = "in_progress"
	ResponseCompleted  ResponseStatus = "completed"
	ResponseFailed     ResponseStatus = "failed"
)

// ThreatResponse is one executed containment-action attempt. Records are immutable
// history once finished and feed the response statistics.
type ThreatResponse struct {
	ID          string         `json:"id"`
	Action      ActionType     `json:"action"`
	Target      string         `json:"target"`
	Reason      string         `json:"reason"`
	EventID     string         `json:"event_id"`
	EventType   EventType      `json:"event_type"`
	Status      ResponseStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}
