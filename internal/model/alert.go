package model

import "time"

// AlertStatus tracks the lifecycle of an alert. Transitions only move forward;
// resolved is terminal.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertEscalated    AlertStatus = "escalated"
	AlertResolved     AlertStatus = "resolved"
)

// Terminal reports whether no further transitions are allowed from s.
func (s AlertStatus) Terminal() bool { return s == AlertResolved }

// SentNotification records one delivery attempt on one channel.
type SentNotification struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Level       int       `json:"level"`
	SentAt      time.Time `json:"sent_at"`
	Error       string    `json:"error,omitempty"`
}

// Alert is raised once per detected condition and owned by the alert manager.
type Alert struct {
	ID              string      `json:"id"`
	Event           Event       `json:"event"`
	Message         string      `json:"message"`
	Status          AlertStatus `json:"status"`
	EscalationLevel int         `json:"escalation_level"`
	CreatedAt       time.Time   `json:"created_at"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	Notifications []SentNotification `json:"notifications,omitempty"`
	RelatedAlerts []string           `json:"related_alerts,omitempty"`
}

// EscalationRule configures the escalation timer and the channel set per level for
// one severity. Channel sets widen as the level grows.
type EscalationRule struct {
	InitialDelay    time.Duration
	RepeatDelay     time.Duration
	MaxLevel        int
	ChannelsByLevel map[int][]string
}

// ChannelsAt returns the channel set for a level, falling back to the highest
// configured level once the rule tops out.
func (r EscalationRule) ChannelsAt(level int) []string {
	if chs, ok := r.ChannelsByLevel[level]; ok {
		return chs
	}
	best := -1
	var out []string
	for l, chs := range r.ChannelsByLevel {
		if l <= level && l > best {
			best, out = l, chs
		}
	}
	return out
}
