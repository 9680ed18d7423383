package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

var (
	ErrAlertNotFound        = errors.New("alert not found")
	ErrAlertResolved        = errors.New("alert is resolved")
	ErrChannelNotConfigured = errors.New("notification channel not configured")
)

// CooldownLimiter gates duplicate notifications for the same
// (channel, destination, alert) triple. Allow returns true when the send may
// proceed and records the attempt for the window.
type CooldownLimiter interface {
	Allow(ctx context.Context, key string, window time.Duration) bool
}

// AlertRepository persists alert state durably (upsert semantics). Failures
// are logged, never propagated to the detection path.
type AlertRepository interface {
	Save(ctx context.Context, alert *model.Alert) error
}

// AlertIndexer pushes alerts into the search index.
type AlertIndexer interface {
	Index(ctx context.Context, alert *model.Alert) error
}

// AlertGroup is a reporting-only aggregation of alerts sharing (event type, user).
type AlertGroup struct {
	EventType model.EventType `json:"event_type"`
	UserID    string          `json:"user_id"`
	AlertIDs  []string        `json:"alert_ids"`
	Count     int             `json:"count"`
}

// ManagerStats snapshots alert counters.
type ManagerStats struct {
	Total      int                       `json:"total"`
	ByStatus   map[model.AlertStatus]int `json:"by_status"`
	BySeverity map[model.Severity]int    `json:"by_severity"`
}

// Manager owns the alert table, the escalation state machine and notification
// dispatch. All methods are safe for concurrent use.
type Manager struct {
	cfg      config.AlertingConfig
	logger   *zap.Logger
	rules    map[model.Severity]model.EscalationRule
	channels map[string]Channel
	cooldown CooldownLimiter
	repo     AlertRepository
	indexer  AlertIndexer
	now      func() time.Time

	mu     sync.Mutex
	alerts map[string]*model.Alert
}

// NewManager builds a manager with the default severity-to-escalation table.
// repo and indexer may be nil (degraded mode, memory only).
func NewManager(cfg config.AlertingConfig, channels []Channel, cooldown CooldownLimiter,
	repo AlertRepository, indexer AlertIndexer, logger *zap.Logger) *Manager {

	chanMap := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		chanMap[ch.Name()] = ch
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		rules:    defaultEscalationRules(),
		channels: chanMap,
		cooldown: cooldown,
		repo:     repo,
		indexer:  indexer,
		now:      time.Now,
		alerts:   make(map[string]*model.Alert),
	}
}

// defaultEscalationRules is the static per-severity escalation table. Channel
// sets widen with the level.
func defaultEscalationRules() map[model.Severity]model.EscalationRule {
	return map[model.Severity]model.EscalationRule{
		model.SeverityLow: {
			InitialDelay: time.Hour,
			RepeatDelay:  2 * time.Hour,
			MaxLevel:     1,
			ChannelsByLevel: map[int][]string{
				0: {"email"},
				1: {"email", "chat"},
			},
		},
		model.SeverityMedium: {
			InitialDelay: 30 * time.Minute,
			RepeatDelay:  time.Hour,
			MaxLevel:     2,
			ChannelsByLevel: map[int][]string{
				0: {"email", "chat"},
				1: {"email", "chat", "webhook"},
				2: {"email", "chat", "webhook", "pager"},
			},
		},
		model.SeverityHigh: {
			InitialDelay: 10 * time.Minute,
			RepeatDelay:  15 * time.Minute,
			MaxLevel:     3,
			ChannelsByLevel: map[int][]string{
				0: {"chat", "webhook"},
				1: {"chat", "webhook", "email"},
				2: {"chat", "webhook", "email", "pager"},
			},
		},
		model.SeverityCritical: {
			InitialDelay: 5 * time.Minute,
			RepeatDelay:  5 * time.Minute,
			MaxLevel:     3,
			ChannelsByLevel: map[int][]string{
				0: {"chat", "webhook", "email"},
				1: {"chat", "webhook", "email", "pager"},
			},
		},
	}
}

// CreateAlert raises a new alert for the event and sends level-0 notifications.
// Always creates; deduplication is the detectors' concern.
func (m *Manager) CreateAlert(ctx context.Context, ev model.Event, message string) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		Event:     ev,
		Message:   message,
		Status:    model.AlertOpen,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	m.logger.Info("alert created",
		util.String("alert_id", alert.ID),
		util.String("event_type", string(ev.Type)),
		util.String("severity", string(ev.Severity)))

	m.persist(ctx, alert)
	m.dispatch(ctx, alert, 0)
	return alert
}

// Acknowledge halts escalation. Allowed from any non-terminal state.
func (m *Manager) Acknowledge(ctx context.Context, alertID, actor string) error {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return ErrAlertNotFound
	}
	if alert.Status.Terminal() {
		m.mu.Unlock()
		return ErrAlertResolved
	}
	at := m.now()
	alert.Status = model.AlertAcknowledged
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = &at
	m.mu.Unlock()

	m.logger.Info("alert acknowledged",
		util.String("alert_id", alertID), util.String("actor", actor))
	m.persist(ctx, alert)
	return nil
}

// Resolve is terminal and permanent.
func (m *Manager) Resolve(ctx context.Context, alertID, actor string) error {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return ErrAlertNotFound
	}
	if alert.Status.Terminal() {
		m.mu.Unlock()
		return ErrAlertResolved
	}
	at := m.now()
	alert.Status = model.AlertResolved
	alert.ResolvedBy = actor
	alert.ResolvedAt = &at
	m.mu.Unlock()

	m.logger.Info("alert resolved",
		util.String("alert_id", alertID), util.String("actor", actor))
	m.persist(ctx, alert)
	return nil
}

// Get returns a copy of the alert.
func (m *Manager) Get(alertID string) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[alertID]
	if !ok {
		return model.Alert{}, ErrAlertNotFound
	}
	return *alert, nil
}

// EscalationTick advances every overdue non-terminal alert one level and
// re-sends notifications on the wider channel set. Run on the fixed escalation
// interval.
func (m *Manager) EscalationTick(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var due []*model.Alert
	for _, alert := range m.alerts {
		if alert.Status == model.AlertResolved || alert.Status == model.AlertAcknowledged {
			continue
		}
		rule, ok := m.rules[alert.Event.Severity]
		if !ok || alert.EscalationLevel >= rule.MaxLevel {
			continue
		}
		delay := rule.RepeatDelay
		if alert.EscalationLevel == 0 {
			delay = rule.InitialDelay
		}
		required := time.Duration(alert.EscalationLevel+1) * delay
		if now.Sub(alert.CreatedAt) >= required {
			alert.EscalationLevel++
			alert.Status = model.AlertEscalated
			due = append(due, alert)
		}
	}
	m.mu.Unlock()

	for _, alert := range due {
		m.logger.Warn("alert escalated",
			util.String("alert_id", alert.ID),
			util.Int("level", alert.EscalationLevel),
			util.String("severity", string(alert.Event.Severity)))
		m.persist(ctx, alert)
		m.dispatch(ctx, alert, alert.EscalationLevel)
	}
	return len(due)
}

// dispatch sends notifications for the alert at the given escalation level.
// Channels run in parallel and fail independently; a dead channel never blocks
// the rest.
func (m *Manager) dispatch(ctx context.Context, alert *model.Alert, level int) {
	rule, ok := m.rules[alert.Event.Severity]
	if !ok {
		return
	}

	// Channels get a point-in-time copy; the live alert keeps mutating under
	// m.mu while sends are in flight.
	m.mu.Lock()
	snapshot := *alert
	m.mu.Unlock()

	var g errgroup.Group
	for _, name := range rule.ChannelsAt(level) {
		ch, ok := m.channels[name]
		if !ok {
			// Channel named by the rule but not configured: skip, others
			// unaffected.
			m.logger.Debug("notification channel not configured",
				util.String("channel", name), util.ErrorField(ErrChannelNotConfigured))
			continue
		}
		if !alert.Event.Severity.AtLeast(ch.SeverityThreshold()) {
			continue
		}

		g.Go(func() error {
			m.sendOnChannel(ctx, ch, alert, snapshot, level)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) sendOnChannel(ctx context.Context, ch Channel, alert *model.Alert, snapshot model.Alert, level int) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("notification channel panicked",
				util.String("channel", ch.Name()), util.Any("panic", r))
		}
	}()

	window := ch.RateLimitWindow()
	if window <= 0 {
		window = m.cfg.NotificationCooldown
	}

	var allowed []string
	for _, dest := range ch.Destinations() {
		key := fmt.Sprintf("notify:%s:%s:%s", snapshot.ID, ch.Name(), dest)
		if m.cooldown.Allow(ctx, key, window) {
			allowed = append(allowed, dest)
		}
	}
	if len(allowed) == 0 {
		return
	}

	results := ch.Send(ctx, &snapshot, allowed)

	sent := make([]model.SentNotification, 0, len(results))
	for _, res := range results {
		rec := model.SentNotification{
			Channel:     ch.Name(),
			Destination: res.Destination,
			Level:       level,
			SentAt:      m.now(),
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
			m.logger.Warn("notification delivery failed",
				util.String("channel", ch.Name()),
				util.String("destination", res.Destination),
				util.String("alert_id", snapshot.ID),
				util.ErrorField(res.Err))
		}
		sent = append(sent, rec)
	}

	m.mu.Lock()
	alert.Notifications = append(alert.Notifications, sent...)
	m.mu.Unlock()
}

// GroupTick aggregates open alerts by (event type, user) and links related
// alert ids. Reporting only; delivery is never suppressed by grouping.
func (m *Manager) GroupTick() []AlertGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make(map[string]*AlertGroup)
	for _, alert := range m.alerts {
		if alert.Status.Terminal() {
			continue
		}
		key := string(alert.Event.Type) + "|" + alert.Event.UserID
		g, ok := groups[key]
		if !ok {
			g = &AlertGroup{EventType: alert.Event.Type, UserID: alert.Event.UserID}
			groups[key] = g
		}
		g.AlertIDs = append(g.AlertIDs, alert.ID)
		g.Count++
	}

	out := make([]AlertGroup, 0, len(groups))
	for _, g := range groups {
		if g.Count > 1 {
			sort.Strings(g.AlertIDs)
			for _, id := range g.AlertIDs {
				alert := m.alerts[id]
				alert.RelatedAlerts = relatedTo(g.AlertIDs, id)
			}
		}
		out = append(out, *g)
	}
	return out
}

func relatedTo(ids []string, self string) []string {
	out := make([]string, 0, len(ids)-1)
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// NotifyTeam dispatches an out-of-band security team notification for a
// containment action. Implements the executor's notifier contract.
func (m *Manager) NotifyTeam(ctx context.Context, ev model.Event, action model.ActionType, target, reason string) error {
	alert := m.CreateAlert(ctx, ev, fmt.Sprintf("security team notified: %s on %s (%s)", action, target, reason))
	if alert == nil {
		return errors.New("failed to create notification alert")
	}
	return nil
}

// CreateIncident raises an incident-tagged alert and returns its id.
func (m *Manager) CreateIncident(ctx context.Context, ev model.Event, reason string) (string, error) {
	alert := m.CreateAlert(ctx, ev, "incident: "+reason)
	return alert.ID, nil
}

// Stats snapshots the alert table.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		Total:      len(m.alerts),
		ByStatus:   make(map[model.AlertStatus]int),
		BySeverity: make(map[model.Severity]int),
	}
	for _, alert := range m.alerts {
		stats.ByStatus[alert.Status]++
		stats.BySeverity[alert.Event.Severity]++
	}
	return stats
}

// persist writes through to the repository and the search index; failures are
// logged and reflected nowhere else.
func (m *Manager) persist(ctx context.Context, alert *model.Alert) {
	m.mu.Lock()
	snapshot := *alert
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.Save(ctx, &snapshot); err != nil {
			m.logger.Error("failed to persist alert",
				util.String("alert_id", snapshot.ID), util.ErrorField(err))
		}
	}
	if m.indexer != nil {
		if err := m.indexer.Index(ctx, &snapshot); err != nil {
			m.logger.Error("failed to index alert",
				util.String("alert_id", snapshot.ID), util.ErrorField(err))
		}
	}
}
