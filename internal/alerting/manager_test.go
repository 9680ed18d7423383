package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
)

type fakeChannel struct {
	name      string
	dests     []string
	threshold model.Severity
	window    time.Duration
	sendErr   error
	panics    bool

	mu    sync.Mutex
	calls [][]string
}

func (c *fakeChannel) Name() string                      { return c.name }
func (c *fakeChannel) Destinations() []string            { return c.dests }
func (c *fakeChannel) SeverityThreshold() model.Severity { return c.threshold }
func (c *fakeChannel) RateLimitWindow() time.Duration    { return c.window }

func (c *fakeChannel) Send(_ context.Context, _ *model.Alert, destinations []string) []SendResult {
	if c.panics {
		panic("channel exploded")
	}
	c.mu.Lock()
	c.calls = append(c.calls, destinations)
	c.mu.Unlock()

	results := make([]SendResult, 0, len(destinations))
	for _, dest := range destinations {
		results = append(results, SendResult{Destination: dest, Err: c.sendErr})
	}
	return results
}

func (c *fakeChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testAlertingConfig() config.AlertingConfig {
	return config.AlertingConfig{
		EscalationTick:       time.Minute,
		GroupingInterval:     5 * time.Minute,
		NotificationCooldown: 5 * time.Minute,
	}
}

// newTestManager wires a manager around fake channels with a shared injectable
// clock covering both the manager and the in-memory cooldown.
func newTestManager(t *testing.T, base time.Time, channels ...Channel) (*Manager, *time.Time) {
	t.Helper()
	now := base
	clock := func() time.Time { return now }

	cooldown := NewMemoryCooldown()
	cooldown.now = clock

	m := NewManager(testAlertingConfig(), channels, cooldown, nil, nil, zap.NewNop())
	m.now = clock
	return m, &now
}

func criticalEvent() model.Event {
	return model.Event{
		ID:       "ev-1",
		Type:     model.EventSessionHijack,
		Severity: model.SeverityCritical,
		UserID:   "user-1",
	}
}

func TestCreateAlertDispatchesLevelZero(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	chat := &fakeChannel{name: "chat", dests: []string{"#sec"}, threshold: model.SeverityLow}
	email := &fakeChannel{name: "email", dests: []string{"oncall@example.com"}, threshold: model.SeverityLow}
	pager := &fakeChannel{name: "pager", dests: []string{"pd"}, threshold: model.SeverityLow}
	m, _ := newTestManager(t, base, chat, email, pager)

	alert := m.CreateAlert(context.Background(), criticalEvent(), "session hijack")
	if alert.Status != model.AlertOpen {
		t.Fatalf("new alert must be open, got %s", alert.Status)
	}

	// Critical level 0 goes to chat, webhook and email; pager joins at level 1.
	if chat.sendCount() != 1 || email.sendCount() != 1 {
		t.Fatalf("expected chat and email to fire once, got %d/%d", chat.sendCount(), email.sendCount())
	}
	if pager.sendCount() != 0 {
		t.Fatalf("pager must not fire at level 0, got %d", pager.sendCount())
	}

	got, err := m.Get(alert.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Notifications) != 2 {
		t.Fatalf("expected 2 recorded notifications, got %d", len(got.Notifications))
	}
}

func TestSeverityThresholdGatesChannel(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	email := &fakeChannel{name: "email", dests: []string{"oncall@example.com"}, threshold: model.SeverityHigh}
	m, _ := newTestManager(t, base, email)

	m.CreateAlert(context.Background(), model.Event{
		ID: "ev-low", Type: model.EventAuthFailure, Severity: model.SeverityLow,
	}, "low severity noise")

	if email.sendCount() != 0 {
		t.Fatalf("channel below its threshold must not fire, got %d", email.sendCount())
	}
}

func TestEscalationTiming(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	chat := &fakeChannel{name: "chat", dests: []string{"#sec"}, threshold: model.SeverityLow}
	m, now := newTestManager(t, base, chat)
	ctx := context.Background()

	alert := m.CreateAlert(ctx, criticalEvent(), "session hijack")

	// Critical: 5m initial, 5m repeat, max level 3 → levels at 5, 10, 15 minutes.
	steps := []struct {
		at   time.Duration
		due  int
		want int
	}{
		{4 * time.Minute, 0, 0},
		{5 * time.Minute, 1, 1},
		{9 * time.Minute, 0, 1},
		{10 * time.Minute, 1, 2},
		{15 * time.Minute, 1, 3},
		{30 * time.Minute, 0, 3},
	}
	for _, step := range steps {
		*now = base.Add(step.at)
		if got := m.EscalationTick(ctx); got != step.due {
			t.Fatalf("tick at %v: got %d due alerts, want %d", step.at, got, step.due)
		}
		current, _ := m.Get(alert.ID)
		if current.EscalationLevel != step.want {
			t.Fatalf("tick at %v: level %d, want %d", step.at, current.EscalationLevel, step.want)
		}
	}

	current, _ := m.Get(alert.ID)
	if current.Status != model.AlertEscalated {
		t.Fatalf("expected escalated status, got %s", current.Status)
	}
}

func TestAcknowledgeStopsEscalation(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m, now := newTestManager(t, base)
	ctx := context.Background()

	alert := m.CreateAlert(ctx, criticalEvent(), "session hijack")
	if err := m.Acknowledge(ctx, alert.ID, "analyst-7"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	*now = base.Add(time.Hour)
	if got := m.EscalationTick(ctx); got != 0 {
		t.Fatalf("acknowledged alert must not escalate, got %d due", got)
	}

	current, _ := m.Get(alert.ID)
	if current.Status != model.AlertAcknowledged || current.AcknowledgedBy != "analyst-7" {
		t.Fatalf("unexpected state: %s by %q", current.Status, current.AcknowledgedBy)
	}
	if current.AcknowledgedAt == nil {
		t.Fatal("acknowledged timestamp missing")
	}
}

func TestResolveIsTerminal(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, base)
	ctx := context.Background()

	alert := m.CreateAlert(ctx, criticalEvent(), "session hijack")
	if err := m.Resolve(ctx, alert.ID, "analyst-7"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Run("resolve twice", func(t *testing.T) {
		if err := m.Resolve(ctx, alert.ID, "analyst-8"); !errors.Is(err, ErrAlertResolved) {
			t.Fatalf("expected ErrAlertResolved, got %v", err)
		}
	})
	t.Run("acknowledge after resolve", func(t *testing.T) {
		if err := m.Acknowledge(ctx, alert.ID, "analyst-8"); !errors.Is(err, ErrAlertResolved) {
			t.Fatalf("expected ErrAlertResolved, got %v", err)
		}
	})
	t.Run("unknown alert", func(t *testing.T) {
		if err := m.Resolve(ctx, "missing", "analyst-8"); !errors.Is(err, ErrAlertNotFound) {
			t.Fatalf("expected ErrAlertNotFound, got %v", err)
		}
	})
}

func TestNotificationCooldown(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	chat := &fakeChannel{name: "chat", dests: []string{"#sec"}, threshold: model.SeverityLow, window: 10 * time.Minute}
	m, now := newTestManager(t, base, chat)
	ctx := context.Background()

	alert := m.CreateAlert(ctx, criticalEvent(), "session hijack")
	if chat.sendCount() != 1 {
		t.Fatalf("expected initial send, got %d", chat.sendCount())
	}

	// Re-dispatch inside the window: the (alert, channel, destination) key is
	// still cooling down.
	m.dispatch(ctx, alert, 0)
	if chat.sendCount() != 1 {
		t.Fatalf("expected duplicate send to be suppressed, got %d", chat.sendCount())
	}

	*now = base.Add(11 * time.Minute)
	m.dispatch(ctx, alert, 0)
	if chat.sendCount() != 2 {
		t.Fatalf("expected send after cooldown expiry, got %d", chat.sendCount())
	}
}

func TestChannelFailureIsolation(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	chat := &fakeChannel{name: "chat", dests: []string{"#sec"}, threshold: model.SeverityLow, panics: true}
	email := &fakeChannel{name: "email", dests: []string{"oncall@example.com"}, threshold: model.SeverityLow, sendErr: errors.New("smtp refused")}
	webhook := &fakeChannel{name: "webhook", dests: []string{"https://hook"}, threshold: model.SeverityLow}
	m, _ := newTestManager(t, base, chat, email, webhook)

	alert := m.CreateAlert(context.Background(), criticalEvent(), "session hijack")

	if webhook.sendCount() != 1 {
		t.Fatalf("healthy channel must deliver despite sibling failures, got %d", webhook.sendCount())
	}

	got, _ := m.Get(alert.ID)
	var failed, ok int
	for _, n := range got.Notifications {
		if n.Error != "" {
			failed++
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Fatalf("expected 1 failed + 1 delivered notification, got %d/%d", failed, ok)
	}
}

func TestGroupTickLinksRelatedAlerts(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, base)
	ctx := context.Background()

	ev := model.Event{Type: model.EventBruteForce, Severity: model.SeverityHigh, UserID: "user-1"}
	a1 := m.CreateAlert(ctx, ev, "first burst")
	a2 := m.CreateAlert(ctx, ev, "second burst")
	other := m.CreateAlert(ctx, model.Event{
		Type: model.EventBruteForce, Severity: model.SeverityHigh, UserID: "user-2",
	}, "different actor")

	groups := m.GroupTick()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	first, _ := m.Get(a1.ID)
	if len(first.RelatedAlerts) != 1 || first.RelatedAlerts[0] != a2.ID {
		t.Fatalf("expected %s related to %s, got %v", a1.ID, a2.ID, first.RelatedAlerts)
	}
	lone, _ := m.Get(other.ID)
	if len(lone.RelatedAlerts) != 0 {
		t.Fatalf("singleton group must not be linked, got %v", lone.RelatedAlerts)
	}
}

// snapshotChannel blocks inside Send until released, then records the status
// of the alert it was handed.
type snapshotChannel struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	status model.AlertStatus
}

func (c *snapshotChannel) Name() string                      { return "chat" }
func (c *snapshotChannel) Destinations() []string            { return []string{"#sec"} }
func (c *snapshotChannel) SeverityThreshold() model.Severity { return model.SeverityLow }
func (c *snapshotChannel) RateLimitWindow() time.Duration    { return 0 }

func (c *snapshotChannel) Send(_ context.Context, alert *model.Alert, destinations []string) []SendResult {
	close(c.started)
	<-c.release
	c.mu.Lock()
	c.status = alert.Status
	c.mu.Unlock()
	return []SendResult{{Destination: destinations[0]}}
}

func TestDispatchSendsPointInTimeCopy(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ch := &snapshotChannel{started: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, base, ch)
	ctx := context.Background()

	// CreateAlert blocks until every channel send returns, so it runs aside
	// while the lifecycle moves on.
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.CreateAlert(ctx, criticalEvent(), "session hijack")
	}()

	<-ch.started

	var alertID string
	m.mu.Lock()
	for id := range m.alerts {
		alertID = id
	}
	m.mu.Unlock()

	if err := m.Acknowledge(ctx, alertID, "analyst-7"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	close(ch.release)
	<-done

	// The channel saw the alert as it was at dispatch time, not the
	// acknowledged state written while the send was in flight.
	ch.mu.Lock()
	got := ch.status
	ch.mu.Unlock()
	if got != model.AlertOpen {
		t.Fatalf("channel must receive the dispatch-time state, got %s", got)
	}

	current, err := m.Get(alertID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if current.Status != model.AlertAcknowledged {
		t.Fatalf("live alert must carry the acknowledgment, got %s", current.Status)
	}
}

func TestIncidentAndTeamNotification(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, base)
	ctx := context.Background()

	id, err := m.CreateIncident(ctx, criticalEvent(), "mass exfiltration containment")
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if _, err := m.Get(id); err != nil {
		t.Fatalf("incident alert not registered: %v", err)
	}

	if err := m.NotifyTeam(ctx, criticalEvent(), model.ActionBlockIP, "10.0.0.1", "brute force"); err != nil {
		t.Fatalf("NotifyTeam: %v", err)
	}
	if stats := m.Stats(); stats.Total != 2 {
		t.Fatalf("expected 2 alerts in table, got %d", stats.Total)
	}
}
