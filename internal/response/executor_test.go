package response

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []model.ActionType
	err   error
}

func (f *fakeNotifier) NotifyTeam(_ context.Context, _ model.Event, action model.ActionType, _, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.mu.Unlock()
	return f.err
}

type fakeIncidents struct {
	mu    sync.Mutex
	count int
}

func (f *fakeIncidents) CreateIncident(context.Context, model.Event, string) (string, error) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	return "incident-1", nil
}

type fakeResponseRepo struct {
	mu     sync.Mutex
	states map[string][]model.ResponseStatus
}

func newFakeResponseRepo() *fakeResponseRepo {
	return &fakeResponseRepo{states: make(map[string][]model.ResponseStatus)}
}

func (f *fakeResponseRepo) Save(_ context.Context, resp *model.ThreatResponse) error {
	f.mu.Lock()
	f.states[resp.ID] = append(f.states[resp.ID], resp.Status)
	f.mu.Unlock()
	return nil
}

func actionSet(actions []model.ActionType) map[model.ActionType]bool {
	out := make(map[model.ActionType]bool, len(actions))
	for _, a := range actions {
		out[a] = true
	}
	return out
}

func TestActionsFor(t *testing.T) {
	cases := []struct {
		name     string
		evType   model.EventType
		severity model.Severity
		want     []model.ActionType
	}{
		{
			name: "brute force low", evType: model.EventBruteForce, severity: model.SeverityLow,
			want: []model.ActionType{model.ActionBlockIP, model.ActionNotifySecurityTeam},
		},
		{
			name: "brute force critical adds incident", evType: model.EventBruteForce, severity: model.SeverityCritical,
			want: []model.ActionType{model.ActionBlockIP, model.ActionNotifySecurityTeam, model.ActionCreateIncident},
		},
		{
			name: "data export below high is observed only", evType: model.EventDataExport, severity: model.SeverityMedium,
			want: nil,
		},
		{
			name: "data export high", evType: model.EventDataExport, severity: model.SeverityHigh,
			want: []model.ActionType{
				model.ActionLockUser, model.ActionRevokeSession, model.ActionQuarantineData,
				model.ActionNotifySecurityTeam, model.ActionCreateIncident,
			},
		},
		{
			name: "suspicious high requires mfa", evType: model.EventSuspiciousActivity, severity: model.SeverityHigh,
			want: []model.ActionType{model.ActionRequireMFA, model.ActionNotifySecurityTeam},
		},
		{
			name: "suspicious critical locks instead", evType: model.EventSuspiciousActivity, severity: model.SeverityCritical,
			want: []model.ActionType{model.ActionNotifySecurityTeam, model.ActionLockUser, model.ActionRevokeSession},
		},
		{
			name: "rate limit exceeded throttles", evType: model.EventRateLimitExceeded, severity: model.SeverityLow,
			want: []model.ActionType{model.ActionRateLimitIP},
		},
		{
			name: "unmapped type", evType: model.EventAuthSuccess, severity: model.SeverityCritical,
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ActionsFor(model.Event{Type: tc.evType, Severity: tc.severity})
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			gotSet := actionSet(got)
			for _, want := range tc.want {
				if !gotSet[want] {
					t.Fatalf("missing action %s in %v", want, got)
				}
			}
		})
	}
}

func newTestExecutor(t *testing.T, cfg config.ResponseConfig, store Store) (*Executor, *Containment, *fakeNotifier, *fakeIncidents, *fakeResponseRepo) {
	t.Helper()
	containment := NewContainment(cfg, store, zap.NewNop())
	notifier := &fakeNotifier{}
	incidents := &fakeIncidents{}
	repo := newFakeResponseRepo()
	exec := NewExecutor(cfg, containment, notifier, incidents, repo, zap.NewNop())
	return exec, containment, notifier, incidents, repo
}

func TestExecuteSessionHijack(t *testing.T) {
	ctx := context.Background()
	exec, containment, notifier, incidents, repo := newTestExecutor(t, testResponseConfig(), NewMemoryStore())

	responses := exec.Execute(ctx, model.Event{
		ID:        "ev-1",
		Type:      model.EventSessionHijack,
		Severity:  model.SeverityCritical,
		UserID:    "user-1",
		SessionID: "sess-1",
		IPAddress: "10.0.0.1",
	})

	// revoke_session, lock_user, force_password_reset, notify, incident.
	if len(responses) != 5 {
		t.Fatalf("expected 5 responses, got %d", len(responses))
	}
	for _, resp := range responses {
		if resp.Status != model.ResponseCompleted {
			t.Fatalf("action %s: status %s, error %q", resp.Action, resp.Status, resp.Error)
		}
		if resp.CompletedAt == nil {
			t.Fatalf("action %s: missing completion timestamp", resp.Action)
		}
	}

	if !containment.IsSessionRevoked(ctx, "sess-1") {
		t.Fatal("session must be revoked")
	}
	if !containment.IsUserLocked(ctx, "user-1") {
		t.Fatal("user must be locked")
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected 1 team notification, got %d", len(notifier.calls))
	}
	if incidents.count != 1 {
		t.Fatalf("expected 1 incident, got %d", incidents.count)
	}

	// Every attempt is persisted through its lifecycle.
	for id, states := range repo.states {
		if len(states) != 3 {
			t.Fatalf("response %s: persisted states %v, want pending/in_progress/terminal", id, states)
		}
		if states[0] != model.ResponsePending || states[1] != model.ResponseInProgress || states[2] != model.ResponseCompleted {
			t.Fatalf("response %s: unexpected lifecycle %v", id, states)
		}
	}
}

func TestExecuteSkipsActionsWithoutTarget(t *testing.T) {
	ctx := context.Background()
	exec, _, notifier, _, _ := newTestExecutor(t, testResponseConfig(), NewMemoryStore())

	// No IP on the event: block_ip has no target and is skipped; the team
	// notification falls back to the system sentinel.
	responses := exec.Execute(ctx, model.Event{
		ID:       "ev-2",
		Type:     model.EventBruteForce,
		Severity: model.SeverityLow,
		Username: "alice",
	})

	if len(responses) != 1 {
		t.Fatalf("expected only the notify action, got %d", len(responses))
	}
	if responses[0].Action != model.ActionNotifySecurityTeam {
		t.Fatalf("unexpected action %s", responses[0].Action)
	}
	if responses[0].Target != "system" {
		t.Fatalf("expected system sentinel target, got %q", responses[0].Target)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.calls))
	}
}

func TestExecuteFailureIsolation(t *testing.T) {
	ctx := context.Background()
	// The containment store is down, so store-backed actions fail; notify and
	// incident still run to completion.
	exec, _, notifier, incidents, _ := newTestExecutor(t, testResponseConfig(), failingStore{})

	responses := exec.Execute(ctx, model.Event{
		ID:        "ev-3",
		Type:      model.EventSessionHijack,
		Severity:  model.SeverityCritical,
		UserID:    "user-1",
		SessionID: "sess-1",
		IPAddress: "10.0.0.1",
	})

	byAction := make(map[model.ActionType]*model.ThreatResponse, len(responses))
	for _, resp := range responses {
		byAction[resp.Action] = resp
	}

	for _, action := range []model.ActionType{model.ActionRevokeSession, model.ActionLockUser, model.ActionForcePasswordReset} {
		resp := byAction[action]
		if resp == nil || resp.Status != model.ResponseFailed {
			t.Fatalf("action %s: expected failed status, got %+v", action, resp)
		}
		if !strings.Contains(resp.Error, ErrActionFailed.Error()) {
			t.Fatalf("action %s: failed attempt must carry the failure taxonomy, got %q", action, resp.Error)
		}
	}
	for _, action := range []model.ActionType{model.ActionNotifySecurityTeam, model.ActionCreateIncident} {
		resp := byAction[action]
		if resp == nil || resp.Status != model.ResponseCompleted {
			t.Fatalf("action %s: expected completed status, got %+v", action, resp)
		}
	}
	if len(notifier.calls) != 1 || incidents.count != 1 {
		t.Fatalf("out-of-band actions must run despite sibling failures: %d/%d", len(notifier.calls), incidents.count)
	}

	stats := exec.Stats()
	if stats.Executed != 5 || stats.Failed != 3 || stats.Completed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBlockIPDryRun(t *testing.T) {
	ctx := context.Background()
	cfg := testResponseConfig()
	cfg.BlockIPDryRun = true
	// A failing store proves the dry run never touches containment state.
	exec, containment, _, _, _ := newTestExecutor(t, cfg, failingStore{})

	responses := exec.Execute(ctx, model.Event{
		ID:        "ev-4",
		Type:      model.EventXSSAttempt,
		Severity:  model.SeverityMedium,
		IPAddress: "10.0.0.1",
	})

	var block *model.ThreatResponse
	for _, resp := range responses {
		if resp.Action == model.ActionBlockIP {
			block = resp
		}
	}
	if block == nil || block.Status != model.ResponseCompleted {
		t.Fatalf("dry-run block must complete without enforcement, got %+v", block)
	}
	blocked, _, _ := containment.Counts()
	if blocked != 0 {
		t.Fatal("dry run must not mutate the blocked set")
	}
}

func TestExecutorNotifierError(t *testing.T) {
	ctx := context.Background()
	exec, _, notifier, _, _ := newTestExecutor(t, testResponseConfig(), NewMemoryStore())
	notifier.err = errors.New("paging service down")

	responses := exec.Execute(ctx, model.Event{
		ID:        "ev-5",
		Type:      model.EventRateLimitExceeded,
		Severity:  model.SeverityLow,
		IPAddress: "10.0.0.1",
	})
	// rate_limit_ip only; no notify in this mapping, so add one that notifies.
	if len(responses) != 1 || responses[0].Status != model.ResponseCompleted {
		t.Fatalf("unexpected responses: %+v", responses)
	}

	responses = exec.Execute(ctx, model.Event{
		ID:        "ev-6",
		Type:      model.EventXSSAttempt,
		Severity:  model.SeverityMedium,
		IPAddress: "10.0.0.1",
	})
	for _, resp := range responses {
		if resp.Action == model.ActionNotifySecurityTeam && resp.Status != model.ResponseFailed {
			t.Fatalf("notifier error must fail the notify attempt, got %s", resp.Status)
		}
		if resp.Action == model.ActionBlockIP && resp.Status != model.ResponseCompleted {
			t.Fatalf("block must succeed despite notify failure, got %s", resp.Status)
		}
	}
}
