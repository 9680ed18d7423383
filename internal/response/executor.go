package response

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// ErrActionFailed marks a containment attempt whose action returned an error.
// The cause stays in the chain and on the persisted record.
var ErrActionFailed = errors.New("containment action failed")

// TeamNotifier delivers a notify_security_team action out of band.
type TeamNotifier interface {
	NotifyTeam(ctx context.Context, ev model.Event, action model.ActionType, target, reason string) error
}

// IncidentCreator opens a tracked incident for an event.
type IncidentCreator interface {
	CreateIncident(ctx context.Context, ev model.Event, reason string) (string, error)
}

// ResponseRepository persists the immutable action-attempt history.
type ResponseRepository interface {
	Save(ctx context.Context, resp *model.ThreatResponse) error
}

// actionSpec is one row of the static action-selection table: the action fires
// when the event severity falls inside [Min, Max].
type actionSpec struct {
	Action model.ActionType
	Min    model.Severity
	Max    model.Severity
}

func on(action model.ActionType) actionSpec {
	return actionSpec{Action: action, Min: model.SeverityLow, Max: model.SeverityCritical}
}

func onAtLeast(action model.ActionType, min model.Severity) actionSpec {
	return actionSpec{Action: action, Min: min, Max: model.SeverityCritical}
}

func onExactly(action model.ActionType, sev model.Severity) actionSpec {
	return actionSpec{Action: action, Min: sev, Max: sev}
}

// actionTable is the fixed event-type to containment-action mapping. It is
// declarative so the selection logic stays trivially testable apart from
// execution.
var actionTable = map[model.EventType][]actionSpec{
	model.EventBruteForce: {
		on(model.ActionBlockIP),
		on(model.ActionNotifySecurityTeam),
		onExactly(model.ActionCreateIncident, model.SeverityCritical),
	},
	model.EventPrivilegeEscalation: {
		on(model.ActionLockUser),
		on(model.ActionRevokeSession),
		on(model.ActionNotifySecurityTeam),
		on(model.ActionCreateIncident),
	},
	model.EventSessionHijack: {
		on(model.ActionRevokeSession),
		on(model.ActionLockUser),
		on(model.ActionForcePasswordReset),
		on(model.ActionNotifySecurityTeam),
		on(model.ActionCreateIncident),
	},
	model.EventDataExport: {
		onAtLeast(model.ActionLockUser, model.SeverityHigh),
		onAtLeast(model.ActionRevokeSession, model.SeverityHigh),
		onAtLeast(model.ActionQuarantineData, model.SeverityHigh),
		onAtLeast(model.ActionNotifySecurityTeam, model.SeverityHigh),
		onAtLeast(model.ActionCreateIncident, model.SeverityHigh),
	},
	model.EventSQLInjection: {
		on(model.ActionBlockIP),
		on(model.ActionNotifySecurityTeam),
		on(model.ActionCreateIncident),
	},
	model.EventXSSAttempt: {
		on(model.ActionBlockIP),
		on(model.ActionNotifySecurityTeam),
	},
	model.EventRateLimitExceeded: {
		on(model.ActionRateLimitIP),
	},
	model.EventAuthLockout: {
		on(model.ActionRateLimitIP),
	},
	model.EventSuspiciousActivity: {
		onExactly(model.ActionRequireMFA, model.SeverityHigh),
		onAtLeast(model.ActionNotifySecurityTeam, model.SeverityHigh),
		onExactly(model.ActionLockUser, model.SeverityCritical),
		onExactly(model.ActionRevokeSession, model.SeverityCritical),
	},
}

// ActionsFor resolves the action set for an event from the static table.
func ActionsFor(ev model.Event) []model.ActionType {
	var out []model.ActionType
	for _, spec := range actionTable[ev.Type] {
		if ev.Severity.AtLeast(spec.Min) && spec.Max.AtLeast(ev.Severity) {
			out = append(out, spec.Action)
		}
	}
	return out
}

// ExecutorStats are cumulative response counters.
type ExecutorStats struct {
	Executed  uint64                      `json:"executed"`
	Completed uint64                      `json:"completed"`
	Failed    uint64                      `json:"failed"`
	ByAction  map[model.ActionType]uint64 `json:"by_action"`
}

// Executor turns events into containment actions. Each selected action runs
// independently; one failure never prevents the siblings, and nothing is ever
// re-raised to the submitting path.
type Executor struct {
	cfg         config.ResponseConfig
	containment *Containment
	notifier    TeamNotifier
	incidents   IncidentCreator
	repo        ResponseRepository
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	executed  uint64
	completed uint64
	failed    uint64
	byAction  map[model.ActionType]uint64
}

func NewExecutor(cfg config.ResponseConfig, containment *Containment, notifier TeamNotifier,
	incidents IncidentCreator, repo ResponseRepository, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:         cfg,
		containment: containment,
		notifier:    notifier,
		incidents:   incidents,
		repo:        repo,
		logger:      logger,
		now:         time.Now,
		byAction:    make(map[model.ActionType]uint64),
	}
}

// Execute maps the event to its action set and runs every action. The returned
// records reflect the final status of each attempt.
func (e *Executor) Execute(ctx context.Context, ev model.Event) []*model.ThreatResponse {
	actions := ActionsFor(ev)
	if len(actions) == 0 {
		return nil
	}

	responses := make([]*model.ThreatResponse, 0, len(actions))
	var g errgroup.Group
	var mu sync.Mutex

	for _, action := range actions {
		target := e.resolveTarget(action, ev)
		if target == "" {
			e.logger.Debug("containment action skipped, no target",
				util.String("action", string(action)),
				util.String("event_type", string(ev.Type)))
			continue
		}

		resp := &model.ThreatResponse{
			ID:        uuid.New().String(),
			Action:    action,
			Target:    target,
			Reason:    fmt.Sprintf("automated response to %s (%s)", ev.Type, ev.Severity),
			EventID:   ev.ID,
			EventType: ev.Type,
			Status:    model.ResponsePending,
			CreatedAt: e.now(),
		}
		e.persist(ctx, resp)

		g.Go(func() error {
			e.run(ctx, resp, ev)
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// run drives one attempt through pending -> in_progress -> completed|failed.
// Errors are captured on the record, never returned.
func (e *Executor) run(ctx context.Context, resp *model.ThreatResponse, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.finish(ctx, resp, fmt.Errorf("panic during %s: %v", resp.Action, r))
		}
	}()

	resp.Status = model.ResponseInProgress
	e.persist(ctx, resp)

	e.mu.Lock()
	e.executed++
	e.byAction[resp.Action]++
	e.mu.Unlock()

	e.finish(ctx, resp, e.apply(ctx, resp, ev))
}

func (e *Executor) apply(ctx context.Context, resp *model.ThreatResponse, ev model.Event) error {
	switch resp.Action {
	case model.ActionBlockIP:
		if e.cfg.BlockIPDryRun {
			// Staged rollout: log the decision without mutating access state.
			e.logger.Info("block_ip dry run, not enforcing",
				util.String("ip", resp.Target), util.String("reason", resp.Reason))
			return nil
		}
		return e.containment.BlockIP(ctx, resp.Target, resp.Reason)
	case model.ActionRateLimitIP:
		return e.containment.RateLimitIP(ctx, resp.Target, resp.Reason)
	case model.ActionLockUser:
		return e.containment.LockUser(ctx, resp.Target, resp.Reason)
	case model.ActionRevokeSession:
		return e.containment.RevokeSession(ctx, resp.Target, resp.Reason)
	case model.ActionRequireMFA:
		return e.containment.RequireMFA(ctx, resp.Target, resp.Reason)
	case model.ActionForcePasswordReset:
		return e.containment.ForcePasswordReset(ctx, resp.Target, resp.Reason)
	case model.ActionQuarantineData:
		return e.containment.QuarantineData(ctx, resp.Target, resp.Reason)
	case model.ActionNotifySecurityTeam:
		if e.notifier == nil {
			return nil
		}
		return e.notifier.NotifyTeam(ctx, ev, resp.Action, resp.Target, resp.Reason)
	case model.ActionCreateIncident:
		if e.incidents == nil {
			return nil
		}
		_, err := e.incidents.CreateIncident(ctx, ev, resp.Reason)
		return err
	default:
		return fmt.Errorf("unknown containment action %q", resp.Action)
	}
}

func (e *Executor) finish(ctx context.Context, resp *model.ThreatResponse, err error) {
	at := e.now()
	resp.CompletedAt = &at
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrActionFailed, err)
		resp.Status = model.ResponseFailed
		resp.Error = err.Error()
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.logger.Error("containment action failed",
			util.String("action", string(resp.Action)),
			util.String("target", resp.Target),
			util.ErrorField(err))
	} else {
		resp.Status = model.ResponseCompleted
		e.mu.Lock()
		e.completed++
		e.mu.Unlock()
		e.logger.Info("containment action completed",
			util.String("action", string(resp.Action)),
			util.String("target", resp.Target),
			util.String("event_type", string(resp.EventType)))
	}
	e.persist(ctx, resp)
}

// resolveTarget picks the action's target from the event per the fixed
// resolution rules. Incident, notify and quarantine fall back through user,
// IP, then the system sentinel.
func (e *Executor) resolveTarget(action model.ActionType, ev model.Event) string {
	switch action {
	case model.ActionBlockIP, model.ActionRateLimitIP:
		return ev.IPAddress
	case model.ActionLockUser, model.ActionRequireMFA, model.ActionForcePasswordReset:
		return ev.UserID
	case model.ActionRevokeSession:
		return ev.SessionID
	case model.ActionCreateIncident, model.ActionNotifySecurityTeam, model.ActionQuarantineData:
		if ev.UserID != "" {
			return ev.UserID
		}
		if ev.IPAddress != "" {
			return ev.IPAddress
		}
		return "system"
	}
	return ""
}

func (e *Executor) persist(ctx context.Context, resp *model.ThreatResponse) {
	if e.repo == nil {
		return
	}
	if err := e.repo.Save(ctx, resp); err != nil {
		e.logger.Error("failed to persist threat response",
			util.String("response_id", resp.ID), util.ErrorField(err))
	}
}

// Stats snapshots the executor counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	byAction := make(map[model.ActionType]uint64, len(e.byAction))
	for k, v := range e.byAction {
		byAction[k] = v
	}
	return ExecutorStats{
		Executed:  e.executed,
		Completed: e.completed,
		Failed:    e.failed,
		ByAction:  byAction,
	}
}
