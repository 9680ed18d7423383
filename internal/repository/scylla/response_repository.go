package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// ResponseRepository records every containment-action attempt, completed or
// failed, as immutable response history.
type ResponseRepository struct {
	client *ScyllaClient
}

func NewResponseRepository(client *ScyllaClient) *ResponseRepository {
	return &ResponseRepository{client: client}
}

// Save writes the full response row. Called once when the action starts and
// again when it finishes, so the final row carries the terminal status.
func (r *ResponseRepository) Save(ctx context.Context, resp *model.ThreatResponse) error {
	query := r.client.Query(r.client.Stmts.InsertResponse,
		resp.ID,
		string(resp.Action),
		resp.Target,
		resp.Reason,
		resp.EventID,
		string(resp.EventType),
		string(resp.Status),
		resp.CreatedAt,
		timeOrZero(resp.CompletedAt),
		resp.Error,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to save threat response",
			zap.String("response_id", resp.ID),
			zap.String("action", string(resp.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to save threat response: %w", err)
	}

	util.Debug("Threat response saved",
		zap.String("response_id", resp.ID),
		zap.String("action", string(resp.Action)),
		zap.String("status", string(resp.Status)))
	return nil
}

// ListByEvent returns every response attempt recorded for one event.
func (r *ResponseRepository) ListByEvent(ctx context.Context, eventID string) ([]*model.ThreatResponse, error) {
	iter := r.client.Query(r.client.Stmts.ListResponsesByEvent, eventID).WithContext(ctx).Iter()

	var responses []*model.ThreatResponse
	for {
		var (
			resp        model.ThreatResponse
			action      string
			eventType   string
			status      string
			completedAt time.Time
		)
		if !iter.Scan(
			&resp.ID, &action, &resp.Target, &resp.Reason, &resp.EventID,
			&eventType, &status, &resp.CreatedAt, &completedAt, &resp.Error,
		) {
			break
		}
		resp.Action = model.ActionType(action)
		resp.EventType = model.EventType(eventType)
		resp.Status = model.ResponseStatus(status)
		if !completedAt.IsZero() {
			t := completedAt
			resp.CompletedAt = &t
		}
		row := resp
		responses = append(responses, &row)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list threat responses: %w", err)
	}
	return responses, nil
}
