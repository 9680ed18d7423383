package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// AlertRepository persists alerts durably. The alert manager owns the in-memory
// lifecycle; this table is the system of record that survives restarts and feeds
// post-incident review.
type AlertRepository struct {
	client *ScyllaClient
}

func NewAlertRepository(client *ScyllaClient) *AlertRepository {
	return &AlertRepository{client: client}
}

// Save upserts the full alert row. Notifications and related alerts are stored
// as JSON text columns: they are read back whole, never queried by field.
func (r *AlertRepository) Save(ctx context.Context, alert *model.Alert) error {
	notifications, err := json.Marshal(alert.Notifications)
	if err != nil {
		return fmt.Errorf("failed to marshal notifications: %w", err)
	}
	related, err := json.Marshal(alert.RelatedAlerts)
	if err != nil {
		return fmt.Errorf("failed to marshal related alerts: %w", err)
	}
	eventJSON, err := json.Marshal(alert.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	query := r.client.Query(r.client.Stmts.UpsertAlert,
		alert.ID,
		alert.Event.ID,
		string(alert.Event.Type),
		string(alert.Event.Severity),
		alert.Message,
		string(alert.Status),
		alert.EscalationLevel,
		alert.CreatedAt,
		alert.AcknowledgedBy,
		timeOrZero(alert.AcknowledgedAt),
		alert.ResolvedBy,
		timeOrZero(alert.ResolvedAt),
		string(notifications),
		string(related),
		string(eventJSON),
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to save alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return fmt.Errorf("failed to save alert: %w", err)
	}

	util.Debug("Alert saved",
		zap.String("alert_id", alert.ID),
		zap.String("status", string(alert.Status)))
	return nil
}

// GetByID loads one alert row, or (nil, nil) when absent.
func (r *AlertRepository) GetByID(ctx context.Context, alertID string) (*model.Alert, error) {
	query := r.client.Query(r.client.Stmts.GetAlert, alertID).WithContext(ctx)

	alert, err := scanAlert(query)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		util.Error("Failed to get alert",
			zap.String("alert_id", alertID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListByStatus returns alerts in the given status, newest first is not
// guaranteed; callers sort if they need order.
func (r *AlertRepository) ListByStatus(ctx context.Context, status model.AlertStatus, limit int) ([]*model.Alert, error) {
	iter := r.client.Query(r.client.Stmts.ListAlertsByStatus, string(status)).WithContext(ctx).Iter()

	var alerts []*model.Alert
	for {
		row := alertRow{}
		if !iter.Scan(
			&row.AlertID, &row.EventID, &row.EventType, &row.Severity,
			&row.Message, &row.Status, &row.EscalationLevel, &row.CreatedAt,
			&row.AcknowledgedBy, &row.AcknowledgedAt, &row.ResolvedBy,
			&row.ResolvedAt, &row.Notifications, &row.Related, &row.EventJSON,
		) {
			break
		}
		alert, err := row.toModel()
		if err != nil {
			util.Warn("Skipping undecodable alert row",
				zap.String("alert_id", row.AlertID),
				zap.Error(err))
			continue
		}
		alerts = append(alerts, alert)
		if limit > 0 && len(alerts) >= limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

type alertRow struct {
	AlertID         string
	EventID         string
	EventType       string
	Severity        string
	Message         string
	Status          string
	EscalationLevel int
	CreatedAt       time.Time
	AcknowledgedBy  string
	AcknowledgedAt  time.Time
	ResolvedBy      string
	ResolvedAt      time.Time
	Notifications   string
	Related         string
	EventJSON       string
}

func (row alertRow) toModel() (*model.Alert, error) {
	alert := &model.Alert{
		ID:              row.AlertID,
		Message:         row.Message,
		Status:          model.AlertStatus(row.Status),
		EscalationLevel: row.EscalationLevel,
		CreatedAt:       row.CreatedAt,
		AcknowledgedBy:  row.AcknowledgedBy,
		ResolvedBy:      row.ResolvedBy,
	}
	if !row.AcknowledgedAt.IsZero() {
		t := row.AcknowledgedAt
		alert.AcknowledgedAt = &t
	}
	if !row.ResolvedAt.IsZero() {
		t := row.ResolvedAt
		alert.ResolvedAt = &t
	}
	if row.EventJSON != "" {
		if err := json.Unmarshal([]byte(row.EventJSON), &alert.Event); err != nil {
			return nil, fmt.Errorf("failed to decode alert event: %w", err)
		}
	}
	if row.Notifications != "" {
		if err := json.Unmarshal([]byte(row.Notifications), &alert.Notifications); err != nil {
			return nil, fmt.Errorf("failed to decode notifications: %w", err)
		}
	}
	if row.Related != "" {
		if err := json.Unmarshal([]byte(row.Related), &alert.RelatedAlerts); err != nil {
			return nil, fmt.Errorf("failed to decode related alerts: %w", err)
		}
	}
	return alert, nil
}

func scanAlert(query interface {
	Scan(dest ...interface{}) error
}) (*model.Alert, error) {
	row := alertRow{}
	err := query.Scan(
		&row.AlertID, &row.EventID, &row.EventType, &row.Severity,
		&row.Message, &row.Status, &row.EscalationLevel, &row.CreatedAt,
		&row.AcknowledgedBy, &row.AcknowledgedAt, &row.ResolvedBy,
		&row.ResolvedAt, &row.Notifications, &row.Related, &row.EventJSON,
	)
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
