package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/config"
	"security-monitor/internal/encryption"
	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// EventStore is the event-history table. Rows expire via the table TTL so the
// store never needs an explicit pruning job; the retention window is applied
// again at query time so a TTL merge lag cannot surface expired rows.
type EventStore struct {
	client    *client.ClickHouseClient
	buckets   *bucketing.BucketingManager
	encryptor *encryption.Manager
	retention time.Duration
}

func NewEventStore(cfg *config.Config, ch *client.ClickHouseClient, buckets *bucketing.BucketingManager, encryptor *encryption.Manager) *EventStore {
	return &EventStore{
		client:    ch,
		buckets:   buckets,
		encryptor: encryptor,
		retention: cfg.Detection.EventRetention,
	}
}

// EnsureSchema creates the events table if missing. The TTL clause enforces
// the retention window server side.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	ttlHours := int(s.retention.Hours())
	if ttlHours <= 0 {
		ttlHours = 72
	}

	ddl := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS security_events (
            event_bucket      UInt16,
            event_id          String,
            event_type        LowCardinality(String),
            severity          LowCardinality(String),
            event_time        DateTime64(3, 'UTC'),
            user_id           String,
            username          String,
            ip_address        String,
            endpoint          String,
            method            LowCardinality(String),
            resource          String,
            session_id        String,
            org_id            String,
            country           LowCardinality(String),
            details_encrypted String,
            details_key_id    String
        )
        ENGINE = MergeTree()
        PARTITION BY (event_bucket, toStartOfHour(event_time))
        ORDER BY (event_type, event_time, event_id)
        TTL toDateTime(event_time) + INTERVAL %d HOUR`, ttlHours)

	if err := s.client.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	util.Info("Event history schema ready",
		zap.Int("retention_hours", ttlHours))
	return nil
}

const insertEventQuery = `
    INSERT INTO security_events (
        event_bucket, event_id, event_type, severity, event_time,
        user_id, username, ip_address, endpoint, method, resource,
        session_id, org_id, country, details_encrypted, details_key_id
    )`

// Insert persists one event. Details are envelope encrypted before they leave
// the process.
func (s *EventStore) Insert(ctx context.Context, ev *model.Event) error {
	row, err := s.toStored(ctx, ev)
	if err != nil {
		return err
	}

	err = s.client.BatchInsert(ctx, insertEventQuery, [][]interface{}{storedToRow(row)})
	if err != nil {
		util.Error("Failed to insert event",
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// InsertBatch persists many events in one batch, used by the pipeline flush.
func (s *EventStore) InsertBatch(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		row, err := s.toStored(ctx, ev)
		if err != nil {
			util.Warn("Skipping unstorable event",
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		rows = append(rows, storedToRow(row))
	}
	if len(rows) == 0 {
		return nil
	}

	if err := s.client.BatchInsert(ctx, insertEventQuery, rows); err != nil {
		return fmt.Errorf("failed to batch insert events: %w", err)
	}
	return nil
}

// EventFilter narrows history queries. Zero values mean "any".
type EventFilter struct {
	Type        model.EventType
	MinSeverity model.Severity
	UserID      string
	IPAddress   string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Query returns matching events newest first, details decrypted. Expired rows
// are excluded even if the TTL merge has not caught up yet.
func (s *EventStore) Query(ctx context.Context, filter EventFilter) ([]*model.Event, error) {
	query := `
        SELECT event_id, event_type, severity, event_time, user_id, username,
            ip_address, endpoint, method, resource, session_id, org_id, country,
            details_encrypted
        FROM security_events
        WHERE event_time >= ?`
	args := []interface{}{s.floorSince(filter.Since)}

	if !filter.Until.IsZero() {
		query += " AND event_time <= ?"
		args = append(args, filter.Until)
	}
	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.IPAddress != "" {
		query += " AND ip_address = ?"
		args = append(args, filter.IPAddress)
	}

	query += " ORDER BY event_time DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.client.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var (
			ev        model.Event
			eventType string
			severity  string
			encrypted string
		)
		if err := rows.Scan(
			&ev.ID, &eventType, &severity, &ev.Timestamp, &ev.UserID,
			&ev.Username, &ev.IPAddress, &ev.Endpoint, &ev.Method,
			&ev.Resource, &ev.SessionID, &ev.OrgID, &ev.Country, &encrypted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Type = model.EventType(eventType)
		ev.Severity = model.Severity(severity)

		if encrypted != "" {
			details, err := s.encryptor.DecryptDetails(ctx, encrypted)
			if err != nil {
				util.Warn("Failed to decrypt event details",
					zap.String("event_id", ev.ID),
					zap.Error(err))
			} else {
				ev.Details = details
			}
		}

		if filter.MinSeverity != "" && !ev.Severity.AtLeast(filter.MinSeverity) {
			continue
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// CountBySeverity returns event counts per severity inside the retention
// window, for the stats surface.
func (s *EventStore) CountBySeverity(ctx context.Context) (map[model.Severity]uint64, error) {
	rows, err := s.client.QueryRows(ctx, `
        SELECT severity, count() AS cnt
        FROM security_events
        WHERE event_time >= ?
        GROUP BY severity`, s.floorSince(time.Time{}))
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Severity]uint64)
	for rows.Next() {
		var severity string
		var cnt uint64
		if err := rows.Scan(&severity, &cnt); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[model.Severity(severity)] = cnt
	}
	return counts, rows.Err()
}

// CountByType returns event counts per type inside the retention window.
func (s *EventStore) CountByType(ctx context.Context) (map[model.EventType]uint64, error) {
	rows, err := s.client.QueryRows(ctx, `
        SELECT event_type, count() AS cnt
        FROM security_events
        WHERE event_time >= ?
        GROUP BY event_type`, s.floorSince(time.Time{}))
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.EventType]uint64)
	for rows.Next() {
		var eventType string
		var cnt uint64
		if err := rows.Scan(&eventType, &cnt); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[model.EventType(eventType)] = cnt
	}
	return counts, rows.Err()
}

func (s *EventStore) toStored(ctx context.Context, ev *model.Event) (*model.StoredEvent, error) {
	encrypted, keyID, err := s.encryptor.EncryptDetails(ctx, ev.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt event details: %w", err)
	}

	return &model.StoredEvent{
		EventBucket:      s.buckets.EventBucket(ev),
		EventID:          ev.ID,
		EventType:        string(ev.Type),
		Severity:         string(ev.Severity),
		EventTime:        ev.Timestamp.UTC(),
		UserID:           ev.UserID,
		Username:         ev.Username,
		IPAddress:        ev.IPAddress,
		Endpoint:         ev.Endpoint,
		Method:           ev.Method,
		Resource:         ev.Resource,
		SessionID:        ev.SessionID,
		OrgID:            ev.OrgID,
		Country:          ev.Country,
		DetailsEncrypted: encrypted,
		DetailsKeyID:     keyID,
	}, nil
}

// floorSince clamps the query window to the retention boundary.
func (s *EventStore) floorSince(since time.Time) time.Time {
	oldest := time.Now().UTC().Add(-s.retention)
	if since.IsZero() || since.Before(oldest) {
		return oldest
	}
	return since
}

func storedToRow(row *model.StoredEvent) []interface{} {
	return []interface{}{
		uint16(row.EventBucket),
		row.EventID,
		row.EventType,
		row.Severity,
		row.EventTime,
		row.UserID,
		row.Username,
		row.IPAddress,
		row.Endpoint,
		row.Method,
		row.Resource,
		row.SessionID,
		row.OrgID,
		row.Country,
		row.DetailsEncrypted,
		row.DetailsKeyID,
	}
}
