package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/client"
	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// AlertIndex mirrors alert state into Elasticsearch for the search surface.
// Scylla stays the system of record; the index is rebuildable and indexing
// failures never block the alert lifecycle.
type AlertIndex struct {
	client *client.ESClient
	index  string
}

// AlertDoc is the flattened index document. Event context is denormalized so
// searches never need a join.
type AlertDoc struct {
	AlertID         string    `json:"alert_id"`
	Message         string    `json:"message"`
	Status          string    `json:"status"`
	EscalationLevel int       `json:"escalation_level"`
	CreatedAt       time.Time `json:"created_at"`
	AcknowledgedBy  string    `json:"acknowledged_by,omitempty"`
	ResolvedBy      string    `json:"resolved_by,omitempty"`

	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Country   string `json:"country,omitempty"`
}

var alertMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"alert_id":         map[string]interface{}{"type": "keyword"},
			"message":          map[string]interface{}{"type": "text"},
			"status":           map[string]interface{}{"type": "keyword"},
			"escalation_level": map[string]interface{}{"type": "integer"},
			"created_at":       map[string]interface{}{"type": "date"},
			"acknowledged_by":  map[string]interface{}{"type": "keyword"},
			"resolved_by":      map[string]interface{}{"type": "keyword"},
			"event_id":         map[string]interface{}{"type": "keyword"},
			"event_type":       map[string]interface{}{"type": "keyword"},
			"severity":         map[string]interface{}{"type": "keyword"},
			"user_id":          map[string]interface{}{"type": "keyword"},
			"username":         map[string]interface{}{"type": "keyword"},
			"ip_address":       map[string]interface{}{"type": "ip"},
			"endpoint":         map[string]interface{}{"type": "keyword"},
			"country":          map[string]interface{}{"type": "keyword"},
		},
	},
}

func NewAlertIndex(es *client.ESClient, index string) (*AlertIndex, error) {
	if err := es.EnsureIndex(index, alertMapping); err != nil {
		return nil, fmt.Errorf("failed to ensure alert index: %w", err)
	}
	return &AlertIndex{client: es, index: index}, nil
}

// Index upserts the alert document, keyed by alert id.
func (a *AlertIndex) Index(ctx context.Context, alert *model.Alert) error {
	doc := AlertDoc{
		AlertID:         alert.ID,
		Message:         alert.Message,
		Status:          string(alert.Status),
		EscalationLevel: alert.EscalationLevel,
		CreatedAt:       alert.CreatedAt,
		AcknowledgedBy:  alert.AcknowledgedBy,
		ResolvedBy:      alert.ResolvedBy,
		EventID:         alert.Event.ID,
		EventType:       string(alert.Event.Type),
		Severity:        string(alert.Event.Severity),
		UserID:          alert.Event.UserID,
		Username:        alert.Event.Username,
		IPAddress:       alert.Event.IPAddress,
		Endpoint:        alert.Event.Endpoint,
		Country:         alert.Event.Country,
	}

	res, err := a.client.IndexDocument(a.index, alert.ID, doc)
	if err != nil {
		return fmt.Errorf("failed to index alert: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error indexing alert: %s", res.String())
	}

	util.Debug("Alert indexed",
		zap.String("alert_id", alert.ID),
		zap.String("status", string(alert.Status)))
	return nil
}

// SearchQuery narrows an alert search. Zero values mean "any".
type SearchQuery struct {
	Status    string
	Severity  string
	EventType string
	UserID    string
	IPAddress string
	Text      string
	Since     time.Time
	Until     time.Time
	Size      int
}

// SearchResult is one matching alert document.
type SearchResult struct {
	Total  int64
	Alerts []AlertDoc
}

// Search runs a filtered bool query, newest alerts first.
func (a *AlertIndex) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	var filters []map[string]interface{}

	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}
	term("status", q.Status)
	term("severity", q.Severity)
	term("event_type", q.EventType)
	term("user_id", q.UserID)
	term("ip_address", q.IPAddress)

	if !q.Since.IsZero() || !q.Until.IsZero() {
		rangeQuery := map[string]interface{}{}
		if !q.Since.IsZero() {
			rangeQuery["gte"] = q.Since
		}
		if !q.Until.IsZero() {
			rangeQuery["lte"] = q.Until
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"created_at": rangeQuery},
		})
	}

	boolQuery := map[string]interface{}{"filter": filters}
	if q.Text != "" {
		boolQuery["must"] = []map[string]interface{}{
			{"match": map[string]interface{}{"message": q.Text}},
		}
	}

	size := q.Size
	if size <= 0 || size > 1000 {
		size = 50
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"sort":  []map[string]interface{}{{"created_at": map[string]interface{}{"order": "desc"}}},
		"size":  size,
	}

	res, err := a.client.Search(a.index, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search alerts: %w", err)
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source AlertDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := a.client.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	result := &SearchResult{Total: parsed.Hits.Total.Value}
	for _, hit := range parsed.Hits.Hits {
		result.Alerts = append(result.Alerts, hit.Source)
	}
	return result, nil
}
