package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"security-monitor/internal/model"
)

// SendResult is the outcome of one delivery attempt on one destination.
type SendResult struct {
	Destination string
	Err         error
}

// Channel is a pluggable notification transport. Send must never panic and
// never return an error for the call itself; per-destination failures are
// reported in the results so one bad destination cannot mask the others.
type Channel interface {
	Name() string
	Destinations() []string
	SeverityThreshold() model.Severity
	RateLimitWindow() time.Duration
	Send(ctx context.Context, alert *model.Alert, destinations []string) []SendResult
}

// channelPayload is the JSON body webhook-style channels post.
type channelPayload struct {
	AlertID   string    `json:"alert_id"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status"`
	Level     int       `json:"escalation_level"`
	CreatedAt time.Time `json:"created_at"`
}

func payloadFor(alert *model.Alert) channelPayload {
	return channelPayload{
		AlertID:   alert.ID,
		Message:   alert.Message,
		Severity:  string(alert.Event.Severity),
		EventType: string(alert.Event.Type),
		Status:    string(alert.Status),
		Level:     alert.EscalationLevel,
		CreatedAt: alert.CreatedAt,
	}
}

// ---------------------------------------------------------------------------
// Email (SMTP)

type EmailChannel struct {
	Addr      string
	From      string
	To        []string
	Threshold model.Severity
	Window    time.Duration

	// send is swappable for tests.
	send func(addr, from string, to []string, msg []byte) error
}

func NewEmailChannel(addr, from string, to []string, threshold model.Severity, window time.Duration) *EmailChannel {
	return &EmailChannel{
		Addr:      addr,
		From:      from,
		To:        to,
		Threshold: threshold,
		Window:    window,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (c *EmailChannel) Name() string                      { return "email" }
func (c *EmailChannel) Destinations() []string            { return c.To }
func (c *EmailChannel) SeverityThreshold() model.Severity { return c.Threshold }
func (c *EmailChannel) RateLimitWindow() time.Duration    { return c.Window }

func (c *EmailChannel) Send(ctx context.Context, alert *model.Alert, destinations []string) []SendResult {
	results := make([]SendResult, 0, len(destinations))
	for _, dest := range destinations {
		msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] security alert %s\r\n\r\n%s\r\n\r\nevent=%s level=%d\r\n",
			c.From, dest, strings.ToUpper(string(alert.Event.Severity)), alert.ID,
			alert.Message, alert.Event.Type, alert.EscalationLevel)
		err := c.send(c.Addr, c.From, []string{dest}, []byte(msg))
		results = append(results, SendResult{Destination: dest, Err: err})
	}
	return results
}

// ---------------------------------------------------------------------------
// Generic webhook with HMAC-SHA256 request signing

type WebhookChannel struct {
	URL       string
	Secret    string
	Threshold model.Severity
	Window    time.Duration
	client    *http.Client
}

func NewWebhookChannel(url, secret string, threshold model.Severity, window time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:       url,
		Secret:    secret,
		Threshold: threshold,
		Window:    window,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string                      { return "webhook" }
func (c *WebhookChannel) Destinations() []string            { return []string{c.URL} }
func (c *WebhookChannel) SeverityThreshold() model.Severity { return c.Threshold }
func (c *WebhookChannel) RateLimitWindow() time.Duration    { return c.Window }

func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert, destinations []string) []SendResult {
	body, err := json.Marshal(payloadFor(alert))
	if err != nil {
		return failAll(destinations, err)
	}

	results := make([]SendResult, 0, len(destinations))
	for _, dest := range destinations {
		results = append(results, SendResult{Destination: dest, Err: c.post(ctx, dest, body)})
	}
	return results
}

func (c *WebhookChannel) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		mac := hmac.New(sha256.New, []byte(c.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chat webhook (Slack-compatible payload)

type ChatChannel struct {
	WebhookURL string
	Threshold  model.Severity
	Window     time.Duration
	client     *http.Client
}

func NewChatChannel(webhookURL string, threshold model.Severity, window time.Duration) *ChatChannel {
	return &ChatChannel{
		WebhookURL: webhookURL,
		Threshold:  threshold,
		Window:     window,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ChatChannel) Name() string                      { return "chat" }
func (c *ChatChannel) Destinations() []string            { return []string{c.WebhookURL} }
func (c *ChatChannel) SeverityThreshold() model.Severity { return c.Threshold }
func (c *ChatChannel) RateLimitWindow() time.Duration    { return c.Window }

func (c *ChatChannel) Send(ctx context.Context, alert *model.Alert, destinations []string) []SendResult {
	text := fmt.Sprintf(":rotating_light: *%s* alert `%s` (level %d)\n%s\nevent: `%s`",
		strings.ToUpper(string(alert.Event.Severity)), alert.ID,
		alert.EscalationLevel, alert.Message, alert.Event.Type)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return failAll(destinations, err)
	}

	results := make([]SendResult, 0, len(destinations))
	for _, dest := range destinations {
		results = append(results, SendResult{Destination: dest, Err: postJSON(ctx, c.client, dest, body)})
	}
	return results
}

// ---------------------------------------------------------------------------
// Pager (events API style: routing key + dedup on alert id)

type PagerChannel struct {
	URL        string
	RoutingKey string
	Threshold  model.Severity
	Window     time.Duration
	client     *http.Client
}

func NewPagerChannel(url, routingKey string, threshold model.Severity, window time.Duration) *PagerChannel {
	return &PagerChannel{
		URL:        url,
		RoutingKey: routingKey,
		Threshold:  threshold,
		Window:     window,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *PagerChannel) Name() string                      { return "pager" }
func (c *PagerChannel) Destinations() []string            { return []string{c.URL} }
func (c *PagerChannel) SeverityThreshold() model.Severity { return c.Threshold }
func (c *PagerChannel) RateLimitWindow() time.Duration    { return c.Window }

func (c *PagerChannel) Send(ctx context.Context, alert *model.Alert, destinations []string) []SendResult {
	body, err := json.Marshal(map[string]interface{}{
		"routing_key":  c.RoutingKey,
		"dedup_key":    alert.ID,
		"event_action": "trigger",
		"payload": map[string]string{
			"summary":  alert.Message,
			"severity": string(alert.Event.Severity),
			"source":   "security-monitor",
		},
	})
	if err != nil {
		return failAll(destinations, err)
	}

	results := make([]SendResult, 0, len(destinations))
	for _, dest := range destinations {
		results = append(results, SendResult{Destination: dest, Err: postJSON(ctx, c.client, dest, body)})
	}
	return results
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func failAll(destinations []string, err error) []SendResult {
	results := make([]SendResult, 0, len(destinations))
	for _, dest := range destinations {
		results = append(results, SendResult{Destination: dest, Err: err})
	}
	return results
}
