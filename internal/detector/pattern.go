package detector

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// patternRule is one attack-signature rule. Consumes lists the event types the
// rule evaluates; Emits is the derived event type it produces. A rule whose
// output type appears in its own input set would re-match its own output, so
// registration rejects it outright instead of relying on convention.
type patternRule struct {
	Name     string
	Consumes map[model.EventType]bool
	Emits    model.EventType
	Evaluate func(d *PatternDetector, ev model.Event, now time.Time) *model.Event
}

// PatternStats are cumulative detector counters.
type PatternStats struct {
	Processed      uint64
	CriticalBypass uint64
	Derived        map[model.EventType]uint64
}

// PatternDetector flags known attack signatures from the raw event stream using
// bounded per-key sliding windows.
type PatternDetector struct {
	cfg    config.DetectionConfig
	logger *zap.Logger
	rules  []patternRule
	now    func() time.Time

	authFailures *keyedWindow // keyed by ip or username
	ipActivity   *keyedWindow // all events per IP
	authzDenials *keyedWindow // authz_denied per user
	sessionHits  *keyedWindow // events per session
	userActivity *keyedWindow // all events per user (off-hours rule)

	// fired suppresses duplicate derived events per (rule, key) until the
	// triggering window has rolled over.
	firedMu sync.Mutex
	fired   map[string]time.Time

	processed      atomic.Uint64
	criticalBypass atomic.Uint64
	derivedMu      sync.Mutex
	derived        map[model.EventType]uint64
}

// NewPatternDetector builds the detector with the standard rule set. It panics
// on a rule that violates the non-recursion invariant; that is a programming
// error, not a runtime condition.
func NewPatternDetector(cfg config.DetectionConfig, logger *zap.Logger) *PatternDetector {
	longest := cfg.ActivityWindow
	if cfg.BruteForceWindow > longest {
		longest = cfg.BruteForceWindow
	}

	d := &PatternDetector{
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		authFailures: newKeyedWindow(cfg.BruteForceWindow, cfg.MaxEventsPerWindow),
		ipActivity:   newKeyedWindow(cfg.RateLimitWindow, cfg.MaxEventsPerWindow),
		authzDenials: newKeyedWindow(cfg.ActivityWindow, cfg.MaxEventsPerWindow),
		sessionHits:  newKeyedWindow(cfg.ActivityWindow, cfg.MaxEventsPerWindow),
		userActivity: newKeyedWindow(cfg.OffHoursWindow, cfg.MaxEventsPerWindow),
		fired:        make(map[string]time.Time),
		derived:      make(map[model.EventType]uint64),
	}

	for _, rule := range standardRules() {
		if err := d.register(rule); err != nil {
			panic(err)
		}
	}
	return d
}

// register adds a rule after checking the non-recursion invariant.
func (d *PatternDetector) register(rule patternRule) error {
	if rule.Consumes[rule.Emits] {
		return fmt.Errorf("rule %q would re-match its own output type %s", rule.Name, rule.Emits)
	}
	d.rules = append(d.rules, rule)
	return nil
}

func standardRules() []patternRule {
	return []patternRule{
		{
			Name: "brute_force",
			Consumes: map[model.EventType]bool{
				model.EventAuthFailure: true,
			},
			Emits:    model.EventBruteForce,
			Evaluate: (*PatternDetector).evalBruteForce,
		},
		{
			Name:     "ip_rate_limit",
			Consumes: allRawEventTypes(),
			Emits:    model.EventRateLimitExceeded,
			Evaluate: (*PatternDetector).evalRateLimit,
		},
		{
			Name: "privilege_escalation",
			Consumes: map[model.EventType]bool{
				model.EventAuthzDenied: true,
			},
			Emits:    model.EventPrivilegeEscalation,
			Evaluate: (*PatternDetector).evalPrivilegeEscalation,
		},
		{
			Name:     "session_hijack",
			Consumes: allRawEventTypes(),
			Emits:    model.EventSessionHijack,
			Evaluate: (*PatternDetector).evalSessionHijack,
		},
		{
			Name:     "off_hours_volume",
			Consumes: allRawEventTypes(),
			Emits:    model.EventUnusualTime,
			Evaluate: (*PatternDetector).evalOffHours,
		},
	}
}

// allRawEventTypes returns the event types volume-based rules consume: every
// type the application emits directly, excluding the detector's own derived
// types so volume rules never count their own output.
func allRawEventTypes() map[model.EventType]bool {
	return map[model.EventType]bool{
		model.EventAuthSuccess:        true,
		model.EventAuthFailure:        true,
		model.EventAuthLockout:        true,
		model.EventAuthzDenied:        true,
		model.EventDataAccess:         true,
		model.EventDataExport:         true,
		model.EventSQLInjection:       true,
		model.EventXSSAttempt:         true,
		model.EventCSRFViolation:      true,
		model.EventSuspiciousActivity: true,
		model.EventUnusualLocation:    true,
	}
}

// Process evaluates one event against the rule set and returns any derived
// events. Critical events bypass rule evaluation entirely; the pipeline sends
// them straight to alerting.
func (d *PatternDetector) Process(ev model.Event) []model.Event {
	d.processed.Add(1)

	if ev.Severity == model.SeverityCritical {
		d.criticalBypass.Add(1)
		return nil
	}

	now := d.now()
	var out []model.Event
	for _, rule := range d.rules {
		if !rule.Consumes[ev.Type] {
			continue
		}
		if derived := rule.Evaluate(d, ev, now); derived != nil {
			d.derivedMu.Lock()
			d.derived[derived.Type]++
			d.derivedMu.Unlock()
			out = append(out, *derived)
		}
	}
	return out
}

func (d *PatternDetector) evalBruteForce(ev model.Event, now time.Time) *model.Event {
	key := ev.IPAddress
	if key == "" {
		key = ev.Username
	}
	if key == "" {
		return nil
	}

	count := d.authFailures.Add("bf:"+key, ev, now)
	if count < d.cfg.BruteForceThreshold {
		return nil
	}
	if !d.shouldFire("brute_force:"+key, now, d.cfg.BruteForceWindow) {
		return nil
	}

	d.logger.Warn("brute force pattern detected",
		util.String("key", key),
		util.Int("failures", count),
		util.Duration("window", d.cfg.BruteForceWindow))

	return d.derive(ev, model.EventBruteForce, model.SeverityHigh, map[string]string{
		"failure_count": fmt.Sprintf("%d", count),
		"window":        d.cfg.BruteForceWindow.String(),
	})
}

func (d *PatternDetector) evalRateLimit(ev model.Event, now time.Time) *model.Event {
	if ev.IPAddress == "" {
		return nil
	}
	count := d.ipActivity.Add("ip:"+ev.IPAddress, ev, now)
	if count <= d.cfg.RateLimitThreshold {
		return nil
	}
	if !d.shouldFire("rate_limit:"+ev.IPAddress, now, d.cfg.RateLimitWindow) {
		return nil
	}

	return d.derive(ev, model.EventRateLimitExceeded, model.SeverityMedium, map[string]string{
		"event_count": fmt.Sprintf("%d", count),
		"window":      d.cfg.RateLimitWindow.String(),
	})
}

func (d *PatternDetector) evalPrivilegeEscalation(ev model.Event, now time.Time) *model.Event {
	if ev.UserID == "" {
		return nil
	}
	key := "pe:" + ev.UserID
	count := d.authzDenials.Add(key, ev, now)
	if count < d.cfg.PrivEscThreshold {
		return nil
	}
	if !d.shouldFire("priv_esc:"+ev.UserID, now, d.cfg.ActivityWindow) {
		return nil
	}

	resources := make([]string, 0, count)
	seen := make(map[string]bool)
	for _, denial := range d.authzDenials.Events(key, now) {
		if denial.Resource != "" && !seen[denial.Resource] {
			seen[denial.Resource] = true
			resources = append(resources, denial.Resource)
		}
	}

	return d.derive(ev, model.EventPrivilegeEscalation, model.SeverityHigh, map[string]string{
		"denial_count":        fmt.Sprintf("%d", count),
		"attempted_resources": strings.Join(resources, ","),
	})
}

func (d *PatternDetector) evalSessionHijack(ev model.Event, now time.Time) *model.Event {
	if ev.SessionID == "" || ev.IPAddress == "" {
		return nil
	}
	key := "sess:" + ev.SessionID
	d.sessionHits.Add(key, ev, now)

	ips := make(map[string]bool)
	for _, hit := range d.sessionHits.Events(key, now) {
		if hit.IPAddress != "" {
			ips[hit.IPAddress] = true
		}
	}
	if len(ips) <= 1 {
		return nil
	}
	if !d.shouldFire("hijack:"+ev.SessionID, now, d.cfg.ActivityWindow) {
		return nil
	}

	ipList := make([]string, 0, len(ips))
	for ip := range ips {
		ipList = append(ipList, ip)
	}

	d.logger.Warn("session observed from multiple IPs",
		util.String("session_id", ev.SessionID),
		util.Int("distinct_ips", len(ips)))

	return d.derive(ev, model.EventSessionHijack, model.SeverityCritical, map[string]string{
		"distinct_ips": fmt.Sprintf("%d", len(ips)),
		"ip_list":      strings.Join(ipList, ","),
	})
}

func (d *PatternDetector) evalOffHours(ev model.Event, now time.Time) *model.Event {
	if ev.UserID == "" {
		return nil
	}
	hour := ev.Timestamp.Hour()
	if hour >= d.cfg.BusinessHoursStart && hour < d.cfg.BusinessHoursEnd {
		return nil
	}

	count := d.userActivity.Add("oh:"+ev.UserID, ev, now)
	if count <= d.cfg.OffHoursThreshold {
		return nil
	}
	if !d.shouldFire("off_hours:"+ev.UserID, now, d.cfg.OffHoursWindow) {
		return nil
	}

	return d.derive(ev, model.EventUnusualTime, model.SeverityMedium, map[string]string{
		"event_count": fmt.Sprintf("%d", count),
		"hour":        fmt.Sprintf("%d", hour),
	})
}

// shouldFire rate-limits derived events so one window crossing produces exactly
// one derived event per key.
func (d *PatternDetector) shouldFire(key string, now time.Time, window time.Duration) bool {
	d.firedMu.Lock()
	defer d.firedMu.Unlock()
	if last, ok := d.fired[key]; ok && now.Sub(last) < window {
		return false
	}
	d.fired[key] = now
	return true
}

// derive builds a derived event carrying the triggering event's actor context.
func (d *PatternDetector) derive(src model.Event, typ model.EventType, sev model.Severity, details map[string]string) *model.Event {
	details["source_event_id"] = src.ID
	return &model.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  sev,
		Timestamp: d.now(),
		UserID:    src.UserID,
		Username:  src.Username,
		IPAddress: src.IPAddress,
		UserAgent: src.UserAgent,
		Endpoint:  src.Endpoint,
		SessionID: src.SessionID,
		OrgID:     src.OrgID,
		Country:   src.Country,
		Details:   details,
	}
}

// Sweep prunes every sliding window and drops stale fire markers. Run from the
// periodic pruning task.
func (d *PatternDetector) Sweep() int {
	now := d.now()
	removed := 0
	for _, w := range []*keyedWindow{d.authFailures, d.ipActivity, d.authzDenials, d.sessionHits, d.userActivity} {
		removed += w.Sweep(now)
	}

	d.firedMu.Lock()
	for key, at := range d.fired {
		if now.Sub(at) > d.cfg.ActivityWindow {
			delete(d.fired, key)
		}
	}
	d.firedMu.Unlock()
	return removed
}

// Stats snapshots the detector counters.
func (d *PatternDetector) Stats() PatternStats {
	d.derivedMu.Lock()
	derived := make(map[model.EventType]uint64, len(d.derived))
	for k, v := range d.derived {
		derived[k] = v
	}
	d.derivedMu.Unlock()

	return PatternStats{
		Processed:      d.processed.Load(),
		CriticalBypass: d.criticalBypass.Load(),
		Derived:        derived,
	}
}
