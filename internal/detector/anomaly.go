package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
	"security-monitor/internal/util"
)

// profileRefresh bounds how stale a cached profile may get before it is rebuilt
// wholesale from the rolling history.
const profileRefresh = 5 * time.Minute

// maxHistoryPerUser caps the per-user rolling history independent of the
// learning window so a single hot user cannot grow memory unbounded.
const maxHistoryPerUser = 10000

// lowRiskTypes are waived from the time-of-day dimension: a successful login or
// a plain read at an odd hour is not worth flagging on its own.
var lowRiskTypes = map[model.EventType]bool{
	model.EventAuthSuccess: true,
	model.EventDataAccess:  true,
}

// Verdict is the outcome of scoring one event. Anomalous is false both for
// normal events and for cold-start users without enough history (no verdict).
type Verdict struct {
	Anomalous bool
	Reasons   []string
	Profile   *model.UserProfile
}

// AnomalyDetector scores events against per-user statistical behavior profiles
// built from a rolling learning window.
type AnomalyDetector struct {
	cfg     config.AnomalyConfig
	bhStart int
	bhEnd   int
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	history  map[string][]model.Event
	profiles map[string]*model.UserProfile

	// fired suppresses repeated exfiltration verdicts per user while the
	// triggering hour still holds the indicators.
	firedMu sync.Mutex
	fired   map[string]time.Time
}

func NewAnomalyDetector(cfg config.AnomalyConfig, bhStart, bhEnd int, logger *zap.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		cfg:      cfg,
		bhStart:  bhStart,
		bhEnd:    bhEnd,
		logger:   logger,
		now:      time.Now,
		history:  make(map[string][]model.Event),
		profiles: make(map[string]*model.UserProfile),
		fired:    make(map[string]time.Time),
	}
}

// Record appends an event to the user's rolling history. Events without a user
// are ignored; anomaly scoring is strictly per user.
func (a *AnomalyDetector) Record(ev model.Event) {
	if ev.UserID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	events := append(a.history[ev.UserID], ev)
	events = pruneHistory(events, a.now().Add(-a.cfg.LearningWindow))
	if len(events) > maxHistoryPerUser {
		events = events[len(events)-maxHistoryPerUser:]
	}
	a.history[ev.UserID] = events
}

// Score evaluates one event against the user's profile. The returned derived
// event is non-nil only for an anomalous verdict; it carries the concatenated
// reasons and a profile snapshot.
func (a *AnomalyDetector) Score(ev model.Event) (Verdict, *model.Event) {
	if ev.UserID == "" {
		return Verdict{}, nil
	}

	profile := a.profileFor(ev.UserID)
	if profile == nil {
		// Cold start: below the minimum sample size there is no verdict.
		return Verdict{}, nil
	}

	now := a.now()
	var reasons []string

	if r := a.scoreTimeOfDay(ev, profile); r != "" {
		reasons = append(reasons, r)
	}
	if r := a.scoreEndpoint(ev, profile, now); r != "" {
		reasons = append(reasons, r)
	}
	if r := a.scoreIPLocation(ev, profile, now); r != "" {
		reasons = append(reasons, r)
	}
	if r := a.scoreRequestRate(ev, profile, now); r != "" {
		reasons = append(reasons, r)
	}
	if r := a.scoreDataAccess(ev, profile, now); r != "" {
		reasons = append(reasons, r)
	}

	if len(reasons) == 0 {
		return Verdict{Profile: profile}, nil
	}

	a.logger.Info("behavioral anomaly detected",
		util.String("user_id", ev.UserID),
		util.Strings("reasons", reasons),
		util.String("event_type", string(ev.Type)))

	return Verdict{Anomalous: true, Reasons: reasons, Profile: profile},
		a.deriveSuspicious(ev, reasons, profile)
}

func (a *AnomalyDetector) scoreTimeOfDay(ev model.Event, p *model.UserProfile) string {
	if lowRiskTypes[ev.Type] {
		return ""
	}
	hour := ev.Timestamp.Hour()
	if share, ok := p.ActiveHours[hour]; ok && share > a.cfg.ActiveHourShare {
		return ""
	}
	return fmt.Sprintf("activity at hour %d outside typical active hours", hour)
}

func (a *AnomalyDetector) scoreEndpoint(ev model.Event, p *model.UserProfile, now time.Time) string {
	if ev.Endpoint == "" {
		return ""
	}
	if !p.KnowsEndpoint(ev.Endpoint) {
		return fmt.Sprintf("never-seen endpoint %s", ev.Endpoint)
	}
	rate := p.EndpointRates[ev.Endpoint]
	recent := a.countRecent(ev.UserID, now.Add(-time.Hour), func(e model.Event) bool {
		return e.Endpoint == ev.Endpoint
	})
	if rate > 0 && float64(recent) > rate*a.cfg.EndpointRateFactor {
		return fmt.Sprintf("endpoint %s hit %d times in the last hour (typical %.1f/h)", ev.Endpoint, recent, rate)
	}
	return ""
}

func (a *AnomalyDetector) scoreIPLocation(ev model.Event, p *model.UserProfile, now time.Time) string {
	since := now.Add(-24 * time.Hour)

	ips := make(map[string]bool)
	a.forEachRecent(ev.UserID, since, func(e model.Event) {
		if e.IPAddress != "" {
			ips[e.IPAddress] = true
		}
	})
	if ev.IPAddress != "" {
		ips[ev.IPAddress] = true
	}
	if p.BaselineUniqueIPs > 0 && float64(len(ips)) > float64(p.BaselineUniqueIPs)*a.cfg.IPCountFactor {
		return fmt.Sprintf("%d distinct IPs in 24h against baseline %d", len(ips), p.BaselineUniqueIPs)
	}

	if ev.Country != "" && len(p.KnownCountries) > 0 && !p.KnownCountries[ev.Country] {
		return fmt.Sprintf("activity from unseen country %s", ev.Country)
	}
	return ""
}

func (a *AnomalyDetector) scoreRequestRate(ev model.Event, p *model.UserProfile, now time.Time) string {
	current := a.countRecent(ev.UserID, now.Add(-time.Hour), func(model.Event) bool { return true })

	mean := p.MeanEventsPerHour
	stddev := p.StdDevEventsPerHour
	// Small samples track a degenerate variance; fall back to the configured
	// assumed relative standard deviation as a floor.
	if floor := mean * a.cfg.AssumedRelStdDev; stddev < floor {
		stddev = floor
	}
	if stddev == 0 {
		return ""
	}

	z := (float64(current) - mean) / stddev
	if z > a.cfg.ZScoreThreshold {
		return fmt.Sprintf("request rate z-score %.2f (current %d/h, mean %.1f/h)", z, current, mean)
	}
	return ""
}

func (a *AnomalyDetector) scoreDataAccess(ev model.Event, p *model.UserProfile, now time.Time) string {
	if ev.Type != model.EventDataAccess && ev.Type != model.EventDataExport {
		return ""
	}
	if ev.Resource == "" {
		return ""
	}
	if !p.KnowsResource(ev.Resource) {
		return fmt.Sprintf("access to unseen resource %s", ev.Resource)
	}
	rate := p.ResourceRates[ev.Resource]
	recent := a.countRecent(ev.UserID, now.Add(-time.Hour), func(e model.Event) bool {
		return e.Resource == ev.Resource
	})
	if rate > 0 && float64(recent) > rate*a.cfg.EndpointRateFactor {
		return fmt.Sprintf("resource %s accessed %d times in the last hour (typical %.1f/h)", ev.Resource, recent, rate)
	}
	return ""
}

// CheckMassExfiltration evaluates the bot-like bulk data movement heuristic for
// one user over the trailing hour. It flags when at least the configured number
// of the four indicators hold.
func (a *AnomalyDetector) CheckMassExfiltration(userID string) *model.Event {
	if userID == "" {
		return nil
	}
	now := a.now()
	since := now.Add(-time.Hour)

	var accesses []model.Event
	a.forEachRecent(userID, since, func(e model.Event) {
		if e.Type == model.EventDataAccess || e.Type == model.EventDataExport {
			accesses = append(accesses, e)
		}
	})
	if len(accesses) < 2 {
		return nil
	}

	resources := make(map[string]bool)
	offHours := 0
	for _, e := range accesses {
		if e.Resource != "" {
			resources[e.Resource] = true
		}
		hour := e.Timestamp.Hour()
		if hour < a.bhStart || hour >= a.bhEnd {
			offHours++
		}
	}

	cv := intervalCoefficientOfVariation(accesses)

	indicators := 0
	var held []string
	if len(accesses) > a.cfg.ExfilEventThreshold {
		indicators++
		held = append(held, fmt.Sprintf("volume %d>%d", len(accesses), a.cfg.ExfilEventThreshold))
	}
	if len(resources) > a.cfg.ExfilResourceCount {
		indicators++
		held = append(held, fmt.Sprintf("resources %d>%d", len(resources), a.cfg.ExfilResourceCount))
	}
	if cv >= 0 && cv < a.cfg.ExfilCVThreshold {
		indicators++
		held = append(held, fmt.Sprintf("interval_cv %.2f<%.2f", cv, a.cfg.ExfilCVThreshold))
	}
	if float64(offHours)/float64(len(accesses)) > a.cfg.ExfilOffHoursShare {
		indicators++
		held = append(held, fmt.Sprintf("off_hours %d/%d", offHours, len(accesses)))
	}

	if indicators < a.cfg.ExfilIndicatorsRequired {
		return nil
	}
	// One verdict per user per evaluation window; every further data access
	// would otherwise raise a fresh critical alert while the hour holds.
	if !a.shouldFire("exfil:"+userID, now, time.Hour) {
		return nil
	}

	a.logger.Error("mass data exfiltration indicators",
		util.String("user_id", userID),
		util.Int("indicators", indicators),
		util.Strings("held", held))

	last := accesses[len(accesses)-1]
	return &model.Event{
		ID:        uuid.New().String(),
		Type:      model.EventSuspiciousActivity,
		Severity:  model.SeverityCritical,
		Timestamp: now,
		UserID:    userID,
		IPAddress: last.IPAddress,
		SessionID: last.SessionID,
		OrgID:     last.OrgID,
		Details: map[string]string{
			"heuristic":  "mass_exfiltration",
			"indicators": strings.Join(held, ";"),
		},
	}
}

func (a *AnomalyDetector) shouldFire(key string, now time.Time, window time.Duration) bool {
	a.firedMu.Lock()
	defer a.firedMu.Unlock()
	if last, ok := a.fired[key]; ok && now.Sub(last) < window {
		return false
	}
	a.fired[key] = now
	return true
}

func (a *AnomalyDetector) deriveSuspicious(src model.Event, reasons []string, p *model.UserProfile) *model.Event {
	snapshot, _ := json.Marshal(p)
	return &model.Event{
		ID:        uuid.New().String(),
		Type:      model.EventSuspiciousActivity,
		Severity:  model.SeverityMedium,
		Timestamp: a.now(),
		UserID:    src.UserID,
		Username:  src.Username,
		IPAddress: src.IPAddress,
		Endpoint:  src.Endpoint,
		Resource:  src.Resource,
		SessionID: src.SessionID,
		OrgID:     src.OrgID,
		Country:   src.Country,
		Details: map[string]string{
			"reasons":          strings.Join(reasons, "; "),
			"source_event_id":  src.ID,
			"profile_snapshot": string(snapshot),
		},
	}
}

// profileFor returns a current profile for the user, rebuilding it wholesale
// when missing or stale. Nil means not enough history (no verdict).
func (a *AnomalyDetector) profileFor(userID string) *model.UserProfile {
	a.mu.Lock()
	defer a.mu.Unlock()

	events := pruneHistory(a.history[userID], a.now().Add(-a.cfg.LearningWindow))
	a.history[userID] = events

	if len(events) < a.cfg.MinSampleSize {
		// History fell below the minimum: any cached profile is discarded.
		delete(a.profiles, userID)
		return nil
	}

	if p, ok := a.profiles[userID]; ok && a.now().Sub(p.BuiltAt) < profileRefresh {
		return p
	}

	p := a.buildProfile(userID, events)
	a.profiles[userID] = p
	return p
}

// buildProfile recomputes the whole profile from the rolling history.
func (a *AnomalyDetector) buildProfile(userID string, events []model.Event) *model.UserProfile {
	now := a.now()
	spanHours := now.Sub(events[0].Timestamp).Hours()
	if spanHours < 1 {
		spanHours = 1
	}
	spanDays := spanHours / 24
	if spanDays < 1 {
		spanDays = 1
	}

	hourCounts := make(map[int]int)
	endpointCounts := make(map[string]int)
	resourceCounts := make(map[string]int)
	dailyIPs := make(map[string]map[string]bool)
	countries := make(map[string]bool)
	perHourBuckets := make(map[int64]int)
	var sessionTotal time.Duration
	sessionSamples := 0

	for _, e := range events {
		hourCounts[e.Timestamp.Hour()]++
		if e.Endpoint != "" {
			endpointCounts[e.Endpoint]++
		}
		if e.Resource != "" {
			resourceCounts[e.Resource]++
		}
		if e.IPAddress != "" {
			day := e.Timestamp.Format("2006-01-02")
			if dailyIPs[day] == nil {
				dailyIPs[day] = make(map[string]bool)
			}
			dailyIPs[day][e.IPAddress] = true
		}
		if e.Country != "" && now.Sub(e.Timestamp) <= 24*time.Hour {
			countries[e.Country] = true
		}
		perHourBuckets[e.Timestamp.Unix()/3600]++
		if d, ok := e.Details["session_duration"]; ok {
			if dur, err := time.ParseDuration(d); err == nil {
				sessionTotal += dur
				sessionSamples++
			}
		}
	}

	activeHours := make(map[int]float64, len(hourCounts))
	for hour, count := range hourCounts {
		activeHours[hour] = float64(count) / float64(len(events))
	}

	endpointRates := make(map[string]float64, len(endpointCounts))
	for ep, count := range endpointCounts {
		endpointRates[ep] = float64(count) / spanHours
	}
	resourceRates := make(map[string]float64, len(resourceCounts))
	for res, count := range resourceCounts {
		resourceRates[res] = float64(count) / spanHours
	}

	ipTotal := 0
	for _, ips := range dailyIPs {
		ipTotal += len(ips)
	}
	baselineIPs := 0
	if len(dailyIPs) > 0 {
		baselineIPs = int(math.Ceil(float64(ipTotal) / float64(len(dailyIPs))))
	}

	mean, stddev := welford(perHourBuckets)

	var avgSession time.Duration
	if sessionSamples > 0 {
		avgSession = sessionTotal / time.Duration(sessionSamples)
	}

	return &model.UserProfile{
		UserID:              userID,
		BuiltAt:             now,
		SampleLen:           len(events),
		ActiveHours:         activeHours,
		EndpointRates:       endpointRates,
		ResourceRates:       resourceRates,
		BaselineUniqueIPs:   baselineIPs,
		KnownCountries:      countries,
		MeanEventsPerHour:   mean,
		StdDevEventsPerHour: stddev,
		AvgSessionDuration:  avgSession,
	}
}

// welford computes mean and standard deviation of per-hour event counts with
// Welford's single-pass running variance.
func welford(buckets map[int64]int) (mean, stddev float64) {
	if len(buckets) == 0 {
		return 0, 0
	}
	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	n := 0
	var m, m2 float64
	for _, k := range keys {
		n++
		x := float64(buckets[k])
		delta := x - m
		m += delta / float64(n)
		m2 += delta * (x - m)
	}
	if n < 2 {
		return m, 0
	}
	return m, math.Sqrt(m2 / float64(n-1))
}

// intervalCoefficientOfVariation measures regularity of inter-event spacing.
// Near zero means bot-like clockwork access. Returns -1 when undefined.
func intervalCoefficientOfVariation(events []model.Event) float64 {
	if len(events) < 3 {
		return -1
	}
	sorted := append(events[:0:0], events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Seconds())
	}

	var sum float64
	for _, iv := range intervals {
		sum += iv
	}
	mean := sum / float64(len(intervals))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance) / mean
}

func (a *AnomalyDetector) countRecent(userID string, since time.Time, match func(model.Event) bool) int {
	count := 0
	a.forEachRecent(userID, since, func(e model.Event) {
		if match(e) {
			count++
		}
	})
	return count
}

func (a *AnomalyDetector) forEachRecent(userID string, since time.Time, fn func(model.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.history[userID] {
		if e.Timestamp.After(since) {
			fn(e)
		}
	}
}

// TrackedUsers returns how many users currently have rolling history.
func (a *AnomalyDetector) TrackedUsers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

func pruneHistory(events []model.Event, cutoff time.Time) []model.Event {
	idx := 0
	for idx < len(events) && !events[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	return append(events[:0:0], events[idx:]...)
}
