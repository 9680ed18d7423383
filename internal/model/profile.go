package model

import "time"

// UserProfile holds the per-user behavioral baseline the anomaly detector scores
// against. Profiles are rebuilt wholesale from the rolling history, never merged
// incrementally, and are discarded when the history falls below the minimum
// sample size.
type UserProfile struct {
	UserID    string    `json:"user_id"`
	BuiltAt   time.Time `json:"built_at"`
	SampleLen int       `json:"sample_len"`

	// Hours of day carrying a meaningful share of historical activity.
	ActiveHours map[int]float64 `json:"active_hours"`

	// Per-endpoint and per-resource average events per hour.
	EndpointRates map[string]float64 `json:"endpoint_rates"`
	ResourceRates map[string]float64 `json:"resource_rates"`

	// IP / location baseline over the learning window.
	BaselineUniqueIPs int             `json:"baseline_unique_ips"`
	KnownCountries    map[string]bool `json:"known_countries"`

	// Request-rate baseline: events per hour, tracked variance (Welford).
	MeanEventsPerHour   float64 `json:"mean_events_per_hour"`
	StdDevEventsPerHour float64 `json:"stddev_events_per_hour"`

	AvgSessionDuration time.Duration `json:"avg_session_duration"`
}

// KnowsEndpoint reports whether the profile has ever seen the endpoint.
func (p *UserProfile) KnowsEndpoint(endpoint string) bool {
	_, ok := p.EndpointRates[endpoint]
	return ok
}

// KnowsResource reports whether the profile has ever seen the resource.
func (p *UserProfile) KnowsResource(resource string) bool {
	_, ok := p.ResourceRates[resource]
	return ok
}
