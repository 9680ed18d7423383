package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/alerting"
	"security-monitor/internal/config"
	"security-monitor/internal/detector"
	"security-monitor/internal/model"
	"security-monitor/internal/response"
	"security-monitor/internal/util"
)

// EventSink persists events to the history store.
type EventSink interface {
	Insert(ctx context.Context, ev *model.Event) error
}

// EventPublisher republishes derived events for downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *model.Event) error
}

// EventSource streams inbound events; ConsumeEvent blocks until the next event
// or context cancellation.
type EventSource interface {
	ConsumeEvent(ctx context.Context) (*model.Event, error)
}

// MonitorStats snapshots the pipeline counters.
type MonitorStats struct {
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Invalid   uint64 `json:"invalid"`
	Processed uint64 `json:"processed"`
	Derived   uint64 `json:"derived"`

	Pattern  detector.PatternStats  `json:"pattern"`
	Alerts   alerting.ManagerStats  `json:"alerts"`
	Response response.ExecutorStats `json:"response"`
}

// Monitor is the event pipeline: a bounded queue feeding one consumer goroutine
// that runs detection, alerting and response in order. Submission never blocks
// the caller; when the queue is full the event is dropped and counted.
type Monitor struct {
	cfg     *config.Config
	logger  *zap.Logger
	mask    *util.Pseudonymizer
	pattern *detector.PatternDetector
	anomaly *detector.AnomalyDetector
	alerts  *alerting.Manager
	exec    *response.Executor
	contain *response.Containment

	sink      EventSink
	publisher EventPublisher
	source    EventSource

	queue  chan *model.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	dropped   atomic.Uint64
	invalid   atomic.Uint64
	processed atomic.Uint64
	derived   atomic.Uint64
}

// NewMonitor wires the pipeline. sink, publisher and source may be nil; the
// corresponding stage is skipped.
func NewMonitor(cfg *config.Config, pattern *detector.PatternDetector, anomaly *detector.AnomalyDetector,
	alerts *alerting.Manager, exec *response.Executor, contain *response.Containment,
	sink EventSink, publisher EventPublisher, source EventSource,
	mask *util.Pseudonymizer, logger *zap.Logger) *Monitor {

	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		mask:      mask,
		pattern:   pattern,
		anomaly:   anomaly,
		alerts:    alerts,
		exec:      exec,
		contain:   contain,
		sink:      sink,
		publisher: publisher,
		source:    source,
		queue:     make(chan *model.Event, cfg.Detection.QueueSize),
	}
}

// Start launches the consumer, the periodic maintenance tickers and, when a
// source is configured, the ingest loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.consume(ctx)

	m.wg.Add(1)
	go m.maintain(ctx)

	if m.source != nil {
		m.wg.Add(1)
		go m.ingest(ctx)
	}

	m.logger.Info("security monitor pipeline started",
		util.Int("queue_size", m.cfg.Detection.QueueSize),
		util.Bool("kafka_ingest", m.source != nil))
}

// Stop shuts the pipeline down: ingest and maintenance exit, then the consumer
// drains whatever was already queued before returning. Events submitted after
// Stop begins may still be dropped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	remaining := len(m.queue)
	if remaining > 0 {
		m.logger.Warn("pipeline stopped with unprocessed events", util.Int("remaining", remaining))
	}
	m.logger.Info("security monitor pipeline stopped")
}

// Submit enqueues one event for processing. Returns false when the event was
// rejected (malformed) or dropped (queue full); the emitter is never blocked
// and never sees an error.
func (m *Monitor) Submit(ev *model.Event) bool {
	if err := ev.Validate(); err != nil {
		m.invalid.Add(1)
		m.logger.Warn("dropping malformed event", util.ErrorField(err))
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	m.submitted.Add(1)
	select {
	case m.queue <- ev:
		return true
	default:
		m.dropped.Add(1)
		m.logger.Warn("event queue full, dropping event",
			util.String("event_type", string(ev.Type)),
			util.String("user", m.mask.Mask(ev.UserID)))
		return false
	}
}

func (m *Monitor) consume(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case ev := <-m.queue:
			m.process(ctx, ev)
		}
	}
}

// drain processes events that were accepted before shutdown so Submit's
// contract holds across Stop. Bounded so a slow backend cannot hang shutdown.
func (m *Monitor) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case ev := <-m.queue:
			m.process(ctx, ev)
		default:
			return
		}
	}
}

// process runs one event through persistence, detection, alerting and response.
// Detection failures are isolated per stage; a panic in one event never takes
// the consumer down.
func (m *Monitor) process(ctx context.Context, ev *model.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic processing event",
				util.String("event_id", ev.ID), util.Any("panic", r))
		}
	}()
	m.processed.Add(1)

	if m.sink != nil {
		if err := m.sink.Insert(ctx, ev); err != nil {
			m.logger.Error("failed to persist event",
				util.String("event_id", ev.ID), util.ErrorField(err))
		}
	}

	// Critical events skip pattern matching and go straight to alerting and
	// response.
	if ev.Severity == model.SeverityCritical {
		m.pattern.Process(*ev)
		m.raise(ctx, *ev, "critical event: "+string(ev.Type))
		return
	}

	m.anomaly.Record(*ev)

	for _, derived := range m.pattern.Process(*ev) {
		m.handleDerived(ctx, derived)
	}

	if _, suspicious := m.anomaly.Score(*ev); suspicious != nil {
		m.handleDerived(ctx, *suspicious)
	}

	if ev.Type == model.EventDataAccess || ev.Type == model.EventDataExport {
		if exfil := m.anomaly.CheckMassExfiltration(ev.UserID); exfil != nil {
			m.handleDerived(ctx, *exfil)
		}
	}
}

// handleDerived persists, republishes and acts on one detector-derived event.
func (m *Monitor) handleDerived(ctx context.Context, ev model.Event) {
	m.derived.Add(1)

	m.logger.Info("derived event",
		util.String("event_type", string(ev.Type)),
		util.String("severity", string(ev.Severity)),
		util.String("user", m.mask.Mask(ev.UserID)),
		util.String("ip", m.mask.Mask(ev.IPAddress)))

	if m.sink != nil {
		if err := m.sink.Insert(ctx, &ev); err != nil {
			m.logger.Error("failed to persist derived event",
				util.String("event_id", ev.ID), util.ErrorField(err))
		}
	}
	if m.publisher != nil {
		if err := m.publisher.PublishEvent(ctx, &ev); err != nil {
			m.logger.Error("failed to republish derived event",
				util.String("event_id", ev.ID), util.ErrorField(err))
		}
	}

	m.raise(ctx, ev, describeDerived(ev))
}

// raise creates the alert and triggers the automated response for one event.
func (m *Monitor) raise(ctx context.Context, ev model.Event, message string) {
	m.alerts.CreateAlert(ctx, ev, message)
	m.exec.Execute(ctx, ev)
}

func describeDerived(ev model.Event) string {
	msg := "detected " + string(ev.Type)
	if reasons, ok := ev.Details["reasons"]; ok && reasons != "" {
		msg += ": " + reasons
	}
	return msg
}

// ingest pulls events from the configured source until shutdown. Read errors
// back off briefly so a broker outage does not spin the loop.
func (m *Monitor) ingest(ctx context.Context) {
	defer m.wg.Done()
	for {
		ev, err := m.source.ConsumeEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("event ingest failed", util.ErrorField(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.Submit(ev)
	}
}

// maintain runs the periodic jobs: escalation, alert grouping, containment
// resync and window pruning.
func (m *Monitor) maintain(ctx context.Context) {
	defer m.wg.Done()

	escalation := time.NewTicker(m.cfg.Alerting.EscalationTick)
	grouping := time.NewTicker(m.cfg.Alerting.GroupingInterval)
	resync := time.NewTicker(m.cfg.Response.ResyncInterval)
	prune := time.NewTicker(m.cfg.Detection.PruneInterval)
	defer escalation.Stop()
	defer grouping.Stop()
	defer resync.Stop()
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-escalation.C:
			if n := m.alerts.EscalationTick(ctx); n > 0 {
				m.logger.Info("alerts escalated", util.Int("count", n))
			}
		case <-grouping.C:
			m.alerts.GroupTick()
		case <-resync.C:
			if err := m.contain.Resync(ctx); err != nil {
				m.logger.Warn("containment resync failed", util.ErrorField(err))
			}
		case <-prune.C:
			if n := m.pattern.Sweep(); n > 0 {
				m.logger.Debug("pruned expired window entries", util.Int("count", n))
			}
		}
	}
}

// Stats snapshots all pipeline counters.
func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Submitted: m.submitted.Load(),
		Dropped:   m.dropped.Load(),
		Invalid:   m.invalid.Load(),
		Processed: m.processed.Load(),
		Derived:   m.derived.Load(),
		Pattern:   m.pattern.Stats(),
		Alerts:    m.alerts.Stats(),
		Response:  m.exec.Stats(),
	}
}
