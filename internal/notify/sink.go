package notify

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"notifybot/internal/eventbus"
	logx "notifybot/pkg/logx"
)

// Sink receives every delivery Result. Implementations must be safe for
// concurrent use; they are called from delivery goroutines.
type Sink interface {
	Record(r Result)
}

type SinkFunc func(r Result)

func (f SinkFunc) Record(r Result) { f(r) }

// MultiSink fans a result out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Record(r Result) {
	for _, s := range m {
		if s != nil {
			s.Record(r)
		}
	}
}

// LogSink writes one log line per result. Skips are debug noise.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Record(r Result) {
	fields := []logx.Field{
		logx.String("delivery_id", r.ID),
		logx.String("backend", r.Backend),
		logx.String("username", r.Username),
		logx.String("outcome", r.Outcome.String()),
		logx.Duration("took", r.Took),
	}
	if r.Device != "" {
		fields = append(fields, logx.String("device", r.Device))
	}
	if r.Code != "" {
		fields = append(fields, logx.String("code", r.Code))
	}
	switch {
	case r.Outcome == OutcomeSkipped:
		s.Log.Debug("notification skipped: no credentials", fields...)
	case r.Outcome.Failed():
		s.Log.Warn("notification delivery failed", append(fields, logx.Err(r.Err))...)
	default:
		s.Log.Info("notification delivered", fields...)
	}
}

const (
	EventDelivered = "notify.delivered"
	EventFailed    = "notify.failed"
)

// BusSink publishes failures (and optionally successes) on the event bus.
type BusSink struct {
	Bus           eventbus.Bus
	WithSuccesses bool
}

func (s BusSink) Record(r Result) {
	if s.Bus == nil {
		return
	}
	switch {
	case r.Outcome.Failed():
		s.Bus.Publish(eventbus.Event{Type: EventFailed, Data: r})
	case r.Outcome == OutcomeSuccess && s.WithSuccesses:
		s.Bus.Publish(eventbus.Event{Type: EventDelivered, Data: r})
	}
}

// Metrics holds the delivery collectors.
type Metrics struct {
	Deliveries *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics creates the delivery collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifybot_deliveries_total",
				Help: "Notification delivery attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifybot_delivery_duration_seconds",
				Help:    "Time spent in one backend delivery",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Deliveries, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register delivery metrics: %w", err)
		}
	}
	return m, nil
}

// Record implements Sink.
func (m *Metrics) Record(r Result) {
	m.Deliveries.WithLabelValues(r.Backend, r.Outcome.String()).Inc()
	if r.Outcome != OutcomeSkipped {
		m.Duration.WithLabelValues(r.Backend).Observe(r.Took.Seconds())
	}
}
