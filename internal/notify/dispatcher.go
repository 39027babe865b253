package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notifybot/internal/eventbus"
	"notifybot/internal/runtime/supervisor"
	logx "notifybot/pkg/logx"
)

// EventRequested carries an Event (Data) that should be dispatched.
const EventRequested = "notify.requested"

// Dispatcher fans one Event out to every registered backend concurrently.
type Dispatcher struct {
	reg    *Registry
	sink   Sink
	log    logx.Logger
	tracer trace.Tracer
	sup    *supervisor.Supervisor

	// mu orders inflight.Add against Drain's Wait.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// ErrDispatcherClosed is returned by Notify once Drain has been called.
var ErrDispatcherClosed = errors.New("dispatcher is draining")

type DispatcherOption func(*Dispatcher)

func WithSink(s Sink) DispatcherOption { return func(d *Dispatcher) { d.sink = s } }

func WithDispatchLogger(l logx.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

func WithTracer(t trace.Tracer) DispatcherOption { return func(d *Dispatcher) { d.tracer = t } }

func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{reg: reg}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.sink == nil {
		d.sink = LogSink{Log: d.log}
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("notifybot/notify")
	}
	// Deliveries are never cancelled, so the supervisor context is never
	// cancelled either; it only provides naming and panic recovery.
	d.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(d.log))
	return d
}

// Notify starts one delivery per backend and returns without waiting.
// Outcomes are reported to the sink only.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	backends := d.reg.Backends()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.inflight.Add(len(backends))
	d.mu.Unlock()

	id := uuid.NewString()
	base := context.WithoutCancel(ctx)
	for _, b := range backends {
		d.sup.Go0("notify."+b.Name(), func(context.Context) {
			defer d.inflight.Done()
			d.deliver(base, id, b, ev)
		})
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, id string, b Backend, ev Event) {
	name := b.Name()
	ctx, span := d.tracer.Start(ctx, "notify.deliver", trace.WithAttributes(
		attribute.String("notify.backend", name),
		attribute.String("notify.delivery_id", id),
		attribute.String("notify.username", ev.Username),
	))
	defer span.End()

	start := time.Now()
	results := d.run(ctx, b, ev)
	took := time.Since(start)

	failed := 0
	for i := range results {
		r := results[i]
		r.ID, r.Backend, r.Server, r.Username, r.Took = id, name, ev.Server, ev.Username, took
		if r.Outcome.Failed() {
			failed++
		}
		d.sink.Record(r)
	}
	span.SetAttributes(attribute.Int("notify.results", len(results)), attribute.Int("notify.failures", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d attempts failed", failed, len(results)))
	}
}

// run calls Deliver and turns a panic into a transport failure for this
// backend only.
func (d *Dispatcher) run(ctx context.Context, b Backend, ev Event) (results []Result) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("backend panicked", logx.String("backend", b.Name()), logx.Any("panic", p))
			results = []Result{ResultOf("", &TransportError{Op: "deliver", Err: fmt.Errorf("panic: %v", p)})}
		}
	}()
	results = b.Deliver(ctx, ev)
	if len(results) == 0 {
		results = Skipped()
	}
	return results
}

// Drain stops accepting events and waits for every delivery started so
// far, or for ctx to end. Notify fails with ErrDispatcherClosed afterwards.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches every EventRequested published on bus until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64, EventRequested)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ev, isEvent := e.Data.(Event)
			if !isEvent {
				d.log.Warn("ignoring notify request with unexpected payload", logx.String("type", fmt.Sprintf("%T", e.Data)))
				continue
			}
			if err := d.Notify(ctx, ev); err != nil {
				d.log.Warn("rejected notify request", logx.String("username", ev.Username), logx.Err(err))
			}
		}
	}
}
