package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"notifybot/internal/eventbus"
	"notifybot/internal/notify"
	"notifybot/internal/notify/notifytest"
	logx "notifybot/pkg/logx"
)

type fakeBackend struct {
	name    string
	deliver func(ctx context.Context, ev notify.Event) []notify.Result
	calls   atomic.Int32
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Deliver(ctx context.Context, ev notify.Event) []notify.Result {
	b.calls.Add(1)
	return b.deliver(ctx, ev)
}

func (b *fakeBackend) HandleCommand(ctx context.Context, req *notify.CommandRequest) bool {
	return req.Command == b.name
}

func ok(context.Context, notify.Event) []notify.Result {
	return []notify.Result{{Outcome: notify.OutcomeSuccess}}
}

func drain(t *testing.T, d *notify.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
}

func TestNotifyReturnsBeforeDeliveryFinishes(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	slow := &fakeBackend{name: "slow", deliver: func(ctx context.Context, ev notify.Event) []notify.Result {
		<-release
		return ok(ctx, ev)
	}}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(slow))
	sink := &notifytest.Sink{}
	d := notify.NewDispatcher(reg, notify.WithSink(sink))

	require.NoError(t, d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "hi")))
	assert.Empty(t, sink.All(), "nothing recorded while the backend is blocked")

	close(release)
	drain(t, d)
	require.Len(t, sink.All(), 1)
}

func TestPanickingBackendDoesNotAffectSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	bad := &fakeBackend{name: "bad", deliver: func(context.Context, notify.Event) []notify.Result {
		panic("boom")
	}}
	good := &fakeBackend{name: "good", deliver: ok}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(bad, good))
	sink := &notifytest.Sink{}
	d := notify.NewDispatcher(reg, notify.WithSink(sink))

	require.NoError(t, d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "hi")))
	drain(t, d)

	byBackend := map[string]notify.Result{}
	for _, r := range sink.All() {
		byBackend[r.Backend] = r
	}
	require.Len(t, byBackend, 2)
	assert.Equal(t, notify.OutcomeTransportFailure, byBackend["bad"].Outcome)
	assert.Equal(t, notify.OutcomeSuccess, byBackend["good"].Outcome)
}

func TestDeliveryIgnoresCallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sawCancel atomic.Bool
	b := &fakeBackend{name: "b", deliver: func(ctx context.Context, ev notify.Event) []notify.Result {
		time.Sleep(10 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return ok(ctx, ev)
	}}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(b))
	d := notify.NewDispatcher(reg, notify.WithSink(&notifytest.Sink{}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Notify(ctx, notify.NewEvent("telegram", "alice", "hi")))
	cancel()
	drain(t, d)
	assert.False(t, sawCancel.Load())
}

func TestResultsAreStamped(t *testing.T) {
	b := &fakeBackend{name: "multi", deliver: func(context.Context, notify.Event) []notify.Result {
		return []notify.Result{
			{Device: "a", Outcome: notify.OutcomeSuccess},
			notify.ResultOf("b", &notify.RejectionError{Code: "401", Message: "bad key"}),
		}
	}}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(b))
	sink := &notifytest.Sink{}
	d := notify.NewDispatcher(reg, notify.WithSink(sink))

	require.NoError(t, d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "hi")))
	drain(t, d)

	got := sink.All()
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, got[0].ID, got[1].ID, "one id per delivery")
	for _, r := range got {
		assert.Equal(t, "multi", r.Backend)
		assert.Equal(t, "telegram", r.Server)
		assert.Equal(t, "alice", r.Username)
	}
	assert.Equal(t, "401", got[1].Code)
}

func TestEmptyResultsCountAsSkipped(t *testing.T) {
	b := &fakeBackend{name: "quiet", deliver: func(context.Context, notify.Event) []notify.Result { return nil }}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(b))
	sink := &notifytest.Sink{}
	d := notify.NewDispatcher(reg, notify.WithSink(sink))

	require.NoError(t, d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "hi")))
	drain(t, d)
	require.Len(t, sink.All(), 1)
	assert.Equal(t, notify.OutcomeSkipped, sink.All()[0].Outcome)
}

func TestNotifyRejectsInvalidEvent(t *testing.T) {
	b := &fakeBackend{name: "b", deliver: ok}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(b))
	d := notify.NewDispatcher(reg)

	err := d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "  "))
	require.ErrorIs(t, err, notify.ErrEmptyTitle)
	drain(t, d)
	assert.Zero(t, b.calls.Load())
}

func TestNotifyAfterDrainIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &fakeBackend{name: "b", deliver: ok}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(b))
	sink := &notifytest.Sink{}
	d := notify.NewDispatcher(reg, notify.WithSink(sink))

	require.NoError(t, d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "first")))
	drain(t, d)

	err := d.Notify(context.Background(), notify.NewEvent("telegram", "alice", "late"))
	require.ErrorIs(t, err, notify.ErrDispatcherClosed)
	drain(t, d)
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Len(t, sink.All(), 1)
}

func TestRunConsumesRequestedEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &fakeBackend{name: "b", deliver: ok}
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(b))
	sink := &notifytest.Sink{}
	d := notify.NewDispatcher(reg, notify.WithSink(sink))
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, bus) }()

	ev := notify.NewEvent("telegram", "alice", "hi", notify.WithBody("there"))
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: notify.EventRequested, Data: ev})
		return b.calls.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	drain(t, d)
}

func TestMetricsSinkCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := notify.NewMetrics(reg)
	require.NoError(t, err)

	m.Record(notify.Result{Backend: "nma", Outcome: notify.OutcomeSuccess, Took: time.Millisecond})
	m.Record(notify.Result{Backend: "nma", Outcome: notify.OutcomeSuccess})
	m.Record(notify.Result{Backend: "nma", Outcome: notify.OutcomeSkipped})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("nma", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("nma", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))

	_, err = notify.NewMetrics(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestBusSinkPublishesFailures(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	s := notify.BusSink{Bus: bus}

	s.Record(notify.Result{Outcome: notify.OutcomeSuccess})
	s.Record(notify.Result{Outcome: notify.OutcomeMalformedResponse})

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, notify.EventFailed, e.Type)
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	reg := notify.NewRegistry()
	a := &fakeBackend{name: "a", deliver: ok}
	b := &fakeBackend{name: "b", deliver: ok}
	require.NoError(t, reg.Register(a, b))
	require.ErrorIs(t, reg.Register(&fakeBackend{name: "a", deliver: ok}), notify.ErrDuplicateBackend)

	names := []string{}
	for _, x := range reg.Backends() {
		names = append(names, x.Name())
	}
	assert.Equal(t, []string{"a", "b"}, names)

	assert.True(t, reg.HandleCommand(context.Background(), &notify.CommandRequest{Command: "b"}))
	assert.False(t, reg.HandleCommand(context.Background(), &notify.CommandRequest{Command: "zzz"}))
}

func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		out = append(out, rec)
	}
	return out
}

func TestLogSinkDistinguishesFailureKinds(t *testing.T) {
	var buf bytes.Buffer
	sink := notify.LogSink{Log: logx.NewJSON(&buf, "debug")}

	rejected := notify.ResultOf("", &notify.RejectionError{Code: "401", Message: "Invalid API key"})
	rejected.Backend = "notifymyandroid"
	sink.Record(rejected)

	malformed := notify.ResultOf("", &notify.MalformedError{Reason: "no success or error element"})
	malformed.Backend = "notifymyandroid"
	sink.Record(malformed)

	skipped := notify.Skipped()[0]
	skipped.Backend = "pushbullet"
	sink.Record(skipped)

	recs := logRecords(t, &buf)
	require.Len(t, recs, 3)

	assert.Equal(t, "warn", recs[0]["level"])
	assert.Equal(t, "provider_rejection", recs[0]["outcome"])
	assert.Equal(t, "401", recs[0]["code"])
	assert.Contains(t, recs[0]["err"], "Invalid API key")

	assert.Equal(t, "warn", recs[1]["level"])
	assert.Equal(t, "malformed_response", recs[1]["outcome"])
	assert.NotContains(t, recs[1], "code")
	assert.NotEqual(t, recs[0]["outcome"], recs[1]["outcome"])

	assert.Equal(t, "debug", recs[2]["level"])
	assert.Equal(t, "skipped", recs[2]["outcome"])
}
