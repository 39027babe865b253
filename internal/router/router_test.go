package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybot/internal/eventbus"
	"notifybot/internal/notify"
	kit "notifybot/internal/transport"
)

type sentText struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentText
}

func (s *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentText{to, text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.text)
	}
	return out
}

type allow map[string]bool

func (a allow) HasPermission(_ context.Context, _, _, identity, _ string) bool { return a[identity] }

type cmdBackend struct {
	name  string
	calls []string
	mu    sync.Mutex
}

func (b *cmdBackend) Name() string { return b.name }
func (b *cmdBackend) Deliver(context.Context, notify.Event) []notify.Result {
	return nil
}
func (b *cmdBackend) HandleCommand(_ context.Context, req *notify.CommandRequest) bool {
	if req.Command != b.name {
		return false
	}
	b.mu.Lock()
	b.calls = append(b.calls, req.Identity)
	b.mu.Unlock()
	return true
}
func (b *cmdBackend) CommandInfo() notify.CommandInfo {
	return notify.CommandInfo{Name: b.name, Usage: b.name + " <api key>", Description: "configure " + b.name}
}

func message(text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: 10, FromID: 42, FromUsername: "Alice", Text: text,
	}}
}

func newTestRouter(t *testing.T, backends ...notify.Backend) (*Router, *fakeSender, eventbus.Bus) {
	t.Helper()
	reg := notify.NewRegistry()
	require.NoError(t, reg.Register(backends...))
	sender := &fakeSender{}
	bus := eventbus.New()
	r := New(Options{
		Sender:   sender,
		Backends: reg,
		Checker:  allow{"alice!tg:42": true},
		Bus:      bus,
	})
	return r, sender, bus
}

func TestParseCommand(t *testing.T) {
	word, args, ok := parseCommand(`/Notify@my_bot alice "build failed" see  logs`)
	require.True(t, ok)
	assert.Equal(t, "notify", word)
	assert.Equal(t, []string{"alice", "build failed", "see", "logs"}, args)

	_, _, ok = parseCommand("hello there")
	assert.False(t, ok)
	_, _, ok = parseCommand("/")
	assert.False(t, ok)

	_, args, _ = parseCommand(`/pushbullet KEY ""`)
	assert.Equal(t, []string{"KEY", ""}, args)
}

func TestBackendCommandsInRegistrationOrder(t *testing.T) {
	first := &cmdBackend{name: "pushbullet"}
	dup := &cmdBackend{name: "other"}
	r, sender, _ := newTestRouter(t, first, dup)

	assert.True(t, r.Handle(context.Background(), message("/pushbullet KEY d1")))
	assert.Equal(t, []string{"alice!tg:42"}, first.calls)
	assert.Empty(t, dup.calls)
	assert.Empty(t, sender.texts())
}

func TestUnknownCommandIsNotConsumed(t *testing.T) {
	r, sender, _ := newTestRouter(t, &cmdBackend{name: "pushbullet"})

	assert.False(t, r.Handle(context.Background(), message("/frobnicate")))
	assert.Equal(t, []string{"Unknown command. Try /help"}, sender.texts())

	up := message("/frobnicate")
	up.Message.IsGroup = true
	assert.False(t, r.Handle(context.Background(), up))
	assert.Len(t, sender.texts(), 1, "groups get no reply")

	assert.False(t, r.Handle(context.Background(), message("just chatting")))
}

func TestHelpListsBackendCommands(t *testing.T) {
	r, sender, _ := newTestRouter(t, &cmdBackend{name: "pushbullet"})

	require.True(t, r.Handle(context.Background(), message("/help")))
	texts := sender.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "/pushbullet <api key> - configure pushbullet")
	assert.Contains(t, texts[0], "/notify <username> <title> [body...]")
}

func TestNotifyPublishesEvent(t *testing.T) {
	r, sender, bus := newTestRouter(t)
	ch, unsub := bus.Subscribe(4, notify.EventRequested)
	defer unsub()

	require.True(t, r.Handle(context.Background(), message(`/notify bob "deploy done" all green`)))

	require.Len(t, ch, 1)
	ev, ok := (<-ch).Data.(notify.Event)
	require.True(t, ok)
	assert.Equal(t, "telegram", ev.Server)
	assert.Equal(t, "bob", ev.Username)
	assert.Equal(t, "deploy done", ev.Title)
	assert.True(t, ev.HasBody)
	assert.Equal(t, "all green", ev.Body)
	assert.Equal(t, []string{"Notification requested for bob."}, sender.texts())
}

func TestNotifyRequiresCapability(t *testing.T) {
	r, sender, bus := newTestRouter(t)
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	up := message("/notify bob title")
	up.Message.FromID = 7
	require.True(t, r.Handle(context.Background(), up))
	assert.Empty(t, ch)
	assert.Equal(t, []string{"You're not authorized to send notifications."}, sender.texts())
}

func TestNotifySyntax(t *testing.T) {
	r, sender, _ := newTestRouter(t)
	require.True(t, r.Handle(context.Background(), message("/notify bob")))
	assert.Equal(t, []string{"Syntax: notify <username> <title> [body...]"}, sender.texts())
}

func TestPanickingBackendIsRecovered(t *testing.T) {
	r, _, _ := newTestRouter(t, panicBackend{})
	assert.NotPanics(t, func() {
		r.Handle(context.Background(), message("/boom"))
	})
}

type panicBackend struct{}

func (panicBackend) Name() string                                          { return "boom" }
func (panicBackend) Deliver(context.Context, notify.Event) []notify.Result { return nil }
func (panicBackend) HandleCommand(context.Context, *notify.CommandRequest) bool {
	panic("boom")
}

func TestRunHandlesUpdatesUntilClosed(t *testing.T) {
	b := &cmdBackend{name: "pushbullet"}
	r, _, _ := newTestRouter(t, b)
	updates := make(chan kit.Update, 2)
	updates <- message("/pushbullet K")
	updates <- message("/pushbullet K")
	close(updates)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), updates) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.calls, 2)
}

func TestMenuIncludesBackends(t *testing.T) {
	r, _, _ := newTestRouter(t, &cmdBackend{name: "pushbullet"})
	menu := r.Menu()
	assert.Equal(t, "list commands", menu["help"])
	assert.Equal(t, "configure pushbullet", menu["pushbullet"])
	assert.Contains(t, menu, "notify")
}

func TestNotifyReplyDoesNotPromiseDelivery(t *testing.T) {
	r, sender, bus := newTestRouter(t)
	ch, unsub := bus.Subscribe(1, notify.EventRequested)
	defer unsub()
	bus.Publish(eventbus.Event{Type: notify.EventRequested})

	require.True(t, r.Handle(context.Background(), message(`/notify bob title`)))

	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), eventbus.Dropped(bus), "full subscriber drops the request")
	assert.Equal(t, []string{"Notification requested for bob."}, sender.texts())
}
