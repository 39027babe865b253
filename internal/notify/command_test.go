package notify_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybot/internal/notify"
	"notifybot/internal/notify/notifytest"
	kit "notifybot/internal/transport"
)

const alice = "alice!tg:42"

func newCommand(env *notifytest.Env) *notify.ConfigCommand {
	return &notify.ConfigCommand{
		Name:    "demo",
		Display: "Demo",
		Usage:   "demo <api key> [extra...]",
		MinArgs: 1,
		Prefs: func(args []string) []notify.Pref {
			return []notify.Pref{
				{Key: "demo.api_key", Value: strings.TrimSpace(args[0])},
				{Key: "demo.extra", Value: strings.Join(args[1:], ",")},
			}
		},
		Deps: env.Deps,
	}
}

func TestConfigCommandIgnoresOtherCommands(t *testing.T) {
	env := notifytest.NewEnv(nil)
	cmd := newCommand(env)
	assert.False(t, cmd.Handle(context.Background(), notifytest.Command(alice, "other", "x")))
	assert.Empty(t, env.Messenger.Texts())
}

func TestConfigCommandPersistsAndAcknowledges(t *testing.T) {
	ctx := context.Background()
	env := notifytest.NewEnv(nil)
	env.AddUser(alice, "alice")
	cmd := newCommand(env)

	require.True(t, cmd.Handle(ctx, notifytest.Command(alice, "demo", " KEY ", "a", "b")))

	assert.Equal(t, []string{"Updated your Demo configuration."}, env.Messenger.Texts())
	v, ok, err := env.Store.Get(ctx, "telegram", "alice", "demo.api_key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "KEY", v)
	v, _, _ = env.Store.Get(ctx, "telegram", "alice", "demo.extra")
	assert.Equal(t, "a,b", v)
}

func TestConfigCommandDeniedHalts(t *testing.T) {
	env := notifytest.NewEnv(nil)
	env.Access.Users[alice] = "alice"
	cmd := newCommand(env)

	require.True(t, cmd.Handle(context.Background(), notifytest.Command(alice, "demo", "KEY")))
	assert.Equal(t, []string{"You're not authorized to use the Demo plugin."}, env.Messenger.Texts())
	assert.Zero(t, env.Store.WriteCount())
}

func TestConfigCommandDeniedFallsThroughWhenConfigured(t *testing.T) {
	env := notifytest.NewEnv(nil)
	env.Access.Users[alice] = "alice"
	env.Deps.HaltOnDenied = func() bool { return false }
	cmd := newCommand(env)

	require.True(t, cmd.Handle(context.Background(), notifytest.Command(alice, "demo", "KEY")))
	assert.Equal(t, []string{
		"You're not authorized to use the Demo plugin.",
		"Updated your Demo configuration.",
	}, env.Messenger.Texts())
	assert.Equal(t, 2, env.Store.WriteCount())
}

func TestConfigCommandSyntaxError(t *testing.T) {
	env := notifytest.NewEnv(nil)
	env.AddUser(alice, "alice")
	cmd := newCommand(env)
	cmd.MaxArgs = 1

	require.True(t, cmd.Handle(context.Background(), notifytest.Command(alice, "demo")))
	require.True(t, cmd.Handle(context.Background(), notifytest.Command(alice, "demo", "a", "b")))
	assert.Equal(t, []string{"Syntax: demo <api key> [extra...]", "Syntax: demo <api key> [extra...]"}, env.Messenger.Texts())
	assert.Zero(t, env.Store.WriteCount())
}

func TestConfigCommandUnknownIdentity(t *testing.T) {
	env := notifytest.NewEnv(nil)
	env.Access.Allowed["ghost!tg:9"] = true
	cmd := newCommand(env)

	require.True(t, cmd.Handle(context.Background(), notifytest.Command("ghost!tg:9", "demo", "KEY")))
	assert.Equal(t, []string{"I don't know who you are."}, env.Messenger.Texts())
	assert.Zero(t, env.Store.WriteCount())
}

func TestConfigCommandStoreFailure(t *testing.T) {
	env := notifytest.NewEnv(nil)
	env.AddUser(alice, "alice")
	env.Store.SetErr = notifytest.ErrStoreDown
	cmd := newCommand(env)

	require.True(t, cmd.Handle(context.Background(), notifytest.Command(alice, "demo", "KEY")))
	assert.Equal(t, []string{"Failed to save your Demo configuration."}, env.Messenger.Texts())
}

func TestCredentialTreatsBlankAsMissing(t *testing.T) {
	ctx := context.Background()
	env := notifytest.NewEnv(nil)
	ev := notify.NewEvent("telegram", "alice", "t")

	require.NoError(t, env.Store.Set(ctx, "telegram", "alice", "demo.api_key", "   "))
	_, ok, err := env.Deps.Credential(ctx, ev, "demo.api_key")
	require.NoError(t, err)
	assert.False(t, ok)

	env.Store.GetErr = notifytest.ErrStoreDown
	_, _, err = env.Deps.Credential(ctx, ev, "demo.api_key")
	assert.Equal(t, notify.OutcomeTransportFailure, notify.Classify(err))
}

type recordingSender struct {
	to   kit.ChatTarget
	text string
	opts *kit.SendOptions
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, opts *kit.SendOptions) (kit.MessageRef, error) {
	s.to, s.text, s.opts = to, text, opts
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func TestSenderMessengerIgnoresServer(t *testing.T) {
	sender := &recordingSender{}
	m := notify.SenderMessenger{Sender: sender}
	to := kit.ChatTarget{ChatID: 42}

	require.NoError(t, m.SendMessage(context.Background(), "any-server", to, "saved"))
	assert.Equal(t, to, sender.to)
	assert.Equal(t, "saved", sender.text)
	require.NotNil(t, sender.opts)
	assert.True(t, sender.opts.DisablePreview)
}
