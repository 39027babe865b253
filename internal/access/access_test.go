package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybot/internal/config"
	kit "notifybot/internal/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{OwnerUserIDs: []int64{1}},
		Users: []config.UserConfig{
			{Name: "alice", Identities: []string{"alice!tg:100", "*!tg:101"}, Capabilities: []string{"pushbullet"}},
			{Name: "bob", Identities: []string{"bob!*"}, Capabilities: []string{"*"}},
			{Name: "carol", Identities: []string{"*!tg:300"}},
		},
	}
}

func TestResolveUsername(t *testing.T) {
	ctx := context.Background()
	tb := NewTable(testConfig())

	tests := []struct {
		identity string
		want     string
		wantErr  bool
	}{
		{identity: kit.Hostmask("Alice", 100), want: "alice"},
		{identity: kit.Hostmask("", 101), want: "alice"},
		{identity: kit.Hostmask("bob", 555), want: "bob"},
		{identity: kit.Hostmask("mallory", 100), wantErr: true},
		{identity: kit.Hostmask("", 999), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			got, err := tb.ResolveUsername(ctx, config.DefaultServer, tt.identity)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownIdentity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasPermission(t *testing.T) {
	ctx := context.Background()
	tb := NewTable(testConfig())
	srv := config.DefaultServer

	assert.True(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("alice", 100), "pushbullet"))
	assert.True(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("alice", 100), "PushBullet"), "capabilities are case-insensitive")
	assert.False(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("alice", 100), "notifymyandroid"))
	assert.True(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("bob", 7), "notifymyandroid"), "wildcard grants all")
	assert.False(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("", 300), "pushbullet"), "no capabilities listed")
	assert.False(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("eve", 42), "pushbullet"), "unknown identity")
	assert.True(t, tb.HasPermission(ctx, srv, "", kit.Hostmask("", 1), "notify"), "owners hold every capability")
	assert.False(t, tb.HasPermission(ctx, "irc", "", kit.Hostmask("bob", 7), "pushbullet"), "other servers are not served")
	assert.True(t, tb.HasPermission(ctx, srv, "#ops", kit.Hostmask("alice", 100), "pushbullet"), "rules apply in every scope")
}

func TestApplySwapsRules(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	tb := NewTable(cfg)
	id := kit.Hostmask("dave", 400)

	_, err := tb.ResolveUsername(ctx, config.DefaultServer, id)
	require.ErrorIs(t, err, ErrUnknownIdentity)

	cfg2 := *cfg
	cfg2.Users = append(append([]config.UserConfig(nil), cfg.Users...),
		config.UserConfig{Name: "dave", Identities: []string{"dave!tg:400"}, Capabilities: []string{"notifymyandroid"}})
	tb.Apply(&cfg2)

	got, err := tb.ResolveUsername(ctx, config.DefaultServer, id)
	require.NoError(t, err)
	assert.Equal(t, "dave", got)
	assert.True(t, tb.HasPermission(ctx, config.DefaultServer, "", id, "notifymyandroid"))
}
