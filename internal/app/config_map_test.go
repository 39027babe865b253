package app

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifybot/internal/config"
	"notifybot/internal/notify"
	"notifybot/internal/notify/nma"
	"notifybot/internal/notify/pushbullet"
	logx "notifybot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "", sc.Driver)

	cfg.Storage = config.StorageConfig{Driver: "SQLite", Path: " ./prefs.db "}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./prefs.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage = config.StorageConfig{Driver: "redis", Addr: "127.0.0.1:6379", DB: 2, Prefix: "nb"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", sc.Addr)
	assert.Equal(t, 2, sc.DB)
	assert.Equal(t, "nb", sc.Prefix)

	for _, bad := range []config.StorageConfig{
		{Driver: "sqlite"},
		{Driver: "redis"},
		{Driver: "etcd"},
		{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"},
	} {
		cfg.Storage = bad
		_, err := mapStorageConfig(cfg)
		assert.Error(t, err, bad.Driver)
	}
}

func TestGroupLogChat(t *testing.T) {
	cfg := &config.Config{}
	assert.Zero(t, groupLogChat(cfg))
	cfg.Telegram.GroupLog = " -100123 "
	assert.Equal(t, int64(-100123), groupLogChat(cfg))
	cfg.Telegram.GroupLog = "@ops"
	assert.Zero(t, groupLogChat(cfg))
}

func TestCommandTimeout(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, defaultCommandTimeout, commandTimeout(cfg))
	cfg.Commands.Timeout = "5s"
	assert.Equal(t, 5*time.Second, commandTimeout(cfg))
}

func TestRegisterBackends(t *testing.T) {
	cfg := &config.Config{}
	cfg.Backends.PushBullet = config.PushBulletConfig{Enabled: true, Timeout: "3s"}
	cfg.Backends.NotifyMyAndroid = config.NMAConfig{Enabled: true}

	reg := notify.NewRegistry()
	require.NoError(t, registerBackends(cfg, notify.Deps{Log: logx.Nop()}, reg))

	var names []string
	for _, b := range reg.Backends() {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{nma.Name, pushbullet.Name}, names)

	cfg.Backends.PushBullet.Timeout = "later"
	assert.Error(t, registerBackends(cfg, notify.Deps{Log: logx.Nop(), HTTP: http.DefaultClient}, notify.NewRegistry()))
}
