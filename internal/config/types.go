package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	// Server names the chat network this bot instance serves. Credentials and
	// permissions are scoped by it. Defaults to "telegram".
	Server string `json:"server,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Commands CommandsConfig `json:"commands"`
	Users    []UserConfig   `json:"users,omitempty"`
	Backends BackendsConfig `json:"backends"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the credential store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/prefs.db" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "notifybot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type CommandsConfig struct {
	// HaltOnDenied stops a configuration command after the "not authorized"
	// reply. When explicitly false the command still validates and persists
	// after replying. Defaults to true.
	HaltOnDenied *bool `json:"halt_on_denied,omitempty"`
	// Timeout bounds a single command handler (Go duration string).
	Timeout string `json:"timeout,omitempty"`
}

func (c CommandsConfig) HaltsOnDenied() bool {
	return c.HaltOnDenied == nil || *c.HaltOnDenied
}

// UserConfig maps chat identities to a canonical username and grants
// capabilities. Identities are glob patterns over "<username>!tg:<id>".
type UserConfig struct {
	Name         string   `json:"name"`
	Identities   []string `json:"identities"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type BackendsConfig struct {
	NotifyMyAndroid NMAConfig        `json:"notifymyandroid"`
	PushBullet      PushBulletConfig `json:"pushbullet"`
}

type NMAConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Application string `json:"application,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type PushBulletConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
//
// Binding to a non-loopback address requires Token (sent as a bearer token
// or ?token=) unless AllowInsecure is set.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof additionally mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

const DefaultServer = "telegram"

func (c *Config) ServerName() string {
	if s := strings.TrimSpace(c.Server); s != "" {
		return s
	}
	return DefaultServer
}

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, u := range c.Users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("users[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate user %q", i, name))
		}
		seen[name] = true
		if len(u.Identities) == 0 {
			errs = append(errs, fmt.Errorf("users[%d] (%s): at least one identity is required", i, name))
		}
	}
	durations := map[string]string{
		"telegram.poll_timeout":            c.Telegram.PollTimeout,
		"storage.busy_timeout":             c.Storage.BusyTimeout,
		"commands.timeout":                 c.Commands.Timeout,
		"backends.notifymyandroid.timeout": c.Backends.NotifyMyAndroid.Timeout,
		"backends.pushbullet.timeout":      c.Backends.PushBullet.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
