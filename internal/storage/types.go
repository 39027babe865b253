package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty, the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// redis only
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is the credential/preference store consumed by the bot.
type Store interface {
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, server, username, key string) (value string, ok bool, err error)
	// Set overwrites the value for (server, username, key).
	Set(ctx context.Context, server, username, key, value string) error
	Close() error
}

// prefKey is the composite map key used by the in-process drivers.
type prefKey struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Key      string `json:"key"`
}
