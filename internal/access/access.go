// Package access answers two questions for a chat identity: who is this
// (canonical username) and may they use a given capability.
//
// Rules come from the config "users" table and are swapped atomically on
// config reload.
package access

import (
	"context"
	"errors"
	"path"
	"slices"
	"strings"
	"sync/atomic"

	"notifybot/internal/config"
	kit "notifybot/internal/transport"
)

// ErrUnknownIdentity is returned when no user rule matches an identity.
var ErrUnknownIdentity = errors.New("unknown identity")

// Wildcard grants every capability.
const Wildcard = "*"

// Checker decides whether an identity holds a capability. scope is a
// channel name or "" for bot-wide checks.
type Checker interface {
	HasPermission(ctx context.Context, server, scope, identity, capability string) bool
}

// Resolver maps a chat identity to a canonical username.
type Resolver interface {
	ResolveUsername(ctx context.Context, server, identity string) (string, error)
}

type rule struct {
	name     string
	patterns []string
	caps     []string
}

type table struct {
	server string
	owners map[string]bool // owner identities ("!tg:<id>" suffix)
	rules  []rule
}

// Table implements Checker and Resolver from config.
type Table struct {
	cur atomic.Pointer[table]
}

func NewTable(cfg *config.Config) *Table {
	t := &Table{}
	t.Apply(cfg)
	return t
}

// Apply swaps in the rules from cfg.
func (t *Table) Apply(cfg *config.Config) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	next := &table{server: cfg.ServerName(), owners: map[string]bool{}}
	for _, id := range cfg.Telegram.OwnerUserIDs {
		next.owners[strings.TrimPrefix(kit.Hostmask("", id), "!")] = true
	}
	for _, u := range cfg.Users {
		r := rule{name: strings.TrimSpace(u.Name)}
		for _, p := range u.Identities {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				r.patterns = append(r.patterns, p)
			}
		}
		for _, c := range u.Capabilities {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				r.caps = append(r.caps, c)
			}
		}
		next.rules = append(next.rules, r)
	}
	t.cur.Store(next)
}

// HasPermission ignores scope: rules apply bot-wide.
func (t *Table) HasPermission(ctx context.Context, server, _, identity, capability string) bool {
	tb := t.cur.Load()
	if tb == nil || server != tb.server {
		return false
	}
	if tb.isOwner(identity) {
		return true
	}
	r, ok := tb.match(identity)
	if !ok {
		return false
	}
	capability = strings.ToLower(capability)
	return slices.Contains(r.caps, Wildcard) || slices.Contains(r.caps, capability)
}

func (t *Table) ResolveUsername(ctx context.Context, server, identity string) (string, error) {
	tb := t.cur.Load()
	if tb == nil || server != tb.server {
		return "", ErrUnknownIdentity
	}
	if r, ok := tb.match(identity); ok {
		return r.name, nil
	}
	return "", ErrUnknownIdentity
}

func (tb *table) isOwner(identity string) bool {
	i := strings.LastIndexByte(identity, '!')
	if i < 0 {
		return false
	}
	return tb.owners[identity[i+1:]]
}

func (tb *table) match(identity string) (rule, bool) {
	identity = strings.ToLower(identity)
	for _, r := range tb.rules {
		for _, p := range r.patterns {
			if ok, err := path.Match(p, identity); err == nil && ok {
				return r, true
			}
		}
	}
	return rule{}, false
}
