// Package notifytest provides in-memory collaborators for backend tests.
package notifytest

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"notifybot/internal/access"
	"notifybot/internal/notify"
	"notifybot/internal/storage"
	kit "notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

// Access grants capabilities per identity and maps identities to usernames.
type Access struct {
	Allowed map[string]bool   // identity -> may use any capability
	Users   map[string]string // identity -> username
}

func (a *Access) HasPermission(_ context.Context, _, _, identity, _ string) bool {
	return a.Allowed[identity]
}

func (a *Access) ResolveUsername(_ context.Context, _, identity string) (string, error) {
	if u, ok := a.Users[identity]; ok {
		return u, nil
	}
	return "", access.ErrUnknownIdentity
}

// Messenger records replies.
type Messenger struct {
	mu      sync.Mutex
	Replies []string
}

func (m *Messenger) SendMessage(_ context.Context, _ string, _ kit.ChatTarget, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, text)
	return nil
}

func (m *Messenger) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Replies...)
}

// Sink collects results.
type Sink struct {
	mu      sync.Mutex
	Results []notify.Result
}

func (s *Sink) Record(r notify.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results = append(s.Results, r)
}

func (s *Sink) All() []notify.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Result(nil), s.Results...)
}

// CountingStore wraps a Store and counts writes. SetErr, when set, fails
// every write.
type CountingStore struct {
	storage.Store

	mu     sync.Mutex
	Writes int
	SetErr error
	GetErr error
}

func (s *CountingStore) Get(ctx context.Context, server, username, key string) (string, bool, error) {
	if s.GetErr != nil {
		return "", false, s.GetErr
	}
	return s.Store.Get(ctx, server, username, key)
}

func (s *CountingStore) Set(ctx context.Context, server, username, key, value string) error {
	s.mu.Lock()
	s.Writes++
	err := s.SetErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, server, username, key, value)
}

func (s *CountingStore) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Writes
}

var ErrStoreDown = errors.New("store unavailable")

// Env bundles the fakes behind a notify.Deps.
type Env struct {
	Store     *CountingStore
	Access    *Access
	Messenger *Messenger
	Deps      notify.Deps
}

// NewEnv returns an Env over a memory store. client is used for provider
// calls and is typically activated with httpmock.
func NewEnv(client *http.Client) *Env {
	e := &Env{
		Store:     &CountingStore{Store: storage.NewMemory()},
		Access:    &Access{Allowed: map[string]bool{}, Users: map[string]string{}},
		Messenger: &Messenger{},
	}
	e.Deps = notify.Deps{
		Store:     e.Store,
		Checker:   e.Access,
		Resolver:  e.Access,
		Messenger: e.Messenger,
		HTTP:      client,
		Log:       logx.Nop(),
	}
	return e
}

// AddUser authorizes identity and maps it to username.
func (e *Env) AddUser(identity, username string) {
	e.Access.Allowed[identity] = true
	e.Access.Users[identity] = username
}

// Command builds a request from identity on server "telegram".
func Command(identity, name string, args ...string) *notify.CommandRequest {
	return &notify.CommandRequest{
		Server:   "telegram",
		Identity: identity,
		Chat:     kit.ChatTarget{ChatID: 1},
		Command:  name,
		Args:     args,
	}
}
