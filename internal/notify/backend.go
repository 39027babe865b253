package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"notifybot/internal/access"
	"notifybot/internal/storage"
	logx "notifybot/pkg/logx"
)

// Backend is one push provider. Deliver blocks until every provider call
// for ev has finished; callers that must not block go through Dispatcher.
type Backend interface {
	Name() string
	Deliver(ctx context.Context, ev Event) []Result
	// HandleCommand reports whether the command belonged to this backend.
	// A true return stops the command from reaching other handlers.
	HandleCommand(ctx context.Context, req *CommandRequest) bool
}

// CommandInfo describes a backend command for help output.
type CommandInfo struct {
	Name        string
	Usage       string
	Description string
}

// Describer is implemented by backends that expose a chat command.
type Describer interface {
	CommandInfo() CommandInfo
}

// Deps are the collaborators every backend needs.
type Deps struct {
	Store     storage.Store
	Checker   access.Checker
	Resolver  access.Resolver
	Messenger Messenger
	HTTP      *http.Client
	Log       logx.Logger

	// HaltOnDenied is consulted on every command; nil means halt.
	HaltOnDenied func() bool
}

// PrefKey namespaces a preference under a backend, e.g. "pushbullet.api_key".
func PrefKey(backend, key string) string { return backend + "." + key }

// Credential reads a preference for ev's user. A missing or blank value
// reports ok=false; a store failure is returned as a TransportError.
func (d Deps) Credential(ctx context.Context, ev Event, key string) (string, bool, error) {
	v, ok, err := d.Store.Get(ctx, ev.Server, ev.Username, key)
	if err != nil {
		return "", false, &TransportError{Op: "read " + key, Err: err}
	}
	if !ok || strings.TrimSpace(v) == "" {
		return "", false, nil
	}
	return v, true, nil
}

const maxResponseBytes = 1 << 20

// Do sends req and returns the status and (size limited) body. Only
// transport-level problems produce an error; status handling is left to
// the caller.
func (d Deps) Do(req *http.Request) (int, []byte, error) {
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: req.Method + " " + req.URL.Redacted(), Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: "read response body", Err: err}
	}
	return resp.StatusCode, body, nil
}

// StatusRejection turns an unexpected HTTP status into a RejectionError.
func StatusRejection(status int, body []byte) *RejectionError {
	msg := snippet(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RejectionError{Code: fmt.Sprintf("http %d", status), Message: msg}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return s
}
