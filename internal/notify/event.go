package notify

import (
	"errors"
	"strings"
)

var ErrEmptyTitle = errors.New("notification title is empty")

// Event is one notification for one user. It is immutable once built and
// passed by value to every backend.
type Event struct {
	Server   string
	Username string
	Title    string

	Body    string
	HasBody bool

	BodyHTML string
	HasHTML  bool
}

type EventOption func(*Event)

// WithBody sets the plain-text body.
func WithBody(body string) EventOption {
	return func(e *Event) { e.Body, e.HasBody = body, true }
}

// WithHTML sets the HTML body. Backends that render HTML prefer it over the
// plain body.
func WithHTML(html string) EventOption {
	return func(e *Event) { e.BodyHTML, e.HasHTML = html, true }
}

func NewEvent(server, username, title string, opts ...EventOption) Event {
	e := Event{Server: server, Username: username, Title: title}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return ErrEmptyTitle
	}
	if e.Server == "" || e.Username == "" {
		return errors.New("notification needs a server and a username")
	}
	return nil
}
