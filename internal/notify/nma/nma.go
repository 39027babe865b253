// Package nma delivers notifications through NotifyMyAndroid.
package nma

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"notifybot/internal/notify"
	logx "notifybot/pkg/logx"
)

const (
	Name               = "notifymyandroid"
	DefaultEndpoint    = "https://www.notifymyandroid.com/publicapi/notify"
	DefaultApplication = "notifybot chat bot"
)

var prefAPIKey = notify.PrefKey(Name, "api_key")

type Options struct {
	Endpoint    string
	Application string
}

type Backend struct {
	opts Options
	deps notify.Deps
	log  logx.Logger
	cmd  *notify.ConfigCommand
}

func New(opts Options, deps notify.Deps) *Backend {
	if strings.TrimSpace(opts.Endpoint) == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if strings.TrimSpace(opts.Application) == "" {
		opts.Application = DefaultApplication
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Log = deps.Log.With(logx.String("backend", Name))
	b := &Backend{opts: opts, deps: deps, log: deps.Log}
	b.cmd = &notify.ConfigCommand{
		Name:    Name,
		Display: "NotifyMyAndroid",
		Usage:   "notifymyandroid <api key>",
		MinArgs: 1,
		MaxArgs: 1,
		Prefs: func(args []string) []notify.Pref {
			return []notify.Pref{{Key: prefAPIKey, Value: strings.TrimSpace(args[0])}}
		},
		Deps: deps,
	}
	return b
}

func (b *Backend) Name() string { return Name }

func (b *Backend) CommandInfo() notify.CommandInfo { return b.cmd.Info() }

func (b *Backend) HandleCommand(ctx context.Context, req *notify.CommandRequest) bool {
	return b.cmd.Handle(ctx, req)
}

func (b *Backend) Deliver(ctx context.Context, ev notify.Event) []notify.Result {
	key, ok, err := b.deps.Credential(ctx, ev, prefAPIKey)
	if err != nil {
		return []notify.Result{notify.ResultOf("", err)}
	}
	if !ok {
		return notify.Skipped()
	}
	return []notify.Result{notify.ResultOf("", b.send(ctx, key, ev))}
}

func (b *Backend) send(ctx context.Context, apiKey string, ev notify.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.Endpoint, strings.NewReader(form(apiKey, b.opts.Application, ev).Encode()))
	if err != nil {
		return &notify.TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := b.deps.Do(req)
	if err != nil {
		return err
	}
	err = parseResponse(body)
	if status/100 != 2 {
		var rej *notify.RejectionError
		if errors.As(err, &rej) {
			return err
		}
		return notify.StatusRejection(status, body)
	}
	return err
}

func form(apiKey, application string, ev notify.Event) url.Values {
	v := url.Values{}
	v.Set("apikey", apiKey)
	v.Set("application", application)
	v.Set("event", ev.Title)
	v.Set("priority", "0")
	if ev.HasHTML {
		v.Set("description", ev.BodyHTML)
		v.Set("content-type", "text/html")
	} else {
		v.Set("description", ev.Body)
		v.Set("content-type", "text/plain")
	}
	return v
}

// parseResponse scans the children of the document element in order: the
// first <success> wins, the first <error> is a rejection, and a document
// with neither is malformed.
func parseResponse(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &notify.MalformedError{Reason: "empty body"}
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &notify.MalformedError{Reason: "invalid XML document", Body: string(body), Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth != 2 {
				continue
			}
			switch t.Name.Local {
			case "success":
				return nil
			case "error":
				var e struct {
					Code string `xml:"code,attr"`
					Text string `xml:",chardata"`
				}
				if err := dec.DecodeElement(&e, &t); err != nil {
					return &notify.MalformedError{Reason: "invalid error element", Body: string(body), Err: err}
				}
				return &notify.RejectionError{Code: e.Code, Message: strings.TrimSpace(e.Text)}
			}
		case xml.EndElement:
			depth--
		}
	}
	return &notify.MalformedError{Reason: "no success or error element", Body: string(body)}
}
