// Package pushbullet delivers notifications as PushBullet notes, one push
// per device.
package pushbullet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"notifybot/internal/notify"
	logx "notifybot/pkg/logx"
)

const (
	Name           = "pushbullet"
	DefaultBaseURL = "https://api.pushbullet.com/api"
)

var (
	prefAPIKey  = notify.PrefKey(Name, "api_key")
	prefDevices = notify.PrefKey(Name, "devices")
)

type Options struct {
	BaseURL string
}

type Backend struct {
	base string
	deps notify.Deps
	log  logx.Logger
	cmd  *notify.ConfigCommand
}

func New(opts Options, deps notify.Deps) *Backend {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Log = deps.Log.With(logx.String("backend", Name))
	b := &Backend{base: base, deps: deps, log: deps.Log}
	b.cmd = &notify.ConfigCommand{
		Name:    Name,
		Display: "PushBullet",
		Usage:   "pushbullet <api key> [device identifier...]",
		MinArgs: 1,
		Prefs: func(args []string) []notify.Pref {
			return []notify.Pref{
				{Key: prefAPIKey, Value: strings.TrimSpace(args[0])},
				{Key: prefDevices, Value: strings.Join(args[1:], ",")},
			}
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

// Deliver resolves the target devices, then pushes to each in order. A
// failed push is recorded and the loop moves on; a failed device lookup
// aborts with a single result.
func (b *Backend) Deliver(ctx context.Context, ev notify.Event) []notify.Result {
	key, ok, err := b.deps.Credential(ctx, ev, prefAPIKey)
	if err != nil {
		return []notify.Result{notify.ResultOf("", err)}
	}
	if !ok {
		return notify.Skipped()
	}

	devices, err := b.devices(ctx, key, ev)
	if err != nil {
		b.log.Debug("device lookup failed", logx.String("username", ev.Username), logx.Err(err))
		return []notify.Result{notify.ResultOf("", err)}
	}

	results := make([]notify.Result, 0, len(devices))
	for _, dev := range devices {
		results = append(results, notify.ResultOf(dev, b.push(ctx, key, dev, ev)))
	}
	if len(results) == 0 {
		// Account without devices: nothing to push to.
		return notify.Skipped()
	}
	return results
}

func (b *Backend) devices(ctx context.Context, apiKey string, ev notify.Event) ([]string, error) {
	stored, _, err := b.deps.Credential(ctx, ev, prefDevices)
	if err != nil {
		return nil, err
	}
	if ids := splitDevices(stored); len(ids) > 0 {
		return ids, nil
	}
	return b.listDevices(ctx, apiKey)
}

func splitDevices(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type deviceList struct {
	Devices *[]struct {
		Iden string `json:"iden"`
	} `json:"devices"`
}

func (b *Backend) listDevices(ctx context.Context, apiKey string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/devices", nil)
	if err != nil {
		return nil, &notify.TransportError{Op: "build request", Err: err}
	}
	req.SetBasicAuth(apiKey, "")

	status, body, err := b.deps.Do(req)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, notify.StatusRejection(status, body)
	}
	var list deviceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &notify.MalformedError{Reason: "invalid device list", Body: string(body), Err: err}
	}
	if list.Devices == nil {
		return nil, &notify.MalformedError{Reason: "device list has no devices array", Body: string(body)}
	}
	ids := make([]string, 0, len(*list.Devices))
	for i, d := range *list.Devices {
		if d.Iden == "" {
			return nil, &notify.MalformedError{Reason: "device without iden", Body: string(body), Err: errors.New("entry " + strconv.Itoa(i))}
		}
		ids = append(ids, d.Iden)
	}
	return ids, nil
}

func (b *Backend) push(ctx context.Context, apiKey, device string, ev notify.Event) error {
	form := url.Values{}
	form.Set("device_iden", device)
	form.Set("type", "note")
	form.Set("title", ev.Title)
	form.Set("body", ev.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/pushes", strings.NewReader(form.Encode()))
	if err != nil {
		return &notify.TransportError{Op: "build request", Err: err}
	}
	req.SetBasicAuth(apiKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := b.deps.Do(req)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return rejection(status, body)
	}
	return nil
}

// rejection prefers PushBullet's {"error": {...}} payload over the raw body.
func rejection(status int, body []byte) error {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
		code := payload.Error.Type
		if code == "" {
			code = "http " + strconv.Itoa(status)
		}
		return &notify.RejectionError{Code: code, Message: payload.Error.Message}
	}
	return notify.StatusRejection(status, body)
}
