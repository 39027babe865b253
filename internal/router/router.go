// Package router turns chat messages into commands: built-ins first, then
// each notification backend in registration order.
package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"notifybot/internal/access"
	"notifybot/internal/eventbus"
	"notifybot/internal/notify"
	"notifybot/internal/runtime/supervisor"
	kit "notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

// CapabilityNotify allows raising notifications for other users by hand.
const CapabilityNotify = "notify"

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Identity string
	Command  string
	Args     []string
	ReqID    string
	Logger   logx.Logger

	// Handled is set once some handler claimed the command.
	Handled bool
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

type builtin struct {
	usage       string
	description string
	handle      HandlerFunc
}

type Options struct {
	Server   string
	Sender   kit.Sender
	Backends *notify.Registry
	Checker  access.Checker
	Bus      eventbus.Bus
	Log      logx.Logger

	// Timeout returns the per-command deadline; nil or <=0 means none.
	Timeout func() time.Duration

	// MaxInFlight bounds concurrent updates (default 64).
	MaxInFlight int
}

type Router struct {
	opt      Options
	log      logx.Logger
	builtins map[string]builtin
	slots    chan struct{}
}

func New(opt Options) *Router {
	if opt.Server == "" {
		opt.Server = "telegram"
	}
	if opt.Backends == nil {
		opt.Backends = notify.NewRegistry()
	}
	if opt.MaxInFlight <= 0 {
		opt.MaxInFlight = 64
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		opt:   opt,
		log:   log.With(logx.String("comp", "router")),
		slots: make(chan struct{}, opt.MaxInFlight),
	}
	r.builtins = map[string]builtin{
		"help": {
			usage:       "help",
			description: "list commands",
			handle:      r.handleHelp,
		},
		"notify": {
			usage:       "notify <username> <title> [body...]",
			description: "send a notification to a user",
			handle:      r.handleNotify,
		},
	}
	return r
}

// Run handles updates until ctx ends or the channel closes, then waits
// briefly for in-flight handlers.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(r.log))
	r.log.Info("router started", logx.Int("max_in_flight", cap(r.slots)))
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
		sup.Cancel()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case r.slots <- struct{}{}:
			default:
				r.reply(ctx, up, "busy, try again")
				continue
			}
			sup.Go0("router.update", func(c context.Context) {
				defer func() { <-r.slots }()
				r.Handle(c, up)
			})
		}
	}
}

// Handle routes one update synchronously and reports whether a handler
// claimed it.
func (r *Router) Handle(ctx context.Context, up kit.Update) bool {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return false
	}
	msg := up.Message
	word, args, ok := parseCommand(msg.Text)
	if !ok {
		return false
	}

	rid := newReqID()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", word),
	)
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:   msg.FromID,
		Identity: msg.Identity(),
		Command:  word,
		Args:     args,
		ReqID:    rid,
		Logger:   reqLog,
	}

	var h HandlerFunc = r.handleBackends
	if b, ok := r.builtins[word]; ok {
		h = func(ctx context.Context, req *Request) error {
			req.Handled = true
			return b.handle(ctx, req)
		}
	}
	var timeout time.Duration
	if r.opt.Timeout != nil {
		timeout = r.opt.Timeout()
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	_ = final(ctx, req)

	if !req.Handled && !msg.IsGroup {
		r.send(ctx, req.Chat, "Unknown command. Try /help")
	}
	return req.Handled
}

func (r *Router) handleBackends(ctx context.Context, req *Request) error {
	req.Handled = r.opt.Backends.HandleCommand(ctx, &notify.CommandRequest{
		Server:   r.opt.Server,
		Identity: req.Identity,
		Chat:     req.Chat,
		Command:  req.Command,
		Args:     req.Args,
	})
	return nil
}

// Menu returns command name to description for the chat client's command
// menu.
func (r *Router) Menu() map[string]string {
	out := make(map[string]string, len(r.builtins))
	for name, b := range r.builtins {
		out[name] = b.description
	}
	for _, c := range r.opt.Backends.Commands() {
		out[c.Name] = c.Description
	}
	return out
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	type line struct{ usage, desc string }
	var lines []line
	for _, b := range r.builtins {
		lines = append(lines, line{b.usage, b.description})
	}
	for _, c := range r.opt.Backends.Commands() {
		lines = append(lines, line{c.Usage, c.Description})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].usage < lines[j].usage })

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, l := range lines {
		sb.WriteString("/" + l.usage)
		if l.desc != "" {
			sb.WriteString(" - " + l.desc)
		}
		sb.WriteByte('\n')
	}
	r.send(ctx, req.Chat, strings.TrimRight(sb.String(), "\n"))
	return nil
}

func (r *Router) handleNotify(ctx context.Context, req *Request) error {
	if r.opt.Checker == nil || !r.opt.Checker.HasPermission(ctx, r.opt.Server, "", req.Identity, CapabilityNotify) {
		r.send(ctx, req.Chat, "You're not authorized to send notifications.")
		return nil
	}
	if len(req.Args) < 2 {
		r.send(ctx, req.Chat, "Syntax: "+r.builtins["notify"].usage)
		return nil
	}
	var opts []notify.EventOption
	if len(req.Args) > 2 {
		opts = append(opts, notify.WithBody(strings.Join(req.Args[2:], " ")))
	}
	ev := notify.NewEvent(r.opt.Server, req.Args[0], req.Args[1], opts...)
	if err := ev.Validate(); err != nil {
		r.send(ctx, req.Chat, "Cannot send that notification: "+err.Error())
		return nil
	}
	if r.opt.Bus == nil {
		r.send(ctx, req.Chat, "Notifications are not available.")
		return nil
	}
	r.opt.Bus.Publish(eventbus.Event{Type: notify.EventRequested, Data: ev})
	req.Logger.Info("notification requested", logx.String("username", ev.Username))
	r.send(ctx, req.Chat, "Notification requested for "+ev.Username+".")
	return nil
}

func (r *Router) reply(ctx context.Context, up kit.Update, text string) {
	if up.Message == nil {
		return
	}
	r.send(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, text)
}

func (r *Router) send(ctx context.Context, to kit.ChatTarget, text string) {
	if r.opt.Sender == nil {
		return
	}
	if _, err := r.opt.Sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
