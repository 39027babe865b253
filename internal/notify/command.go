package notify

import (
	"context"
	"errors"
	"strings"

	"notifybot/internal/access"
	kit "notifybot/internal/transport"
	logx "notifybot/pkg/logx"
)

// CommandRequest is a chat command addressed to the bot.
type CommandRequest struct {
	Server   string
	Identity string         // sender's chat identity (hostmask)
	Chat     kit.ChatTarget // where replies go
	Command  string
	Args     []string
}

// Messenger sends chat replies.
type Messenger interface {
	SendMessage(ctx context.Context, server string, to kit.ChatTarget, text string) error
}

// SenderMessenger adapts a transport Sender to Messenger.
type SenderMessenger struct {
	Sender kit.Sender
}

func (m SenderMessenger) SendMessage(ctx context.Context, _ string, to kit.ChatTarget, text string) error {
	_, err := m.Sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Pref is one preference write produced by a configuration command.
type Pref struct {
	Key   string
	Value string
}

// ConfigCommand is the "<name> <api key> [...]" command through which a
// user stores credentials for a backend. Its steps are: authorize, check
// syntax, resolve the username, persist, acknowledge.
type ConfigCommand struct {
	Name    string // command name and required capability
	Display string // provider name used in replies
	Usage   string // without the "Syntax: " prefix
	MinArgs int
	MaxArgs int // 0 means no upper bound

	// Prefs maps validated args to the preferences to write, in order.
	Prefs func(args []string) []Pref

	Deps Deps
}

func (c *ConfigCommand) Info() CommandInfo {
	return CommandInfo{Name: c.Name, Usage: c.Usage, Description: "configure " + c.Display + " notifications"}
}

// Handle runs the pipeline if req is addressed to this command and reports
// whether it was.
func (c *ConfigCommand) Handle(ctx context.Context, req *CommandRequest) bool {
	if req == nil || !strings.EqualFold(req.Command, c.Name) {
		return false
	}
	log := c.Deps.Log.With(logx.String("cmd", c.Name), logx.String("identity", req.Identity))

	if !c.Deps.Checker.HasPermission(ctx, req.Server, "", req.Identity, c.Name) {
		c.reply(ctx, req, "You're not authorized to use the "+c.Display+" plugin.")
		if c.haltOnDenied() {
			return true
		}
		log.Debug("authorization denied; continuing (halt_on_denied=false)")
	}

	if len(req.Args) < c.MinArgs || (c.MaxArgs > 0 && len(req.Args) > c.MaxArgs) {
		c.reply(ctx, req, "Syntax: "+c.Usage)
		return true
	}

	username, err := c.Deps.Resolver.ResolveUsername(ctx, req.Server, req.Identity)
	if err != nil {
		if errors.Is(err, access.ErrUnknownIdentity) {
			c.reply(ctx, req, "I don't know who you are.")
		} else {
			log.Warn("username lookup failed", logx.Err(err))
			c.reply(ctx, req, "Failed to save your "+c.Display+" configuration.")
		}
		return true
	}

	for _, p := range c.Prefs(append([]string(nil), req.Args...)) {
		if err := c.Deps.Store.Set(ctx, req.Server, username, p.Key, p.Value); err != nil {
			log.Error("saving preference failed", logx.String("username", username), logx.String("key", p.Key), logx.Err(err))
			c.reply(ctx, req, "Failed to save your "+c.Display+" configuration.")
			return true
		}
	}
	log.Info("configuration updated", logx.String("username", username))
	c.reply(ctx, req, "Updated your "+c.Display+" configuration.")
	return true
}

func (c *ConfigCommand) haltOnDenied() bool {
	return c.Deps.HaltOnDenied == nil || c.Deps.HaltOnDenied()
}

func (c *ConfigCommand) reply(ctx context.Context, req *CommandRequest, text string) {
	if c.Deps.Messenger == nil {
		return
	}
	if err := c.Deps.Messenger.SendMessage(ctx, req.Server, req.Chat, text); err != nil {
		c.Deps.Log.Warn("reply failed", logx.String("cmd", c.Name), logx.Err(err))
	}
}
