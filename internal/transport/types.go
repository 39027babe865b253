package transport

import (
	"context"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Identity returns the sender's chat identity in hostmask form,
// "<username>!tg:<id>" (username lowercased, empty when unset).
// Access rules match against it with glob patterns.
func (m *Message) Identity() string {
	if m == nil {
		return ""
	}
	return Hostmask(m.FromUsername, m.FromID)
}

func Hostmask(username string, userID int64) string {
	return strings.ToLower(strings.TrimSpace(username)) + "!tg:" + strconv.FormatInt(userID, 10)
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of an adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
