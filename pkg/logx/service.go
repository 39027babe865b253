package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "notifybot/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig forwards records at or above MinLevel to a chat (usually an
// operator group). The sink is rate limited and never blocks the caller.
type ChatConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const (
	defaultLogFile  = "./notifybot.log"
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxRunes    = 3500
	chatMaxValue    = 600
)

// Service owns the sinks and swaps them on Apply. Loggers obtained from it
// pick up the new sinks immediately.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	chat chatState

	sender   kit.Sender
	queue    chan chatItem
	startCh  sync.Once
	stopChat context.CancelFunc
	chatDone sync.WaitGroup
}

// chatState is guarded by Service.mu.
type chatState struct {
	target   kit.ChatTarget
	limiter  *rate.Limiter
	minLevel Level
}

type chatItem struct {
	to  kit.ChatTarget
	msg string
}

// New builds the service from cfg and returns it with a root Logger.
// sender may be nil, which disables the chat sink.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{
		sender: sender,
		queue:  make(chan chatItem, chatQueueSize),
	}
	s.chat.target.ThreadID = cfg.Chat.ThreadID
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetChatTarget sets where the chat sink delivers records. A zero threadID
// keeps the configured one.
func (s *Service) SetChatTarget(chatID int64, threadID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat.target.ChatID = chatID
	if threadID != 0 {
		s.chat.target.ThreadID = threadID
	}
}

// Close stops the chat worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, stop := s.file, s.stopChat
	s.file, s.stopChat = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.chatDone.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rps := max(1, cfg.Chat.RatePerSec)
	s.chat.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.chat.minLevel = parseLevel(cfg.Chat.MinLevel, LevelWarn)
	if cfg.Chat.ThreadID != 0 {
		s.chat.target.ThreadID = cfg.Chat.ThreadID
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(Stdout()))
	}
	if w := s.reopenFileLocked(cfg.File); w != nil {
		writers = append(writers, w)
	}
	if cfg.Chat.Enabled && s.sender != nil {
		s.startChatLocked()
		writers = append(writers, chatWriter{svc: s})
		if s.chat.target.ChatID == 0 {
			fmt.Fprintln(Stderr(), "logx: chat logging enabled but no target chat is set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) reopenFileLocked(fc FileConfig) io.Writer {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if !fc.Enabled {
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file = f
	return zerolog.SyncWriter(f)
}

func (s *Service) startChatLocked() {
	s.startCh.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopChat = cancel
		s.chatDone.Add(1)
		go func() {
			defer s.chatDone.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case it := <-s.queue:
					sctx, done := context.WithTimeout(ctx, chatSendTimeout)
					_, _ = s.sender.SendText(sctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
					done()
				}
			}
		}()
	})
}

// chatWriter is the zerolog sink feeding the chat worker.
type chatWriter struct{ svc *Service }

func (w chatWriter) Write(p []byte) (int, error) { return w.WriteLevel(LevelInfo, p) }

func (w chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	st := s.chat
	s.mu.Unlock()

	if st.target.ChatID == 0 || level < st.minLevel || st.limiter == nil || !st.limiter.Allow() {
		return len(p), nil
	}
	msg := formatChatRecord(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.queue <- chatItem{to: st.target, msg: msg}:
	default:
		// queue full: drop rather than stall the caller
	}
	return len(p), nil
}

// formatChatRecord renders a zerolog JSON line as "[LEVEL] msg" followed by
// one "- key=value" line per field, sorted by key.
func formatChatRecord(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatMaxRunes)
	}
	level, _ := rec["level"].(string)
	msg, _ := rec["message"].(string)
	delete(rec, "time")
	delete(rec, "level")
	delete(rec, "message")

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(rec[k]), chatMaxValue))
	}
	return truncate(b.String(), chatMaxRunes)
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	if n < 10 {
		return string(rs[:n])
	}
	return string(rs[:n-3]) + "..."
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
