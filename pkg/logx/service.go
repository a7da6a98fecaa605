package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards lines at or above MinLevel (default warn) to a
// chat, at most RatePerSec per second (default 1).
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./osint3.log"

// Sender delivers one preformatted log line to a chat.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

// Service owns the live zerolog root and its sinks. Loggers taken from it
// pick up every Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	sender Sender
	chat   chatTarget
	gate   *rate.Limiter
	min    zerolog.Level

	lines   chan chatLine
	pump    sync.Once
	stop    context.CancelFunc
	pumping sync.WaitGroup

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

type chatTarget struct {
	id     int64
	thread int
}

type chatLine struct {
	to   chatTarget
	text string
}

// New applies cfg and returns the service with its root logger. sender may
// be nil and set later.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{sender: sender, lines: make(chan chatLine, 256)}
	s.chat.thread = cfg.Telegram.ThreadID
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

func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// SetTelegramTarget points the chat sink at chatID. Zero disables it; a
// zero threadID keeps the current thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.chat.id = chatID
	if threadID != 0 {
		s.chat.thread = threadID
	}
	s.mu.Unlock()
}

// ChatStats reports lines handed to the sender and lines dropped by the
// rate gate or a full queue.
func (s *Service) ChatStats() (forwarded, dropped uint64) {
	return s.forwarded.Load(), s.dropped.Load()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f, stop := s.file, s.stop
	s.file, s.stop = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.pumping.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sinks. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.min = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	s.gate = rate.NewLimiter(rate.Limit(max(cfg.Telegram.RatePerSec, 1)), max(cfg.Telegram.RatePerSec, 1))
	if cfg.Telegram.ThreadID != 0 {
		s.chat.thread = cfg.Telegram.ThreadID
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(console))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logx: cannot open log file %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.pump.Do(s.startPump)
		sinks = append(sinks, chatWriter{s})
		if s.chat.id == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(console))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// startPump runs with s.mu held.
func (s *Service) startPump() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.pumping.Add(1)
	go func() {
		defer s.pumping.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ln := <-s.lines:
				s.mu.Lock()
				sender := s.sender
				s.mu.Unlock()
				if sender != nil && sender.SendLog(ctx, ln.to.id, ln.to.thread, ln.text) == nil {
					s.forwarded.Add(1)
				}
			}
		}
	}()
}

// chatWriter queues qualifying lines for the pump and never blocks.
type chatWriter struct{ s *Service }

func (w chatWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.InfoLevel, p) }

func (w chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.s
	s.mu.Lock()
	to, gate, floor := s.chat, s.gate, s.min
	s.mu.Unlock()

	if to.id == 0 || level < floor {
		return len(p), nil
	}
	if !gate.Allow() {
		s.dropped.Add(1)
		return len(p), nil
	}
	select {
	case s.lines <- chatLine{to: to, text: chatText(p)}:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

const (
	chatTextMax  = 3500
	chatValueMax = 600
)

// chatText renders one JSON log line as
//
//	WARN monitor.conn: reconnecting
//	attempt=3
//
// with the remaining keys sorted. Non-JSON input is passed through.
func chatText(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatTextMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString(strings.ToUpper(lvl) + " ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp + ": ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(m[k]), chatValueMax))
	}
	return clip(b.String(), chatTextMax)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
