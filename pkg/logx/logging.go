package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "rembot/internal/transport"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config selects the active sinks. Apply may change everything at runtime
// except the telegram sender, which is fixed at New.
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

// TelegramConfig forwards WARN+ lines (by default) to a chat. ChatID 0
// disables the sink even when Enabled.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// ---- Logger ----

// Logger is the handle the rest of the code logs through. Service-backed
// loggers pick up Apply() changes immediately; the zero value is a no-op.
type Logger struct {
	svc   *Service
	fixed zerolog.Logger
	bound bool
	with  []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger { return Logger{fixed: zerolog.Nop(), bound: true} }

// NewConsole returns a standalone console logger for code that runs before
// the log service exists (flag parsing, adapter construction).
func NewConsole(level string) Logger {
	initGlobals()
	zl := zerolog.New(consoleWriter()).
		Level(parseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{fixed: zl, bound: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.bound && len(l.with) == 0 }

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.with = append(append([]Field(nil), l.with...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) sink() zerolog.Logger {
	if l.svc != nil {
		return l.svc.root()
	}
	if l.bound {
		return l.fixed
	}
	return zerolog.Nop()
}

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if at := callSite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}
	for _, f := range l.with {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// callSite returns "file.go:123" for the frame skip levels up. Full paths
// and function names are noise at console width.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

var globalsOnce sync.Once

func initGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

// ---- Service ----

// Service owns the sinks behind every Service-backed Logger and lets Apply
// retarget them at runtime without invalidating existing handles.
type Service struct {
	live atomic.Value // zerolog.Logger

	mu   sync.Mutex
	cfg  Config
	file *os.File
	tg   *tgSink
}

// New builds the service, applies cfg and hands back the root logger.
// sender may be nil; the telegram sink then stays dormant.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	initGlobals()
	s := &Service{tg: newTGSink(sender)}
	s.live.Store(zerolog.New(consoleWriter()).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) root() zerolog.Logger {
	zl, ok := s.live.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

// Apply swaps levels and sinks. Safe to call while other goroutines log.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.tg.retune(cfg.Telegram)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var ws []io.Writer
	if cfg.Console {
		ws = append(ws, consoleWriter())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./rembot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: cannot open %q: %v\n", path, err)
		} else {
			s.file = f
			ws = append(ws, zerolog.SyncWriter(f))
		}
	}
	if s.tg.active() {
		s.tg.start()
		ws = append(ws, s.tg)
	}
	if len(ws) == 0 {
		ws = append(ws, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(ws...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.live.Store(zl)
}

// Close stops the telegram worker and releases the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	tg := s.tg
	s.mu.Unlock()

	if tg != nil {
		tg.stop()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// ---- Telegram sink ----

// tgSink mirrors lines at or above a minimum level into a chat. It is a
// zerolog LevelWriter; a write never blocks logging, so over-rate or
// over-queue lines are simply not mirrored.
type tgSink struct {
	sender kit.Adapter

	mu   sync.Mutex
	on   bool
	chat kit.ChatTarget
	min  zerolog.Level
	lim  *rate.Limiter

	queue  chan tgLine
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

type tgLine struct {
	to   kit.ChatTarget
	text string
}

func newTGSink(sender kit.Adapter) *tgSink {
	return &tgSink{sender: sender, queue: make(chan tgLine, 256)}
}

func (t *tgSink) retune(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.on = cfg.Enabled && t.sender != nil
	if cfg.ChatID != 0 {
		t.chat = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	}
	t.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	t.lim = rate.NewLimiter(rate.Limit(rps), rps)
	if t.on && t.chat.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without a chat id")
	}
}

func (t *tgSink) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on && t.chat.ChatID != 0
}

func (t *tgSink) start() {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		t.mu.Lock()
		t.cancel = cancel
		t.done = done
		t.mu.Unlock()
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case ln := <-t.queue:
					_, _ = t.sender.SendText(ctx, ln.to, ln.text, &kit.SendOptions{DisablePreview: true})
				}
			}
		}()
	})
}

func (t *tgSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *tgSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *tgSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	on, chat, min, lim := t.on, t.chat, t.min, t.lim
	t.mu.Unlock()

	if !on || chat.ChatID == 0 || level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := renderTelegramLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- tgLine{to: chat, text: text}:
	default:
		// queue full; the console/file sinks still carry the line
	}
	return len(p), nil
}

const tgLineMax = 3500

// renderTelegramLine turns one zerolog JSON line into a compact chat
// message: "[LEVEL] msg" plus sorted key=value lines.
func renderTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), tgLineMax)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=" + clip(fmt.Sprint(m[k]), 600))
	}
	return clip(b.String(), tgLineMax)
}

// clip bounds s to at most max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
