// Package notify is the async delivery pipeline between the dispatch layer
// and the chat adapter: a bounded queue drained by workers under a rate
// limit, with retry backoff and a duplicate-suppression window.
package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration // 0 disables duplicate suppression
	DedupMaxEntries int
}

const (
	sendTimeout = 10 * time.Second
	historyCap  = 300
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type job struct {
	n kit.Notification
	// key is precomputed at enqueue time; workers never hash.
	key string
}

// HistoryItem is one delivered notification, kept for status output.
type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Suppressed uint64 `json:"suppressed"`
}

// Service is the notification pipeline. All methods are safe for
// concurrent use; Apply may retune a running service.
type Service struct {
	log logx.Logger

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	adapter   kit.Adapter
	accepting bool
	queue     chan job
	runCtx    context.Context
	runCancel context.CancelFunc

	enqueueWG sync.WaitGroup
	workerWG  sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppressed until

	hmu     sync.Mutex
	history []HistoryItem

	sent       atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notify")),
		dedup:   map[string]time.Time{},
	}
	s.install(cfg)
	return s
}

// Apply retunes the rate limit, retry budget and dedup window while
// running. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.install(cfg)
	s.mu.Unlock()
}

func (s *Service) install(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// burst equals the per-second rate
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	q := make(chan job, cfg.QueueSize)
	rctx, rcancel := context.WithCancel(ctx)
	s.queue = q
	s.accepting = true
	s.runCtx = rctx
	s.runCancel = rcancel
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(rctx, q, i)
	}
	s.log.Info("service started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes intake immediately and drains what is already queued until
// ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	s.queue = nil
	s.runCtx = nil
	s.runCancel = nil
	s.accepting = false
	s.mu.Unlock()

	if q == nil {
		return
	}

	// In-flight Notify calls may still hold the queue; close only after
	// they are gone.
	enq := make(chan struct{})
	go func() {
		s.enqueueWG.Wait()
		close(enq)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-enq:
	}

	close(q)

	drained := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
	case <-drained:
	}
	if cancel != nil {
		cancel()
	}
}

// Notify enqueues one notification. It never blocks on a full queue: the
// caller gets ErrQueueFull and decides what that means for its own
// guarantees.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	limit := s.cfg.DedupMaxEntries
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.dedupAllow(key, window, limit) {
		s.suppressed.Add(1)
		s.log.Debug("duplicate notification suppressed",
			logx.Int64("chat_id", n.Target.ChatID), logx.String("key", key))
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("notification dropped, queue full", logx.Int64("chat_id", n.Target.ChatID))
		return ErrQueueFull
	}
}

// Snapshot copies the recent delivery history.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
		Suppressed: s.suppressed.Load(),
	}
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if n := len(s.history); n > historyCap {
		s.history = s.history[n-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) worker(ctx context.Context, q <-chan job, idx int) {
	defer s.workerWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in notifier worker",
				logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	for j := range q {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, j)
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil || j.n.Text == "" {
		return
	}
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := ad.SendText(cctx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.remember(j.n.Text)
			return
		}
		lastErr = err
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt < attempts && !sleepFor(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}

	s.failed.Add(1)
	s.log.Warn("delivery gave up",
		logx.Int64("chat_id", j.n.Target.ChatID), logx.Int("attempts", attempts), logx.Err(lastErr))
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay doubles RetryBase per attempt with 0.7-1.3 jitter, capped at
// RetryMaxDelay. cfg is already normalized.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func dedupKey(n kit.Notification) string {
	if n.Text == "" {
		return ""
	}
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(n.Target.ChatID, 10)))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(n.Target.ThreadID)))
	h.Write([]byte{'|'})
	h.Write([]byte(n.Text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// dedupAllow records key for one window and reports whether this is its
// first occurrence inside it. Expired entries are swept on the way and the
// table is capped by evicting whatever expires soonest.
func (s *Service) dedupAllow(key string, window time.Duration, limit int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for limit > 0 && len(s.dedup) > limit {
		var oldest string
		var at time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(at) {
				oldest, at = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}
