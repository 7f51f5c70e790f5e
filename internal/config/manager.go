package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "rembot/pkg/logx"
)

// reloadDebounce is how long Watch waits after a file event before parsing.
// Editors and atomic-save tools emit several events per save; the last one
// wins.
const reloadDebounce = 250 * time.Millisecond

// ConfigManager loads the config file, revalidates it on change and fans the
// committed result out to subscribers. Readers always see a complete config:
// a half-written or invalid file never replaces the last good one.
type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	sum uint64 // fingerprint of the committed config, 0 when unknown

	// subsMu is held across sends so Unsubscribe can never close a channel
	// mid-publish.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	reloadMu    sync.Mutex
	reloadTimer *time.Timer

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path: path,
		subs: map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the pre-commit gate Watch runs on every reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and strictly decodes the config file without committing it.
// Unknown fields and trailing documents are errors.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if tok, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("config %s: unexpected %v after document", filepath.Base(m.path), tok)
	}
	return cfg, nil
}

// Commit makes cfg the current config without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.sum = configSum(cfg)
	m.mu.Unlock()
}

// Load is Parse followed by Commit, for startup.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// configSum fingerprints a config so Watch can skip reloads that changed the
// file but not its content (touch, re-save, whitespace).
func configSum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe registers a reload listener. The channel is closed by
// Unsubscribe, never by the manager itself.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish pushes cfg to every subscriber. A full buffer loses its oldest
// entry first, so a subscriber that falls behind converges on the newest
// config instead of replaying stale ones.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config subscriber full, update lost", logx.Int("cap", cap(ch)))
		}
	}
}

// scheduleReload (re)arms the debounce timer after a file event.
func (m *ConfigManager) scheduleReload(ctx context.Context) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.reloadTimer != nil {
		m.reloadTimer.Stop()
	}
	m.reloadTimer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
}

// reload takes one file change through parse, dedupe, validation and
// publish. Any failure keeps the previously committed config.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload: file unusable, keeping current",
			logx.String("path", m.path), logx.Err(err))
		return
	}

	sum := configSum(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	m.mu.RUnlock()
	if same {
		m.log.Debug("config reload: content unchanged")
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload: rejected, keeping current", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config committed", logx.Uint64("sum", sum))
}

// Watch follows the config file until ctx ends. The parent directory is
// watched rather than the file itself so atomic saves (write temp, rename
// over) keep working after the inode changes. A broken watcher is rebuilt
// with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	retry := watchRetry{base: 250 * time.Millisecond, max: 5 * time.Second}
	for ctx.Err() == nil {
		ran, err := m.watchDir(ctx)
		if ctx.Err() != nil {
			break
		}
		if ran {
			retry.reset()
		}
		m.log.Warn("config watcher stopped, rebuilding", logx.Err(err))
		if !retry.sleep(ctx) {
			break
		}
	}

	m.reloadMu.Lock()
	if m.reloadTimer != nil {
		m.reloadTimer.Stop()
	}
	m.reloadMu.Unlock()
	return nil
}

// watchDir runs a single fsnotify watcher lifetime. ran reports whether the
// watcher got as far as delivering events, which resets the rebuild backoff.
func (m *ConfigManager) watchDir(ctx context.Context) (ran bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	base := filepath.Base(m.path)
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", base))

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			// Basename match survives absolute/relative path differences
			// between the watcher and the configured path.
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				m.scheduleReload(ctx)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			low := strings.ToLower(werr.Error())
			if strings.Contains(low, "overflow") {
				// Events were lost; the file may have changed unseen.
				m.log.Warn("config watch overflow, forcing a reload", logx.Err(werr))
				m.scheduleReload(ctx)
				continue
			}
			if strings.Contains(low, "closed") {
				return true, werr
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}

// watchRetry doubles its delay up to max, with jitter so restarts never
// happen in lockstep.
type watchRetry struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
	rng  *rand.Rand
}

func (r *watchRetry) reset() { r.cur = 0 }

func (r *watchRetry) sleep(ctx context.Context) bool {
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if r.cur == 0 {
		r.cur = r.base
	}
	d := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	if r.cur < r.max {
		r.cur *= 2
		if r.cur > r.max {
			r.cur = r.max
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
