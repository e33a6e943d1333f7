package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "petfeeder/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchRetryFloor  = 250 * time.Millisecond
	watchRetryCeil   = 5 * time.Second
	watchedFileEvent = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// ConfigManager owns the current Config and fans reloads out to subscribers.
type ConfigManager struct {
	path   string
	getenv func(string) string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // hash of the last committed config

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

// NewConfigManager reads path (JSON or YAML). An empty path means "no file":
// defaults plus environment overrides.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: strings.TrimSpace(path), getenv: os.Getenv, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

// SetEnv replaces the environment lookup. nil disables overrides.
func (m *ConfigManager) SetEnv(getenv func(string) string) { m.getenv = getenv }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("path", m.path))
}

// SetValidator installs a hook that runs after Validate on every reload.
// A failing hook keeps the previous config in place.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and applies environment overrides. It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := new(Config)
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decodeStrict(m.path, b, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", m.path, err)
		}
	}
	if err := ApplyEnv(cfg, m.getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and validates the config and commits it. Any error wraps
// feeding.ErrConfiguration, so callers can exit non-zero on it.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, configErr(err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.lastHash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) committedHash() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHash
}

// fingerprint hashes the decoded config, so whitespace edits and comment
// changes do not count as a change. Zero means "unknown".
func fingerprint(cfg *Config) uint64 {
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

// Subscribe returns a channel receiving every published config. A slow
// subscriber only ever misses intermediate versions, never the latest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped; subscriber full", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting the oldest queued entry if needed.
func offerLatest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and publishes it when it decodes, validates and
// differs from what is committed.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed; keeping current", logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	if h != 0 && h == m.committedHash() {
		m.log.Debug("config unchanged")
		return
	}
	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.Err(err))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("hash", fmt.Sprintf("%016x", h)))
}

// debouncer collapses bursts of editor writes into one reload.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// retryDelay is a jittered exponential backoff for recreating the watcher.
type retryDelay struct {
	cur time.Duration
	rng *rand.Rand
}

func (r *retryDelay) next() time.Duration {
	if r.cur <= 0 {
		r.cur = watchRetryFloor
	}
	wait := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	r.cur = min(r.cur*2, watchRetryCeil)
	return wait
}

func (r *retryDelay) reset() { r.cur = watchRetryFloor }

var errWatcherClosed = errors.New("watcher closed")

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that replace the file by rename are still seen. A
// watcher that fails or closes is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	deb := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()
	backoff := &retryDelay{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	for ctx.Err() == nil {
		err := m.watchDir(ctx, dir, file, deb, backoff)
		if ctx.Err() != nil {
			break
		}
		wait := backoff.next()
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher until ctx ends or the watcher breaks.
func (m *ConfigManager) watchDir(ctx context.Context, dir, file string, deb *debouncer, backoff *retryDelay) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	backoff.reset()
	m.log.Debug("config watcher started", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&watchedFileEvent != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; forcing reload")
				deb.trigger()
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}
