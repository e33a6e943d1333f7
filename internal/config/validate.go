package config

import (
	"fmt"
	"strings"
	"time"

	"petfeeder/internal/clock"
	"petfeeder/internal/feeding"
	"petfeeder/internal/storage"
)

const (
	DefaultMatchWindow   = 60 * time.Second
	DefaultTickInterval  = 30 * time.Second
	DefaultTickTimeout   = 30 * time.Second
	DefaultAppendTimeout = 5 * time.Second
)

// EngineSettings is EngineConfig parsed with defaults applied.
type EngineSettings struct {
	MatchWindow   time.Duration
	TickInterval  time.Duration
	TickTimeout   time.Duration
	AppendTimeout time.Duration
	Align         bool
	Location      *time.Location
	Portion       feeding.PortionBounds
}

// Settings resolves the engine section. Errors wrap feeding.ErrConfiguration.
func (e EngineConfig) Settings() (EngineSettings, error) {
	var (
		s   EngineSettings
		err error
	)
	if s.MatchWindow, err = DurationOr("engine.match_window", e.MatchWindow, DefaultMatchWindow); err != nil {
		return s, configErr(err)
	}
	if s.TickInterval, err = DurationOr("engine.tick_interval", e.TickInterval, DefaultTickInterval); err != nil {
		return s, configErr(err)
	}
	if s.TickTimeout, err = DurationOr("engine.tick_timeout", e.TickTimeout, DefaultTickTimeout); err != nil {
		return s, configErr(err)
	}
	if s.AppendTimeout, err = DurationOr("engine.append_timeout", e.AppendTimeout, DefaultAppendTimeout); err != nil {
		return s, configErr(err)
	}
	if s.MatchWindow >= 24*time.Hour || s.MatchWindow%time.Second != 0 {
		return s, fmt.Errorf("%w: engine.match_window %s must be whole seconds below 24h", feeding.ErrConfiguration, s.MatchWindow)
	}
	// A longer interval could step over a whole window and miss the occurrence.
	if s.TickInterval > s.MatchWindow {
		return s, fmt.Errorf("%w: engine.tick_interval %s exceeds engine.match_window %s",
			feeding.ErrConfiguration, s.TickInterval, s.MatchWindow)
	}
	if s.TickInterval < time.Second {
		return s, fmt.Errorf("%w: engine.tick_interval %s must be at least 1s", feeding.ErrConfiguration, s.TickInterval)
	}
	s.Align = e.AlignTicks

	loc, err := clock.LoadLocation(strings.TrimSpace(e.Timezone))
	if err != nil {
		return s, fmt.Errorf("%w: engine.timezone: invalid %q: %v", feeding.ErrConfiguration, e.Timezone, err)
	}
	s.Location = loc

	s.Portion = feeding.DefaultPortionBounds()
	if e.PortionMin != 0 {
		s.Portion.Min = e.PortionMin
	}
	if e.PortionMax != 0 {
		s.Portion.Max = e.PortionMax
	}
	if s.Portion.Min <= 0 || s.Portion.Max < s.Portion.Min {
		return s, fmt.Errorf("%w: portion bounds [%g, %g] invalid", feeding.ErrConfiguration, s.Portion.Min, s.Portion.Max)
	}
	return s, nil
}

// DefaultAlerts is used when the alerts section is omitted.
func DefaultAlerts() AlertsConfig {
	return AlertsConfig{
		Enabled:         true,
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "10m",
		DedupMaxEntries: 2000,
	}
}

// Validate checks everything that can be checked without touching the
// network or the database. Errors wrap feeding.ErrConfiguration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", feeding.ErrConfiguration)
	}
	if _, err := cfg.Engine.Settings(); err != nil {
		return err
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return fmt.Errorf("%w: task_engine workers, queue_size and history_size must be >= 0", feeding.ErrConfiguration)
	}
	if _, err := ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return configErr(err)
	}

	if _, err := ParseDuration("actuator.timeout", cfg.Actuator.Timeout); err != nil {
		return configErr(err)
	}
	if _, err := ParseDuration("actuator.status_timeout", cfg.Actuator.StatusTimeout); err != nil {
		return configErr(err)
	}
	for owner, d := range cfg.Actuator.Devices {
		if strings.TrimSpace(owner) == "" {
			return fmt.Errorf("%w: actuator.devices: empty owner id", feeding.ErrConfiguration)
		}
		if strings.TrimSpace(d.BaseURL) == "" && strings.TrimSpace(cfg.Actuator.BaseURL) == "" {
			return fmt.Errorf("%w: actuator.devices.%s: base_url is required without actuator.base_url", feeding.ErrConfiguration, owner)
		}
	}

	switch driver, _ := storage.CanonicalDriver(cfg.Storage.Driver); driver {
	case "sqlite":
		if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return configErr(err)
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("%w: storage.dsn (or %s) is required for postgres", feeding.ErrConfiguration, EnvDatabaseURL)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", feeding.ErrConfiguration, cfg.Storage.Driver)
	}

	if a := cfg.Alerts; a != nil {
		if a.Workers < 0 || a.QueueSize < 0 || a.RatePerSec < 0 || a.RetryMax < 0 || a.DedupMaxEntries < 0 {
			return fmt.Errorf("%w: alerts counts must be >= 0", feeding.ErrConfiguration)
		}
		for path, raw := range map[string]string{
			"alerts.retry_base":       a.RetryBase,
			"alerts.retry_max_delay":  a.RetryMaxDelay,
			"alerts.dedup_window":     a.DedupWindow,
			"alerts.telegram.timeout": a.Telegram.Timeout,
		} {
			if _, err := ParseDuration(path, raw); err != nil {
				return configErr(err)
			}
		}
		if strings.TrimSpace(a.Telegram.Token) != "" && a.Telegram.ChatID == 0 {
			return fmt.Errorf("%w: alerts.telegram.chat_id is required when a token is set", feeding.ErrConfiguration)
		}
	}

	for path, raw := range map[string]string{
		"ops.read_timeout":  cfg.Ops.ReadTimeout,
		"ops.write_timeout": cfg.Ops.WriteTimeout,
		"ops.idle_timeout":  cfg.Ops.IdleTimeout,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			return configErr(err)
		}
	}
	return nil
}

func configErr(err error) error {
	return fmt.Errorf("%w: %v", feeding.ErrConfiguration, err)
}
