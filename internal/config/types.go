package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Environment variables listed in env.go override the file.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Engine     EngineConfig     `json:"engine"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Actuator   ActuatorConfig   `json:"actuator"`
	Storage    StorageConfig    `json:"storage"`

	// Alerts may be omitted; alerts then go to the log only.
	Alerts *AlertsConfig `json:"alerts,omitempty"`
	Ops    OpsConfig     `json:"ops"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls dispatch semantics.
//
// Defaults (when fields are omitted):
//   - match_window: "60s"
//   - tick_interval: "30s" (must not exceed match_window)
//   - tick_timeout: "30s"
//   - append_timeout: "5s"
//   - timezone: Local
//   - portion_min/portion_max: 0.25/5.0
type EngineConfig struct {
	MatchWindow   string `json:"match_window,omitempty"`
	TickInterval  string `json:"tick_interval,omitempty"`
	TickTimeout   string `json:"tick_timeout,omitempty"`
	AppendTimeout string `json:"append_timeout,omitempty"`
	// AlignTicks fires sweeps on wall-clock multiples of tick_interval.
	AlignTicks bool   `json:"align_ticks,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	PortionMin float64 `json:"portion_min,omitempty"`
	PortionMax float64 `json:"portion_max,omitempty"`
}

// TaskEngineConfig controls the tick worker pool.
//
// Defaults: workers 4, queue_size 256, history_size 200,
// max_queue_delay = match_window.
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// MaxQueueDelay drops ticks that waited longer than this in the queue.
	// Use "0s" to disable dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type ActuatorConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // do not log
	// Timeout bounds one dispense call. Default "10s".
	Timeout string `json:"timeout,omitempty"`
	// StatusTimeout bounds a food-level query. Default "5s".
	StatusTimeout string `json:"status_timeout,omitempty"`

	// Devices overrides base_url/token per owner ID.
	Devices map[string]DeviceConfig `json:"devices,omitempty"`
}

type DeviceConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// StorageConfig selects the schedule store and event log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/feeder.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// AlertsConfig controls the operator alert pipeline.
//
// If the whole section is omitted, alerts default to enabled with the log
// sink only.
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`

	// FailedDispatches also alerts on every failed scheduled dispatch.
	FailedDispatches bool `json:"failed_dispatches,omitempty"`

	Telegram AlertsTelegram `json:"telegram"`
}

type AlertsTelegram struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so
	// /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
