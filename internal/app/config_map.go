package app

import (
	"fmt"
	"strings"
	"time"

	"petfeeder/internal/actuator"
	"petfeeder/internal/alert"
	"petfeeder/internal/config"
	"petfeeder/internal/dispatch"
	"petfeeder/internal/opsserver"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/engine"
	"petfeeder/internal/task/scheduler"
	logx "petfeeder/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(es config.EngineSettings) dispatch.Config {
	return dispatch.Config{
		MatchWindow:   es.MatchWindow,
		Portion:       es.Portion,
		AppendTimeout: es.AppendTimeout,
	}
}

func mapSchedulerConfig(es config.EngineSettings) scheduler.Config {
	return scheduler.Config{
		TickInterval: es.TickInterval,
		TickTimeout:  es.TickTimeout,
		Align:        es.Align,
		Location:     es.Location,
	}
}

func mapTaskEngineConfig(cfg *config.Config, es config.EngineSettings) (engine.Config, error) {
	te := cfg.TaskEngine
	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	// A tick that waited longer than the match window can only miss.
	maxQueueDelay := es.MatchWindow
	if strings.TrimSpace(te.MaxQueueDelay) != "" {
		d, err := config.ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay)
		if err != nil {
			return engine.Config{}, err
		}
		maxQueueDelay = d
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: es.TickTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    historySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver, ok := storage.CanonicalDriver(sc.Driver)
	if !ok {
		return storage.Config{}, fmt.Errorf("unknown storage.driver %q", sc.Driver)
	}
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./data/feeder.db"
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{Driver: driver}, nil
	}
}

func mapActuatorConfig(cfg *config.Config, es config.EngineSettings) (actuator.Config, map[string]actuator.Device, error) {
	ac := cfg.Actuator
	timeout, err := config.DurationOr("actuator.timeout", ac.Timeout, actuator.DefaultDispatchTimeout)
	if err != nil {
		return actuator.Config{}, nil, err
	}
	statusTimeout, err := config.DurationOr("actuator.status_timeout", ac.StatusTimeout, actuator.DefaultStatusTimeout)
	if err != nil {
		return actuator.Config{}, nil, err
	}
	devices := make(map[string]actuator.Device, len(ac.Devices))
	for owner, d := range ac.Devices {
		devices[owner] = actuator.Device{BaseURL: strings.TrimSpace(d.BaseURL), Token: d.Token}
	}
	return actuator.Config{
		BaseURL:         strings.TrimSpace(ac.BaseURL),
		Token:           ac.Token,
		DispatchTimeout: timeout,
		StatusTimeout:   statusTimeout,
		Portion:         es.Portion,
	}, devices, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	ac := config.DefaultAlerts()
	if cfg.Alerts != nil {
		ac = *cfg.Alerts
	}
	retryBase, err := config.DurationOr("alerts.retry_base", ac.RetryBase, 500*time.Millisecond)
	if err != nil {
		return alert.Config{}, err
	}
	retryMaxDelay, err := config.DurationOr("alerts.retry_max_delay", ac.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	dedupWindow, err := config.ParseDuration("alerts.dedup_window", ac.DedupWindow)
	if err != nil {
		return alert.Config{}, err
	}
	tgTimeout, err := config.DurationOr("alerts.telegram.timeout", ac.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:          ac.Enabled,
		Workers:          ac.Workers,
		QueueSize:        ac.QueueSize,
		RatePerSec:       ac.RatePerSec,
		RetryMax:         ac.RetryMax,
		RetryBase:        retryBase,
		RetryMaxDelay:    retryMaxDelay,
		DedupWindow:      dedupWindow,
		DedupMaxEntries:  ac.DedupMaxEntries,
		FailedDispatches: ac.FailedDispatches,
		Telegram: alert.TelegramConfig{
			Token:    strings.TrimSpace(ac.Telegram.Token),
			ChatID:   ac.Telegram.ChatID,
			ThreadID: ac.Telegram.ThreadID,
			URL:      strings.TrimSpace(ac.Telegram.APIURL),
			Timeout:  tgTimeout,
		},
	}, nil
}

func mapOpsConfig(cfg *config.Config) (opsserver.Config, error) {
	oc := cfg.Ops
	readTimeout, err := config.DurationOr("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return opsserver.Config{}, err
	}
	writeTimeout, err := config.ParseDuration("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return opsserver.Config{}, err
	}
	idleTimeout, err := config.DurationOr("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return opsserver.Config{}, err
	}
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = opsserver.DefaultAddr
	}
	return opsserver.Config{
		Enabled:              oc.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		Pprof:                oc.Pprof,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
		MemProfileRate:       oc.MemProfileRate,
	}, nil
}
