package config

import (
	"reflect"
	"sort"
	"strings"

	logx "petfeeder/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured fields for logging (never secrets).
	Attrs []logx.Field
	// RestartRequired lists changed keys that only take effect after a restart.
	RestartRequired []string
}

// SummarizeConfigChange diffs two configs for the reload log and tells the
// caller which parts cannot be applied live.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	restart := func(keys ...string) { ch.RestartRequired = append(ch.RestartRequired, keys...) }

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Format != newCfg.Logging.Format ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File != newCfg.Logging.File {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Engine: the sweep cadence applies live, dispatch semantics do not.
	oe, ne := oldCfg.Engine, newCfg.Engine
	if oe != ne {
		ch.Sections = append(ch.Sections, "engine")
		ch.Attrs = append(ch.Attrs,
			logx.String("engine.match_window", strings.TrimSpace(ne.MatchWindow)),
			logx.String("engine.tick_interval", strings.TrimSpace(ne.TickInterval)),
			logx.String("engine.tick_timeout", strings.TrimSpace(ne.TickTimeout)),
			logx.Bool("engine.align_ticks", ne.AlignTicks),
		)
		if strings.TrimSpace(oe.MatchWindow) != strings.TrimSpace(ne.MatchWindow) {
			restart("engine.match_window")
		}
		if strings.TrimSpace(oe.AppendTimeout) != strings.TrimSpace(ne.AppendTimeout) {
			restart("engine.append_timeout")
		}
		if strings.TrimSpace(oe.Timezone) != strings.TrimSpace(ne.Timezone) {
			restart("engine.timezone")
		}
		if oe.PortionMin != ne.PortionMin || oe.PortionMax != ne.PortionMax {
			restart("engine.portion")
		}
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		ch.Sections = append(ch.Sections, "task_engine")
		ch.Attrs = append(ch.Attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(newCfg.TaskEngine.MaxQueueDelay)),
		)
		restart("task_engine")
	}

	// Actuator (never log tokens)
	oa, na := oldCfg.Actuator, newCfg.Actuator
	if oa.BaseURL != na.BaseURL || oa.Token != na.Token ||
		oa.Timeout != na.Timeout || oa.StatusTimeout != na.StatusTimeout ||
		!reflect.DeepEqual(oa.Devices, na.Devices) {
		ch.Sections = append(ch.Sections, "actuator")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("actuator.base_url_set", strings.TrimSpace(na.BaseURL) != ""),
			logx.Bool("actuator.token_set", strings.TrimSpace(na.Token) != ""),
			logx.String("actuator.timeout", strings.TrimSpace(na.Timeout)),
			logx.Int("actuator.devices", len(na.Devices)),
		)
		restart("actuator")
	}

	// Storage (never log DSN)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS != nS {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
		restart("storage")
	}

	// Alerts: nil means defaults.
	oA, nA := DefaultAlerts(), DefaultAlerts()
	if oldCfg.Alerts != nil {
		oA = *oldCfg.Alerts
	}
	if newCfg.Alerts != nil {
		nA = *newCfg.Alerts
	}
	if oA != nA {
		ch.Sections = append(ch.Sections, "alerts")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Int("alerts.rate_per_sec", nA.RatePerSec),
			logx.String("alerts.dedup_window", strings.TrimSpace(nA.DedupWindow)),
			logx.Bool("alerts.failed_dispatches", nA.FailedDispatches),
			logx.Bool("alerts.telegram_set", strings.TrimSpace(nA.Telegram.Token) != ""),
		)
		if oA.Telegram != nA.Telegram || oA.Workers != nA.Workers || oA.QueueSize != nA.QueueSize {
			restart("alerts.telegram/workers/queue_size")
		}
	}

	// Ops server (never log token)
	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		ch.Sections = append(ch.Sections, "ops")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("ops.allow_insecure", no.AllowInsecure),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}
