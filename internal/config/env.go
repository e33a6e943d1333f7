package config

import (
	"fmt"
	"strconv"
	"strings"

	"petfeeder/internal/feeding"
)

// Environment variables that override the config file.
const (
	EnvMatchWindowSeconds     = "MATCH_WINDOW_SECONDS"
	EnvTickIntervalSeconds    = "TICK_INTERVAL_SECONDS"
	EnvActuatorTimeoutSeconds = "ACTUATOR_TIMEOUT_SECONDS"
	EnvPortionMin             = "PORTION_MIN"
	EnvPortionMax             = "PORTION_MAX"
	EnvTimeZone               = "TIME_ZONE"

	EnvActuatorURL   = "ACTUATOR_URL"
	EnvActuatorToken = "ACTUATOR_TOKEN"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvTelegramToken = "ALERT_TELEGRAM_TOKEN"
	EnvOpsToken      = "OPS_TOKEN"
)

// ApplyEnv overlays environment values onto cfg. getenv is usually os.Getenv.
// Malformed values are configuration errors, never silently ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	get := func(k string) (string, bool) {
		v := strings.TrimSpace(getenv(k))
		return v, v != ""
	}

	if v, ok := get(EnvMatchWindowSeconds); ok {
		d, err := envSeconds(EnvMatchWindowSeconds, v)
		if err != nil {
			return err
		}
		cfg.Engine.MatchWindow = d
	}
	if v, ok := get(EnvTickIntervalSeconds); ok {
		d, err := envSeconds(EnvTickIntervalSeconds, v)
		if err != nil {
			return err
		}
		cfg.Engine.TickInterval = d
	}
	if v, ok := get(EnvActuatorTimeoutSeconds); ok {
		d, err := envSeconds(EnvActuatorTimeoutSeconds, v)
		if err != nil {
			return err
		}
		cfg.Actuator.Timeout = d
	}
	if v, ok := get(EnvPortionMin); ok {
		f, err := envFloat(EnvPortionMin, v)
		if err != nil {
			return err
		}
		cfg.Engine.PortionMin = f
	}
	if v, ok := get(EnvPortionMax); ok {
		f, err := envFloat(EnvPortionMax, v)
		if err != nil {
			return err
		}
		cfg.Engine.PortionMax = f
	}
	if v, ok := get(EnvTimeZone); ok {
		cfg.Engine.Timezone = v
	}

	if v, ok := get(EnvActuatorURL); ok {
		cfg.Actuator.BaseURL = v
	}
	if v, ok := get(EnvActuatorToken); ok {
		cfg.Actuator.Token = v
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v, ok := get(EnvTelegramToken); ok {
		if cfg.Alerts == nil {
			a := DefaultAlerts()
			cfg.Alerts = &a
		}
		cfg.Alerts.Telegram.Token = v
	}
	if v, ok := get(EnvOpsToken); ok {
		cfg.Ops.Token = v
	}
	return nil
}

func envSeconds(key, v string) (string, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("%w: %s must be a positive integer, got %q", feeding.ErrConfiguration, key, v)
	}
	return strconv.Itoa(n) + "s", nil
}

func envFloat(key, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number, got %q", feeding.ErrConfiguration, key, v)
	}
	return f, nil
}
