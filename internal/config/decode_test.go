package config

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"90s", 90 * time.Second, true},
		{" 1m30s ", 90 * time.Second, true},
		{"45", 45 * time.Second, true},
		{"0", 0, true},
		{"-5", 0, false},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDuration("engine.x", tc.raw)
		if (err == nil) != tc.ok {
			t.Fatalf("%q: err=%v, want ok=%v", tc.raw, err, tc.ok)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("%q: got %s, want %s", tc.raw, got, tc.want)
		}
	}
	if d, err := DurationOr("engine.x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("DurationOr default: %s %v", d, err)
	}
}

func TestDecodeStrictYAML(t *testing.T) {
	t.Parallel()
	var cfg Config
	body := "engine:\n  match_window: \"120\"\n  timezone: UTC\nlogging: &lg\n  level: warn\n"
	if err := decodeStrict("feeder.yml", []byte(body), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	es, err := cfg.Engine.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if es.MatchWindow != 2*time.Minute || cfg.Logging.Level != "warn" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	if err := decodeStrict("empty.yaml", nil, &Config{}); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}

	bad := map[string]string{
		"duplicate key":  "engine:\n  timezone: UTC\n  timezone: Local\n",
		"two documents":  "logging:\n  level: info\n---\nlogging:\n  level: debug\n",
		"unknown field":  "engine:\n  window: 60s\n",
		"non-scalar key": "? [a, b]\n: 1\n",
	}
	for name, body := range bad {
		if err := decodeStrict("feeder.yaml", []byte(body), &Config{}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
