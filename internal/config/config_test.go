package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const sampleYAML = `
broker:
  kind: rest
  base_url: https://api.example.test/v3
  feed_url: wss://feed.example.test/socket
  app_id: APP-100
  access_token: from-file
selection:
  symbols: ["NSE:TCS-EQ", "NSE:INFY-EQ"]
  gap_up_min: 2
  gap_up_max: 7.5
  max_candidates: 3
  stream_start: "09:15:00"
orders:
  quantity: 5
  type: limit
  limit_price: 1520.5
  validity: ioc
schedule:
  fire_time: "09:15:30"
  early_fire_ms: 40
`

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Selection.GapUpMin != 2 || cfg.Selection.GapUpMax != 7.5 || cfg.Selection.MaxCandidates != 3 {
		t.Errorf("selection = %+v", cfg.Selection)
	}
	// значения, которых нет в файле, остаются по умолчанию
	if cfg.Selection.MinPrice != 100 || cfg.Schedule.GuardWindowMs != 300 || cfg.Handoff.Address != "127.0.0.1:9009" {
		t.Errorf("defaults lost: %+v %+v %+v", cfg.Selection, cfg.Schedule, cfg.Handoff)
	}
	if cfg.EarlyFire() != 40*time.Millisecond {
		t.Errorf("EarlyFire = %v", cfg.EarlyFire())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown broker", func(c *Config) { c.Broker.Kind = "paper" }},
		{"inverted gap band", func(c *Config) { c.Selection.GapUpMin, c.Selection.GapUpMax = 8.4, 1.8 }},
		{"empty gap band", func(c *Config) { c.Selection.GapUpMax = c.Selection.GapUpMin }},
		{"negative min price", func(c *Config) { c.Selection.MinPrice = -1 }},
		{"zero candidates", func(c *Config) { c.Selection.MaxCandidates = 0 }},
		{"bad stream start", func(c *Config) { c.Selection.StreamStart = "9:15" }},
		{"missing fire time", func(c *Config) { c.Schedule.FireTime = "" }},
		{"bad fire time", func(c *Config) { c.Schedule.FireTime = "25:00:00" }},
		{"negative early fire", func(c *Config) { c.Schedule.EarlyFireMs = -1 }},
		{"early fire above cap", func(c *Config) { c.Schedule.EarlyFireMs = 501 }},
		{"zero quantity", func(c *Config) { c.Orders.Quantity = 0 }},
		{"unknown side", func(c *Config) { c.Orders.Side = "HOLD" }},
		{"limit without price", func(c *Config) { c.Orders.Type = "LIMIT" }},
		{"market with price", func(c *Config) { c.Orders.LimitPrice = 10 }},
		{"unknown validity", func(c *Config) { c.Orders.Validity = "GTC" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Schedule.FireTime = "09:15:00"
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate = %v, want ErrInvalid", err)
			}
		})
	}

	cfg := Default()
	cfg.Schedule.FireTime = "09:15:00"
	cfg.Schedule.EarlyFireMs = 500
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestFireTarget(t *testing.T) {
	now := time.Date(2024, 6, 10, 9, 14, 0, 0, time.Local)
	cfg := Default()

	cfg.Schedule.FireTime = "09:15:00"
	target, err := cfg.FireTarget(now)
	if err != nil {
		t.Fatalf("FireTarget: %v", err)
	}
	if want := time.Date(2024, 6, 10, 9, 15, 0, 0, time.Local); !target.Equal(want) {
		t.Errorf("target = %v, want %v", target, want)
	}

	for _, passed := range []string{"09:14:00", "09:00:00"} {
		cfg.Schedule.FireTime = passed
		if _, err := cfg.FireTarget(now); !errors.Is(err, ErrInvalid) {
			t.Errorf("FireTarget(%s) = %v, want ErrInvalid", passed, err)
		}
	}
}

func TestStreamStartAt(t *testing.T) {
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, time.Local)
	cfg := Default()

	at, err := cfg.StreamStartAt(now)
	if err != nil || !at.IsZero() {
		t.Errorf("empty stream_start = %v, %v", at, err)
	}

	cfg.Selection.StreamStart = "09:15:00"
	at, err = cfg.StreamStartAt(now)
	if err != nil || at.Hour() != 9 || at.Minute() != 15 || at.Day() != 10 {
		t.Errorf("StreamStartAt = %v, %v", at, err)
	}
}

func TestOrderTemplate(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := cfg.OrderTemplate()
	if err != nil {
		t.Fatalf("OrderTemplate: %v", err)
	}

	if tmpl.Symbol != "" {
		t.Errorf("template symbol = %q", tmpl.Symbol)
	}
	if tmpl.Kind != models.KindLimit || tmpl.Validity != models.ValidityIOC || tmpl.Side != models.SideBuy {
		t.Errorf("template = %+v", tmpl)
	}
	if tmpl.Quantity != 5 || !tmpl.LimitPrice.Equal(decimal.RequireFromString("1520.5")) || tmpl.Exchange != "NSE" {
		t.Errorf("template = %+v", tmpl)
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvAccessToken, "from-env")
	t.Setenv(EnvAPIKey, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.AccessToken != "from-env" {
		t.Errorf("access token = %q", cfg.Broker.AccessToken)
	}
	if cfg.Broker.APIKey != "" {
		t.Errorf("empty env overrode api key: %q", cfg.Broker.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestLogFields(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("Загружена конфигурация", cfg.LogFields()...)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["broker"] != "rest" || fields["symbols"] != int64(2) || fields["fire_time"] != "09:15:30" || fields["journal"] != false {
		t.Errorf("fields = %v", fields)
	}
}

func TestLoadRejectsBrokenDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, ".env"), 0o700); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if _, err := Load(path); err == nil {
		t.Error("unreadable .env accepted")
	}
}
