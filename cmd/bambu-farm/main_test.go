package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bambu-farm/internal/ssdp"
	"bambu-farm/internal/store"
	"bambu-farm/internal/virtual"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "printers: []\n"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Path != "bambu-farm.db" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("defaults = %+v %+v", cfg.Store, cfg.Log)
	}
	if cfg.FTPS.Port != 990 || cfg.FTPS.Workers != 4 {
		t.Errorf("ftps = %+v", cfg.FTPS)
	}
	vc := cfg.VirtualPrinter
	if vc.FTPPort != 990 || vc.MQTTPort != 8883 || vc.SSDPPort != ssdp.DefaultPort || vc.SSDPGroup != ssdp.DefaultGroup {
		t.Errorf("virtual printer = %+v", vc)
	}
	if cfg.mqttKeepalive != 15*time.Second || cfg.ftpsTimeout != 30*time.Second || cfg.dataTimeout != 30*time.Second {
		t.Errorf("durations = %v %v %v", cfg.mqttKeepalive, cfg.ftpsTimeout, cfg.dataTimeout)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigParsesSections(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
log:
  level: debug
  format: json
printers:
  - id: x1c
    name: Left
    host: 10.0.0.5
    serial: 00M00A000000001
    access_code: "12345678"
    model: X1C
mqtt:
  keepalive: 20s
  connect_timeout: nonsense
virtual_printer:
  enabled: true
  model: P1S
  access_code: "87654321"
  mode: review
notify:
  ntfy_url: https://ntfy.example/farm
home_assistant:
  enabled: true
  broker: tcp://127.0.0.1:1883
`), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Printers) != 1 || cfg.Printers[0].AccessCode != "12345678" {
		t.Errorf("printers = %+v", cfg.Printers)
	}
	if cfg.mqttKeepalive != 20*time.Second {
		t.Errorf("keepalive = %v", cfg.mqttKeepalive)
	}
	if cfg.mqttConnectTimeout != 10*time.Second {
		t.Errorf("invalid connect_timeout should fall back, got %v", cfg.mqttConnectTimeout)
	}
	if cfg.VirtualPrinter.Enabled == nil || !*cfg.VirtualPrinter.Enabled {
		t.Error("virtual_printer.enabled not parsed")
	}
	if cfg.Notify.NtfyURL != "https://ntfy.example/farm" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.HomeAssistant.TopicPrefix != "bambu" {
		t.Errorf("topic prefix = %q", cfg.HomeAssistant.TopicPrefix)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg, newTestLogger())
		return cfg
	}
	ok := PrinterConfig{ID: "a", Host: "h", Serial: "s", AccessCode: "c"}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Printers = []PrinterConfig{{ID: "a", Serial: "s", AccessCode: "c"}} }},
		{"missing access code", func(c *Config) { c.Printers = []PrinterConfig{{ID: "a", Host: "h", Serial: "s"}} }},
		{"duplicate id", func(c *Config) { c.Printers = []PrinterConfig{ok, ok} }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"hass without broker", func(c *Config) { c.HomeAssistant.Enabled = true }},
		{"negative workers", func(c *Config) { c.FTPS.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSeedPrintersKeepsLearnedFields(t *testing.T) {
	db := openTestStore(t)
	seen := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	if err := db.SavePrinter(&store.Printer{ID: "x1c", Host: "old", Serial: "s", LastSeen: seen}); err != nil {
		t.Fatal(err)
	}

	err := seedPrinters(db, []PrinterConfig{
		{ID: "x1c", Host: "10.0.0.5", Serial: "s", AccessCode: "c"},
		{ID: "p1s", Name: "Right", Host: "10.0.0.6", Serial: "t", AccessCode: "d"},
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := db.GetPrinter("x1c")
	if err != nil {
		t.Fatal(err)
	}
	if p.Host != "10.0.0.5" || p.AccessCode != "c" || p.Name != "x1c" {
		t.Errorf("x1c = %+v", p)
	}
	if !p.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", p.LastSeen, seen)
	}
	if p, err := db.GetPrinter("p1s"); err != nil || p.Name != "Right" || p.AddedAt.IsZero() {
		t.Errorf("p1s = %+v, %v", p, err)
	}
}

func TestVirtualSettingsMerge(t *testing.T) {
	db := openTestStore(t)
	if err := db.SaveVirtualSettings(&store.VirtualSettings{
		Enabled: true, Name: "Saved", Model: "X1C", Mode: "review", AccessCode: "11111111",
	}); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{}
	applyDefaults(cfg, newTestLogger())
	cfg.VirtualPrinter.Model = "P1S"

	s, err := virtualSettings(cfg, db)
	if err != nil {
		t.Fatal(err)
	}
	want := virtual.Settings{Enabled: true, Name: "Saved", Model: "P1S", AccessCode: "11111111", Mode: virtual.ModeReview}
	if s != want {
		t.Errorf("settings = %+v, want %+v", s, want)
	}

	saved, err := db.GetVirtualSettings()
	if err != nil {
		t.Fatal(err)
	}
	if saved.Model != "P1S" {
		t.Errorf("persisted model = %q", saved.Model)
	}

	off := false
	cfg.VirtualPrinter.Enabled = &off
	if s, _ := virtualSettings(cfg, db); s.Enabled {
		t.Error("config enabled=false did not win")
	}
}

func TestVirtualSettingsEmptyStore(t *testing.T) {
	db := openTestStore(t)
	cfg := &Config{}
	applyDefaults(cfg, newTestLogger())

	s, err := virtualSettings(cfg, db)
	if err != nil {
		t.Fatal(err)
	}
	if s.Enabled || s.Mode != virtual.ModeImmediate {
		t.Errorf("settings = %+v", s)
	}
}
