package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"bambu-farm/internal/archive"
	"bambu-farm/internal/automation"
	"bambu-farm/internal/fleet"
	"bambu-farm/internal/mqtt"
	"bambu-farm/internal/ssdp"
	"bambu-farm/internal/store"
	"bambu-farm/internal/virtual"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type PrinterConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Serial     string `yaml:"serial"`
	AccessCode string `yaml:"access_code"`
	Model      string `yaml:"model"`
}

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Printers []PrinterConfig `yaml:"printers"`
	MQTT     struct {
		Keepalive      string `yaml:"keepalive"`
		ConnectTimeout string `yaml:"connect_timeout"`
	} `yaml:"mqtt"`
	FTPS struct {
		Port    int    `yaml:"port"`
		Timeout string `yaml:"timeout"`
		Workers int    `yaml:"workers"`
		TempDir string `yaml:"temp_dir"`
	} `yaml:"ftps"`
	VirtualPrinter struct {
		Enabled     *bool  `yaml:"enabled"`
		Name        string `yaml:"name"`
		Model       string `yaml:"model"`
		AccessCode  string `yaml:"access_code"`
		Mode        string `yaml:"mode"`
		TargetHost  string `yaml:"target_host"`
		UploadDir   string `yaml:"upload_dir"`
		CertDir     string `yaml:"cert_dir"`
		Bind        string `yaml:"bind"`
		Address     string `yaml:"address"`
		FTPPort     int    `yaml:"ftp_port"`
		MQTTPort    int    `yaml:"mqtt_port"`
		SSDPPort    int    `yaml:"ssdp_port"`
		SSDPGroup   string `yaml:"ssdp_group"`
		DataTimeout string `yaml:"data_timeout"`
	} `yaml:"virtual_printer"`
	Discovery struct {
		Enabled bool   `yaml:"enabled"`
		Port    int    `yaml:"port"`
		Group   string `yaml:"group"`
	} `yaml:"discovery"`
	Archive struct {
		Dir        string `yaml:"dir"`
		Prints     bool   `yaml:"prints"`
		Timelapses bool   `yaml:"timelapses"`
	} `yaml:"archive"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Notify        automation.NotifyConfig `yaml:"notify"`
	HomeAssistant struct {
		Enabled       bool   `yaml:"enabled"`
		Broker        string `yaml:"broker"`
		Username      string `yaml:"username"`
		Password      string `yaml:"password"`
		TopicPrefix   string `yaml:"topic_prefix"`
		StateInterval string `yaml:"state_interval"`
	} `yaml:"home_assistant"`

	// Parsed from the string fields above by loadConfig.
	mqttKeepalive      time.Duration
	mqttConnectTimeout time.Duration
	ftpsTimeout        time.Duration
	dataTimeout        time.Duration
	hassInterval       time.Duration
}

func (c *Config) validate() error {
	ids := make(map[string]bool)
	for i, p := range c.Printers {
		if p.ID == "" || p.Host == "" || p.Serial == "" {
			return fmt.Errorf("printers[%d]: id, host and serial are required", i)
		}
		if p.AccessCode == "" {
			return fmt.Errorf("printers[%d] (%s): access_code is required", i, p.ID)
		}
		if ids[p.ID] {
			return fmt.Errorf("printers[%d]: duplicate id %q", i, p.ID)
		}
		ids[p.ID] = true
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.HomeAssistant.Enabled && c.HomeAssistant.Broker == "" {
		return fmt.Errorf("home_assistant.broker is required when enabled")
	}
	if c.FTPS.Workers < 1 {
		return fmt.Errorf("ftps.workers must be positive, got %d", c.FTPS.Workers)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath, bootLogger)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("bambu-farm starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := seedPrinters(db, cfg.Printers); err != nil {
		logger.Error("seed printers", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := fleet.NewEventBus(logger)
	archiver := archive.New(cfg.Archive.Dir, db, logger)

	fm := fleet.NewManager(fleet.Config{
		MQTT: mqtt.Options{
			Keepalive:      cfg.mqttKeepalive,
			ConnectTimeout: cfg.mqttConnectTimeout,
		},
		FTPSPort:          cfg.FTPS.Port,
		FTPSTimeout:       cfg.ftpsTimeout,
		FTPSWorkers:       cfg.FTPS.Workers,
		TempDir:           cfg.FTPS.TempDir,
		ArchivePrints:     cfg.Archive.Prints,
		ArchiveTimelapses: cfg.Archive.Timelapses,
	}, db, archiver, events, logger)
	if err := fm.Start(); err != nil {
		logger.Error("start fleet", "err", err)
		os.Exit(1)
	}

	if cfg.Discovery.Enabled {
		scanner := ssdp.NewScanner(ssdp.ScannerConfig{
			Group:        cfg.Discovery.Group,
			Port:         cfg.Discovery.Port,
			OnDiscovered: fm.HandleDiscovered,
		}, logger)
		go func() {
			if err := scanner.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("discovery scanner", "err", err)
			}
		}()
	}

	vp := virtual.NewManager(virtualConfig(cfg), archiver, db, events, logger)
	settings, err := virtualSettings(cfg, db)
	if err != nil {
		logger.Error("load virtual printer settings", "err", err)
	} else {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := vp.Configure(cctx, settings); err != nil {
			logger.Error("configure virtual printer", "err", err)
		}
		cancel()
	}

	auto := initAutomation(events, fm, cfg, logger)
	ha := initHomeAssistant(events, fm, cfg, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	ha.Stop()
	auto.Stop()
	vp.Close()
	fm.Close()

	logger.Info("goodbye")
}

// seedPrinters writes configured printers into the store, keeping fields
// the store already learned (LastSeen, AddedAt).
func seedPrinters(db *store.BoltStore, printers []PrinterConfig) error {
	for _, pc := range printers {
		p, err := db.GetPrinter(pc.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			p = &store.Printer{ID: pc.ID, AddedAt: time.Now()}
		case err != nil:
			return fmt.Errorf("get printer %s: %w", pc.ID, err)
		}
		p.Name = pc.Name
		p.Host = pc.Host
		p.Serial = pc.Serial
		p.AccessCode = pc.AccessCode
		p.Model = pc.Model
		if p.Name == "" {
			p.Name = pc.ID
		}
		if err := db.SavePrinter(p); err != nil {
			return fmt.Errorf("save printer %s: %w", pc.ID, err)
		}
	}
	return nil
}

func virtualConfig(cfg *Config) virtual.Config {
	vc := cfg.VirtualPrinter
	return virtual.Config{
		Bind:        vc.Bind,
		Address:     vc.Address,
		FTPPort:     vc.FTPPort,
		MQTTPort:    vc.MQTTPort,
		SSDPPort:    vc.SSDPPort,
		SSDPGroup:   vc.SSDPGroup,
		UploadDir:   vc.UploadDir,
		CertDir:     vc.CertDir,
		DataTimeout: cfg.dataTimeout,
	}
}

// virtualSettings merges config over the persisted settings: the store
// remembers the last applied configuration, config values win when set.
func virtualSettings(cfg *Config, db *store.BoltStore) (virtual.Settings, error) {
	var s virtual.Settings
	saved, err := db.GetVirtualSettings()
	switch {
	case err == nil:
		s = virtual.Settings{
			Enabled:    saved.Enabled,
			Name:       saved.Name,
			Model:      saved.Model,
			AccessCode: saved.AccessCode,
			Mode:       virtual.Mode(saved.Mode),
			TargetHost: saved.TargetHost,
		}
	case !errors.Is(err, store.ErrNotFound):
		return s, err
	}

	vc := cfg.VirtualPrinter
	if vc.Enabled != nil {
		s.Enabled = *vc.Enabled
	}
	if vc.Name != "" {
		s.Name = vc.Name
	}
	if vc.Model != "" {
		s.Model = vc.Model
	}
	if vc.AccessCode != "" {
		s.AccessCode = vc.AccessCode
	}
	if vc.Mode != "" {
		s.Mode = virtual.Mode(vc.Mode)
	}
	if vc.TargetHost != "" {
		s.TargetHost = vc.TargetHost
	}
	if s.Mode == "" {
		s.Mode = virtual.ModeImmediate
	}

	err = db.SaveVirtualSettings(&store.VirtualSettings{
		Enabled:    s.Enabled,
		Name:       s.Name,
		Model:      s.Model,
		Mode:       string(s.Mode),
		AccessCode: s.AccessCode,
		TargetHost: s.TargetHost,
	})
	return s, err
}

func loadConfig(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg, logger)
	return &cfg, nil
}

func applyDefaults(cfg *Config, logger *slog.Logger) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "bambu-farm.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.FTPS.Port == 0 {
		cfg.FTPS.Port = 990
	}
	if cfg.FTPS.Workers == 0 {
		cfg.FTPS.Workers = 4
	}
	if cfg.FTPS.TempDir == "" {
		cfg.FTPS.TempDir = os.TempDir()
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = "archive"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	vc := &cfg.VirtualPrinter
	if vc.UploadDir == "" {
		vc.UploadDir = filepath.Join("virtual", "uploads")
	}
	if vc.CertDir == "" {
		vc.CertDir = filepath.Join("virtual", "certs")
	}
	if vc.FTPPort == 0 {
		vc.FTPPort = 990
	}
	if vc.MQTTPort == 0 {
		vc.MQTTPort = 8883
	}
	if vc.SSDPPort == 0 {
		vc.SSDPPort = ssdp.DefaultPort
	}
	if vc.SSDPGroup == "" {
		vc.SSDPGroup = ssdp.DefaultGroup
	}
	if cfg.HomeAssistant.TopicPrefix == "" {
		cfg.HomeAssistant.TopicPrefix = "bambu"
	}
	if cfg.Discovery.Group == "" {
		cfg.Discovery.Group = ssdp.DefaultGroup
	}
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = ssdp.DefaultPort
	}

	cfg.mqttKeepalive = parseDuration(logger, "mqtt.keepalive", cfg.MQTT.Keepalive, 15*time.Second)
	cfg.mqttConnectTimeout = parseDuration(logger, "mqtt.connect_timeout", cfg.MQTT.ConnectTimeout, 10*time.Second)
	cfg.ftpsTimeout = parseDuration(logger, "ftps.timeout", cfg.FTPS.Timeout, 30*time.Second)
	cfg.dataTimeout = parseDuration(logger, "virtual_printer.data_timeout", vc.DataTimeout, 30*time.Second)
	cfg.hassInterval = parseDuration(logger, "home_assistant.state_interval", cfg.HomeAssistant.StateInterval, 30*time.Second)
}

func parseDuration(logger *slog.Logger, key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
