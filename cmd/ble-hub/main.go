package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"ble-sensor-hub/internal/ble"
	"ble-sensor-hub/internal/configurator"
	"ble-sensor-hub/internal/gatt"
	"ble-sensor-hub/internal/history"
	"ble-sensor-hub/internal/hub"
	"ble-sensor-hub/internal/profile"
	"ble-sensor-hub/internal/scanner"
	"ble-sensor-hub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	BLE struct {
		ConnectTimeoutSeconds   float64 `yaml:"connect_timeout_seconds"`
		OperationTimeoutSeconds float64 `yaml:"operation_timeout_seconds"`
		SettleDelaySeconds      float64 `yaml:"settle_delay_seconds"`
		WritePauseSeconds       float64 `yaml:"write_pause_seconds"`
	} `yaml:"ble"`
	Scan struct {
		TimeoutSeconds  float64 `yaml:"timeout_seconds"`
		CacheTTLSeconds float64 `yaml:"cache_ttl_seconds"`
	} `yaml:"scan"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		ProfilesPath  string `yaml:"profiles_path"`
		ScanCachePath string `yaml:"scan_cache_path"`
		HistoryPath   string `yaml:"history_path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		Broker         string `yaml:"broker"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		TopicPrefix    string `yaml:"topic_prefix"`
		TelemetryTopic string `yaml:"telemetry_topic"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Scan.TimeoutSeconds <= 0 || c.Scan.TimeoutSeconds > 120 {
		return fmt.Errorf("scan.timeout_seconds must be in (0, 120], got %v", c.Scan.TimeoutSeconds)
	}
	if c.BLE.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("ble.connect_timeout_seconds must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
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

	cfg, err := loadConfig(cfgPath)
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
	logger.Info("ble-sensor-hub starting", "version", version)

	registry := gatt.NewRegistry(logger)
	registry.Register(gatt.ZP2{})
	logger.Info("device registry initialized", "models", registry.Keys())

	transport, err := ble.NewAdapter(logger)
	if err != nil {
		logger.Error("open bluetooth adapter", "err", err)
		os.Exit(1)
	}

	cache := scanner.NewCache(cfg.Store.ScanCachePath, logger)
	sc := scanner.New(transport, registry, cache, logger)

	profiles := profile.NewStore(cfg.Store.ProfilesPath, logger)

	hist, err := history.NewStore(cfg.Store.HistoryPath)
	if err != nil {
		logger.Error("open history store", "err", err)
		os.Exit(1)
	}
	defer hist.Close()

	pipeline := configurator.New(transport, cache, registry, profiles, configurator.Config{
		Session: ble.SessionConfig{
			ConnectTimeout:   secs(cfg.BLE.ConnectTimeoutSeconds),
			OperationTimeout: secs(cfg.BLE.OperationTimeoutSeconds),
			SettleDelay:      secs(cfg.BLE.SettleDelaySeconds),
		},
		WritePause: secs(cfg.BLE.WritePauseSeconds),
	}, logger)

	events := hub.NewEventBus(logger)
	h := hub.New(sc, pipeline, profiles, hist, events, hub.Config{
		ScanTimeout: secs(cfg.Scan.TimeoutSeconds),
		CacheTTL:    secs(cfg.Scan.CacheTTLSeconds),
	}, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(h, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(h, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BLE.ConnectTimeoutSeconds == 0 {
		cfg.BLE.ConnectTimeoutSeconds = 10
	}
	if cfg.BLE.OperationTimeoutSeconds == 0 {
		cfg.BLE.OperationTimeoutSeconds = 5
	}
	if cfg.BLE.SettleDelaySeconds == 0 {
		cfg.BLE.SettleDelaySeconds = 2
	}
	if cfg.BLE.WritePauseSeconds == 0 {
		cfg.BLE.WritePauseSeconds = 0.5
	}
	if cfg.Scan.TimeoutSeconds == 0 {
		cfg.Scan.TimeoutSeconds = 8
	}
	if cfg.Scan.CacheTTLSeconds == 0 {
		cfg.Scan.CacheTTLSeconds = 60
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.ProfilesPath == "" {
		cfg.Store.ProfilesPath = "profiles.json"
	}
	if cfg.Store.ScanCachePath == "" {
		cfg.Store.ScanCachePath = "scan-cache.json"
	}
	if cfg.Store.HistoryPath == "" {
		cfg.Store.HistoryPath = "ble-hub.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ble-hub"
	}
	if cfg.MQTT.TelemetryTopic == "" {
		cfg.MQTT.TelemetryTopic = "test/test"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
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
