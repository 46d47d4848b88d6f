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

	"clock-onair/internal/broker"
	"clock-onair/internal/bus"
	"clock-onair/internal/devices"
	"clock-onair/internal/ingest"
	"clock-onair/internal/line"
	"clock-onair/internal/nowplaying"
	"clock-onair/internal/ntpsync"
	"clock-onair/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// defaultToken matches the token flashed on the studio signal lights.
const defaultToken = "f02165728b8c53f2dfe31f5a16a6a133981e1e7c49a7e98ee08ef608aea4058f"

type Config struct {
	HTTP struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
	Line struct {
		Listen     string `yaml:"listen"`
		Token      string `yaml:"token"`
		SerialPort string `yaml:"serial_port"`
		SerialBaud int    `yaml:"serial_baud"`
	} `yaml:"line"`
	Ingest struct {
		Listen string `yaml:"listen"`
	} `yaml:"ingest"`
	NTP struct {
		Servers  []string `yaml:"servers"`
		Interval string   `yaml:"interval"`
	} `yaml:"ntp"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Line.Token == "" {
		return fmt.Errorf("line.token is required")
	}
	if _, err := time.ParseDuration(c.NTP.Interval); err != nil {
		return fmt.Errorf("ntp.interval: %w", err)
	}
	if c.Line.SerialPort != "" && c.Line.SerialBaud <= 0 {
		return fmt.Errorf("line.serial_baud must be positive when serial_port is set")
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
	logger.Info("clock-onair starting", "version", version)

	events := bus.New(logger)
	tracker := nowplaying.New(events, logger)
	registry := devices.NewRegistry()

	interval, _ := time.ParseDuration(cfg.NTP.Interval)
	ntpSvc := ntpsync.New(cfg.NTP.Servers, interval, events, logger)
	ntpCtx, ntpCancel := context.WithCancel(context.Background())
	go ntpSvc.Run(ntpCtx)

	lineServer := line.NewServer(cfg.Line.Listen, cfg.Line.Token, registry, events, logger)
	if err := lineServer.Start(); err != nil {
		logger.Error("start line server", "err", err)
		ntpCancel()
		os.Exit(1)
	}
	if cfg.Line.SerialPort != "" {
		if err := lineServer.OpenSerial(cfg.Line.SerialPort, cfg.Line.SerialBaud); err != nil {
			logger.Error("open serial port", "port", cfg.Line.SerialPort, "err", err)
		}
	}

	ingestServer := ingest.NewServer(cfg.Ingest.Listen, tracker, logger)
	if err := ingestServer.Start(); err != nil {
		logger.Error("start ingest server", "err", err)
		lineServer.Stop()
		ntpCancel()
		os.Exit(1)
	}

	msgBroker := broker.New(broker.Config{
		Events:     events,
		Registry:   registry,
		Fanout:     lineServer,
		Logger:     logger,
		NTPStatus:  ntpSvc.Status,
		NowPlaying: tracker.Snapshot,
	})
	msgBroker.Start()

	// Start automation engine before the HTTP surface so the script
	// endpoints can be wired in (no-op when built with no_automation).
	auto := initAutomation(events, tracker, lineServer, cfg, logger)

	var webOpts []web.ServerOption
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.HTTP.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, auto.webOptions()...)
	webServer := web.NewServer(msgBroker, tracker, ntpSvc, registry, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(events, registry, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	msgBroker.Stop()
	ingestServer.Stop()
	lineServer.Stop()
	ntpCancel()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment are enough to run.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":3000"
	}
	if cfg.Line.Listen == "" {
		cfg.Line.Listen = ":3500"
	}
	if cfg.Line.Token == "" {
		cfg.Line.Token = defaultToken
	}
	if cfg.Ingest.Listen == "" {
		cfg.Ingest.Listen = ":9000"
	}
	if len(cfg.NTP.Servers) == 0 {
		cfg.NTP.Servers = ntpsync.DefaultServers
	}
	if cfg.NTP.Interval == "" {
		cfg.NTP.Interval = "60s"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "clockonair"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv lets the container environment override the listen addresses
// and the hardware token.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLOCK_HTTP_PORT"); v != "" {
		cfg.HTTP.Listen = asListenAddr(v)
	}
	if v := os.Getenv("CLOCK_TCP_PORT"); v != "" {
		cfg.Line.Listen = asListenAddr(v)
	}
	if v := os.Getenv("CLOCK_INGEST_PORT"); v != "" {
		cfg.Ingest.Listen = asListenAddr(v)
	}
	if v := os.Getenv("CLOCK_ARDUINO_TOKEN"); v != "" {
		cfg.Line.Token = v
	}
}

func asListenAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
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
