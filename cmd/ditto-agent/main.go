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

	"ditto-agent/internal/agent"
	"ditto-agent/internal/ditto"
	"ditto-agent/internal/hono"
	"ditto-agent/internal/metrics"
	"ditto-agent/internal/script"
	"ditto-agent/internal/serialline"
	"ditto-agent/internal/store"
	"ditto-agent/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Thing struct {
		ID string `yaml:"id"` // "<namespace>:<name>"
	} `yaml:"thing"`
	Hono struct {
		Broker             string        `yaml:"broker"`
		Tenant             string        `yaml:"tenant"`
		AuthID             string        `yaml:"auth_id"`
		Password           string        `yaml:"password"`
		CAFile             string        `yaml:"ca_file"`
		InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
		LongTopics         bool          `yaml:"long_topics"`
		InboxSize          int           `yaml:"inbox_size"`
		PublishTimeout     time.Duration `yaml:"publish_timeout"`
	} `yaml:"hono"`
	Agent struct {
		Interval time.Duration `yaml:"interval"`
		Features []string      `yaml:"features"` // built-in: system, echo
	} `yaml:"agent"`
	Attributes map[string]any `yaml:"attributes"`
	Web        struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        bool     `yaml:"metrics"`
	} `yaml:"web"`
	Journal struct {
		Path       string `yaml:"path"`
		MaxEntries int    `yaml:"max_entries"`
	} `yaml:"journal"`
	ScriptsDir    string        `yaml:"scripts_dir"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	Serial        struct {
		Enabled bool                     `yaml:"enabled"`
		Port    string                   `yaml:"port"`
		Baud    int                      `yaml:"baud"`
		Feature serialline.FeatureConfig `yaml:"feature"`
	} `yaml:"serial"`
	InfluxDB struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if _, err := ditto.ParseThingID(c.Thing.ID); err != nil {
		return fmt.Errorf("thing.id: %w", err)
	}
	if c.Hono.Broker == "" {
		return fmt.Errorf("hono.broker is required")
	}
	if c.Hono.AuthID != "" && c.Hono.Tenant == "" {
		return fmt.Errorf("hono.tenant is required with hono.auth_id")
	}
	if c.Agent.Interval <= 0 {
		return fmt.Errorf("agent.interval must be positive, got %s", c.Agent.Interval)
	}
	for _, name := range c.Agent.Features {
		if _, ok := builtinFeatures[name]; !ok {
			return fmt.Errorf("agent.features: unknown feature %q", name)
		}
	}
	if c.Journal.MaxEntries < 0 {
		return fmt.Errorf("journal.max_entries must not be negative")
	}
	if c.Serial.Enabled && (c.Serial.Port == "" || c.Serial.Feature.ID == "") {
		return fmt.Errorf("serial.port and serial.feature.id are required when serial is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
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

	logger, level := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ditto-agent starting", "version", version, "thing", cfg.Thing.ID)

	if err := run(cfg, logger, level); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger, level *slog.LevelVar) error {
	id, _ := ditto.ParseThingID(cfg.Thing.ID)
	topics := hono.Topics{Long: cfg.Hono.LongTopics}

	client, err := hono.NewClient(hono.Config{
		Broker:             cfg.Hono.Broker,
		ClientID:           id.String(),
		TenantID:           cfg.Hono.Tenant,
		AuthID:             cfg.Hono.AuthID,
		Password:           cfg.Hono.Password,
		CAFile:             cfg.Hono.CAFile,
		InsecureSkipVerify: cfg.Hono.InsecureSkipVerify,
		Topics:             topics,
		InboxSize:          cfg.Hono.InboxSize,
		PublishTimeout:     cfg.Hono.PublishTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create hono client: %w", err)
	}

	events := agent.NewEventBus(logger)
	ag, err := agent.New(id, client, logger, agent.WithTopics(topics), agent.WithEvents(events))
	if err != nil {
		return err
	}
	defer ag.Close()

	for name, raw := range cfg.Attributes {
		v, err := attributeValue(raw)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", name, err)
		}
		if err := ag.AddAttribute(name, v); err != nil {
			return err
		}
	}

	env := featureEnv{start: time.Now(), level: level, dropped: client.Dropped, logger: logger}
	for _, name := range cfg.Agent.Features {
		if err := ag.AddFeature(builtinFeatures[name](env)); err != nil {
			return fmt.Errorf("feature %s: %w", name, err)
		}
	}

	scripts := script.NewEngine(logger, cfg.ScriptTimeout)
	defer scripts.Close()
	scripted, err := scripts.LoadDir(cfg.ScriptsDir)
	if err != nil {
		return fmt.Errorf("load scripts: %w", err)
	}
	for _, f := range scripted {
		if err := ag.AddFeature(f); err != nil {
			return fmt.Errorf("script feature %s: %w", f.ID(), err)
		}
	}

	if cfg.Serial.Enabled {
		line, err := serialline.Open(cfg.Serial.Port, cfg.Serial.Baud, logger)
		if err != nil {
			return err
		}
		defer line.Close()
		f, err := serialline.NewFeature(cfg.Serial.Feature, line)
		if err != nil {
			return err
		}
		if err := ag.AddFeature(f); err != nil {
			return err
		}
	}

	var webOpts []web.ServerOption
	if cfg.Journal.Path != "" {
		journal, err := store.NewBoltStore(cfg.Journal.Path, cfg.Journal.MaxEntries)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		defer attachJournal(events, journal, logger)()
		webOpts = append(webOpts, web.WithJournal(journal))
	}

	m := metrics.New()
	defer m.Attach(events)()
	if cfg.Web.Metrics {
		webOpts = append(webOpts, web.WithMetrics(m.Handler()))
	}

	hist := initHistory(cfg, id.String(), events, logger)
	defer hist.Stop()

	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webServer := web.NewServer(ag, events, logger, webOpts...)

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

	client.EnableCommands(ag.HasCommands())
	if err := client.Connect(); err != nil {
		logger.Error("hono connect", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ag.Run(ctx, cfg.Agent.Interval) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
		cancel()
		runErr = <-done
	case runErr = <-done:
		cancel()
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	client.Close()
	return runErr
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
	if cfg.Agent.Interval == 0 {
		cfg.Agent.Interval = time.Second
	}
	if cfg.Agent.Features == nil {
		cfg.Agent.Features = []string{"system"}
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Journal.MaxEntries == 0 {
		cfg.Journal.MaxEntries = store.DefaultMaxEntries
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// newLogger builds the process logger. The level can be changed at runtime
// through the returned LevelVar.
func newLogger(cfg *Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), level
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
