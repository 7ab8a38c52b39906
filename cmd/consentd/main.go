// ABOUTME: Entry point for the consentd admission daemon
// ABOUTME: Loads config, wires the broker, agents, and gateway, runs the lifecycle

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/meridian-io/consentd/internal/admission"
	"github.com/meridian-io/consentd/internal/agent"
	"github.com/meridian-io/consentd/internal/auth"
	"github.com/meridian-io/consentd/internal/broker"
	"github.com/meridian-io/consentd/internal/config"
	"github.com/meridian-io/consentd/internal/crypto"
	"github.com/meridian-io/consentd/internal/gateway"
	"github.com/meridian-io/consentd/internal/lifecycle"
	"github.com/meridian-io/consentd/internal/runtime"
	"github.com/meridian-io/consentd/internal/service"
	"github.com/meridian-io/consentd/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        _      _
  ___ ___  _ __  ___  ___ _ __  | |_ __| |
 / __/ _ \| '_ \/ __|/ _ \ '_ \ | __/ _' |
| (_| (_) | | | \__ \  __/ | | || || (_| |
 \___\___/|_| |_|___/\___|_| |_| \__\__,_|
`

// getConfigPath returns the path to the daemon config file.
// Priority: CONSENTD_CONFIG env var > XDG_CONFIG_HOME/consentd/consentd.yaml > ~/.config/consentd/consentd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONSENTD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "consentd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "consentd", "consentd.yaml")
}

// getDataPath returns the path to the consentd data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "consentd")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: consentd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the admission daemon")
		fmt.Println("  init      Write a starter config file")
		fmt.Println("  health    Check daemon health")
		fmt.Println("  status    Show readiness and consumer count")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Broker:  %s (%s)\n", cfg.Broker.Provider, cfg.Broker.Endpoint)
	fmt.Println()

	logger.Info("starting consentd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"broker", cfg.Broker.Provider,
	)

	// Crypto session first: the lifecycle controller refuses to expose any
	// service without it, but the handle itself is built here.
	session, err := crypto.OpenSession(cfg.Crypto.Key)
	if err != nil {
		return fmt.Errorf("opening crypto session: %w", err)
	}

	client, err := connectBroker(cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting broker: %w", err)
	}
	defer client.Close()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	topics := broker.Topics(cfg.Broker.TopicPrefix)
	rc := runtime.NewContext(client, session, topics)

	var tokens *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewJWTManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("creating token manager: %w", err)
		}
	}

	pool := agent.NewResponsePool(cfg.Agents.ResponseQueueSize, logger)
	manager := agent.NewManager(rc, pool, cfg.Agents, logger)

	agents := []agent.Agent{
		agent.NewSyncResponseAgent(topics.Sync, st),
		agent.NewConsentSearchAgent(topics.ConsentSearch, st, session),
		agent.NewBrandSearchAgent(topics.BrandSearch, st),
		agent.NewStatusReportAgent(topics.StatusReport, st),
	}

	replyTopic := cfg.Broker.TopicPrefix + ".responses"
	handlers := service.NewHandlers(rc, st, tokens, replyTopic, version, logger)

	filter := admission.NewFilter(logger)
	rule := admission.RuleFromConfig(cfg.Admission)
	routes := handlers.Routes()
	for pattern := range routes {
		filter.Attach(pattern, rule)
	}

	server := gateway.New(cfg, rc, routes, filter, logger)
	controller := lifecycle.NewController(cfg, rc, manager, pool, server, nil, logger)

	return controller.Start(ctx, agents)
}

// connectBroker builds the configured broker client.
func connectBroker(cfg *config.Config, logger *slog.Logger) (broker.Client, error) {
	switch cfg.Broker.Provider {
	case "memory":
		logger.Warn("using in-memory broker, messages do not survive restarts")
		return broker.NewMemoryClient(), nil
	case "jetstream":
		return broker.ConnectJetStream(broker.JetStreamConfig{
			Endpoint: cfg.Broker.Endpoint,
			Replicas: cfg.Broker.PartitionCount,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "consentd.db")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# consentd configuration
# Generated by consentd init

server:
  http_addr: "localhost:8080"
  idle_timeout: "60s"

broker:
  provider: "jetstream"
  endpoint: "nats://localhost:4222"
  partition_count: 1
  topic_prefix: "consentd"

agents:
  pool_size: 4
  response_queue_size: 8
  failure_policy: "ack"

admission:
  requests_per_sec: 50
  max_request_ms: 60000
  delay_ms: -1

database:
  path: "%s"

auth:
  jwt_secret: "${CONSENTD_JWT_SECRET}"
  token_ttl: "1h"

crypto:
  key: "${CONSENTD_CRYPTO_KEY}"

shutdown:
  pool_wait: "60s"
  drain_initial_backoff: "100ms"
  drain_max_backoff: "5s"

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Set CONSENTD_CRYPTO_KEY to a hex-encoded 32-byte key, then:")
	fmt.Println("  consentd serve")

	return nil
}
