package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/botfleet/internal/bus"
	"github.com/basket/botfleet/internal/channels"
	"github.com/basket/botfleet/internal/command"
	"github.com/basket/botfleet/internal/config"
	"github.com/basket/botfleet/internal/cron"
	"github.com/basket/botfleet/internal/extractor"
	"github.com/basket/botfleet/internal/fleet"
	"github.com/basket/botfleet/internal/gateway"
	otelPkg "github.com/basket/botfleet/internal/otel"
	"github.com/basket/botfleet/internal/persistence"
	"github.com/basket/botfleet/internal/protocol"
	"github.com/basket/botfleet/internal/status"
	"github.com/basket/botfleet/internal/telemetry"
	"github.com/basket/botfleet/internal/tui"
	"github.com/basket/botfleet/internal/viewer"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the fleet with the dashboard TUI

DAEMON MODE:
  %s -daemon                  Start the fleet supervisor (no TUI, logs to stdout)
  %s -simulate                Run against the built-in simulated connections

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  BOTFLEET_HOME           Data directory (default: ~/.botfleet)
  BOTFLEET_NO_TUI         Set to 1 to disable the dashboard
  BOTFLEET_AUTH_TOKEN     Gateway auth token (overrides config and auth.token)

EXAMPLES:
  Dashboard:              %s
  Daemon mode:            %s -daemon
  Dry run:                %s -simulate
  Check daemon health:    %s status
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BOTFLEET_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no dashboard, logs to stdout)")
	simulate := flag.Bool("simulate", false, "use simulated connections instead of the protocol client")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) in interactive mode so the dashboard stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "accounts", len(cfg.Accounts), "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.Gateway.BindAddr)
		}
	}

	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go metrics.Record(ctx, eventBus)

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	increments := make([]extractor.IncrementRule, 0, len(cfg.Extract.Increments))
	for _, rule := range cfg.Extract.Increments {
		increments = append(increments, extractor.IncrementRule{Counter: rule.Counter, Pattern: rule.Pattern})
	}
	ext, err := extractor.New(extractor.Options{
		BalanceCounter:     cfg.Extract.BalanceCounter,
		Labels:             cfg.Extract.Labels,
		Floor:              cfg.Extract.Floor,
		Ceiling:            cfg.Extract.Ceiling,
		Increments:         increments,
		MaintenancePhrases: cfg.Maintenance.Phrases,
	})
	if err != nil {
		fatalStartup(logger, "E_EXTRACTOR_INIT", err)
	}

	var client protocol.Client
	if *simulate || cfg.Protocol.Mode == "simulate" {
		sim := protocol.NewSimClient()
		sim.SetAutoEcho(true)
		client = sim
		logger.Info("using simulated connections")
	} else {
		if cfg.Protocol.Command == "" {
			fatalStartup(logger, "E_PROTOCOL_CONFIG", fmt.Errorf("protocol.command is required in stdio mode (or run with -simulate)"))
		}
		client = protocol.NewStdioClient(logger, cfg.Protocol.Command, cfg.Protocol.Args)
	}

	var viewerSvc viewer.Service
	if cfg.Viewer.Command != "" {
		viewerSvc = viewer.NewExecService(logger, cfg.Viewer.Command, cfg.Viewer.Args,
			time.Duration(cfg.Viewer.ReadyTimeoutSeconds)*time.Second)
	} else {
		viewerSvc = viewer.NewFakeService()
	}

	manager := fleet.NewManager(logger, eventBus, ext, client, store, viewerSvc, cfg)
	manager.Start(ctx)
	logger.Info("startup phase", "phase", "fleet_started", "sessions", len(cfg.Accounts))

	heartbeat := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	aggregator := status.NewAggregator(logger, eventBus, manager, heartbeat)
	aggregator.Start(ctx)
	defer aggregator.Stop()

	dispatcher := command.NewDispatcher(logger, eventBus, manager)

	schedules := make([]cron.Schedule, 0, len(cfg.Query.Schedules))
	for _, sched := range cfg.Query.Schedules {
		cmd := sched.Command
		if cmd == "" {
			cmd = cfg.Query.Command
		}
		schedules = append(schedules, cron.Schedule{
			Name:    sched.Name,
			Cron:    sched.Cron,
			Command: cmd,
			Target:  sched.Target,
		})
	}
	cronSched, err := cron.NewScheduler(cron.Config{
		Dispatcher: dispatcher,
		Store:      store,
		Logger:     logger,
		Schedules:  schedules,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_PARSE", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	serverErr := make(chan error, 1)
	var httpServer *http.Server
	if cfg.Gateway.Enabled {
		authToken, err := loadAuthToken(cfg.HomeDir, cfg.Gateway.AuthToken)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}

		gw := gateway.New(logger, gateway.Config{
			Aggregator:        aggregator,
			Dispatcher:        dispatcher,
			Bus:               eventBus,
			Store:             store,
			AuthToken:         authToken,
			AllowOrigins:      cfg.Gateway.AllowOrigins,
			ConfigFingerprint: cfg.Fingerprint(),
			Version:           Version,
			StartedAt:         time.Now(),
		})

		httpServer = &http.Server{
			Addr:    cfg.Gateway.BindAddr,
			Handler: gw.Handler(),
		}
		ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
		if err != nil {
			fatalStartup(logger, "E_GATEWAY_BIND", err)
		}
		go func() {
			logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr, "ws", "/ws")
			if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				dispatcher,
				aggregator,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	// Hot-reload keeps the extractor window current; account roster changes
	// need a restart to take effect.
	confWatcher := config.NewWatcher(logger, cfg.HomeDir, func(newCfg config.Config) {
		if newCfg.Fingerprint() == cfg.Fingerprint() {
			return
		}
		logger.Info("config.yaml changed", "fingerprint", newCfg.Fingerprint())
		if newCfg.Extract.Floor != cfg.Extract.Floor || newCfg.Extract.Ceiling != cfg.Extract.Ceiling {
			if err := ext.SetWindow(newCfg.Extract.Floor, newCfg.Extract.Ceiling); err != nil {
				logger.Warn("extract window rejected", "error", err)
			} else {
				logger.Info("extract window updated",
					"floor", newCfg.Extract.Floor, "ceiling", newCfg.Extract.Ceiling)
			}
		}
		if len(newCfg.Accounts) != len(cfg.Accounts) {
			logger.Warn("account roster changed; restart to apply")
		}
		cfg = newCfg
	})
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	defer confWatcher.Stop()

	if interactive {
		go func() {
			if err := tui.Run(ctx, aggregator.Snapshot, dispatcher); err != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain the fleet so every session records a
	// clean shutdown before the store closes.
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.Warn("fleet drain incomplete", "error", err)
	}
	cancel()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the gateway token: environment first, then config,
// then the persisted auth.token file, generating one on first run.
func loadAuthToken(homeDir, configured string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("BOTFLEET_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	if tok := strings.TrimSpace(configured); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
