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
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sepipe/sepiped/internal/audit"
	"github.com/sepipe/sepiped/internal/bus"
	"github.com/sepipe/sepiped/internal/config"
	"github.com/sepipe/sepiped/internal/dashboard"
	"github.com/sepipe/sepiped/internal/health"
	"github.com/sepipe/sepiped/internal/integration"
	"github.com/sepipe/sepiped/internal/notify"
	"github.com/sepipe/sepiped/internal/observe"
	"github.com/sepipe/sepiped/internal/phase"
	"github.com/sepipe/sepiped/internal/sandbox"
	"github.com/sepipe/sepiped/internal/scheduler"
	"github.com/sepipe/sepiped/internal/seed"
	"github.com/sepipe/sepiped/internal/selfupdate"
	"github.com/sepipe/sepiped/internal/store"
	"github.com/sepipe/sepiped/internal/telemetry"
	"github.com/sepipe/sepiped/internal/ticker"
)

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(args[1:]))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	provider, err := observe.Init(ctx, observe.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())

	dbPath := filepath.Join(cfg.HomeDir, "sepiped.db")
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.NewWithLogger(logger)

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	sandboxRunner, err := sandbox.New(cfg.Sandbox.Image, cfg.Sandbox.ContainerMemMB, cfg.Sandbox.Network)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	defer sandboxRunner.Close()

	sessionRoot := filepath.Join(cfg.HomeDir, "sessions")
	agentBinary := os.Getenv("SEPIPED_AGENT_BINARY")
	if agentBinary == "" {
		agentBinary = "claude"
	}

	handlers := &phase.Handlers{
		Store:       st,
		Sandboxed:   &dockerInvoker{sandbox: sandboxRunner, model: cfg.Model, assistantName: cfg.AssistantName},
		HostAgent:   &hostInvoker{binaryPath: agentBinary, model: cfg.Model, assistantName: cfg.AssistantName},
		RunCommand:  runTestCommand,
		SessionRoot: sessionRoot,
	}

	registry := observe.NewRegistry()
	cfgMu := &sync.RWMutex{}
	cfgCopy := cfg

	pl := &pipeline{
		handlers:    handlers,
		store:       st,
		bus:         eventBus,
		registry:    registry,
		logger:      logger,
		Cfg:         &cfgCopy,
		CfgMu:       cfgMu,
		testCommand: repoTestCommand(&cfgCopy, cfgMu),
	}

	sched := scheduler.New(scheduler.Config{
		Store:        st,
		Bus:          eventBus,
		Logger:       logger,
		TickInterval: time.Duration(cfg.TickIntervalSeconds) * time.Second,
		MaxAgents:    int64(cfg.MaxAgents),
		RunWorker:    pl.runTask,
	})

	seedInvoker := &dockerInvoker{sandbox: sandboxRunner, model: cfg.Model, assistantName: cfg.AssistantName}
	seedEngine := seed.New(st, seedInvoker, cfg)
	sched.SetIdleFunc(func(idleCtx context.Context) {
		if err := seedEngine.Run(idleCtx); err != nil {
			logger.Error("seed engine run failed", "error", err)
		}
		if err := seedEngine.Triage(idleCtx); err != nil {
			logger.Error("seed engine triage failed", "error", err)
		}
	})

	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()

	var integrationEngines []*integration.Engine
	for _, repo := range cfg.Repos {
		if repo.ManualMerge {
			continue
		}
		integrationEngines = append(integrationEngines, integration.New(st, eventBus, repo))
	}
	integrationTicker := ticker.New(logger)
	if len(integrationEngines) > 0 {
		if err := integrationTicker.AddFunc("@every 30s", func() {
			for _, eng := range integrationEngines {
				if err := eng.Tick(ctx); err != nil {
					logger.Error("integration engine tick failed", "error", err)
				}
			}
		}); err != nil {
			logger.Error("integration ticker registration failed", "error", err)
		} else {
			integrationTicker.Start()
			defer integrationTicker.Stop()
		}
	}

	var healthEngines []*health.Engine
	for _, repo := range cfg.Repos {
		he := health.New(st, repo, time.Duration(cfg.HealthCheckIntervalMin)*time.Minute, logger)
		he.Start(ctx)
		healthEngines = append(healthEngines, he)
	}
	defer func() {
		for _, he := range healthEngines {
			he.Stop()
		}
	}()

	var selfupdateEngine *selfupdate.Engine
	if primary, ok := cfg.PrimaryRepo(); ok {
		selfupdateEngine, err = selfupdate.New(primary.Path, primary.BuildCommand,
			time.Duration(cfg.RemoteCheckIntervalSec)*time.Second, logger, stop)
		if err != nil {
			logger.Error("self-update engine init failed", "error", err)
		} else {
			selfupdateEngine.Start(ctx)
			defer selfupdateEngine.Stop()
		}
	}

	var forceRestart func()
	if selfupdateEngine != nil {
		forceRestart = selfupdateEngine.ForceRestart
	}

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := notify.NewTelegram(cfg.Channels.Telegram, eventBus, logger)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram notifier failed", "error", err)
				}
			}()
			defer tg.Stop()
		}
	}

	dash := dashboard.New(dashboard.Config{
		Store:        st,
		Bus:          eventBus,
		Cfg:          &cfgCopy,
		CfgMu:        cfgMu,
		ForceRestart: forceRestart,
		AuthToken:    authToken,
		CORSOrigins:  cfg.AllowOrigins,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: dash.Handler(),
	}

	// eg fans the two long-lived listeners the supervisor owns directly (the
	// control-surface server and the metrics server) out onto their own
	// goroutines; egCtx cancels the moment either one exits with a real
	// error, so a bind failure on one brings the other down with it instead
	// of leaving an orphaned listener nobody is watching.
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("dashboard listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if isAddrInUse(err) {
				return fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
			}
			return err
		}
		return nil
	})

	metricsServer := observe.NewServer(cfg.Telemetry.MetricsAddr, registry, logger)
	eg.Go(func() error {
		logger.Info("metrics server listening", "addr", cfg.Telemetry.MetricsAddr)
		return metricsServer.ListenAndServe()
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-egCtx.Done():
		logger.Error("supervised listener exited early")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := eg.Wait(); err != nil {
		logger.Error("listener group reported error", "error", err)
	}
	logger.Info("shutdown complete")
}

// runTestCommand runs the repo's configured test command in a worktree,
// satisfying phase.TestRunner.
func runTestCommand(ctx context.Context, worktreeDir, command string) (stdout, stderr string, exitCode int, err error) {
	return runShellCommand(ctx, worktreeDir, command)
}

// repoTestCommand returns a lookup closure from repo path to its configured
// test command, reading the live config under its own lock so a hot-reloaded
// test_command takes effect on the next dispatch.
func repoTestCommand(cfg *config.Config, mu *sync.RWMutex) func(repoPath string) string {
	return func(repoPath string) string {
		mu.RLock()
		defer mu.RUnlock()
		for _, r := range cfg.Repos {
			if r.Path == repoPath {
				return r.TestCommand
			}
		}
		return ""
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "sepiped [-daemon] | status | doctor | help")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
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

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("SEPIPED_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
