// Package main provides the entry point for workshopd.
//
// workshopd is a standalone service that accepts Steam Workshop item
// URLs, drives the external steamcmd tool to retrieve their content,
// packages the result into a zip archive, and serves it for download:
// - REST API for submission, status polling, archive delivery, and cleanup
// - Live log streaming over WebSocket, gated by observer session tokens
// - MCP server for agent-driven submission and status checks
//
// Usage:
//
//	workshopd                    Start the service (default)
//	workshopd serve              Start the service
//	workshopd version            Show version
//	workshopd status             Show service status
//	workshopd stop               Stop the running service
//	workshopd mcp                Start MCP server (stdio mode)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/workshopd/internal/api"
	"github.com/ternarybob/workshopd/internal/confwatch"
	"github.com/ternarybob/workshopd/internal/config"
	"github.com/ternarybob/workshopd/internal/logger"
	"github.com/ternarybob/workshopd/internal/mcpapi"
	"github.com/ternarybob/workshopd/internal/service"
	"github.com/ternarybob/workshopd/pkg/archive"
	"github.com/ternarybob/workshopd/pkg/logbus"
	"github.com/ternarybob/workshopd/pkg/obssession"
	"github.com/ternarybob/workshopd/pkg/orchestrator"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/scraper"
	"github.com/ternarybob/workshopd/pkg/steamclient"
	"github.com/ternarybob/workshopd/pkg/workspace"
)

// version is set via -ldflags at build time
var version = "dev"

// Command-line flags
var (
	configPath string
)

func main() {
	api.SetVersion(version)

	args := os.Args[1:]
	command := ""
	cmdArgs := []string{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
		} else if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			i++
		} else if strings.HasPrefix(arg, "-") {
			// Skip unknown flags for now
		} else if command == "" {
			command = arg
		} else {
			cmdArgs = append(cmdArgs, arg)
		}
	}

	if command == "" {
		command = "serve"
	}

	var err error
	switch command {
	case "serve", "start":
		err = cmdServe(cmdArgs)
	case "version", "-v", "--version":
		cmdVersion()
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "mcp", "mcp-server":
		err = cmdMCP(cmdArgs)
	case "init-config":
		err = cmdInitConfig()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`workshopd - Steam Workshop item download and packaging service

Usage:
  workshopd [flags] [command] [args]

Commands:
  serve         Start the service (default)
  version       Show version information
  status        Show service status
  stop          Stop the running service
  mcp           Start MCP server (stdio mode for agent integration)
  init-config   Create example configuration file
  help          Show this help

Flags:
  --config PATH   Path to configuration file (default: ~/.workshopd/config.toml)

Environment:
  STEAM_USERNAME      Steam account username (optional, anonymous if unset)
  STEAM_PASSWORD      Steam account password
  STEAM_GUARD_CODE    Steam Guard second-factor code
  WORKSHOPD_CONFIG    Path to configuration file (alternative to --config)
  WORKSHOPD_DATA_DIR  Override data directory

Configuration:
  Config file: ~/.workshopd/config.toml (TOML format)

Examples:
  workshopd                            Start the service with defaults
  workshopd --config /path/to.toml     Start with custom config
  workshopd mcp                        Start MCP server for agent tools
  workshopd init-config                Create example config file
  curl localhost:8420/health           Check service health
  curl -X POST localhost:8420/jobs \
       -d '{"url":"https://steamcommunity.com/sharedfiles/filedetails/?id=123"}'`)
}

func cmdVersion() {
	fmt.Printf("workshopd version %s\n", version)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("WORKSHOPD_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if envDataDir := os.Getenv("WORKSHOPD_DATA_DIR"); envDataDir != "" {
		cfg.Service.DataDir = envDataDir
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	log := logger.SetupLogger(cfg)

	ws, err := workspace.NewManager(cfg.WorkspacesDir(), log)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}
	// Job records do not survive a restart, so any workspace left on disk
	// from a previous process belongs to a job no client can query anymore.
	if err := ws.SweepAll(); err != nil {
		log.Warn().Err(err).Msg("failed to sweep stale workspaces on startup")
	}

	reg := registry.NewRegistry(log)
	bus := logbus.NewBus(cfg.Download.LogRingCapacity, cfg.Download.LogStreamBurstSize, log)
	sessions := obssession.NewStore(time.Duration(cfg.Observer.SessionTTLMinutes) * time.Minute)

	adapter := steamclient.NewAdapter(steamclient.Config{
		BinaryPath:         cfg.Steam.BinaryPath,
		ApplicationID:      cfg.Steam.ApplicationID,
		Username:           cfg.Steam.Username,
		Password:           cfg.Steam.Password,
		CredentialStoreDir: cfg.WorkspacesDir(),
		SessionCacheWindow: time.Duration(cfg.Steam.SessionCacheMins) * time.Minute,
		VerifyTimeout:      time.Duration(cfg.Steam.VerifyTimeoutSec) * time.Second,
		FetchTimeout:       time.Duration(cfg.Steam.FetchTimeoutMin) * time.Minute,
		TerminationGrace:   10 * time.Second,
	}, ws.FindContent, log)

	// A configured second-factor code bootstraps the session once, up front,
	// so the first submitted job doesn't stall on a prompt no one is
	// watching for. Subsequent jobs reuse the cached session.
	if cfg.Steam.SecondFactorCode != "" {
		ok, stillRequired := adapter.AuthenticateWithSecondFactor(context.Background(), cfg.WorkspacesDir(), cfg.Steam.SecondFactorCode)
		if !ok {
			log.Warn().Int("stillRequired", int(stillRequired)).Msg("second-factor session bootstrap failed, jobs will retry login individually")
		} else {
			log.Info().Msg("second-factor session bootstrap succeeded")
		}
	}

	builder := archive.NewBuilder(time.Duration(cfg.Archive.BuildTimeoutMinutes)*time.Minute, log)
	scr := scraper.New(time.Duration(cfg.Steam.VerifyTimeoutSec) * time.Second)

	orch := orchestrator.New(orchestrator.Config{
		AppID:            cfg.Steam.ApplicationID,
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		MaxRetryAttempts: cfg.Steam.MaxRetryAttempts,
		RetryBase:        time.Duration(cfg.Steam.RetryBaseSeconds) * time.Second,
		JobTimeout:       time.Duration(cfg.Download.JobTimeoutMinutes) * time.Minute,
	}, reg, ws, adapter, builder, bus, log)

	startSweeper := func(interval, deadline time.Duration) func() {
		ctx, cancel := context.WithCancel(context.Background())
		orch.StartSweeper(ctx, interval, deadline)
		return cancel
	}
	stopSweeper := startSweeper(time.Duration(cfg.Download.SweepIntervalMins)*time.Minute, time.Duration(cfg.Download.JobTimeoutMinutes)*time.Minute)

	apiServer := api.NewServer(cfg, reg, orch, scr, bus, sessions, log)

	var watcher *confwatch.Watcher
	if _, statErr := os.Stat(getConfigPath()); statErr == nil {
		watcher, err = confwatch.New(getConfigPath(), log, func(reloaded *config.Config) {
			orch.SetMaxConcurrent(reloaded.Download.MaxConcurrent)
			stopSweeper()
			stopSweeper = startSweeper(
				time.Duration(reloaded.Download.SweepIntervalMins)*time.Minute,
				time.Duration(reloaded.Download.JobTimeoutMinutes)*time.Minute,
			)
		})
		if err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable, hot reload disabled")
		} else {
			watcher.Start()
		}
	}

	daemon := service.NewDaemon(cfg)
	daemon.OnShutdown(func(ctx context.Context) {
		if watcher != nil {
			watcher.Stop()
		}
		stopSweeper()
		bus.CloseAll()
		scr.Close()
	})

	if err := daemon.Start(apiServer.Handler()); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("workshopd v%s started on %s\n", version, cfg.Address())
	fmt.Printf("API: http://%s/jobs\n", cfg.Address())

	daemon.Wait()

	return nil
}

func cmdStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid := service.IsRunning(cfg)
	if running {
		fmt.Printf("workshopd: running (PID %d)\n", pid)
		fmt.Printf("Address: %s\n", cfg.Address())
		fmt.Printf("Config: %s\n", getConfigPath())
		fmt.Printf("Data: %s\n", cfg.Service.DataDir)
	} else {
		fmt.Println("workshopd: stopped")
	}

	return nil
}

func cmdStop() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("workshopd is not running")
		return nil
	}

	fmt.Printf("Stopping workshopd (PID %d)...\n", pid)
	if err := service.StopRunning(cfg); err != nil {
		return err
	}

	fmt.Println("workshopd stopped")
	return nil
}

// cmdMCP starts the Agent Tool Surface over stdio, sharing no process state
// with a concurrently running serve instance — each invocation owns its
// own Registry/Orchestrator for the lifetime of the stdio session.
func cmdMCP(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if !cfg.MCP.Enabled {
		fmt.Fprintln(os.Stderr, "[workshopd] Warning: mcp.enabled is false in config; starting anyway for this invocation.")
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	log := logger.SetupLogger(cfg)

	ws, err := workspace.NewManager(cfg.WorkspacesDir(), log)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}

	reg := registry.NewRegistry(log)
	bus := logbus.NewBus(cfg.Download.LogRingCapacity, cfg.Download.LogStreamBurstSize, log)

	adapter := steamclient.NewAdapter(steamclient.Config{
		BinaryPath:         cfg.Steam.BinaryPath,
		ApplicationID:      cfg.Steam.ApplicationID,
		Username:           cfg.Steam.Username,
		Password:           cfg.Steam.Password,
		CredentialStoreDir: cfg.WorkspacesDir(),
		SessionCacheWindow: time.Duration(cfg.Steam.SessionCacheMins) * time.Minute,
		VerifyTimeout:      time.Duration(cfg.Steam.VerifyTimeoutSec) * time.Second,
		FetchTimeout:       time.Duration(cfg.Steam.FetchTimeoutMin) * time.Minute,
		TerminationGrace:   10 * time.Second,
	}, ws.FindContent, log)

	builder := archive.NewBuilder(time.Duration(cfg.Archive.BuildTimeoutMinutes)*time.Minute, log)
	scr := scraper.New(time.Duration(cfg.Steam.VerifyTimeoutSec) * time.Second)
	defer scr.Close()

	orch := orchestrator.New(orchestrator.Config{
		AppID:            cfg.Steam.ApplicationID,
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		MaxRetryAttempts: cfg.Steam.MaxRetryAttempts,
		RetryBase:        time.Duration(cfg.Steam.RetryBaseSeconds) * time.Second,
		JobTimeout:       time.Duration(cfg.Download.JobTimeoutMinutes) * time.Minute,
	}, reg, ws, adapter, builder, bus, log)

	mcpServer := mcpapi.New(version, orch, reg, scr, cfg.Steam.ApplicationID, log)

	return mcpServer.ServeStdio()
}

func cmdInitConfig() error {
	path := getConfigPath()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := config.WriteExampleConfig(path); err != nil {
		return err
	}

	fmt.Printf("Created example configuration: %s\n", path)
	return nil
}
