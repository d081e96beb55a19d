// Command botapigateway runs the multi-tenant Telegram Bot API gateway:
// the HTTP front server, the client manager, and the persisted TQueue and
// webhook registry backing every registered bot.
//
// Grounded on the teacher's example/main.go for signal-driven graceful
// shutdown, generalized from a single-bot demo to the full gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/prilive-com/botapigateway/internal/config"
	"github.com/prilive-com/botapigateway/internal/httpfront"
	"github.com/prilive-com/botapigateway/internal/manager"
	"github.com/prilive-com/botapigateway/internal/telemetry"
	"github.com/prilive-com/botapigateway/internal/tqueue"
	"github.com/prilive-com/botapigateway/internal/upstream/fake"
	"github.com/prilive-com/botapigateway/internal/webhookdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "botapigateway:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pre := flag.NewFlagSet("botapigateway", flag.ContinueOnError)
	pre.StringVar(&configPath, "config", "", "YAML config file (lowest-priority layer above defaults)")
	if err := pre.Parse(trimConfigFlag(os.Args[1:])); err != nil {
		return fmt.Errorf("parsing --config: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fs := flag.NewFlagSet("botapigateway", flag.ExitOnError)
	fs.StringVar(&configPath, "config", configPath, "YAML config file (lowest-priority layer above defaults)")
	config.FlagSet(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := telemetry.New(config.VerbosityToSlogLevel(cfg.Verbosity), cfg.LogPath)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating working directory %q: %w", cfg.Dir, err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, cfg.TempDir), 0o755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}

	queue, err := tqueue.Open(filepath.Join(cfg.Dir, "tqueue.binlog"), logger.Logger)
	if err != nil {
		return fmt.Errorf("opening tqueue binlog: %w", err)
	}
	defer queue.Close()

	webhookDB, err := webhookdb.Open(filepath.Join(cfg.Dir, "webhooks_db.binlog"), logger.Logger)
	if err != nil {
		return fmt.Errorf("opening webhook registry: %w", err)
	}
	defer webhookDB.Close()

	rem, mod, err := config.ParseFilter(cfg.Filter)
	if err != nil {
		return fmt.Errorf("parsing --filter: %w", err)
	}

	// The real MTProto-backed upstream.Dialer is out of scope (see the
	// upstream client boundary non-goal); the gateway wires the
	// deterministic fake.Dialer in its place, matching the interface a
	// real implementation would plug into unchanged.
	dialer := fake.NewDialer()

	mgr := manager.New(logger.Logger, queue, webhookDB, dialer, manager.Config{
		Admission:             manager.Admission{Rem: rem, Mod: mod},
		MaxWebhookConnections: cfg.MaxWebhookConns,
		LocalMode:             cfg.Local,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.RestoreWebhooks(ctx)
	mgr.StartWatchdog(cfg.WatchdogKickInterval, cfg.WatchdogTimeout)
	defer mgr.StopWatchdog()

	addr := net.JoinHostPort(cfg.HTTPIPAddress, strconv.Itoa(cfg.HTTPPort))
	statAddr := ""
	if cfg.HTTPStatPort != 0 {
		statAddr = net.JoinHostPort(cfg.HTTPIPAddress, strconv.Itoa(cfg.HTTPStatPort))
	}

	front := httpfront.New(logger.Logger, mgr, httpfront.Config{
		Addr:            addr,
		StatAddr:        statAddr,
		TempDir:         filepath.Join(cfg.Dir, cfg.TempDir),
		DrainDelay:      cfg.DrainDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	sigCh := make(chan os.Signal, 1)
	registerSignals(sigCh)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- front.Run(ctx) }()

	logger.Info("botapigateway started", "addr", addr, "stat_addr", statAddr)

	for {
		select {
		case err := <-serveErrCh:
			cancel()
			if err := mgr.Close(); err != nil {
				logger.Error("error closing manager", "error", err)
			}
			return err

		case sig := <-sigCh:
			if isShutdownSignal(sig) {
				logger.Info("received shutdown signal, draining", "signal", sig)
				cancel()
				for {
					select {
					case err := <-serveErrCh:
						if closeErr := mgr.Close(); closeErr != nil {
							logger.Error("error closing manager", "error", closeErr)
						}
						return err
					case sig := <-sigCh:
						if isShutdownSignal(sig) {
							logger.Warn("second shutdown signal received, exiting immediately", "signal", sig)
							os.Exit(1)
						}
						handleControlSignal(sig, logger)
					}
				}
			}
			handleControlSignal(sig, logger)
		}
	}
}

// trimConfigFlag returns only the leading -config/--config flag (and its
// value) from args, ignoring flags the full FlagSet doesn't know about yet
// — this lets --config be resolved before the rest of the flags, which
// need the file's contents as their defaults.
func trimConfigFlag(args []string) []string {
	for i, a := range args {
		if a == "-config" || a == "--config" {
			if i+1 < len(args) {
				return args[i : i+2]
			}
		}
	}
	return nil
}

func isShutdownSignal(sig os.Signal) bool {
	return sig == syscall.SIGTERM || sig == syscall.SIGINT
}

// handleControlSignal implements the non-shutdown signals of spec.md §6:
// RT+0 verbosity toggle, RT+1 ring-log dump, RT+2 stack+stats dump,
// SIGUSR1 log-file reopen. Go has no portable equivalent of the original
// implementation's real-time signal range, so RT+0/+1/+2 are mapped onto
// SIGUSR2/SIGWINCH/SIGHUP respectively — the closest stable signals POSIX
// guarantees on every platform this gateway targets.
func handleControlSignal(sig os.Signal, logger *telemetry.Logger) {
	switch sig {
	case syscall.SIGUSR1:
		logger.Info("SIGUSR1 received: log file reopen is handled by the next write (no in-process rotation state to reset)")
	case syscall.SIGUSR2:
		logger.Info("RT+0 equivalent received: verbosity toggle is not yet wired to a live logger handle")
	case syscall.SIGWINCH:
		logger.Info("RT+1 equivalent received: ring-log dump requested", "note", "ring log buffer not yet implemented")
	case syscall.SIGHUP:
		logger.Info("RT+2 equivalent received: dumping stack trace and stats", "stack", string(debug.Stack()))
	}
}

func registerSignals(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGWINCH, syscall.SIGHUP)
}
