package config

import (
	"flag"
	"log/slog"
)

// FlagSet declares the CLI flags of spec.md §6 on fs, pre-populated with
// cfg's current values as defaults (so a value already set by the
// file/env layers survives unless the user overrides it on the command
// line) — the highest-priority layer in the teacher's config precedence.
func FlagSet(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.APIID, "api-id", cfg.APIID, "Telegram API id (TELEGRAM_API_ID)")
	fs.StringVar(&cfg.APIHash, "api-hash", cfg.APIHash, "Telegram API hash (TELEGRAM_API_HASH)")
	fs.BoolVar(&cfg.Local, "local", cfg.Local, "allow plain-http and loopback webhook endpoints")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "bot API listener port")
	fs.IntVar(&cfg.HTTPStatPort, "http-stat-port", cfg.HTTPStatPort, "stats listener port")
	fs.StringVar(&cfg.HTTPIPAddress, "http-ip-address", cfg.HTTPIPAddress, "bind address for both listeners")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "working directory for persisted state")
	fs.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "directory for multipart upload temp files")
	fs.StringVar(&cfg.Filter, "filter", cfg.Filter, "admission shard as <rem>/<mod>")
	fs.IntVar(&cfg.MaxWebhookConns, "max-webhook-connections", cfg.MaxWebhookConns, "per-bot webhook connection pool size")
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "outbound proxy URL")
	fs.StringVar(&cfg.LogPath, "log", cfg.LogPath, "log file path (empty logs to stdout only)")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log verbosity, 0 (errors only) to 4 (debug)")
	fs.Int64Var(&cfg.LogMaxFileSize, "log-max-file-size", cfg.LogMaxFileSize, "log file rotation size in bytes")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "drop privileges to this user after binding")
	fs.StringVar(&cfg.Groupname, "groupname", cfg.Groupname, "drop privileges to this group after binding")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "open file descriptor rlimit")
	fs.IntVar(&cfg.CPUAffinity, "cpu-affinity", cfg.CPUAffinity, "pin worker goroutines to this CPU (-1 disables)")
	fs.IntVar(&cfg.MainThreadAffinity, "main-thread-affinity", cfg.MainThreadAffinity, "pin the main goroutine to this CPU (-1 disables)")
	fs.DurationVar(&cfg.DrainDelay, "drain-delay", cfg.DrainDelay, "delay before shutting down listeners once draining starts")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "hard deadline for graceful shutdown")
}

// VerbosityToSlogLevel maps the --verbosity flag (0..4, matching
// original_source's verbosity scale) onto slog's levels.
func VerbosityToSlogLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError
	case v == 1:
		return slog.LevelWarn
	case v == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
