// Package config loads the gateway's configuration the way the teacher's
// Client.LoadClientConfig does: koanf layering defaults, an optional YAML
// file, and environment variables, then struct-tag validation via
// go-playground/validator. cmd/botapigateway layers CLI flags on top as the
// highest-priority source, mirroring the teacher's "programmatic options
// override everything" precedence.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable named in spec.md §6's CLI flag list, plus the
// ambient logging/file-layout settings the teacher's ClientConfig carries.
type Config struct {
	APIID   int    `koanf:"api_id" json:"api_id"`
	APIHash string `koanf:"api_hash" json:"api_hash"`

	Local bool `koanf:"local" json:"local"`

	HTTPPort        int    `koanf:"http_port" json:"http_port" validate:"min=1,max=65535"`
	HTTPStatPort    int    `koanf:"http_stat_port" json:"http_stat_port" validate:"min=0,max=65535"`
	HTTPIPAddress   string `koanf:"http_ip_address" json:"http_ip_address"`
	Dir             string `koanf:"dir" json:"dir"`
	TempDir         string `koanf:"temp_dir" json:"temp_dir"`
	Filter          string `koanf:"filter" json:"filter"`
	MaxWebhookConns int    `koanf:"max_webhook_connections" json:"max_webhook_connections" validate:"min=1"`
	Proxy           string `koanf:"proxy" json:"proxy"`

	LogPath        string `koanf:"log" json:"log"`
	Verbosity      int    `koanf:"verbosity" json:"verbosity" validate:"min=0,max=4"`
	LogMaxFileSize int64  `koanf:"log_max_file_size" json:"log_max_file_size"`

	Username  string `koanf:"username" json:"username"`
	Groupname string `koanf:"groupname" json:"groupname"`

	MaxConnections       int `koanf:"max_connections" json:"max_connections"`
	CPUAffinity          int `koanf:"cpu_affinity" json:"cpu_affinity"`
	MainThreadAffinity   int `koanf:"main_thread_affinity" json:"main_thread_affinity"`

	DrainDelay      time.Duration `koanf:"drain_delay" json:"drain_delay"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`

	WatchdogKickInterval time.Duration `koanf:"watchdog_kick_interval" json:"watchdog_kick_interval"`
	WatchdogTimeout      time.Duration `koanf:"watchdog_timeout" json:"watchdog_timeout"`
}

// Default returns a Config with sensible defaults, mirroring the teacher's
// DefaultClientConfig.
func Default() Config {
	return Config{
		HTTPPort:             8081,
		HTTPStatPort:         8082,
		Dir:                  ".",
		TempDir:              "tmp",
		MaxWebhookConns:      40,
		LogPath:              "",
		Verbosity:            2,
		LogMaxFileSize:       100 * 1024 * 1024,
		MaxConnections:       4096,
		CPUAffinity:          -1,
		MainThreadAffinity:   -1,
		DrainDelay:           5 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		WatchdogKickInterval: 25 * time.Millisecond,
		WatchdogTimeout:      250 * time.Millisecond,
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
}

// Load builds a Config the way the teacher's LoadClientConfig does:
// defaults, then an optional YAML file, then environment variables
// prefixed GATEWAY_. Register the result with FlagSet and parse the command
// line afterward to layer CLI flags, the highest-priority source.
func Load(configPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %q: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "GATEWAY_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation and the cross-field checks the
// teacher's validateClientConfig performs by hand (the stat port must
// differ from the bot API port, and the admission filter must parse).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.HTTPStatPort != 0 && c.HTTPStatPort == c.HTTPPort {
		return fmt.Errorf("http_stat_port: must differ from http_port")
	}
	if _, _, err := ParseFilter(c.Filter); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	return nil
}

// ParseFilter parses the "--filter <rem>/<mod>" admission-shard flag
// described in spec.md §6. An empty filter means "admit everything".
func ParseFilter(filter string) (rem, mod int64, err error) {
	if filter == "" {
		return 0, 0, nil
	}
	idx := strings.IndexByte(filter, '/')
	if idx < 0 {
		return 0, 0, fmt.Errorf("expected <rem>/<mod>, got %q", filter)
	}
	if _, err := fmt.Sscanf(filter, "%d/%d", &rem, &mod); err != nil {
		return 0, 0, fmt.Errorf("parsing %q: %w", filter, err)
	}
	if mod <= 0 || rem < 0 || rem >= mod {
		return 0, 0, fmt.Errorf("expected 0 <= rem < mod, got rem=%d mod=%d", rem, mod)
	}
	return rem, mod, nil
}
