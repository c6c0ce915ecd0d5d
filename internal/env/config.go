package env

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/chronologos/rtach-client/internal/auth"
	"github.com/chronologos/rtach-client/internal/transport"
)

// Config is the client configuration read from RTACH_* variables.
// Command-line flags override these values.
type Config struct {
	Mode        string `env:"RTACH_MODE,default=ssh"`
	Host        string `env:"RTACH_HOST"`
	Port        int    `env:"RTACH_PORT"`
	User        string `env:"RTACH_USER"`
	Identity    string `env:"RTACH_IDENTITY"`
	KnownHosts  string `env:"RTACH_KNOWN_HOSTS"`
	Insecure    bool   `env:"RTACH_INSECURE_IGNORE_HOST_KEY"`
	Command     string `env:"RTACH_COMMAND"`
	SessionID   string `env:"RTACH_SESSION_ID"`
	Passkey     string `env:"RTACH_PASSKEY"`
	Fingerprint string `env:"RTACH_RELAY_FINGERPRINT"`
	NoHandshake bool   `env:"RTACH_NO_HANDSHAKE"`

	HandshakeTimeout time.Duration `env:"RTACH_HANDSHAKE_TIMEOUT,default=3s"`
	PageSize         uint32        `env:"RTACH_SCROLLBACK_PAGE_SIZE,default=65536"`

	LogLevel    string `env:"RTACH_LOG_LEVEL,default=info"`
	LogFormat   string `env:"RTACH_LOG_FORMAT,default=json"`
	LogFile     string `env:"RTACH_LOG_FILE"`
	MetricsAddr string `env:"RTACH_METRICS_ADDR"`
}

// LoadConfig reads .env.local when present, then the process environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env.local: %w", err)
		}
	}
	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	config := Config{}
	if err := envconfig.ProcessWith(ctx, &config, l); err != nil {
		return nil, err
	}
	return &config, nil
}

// Transport converts the configuration into dial parameters.
func (c *Config) Transport() (transport.Config, error) {
	mode, err := transport.ParseMode(c.Mode)
	if err != nil {
		return transport.Config{}, err
	}

	cfg := transport.Config{
		Mode:                  mode,
		Host:                  c.Host,
		Port:                  c.Port,
		User:                  c.User,
		IdentityFile:          c.Identity,
		KnownHostsFile:        c.KnownHosts,
		InsecureIgnoreHostKey: c.Insecure,
		Command:               c.Command,
	}

	if c.Passkey != "" {
		cfg.Passkey, err = auth.ParsePasskey(c.Passkey)
		if err != nil {
			return transport.Config{}, err
		}
	}
	if c.Fingerprint != "" {
		cfg.RelayFingerprint, err = hex.DecodeString(strings.ReplaceAll(c.Fingerprint, ":", ""))
		if err != nil {
			return transport.Config{}, fmt.Errorf("relay fingerprint: %w", err)
		}
	}
	if (mode == transport.ModeQUIC || mode == transport.ModeTCP) && cfg.Passkey == nil {
		return transport.Config{}, fmt.Errorf("%s mode requires RTACH_PASSKEY", mode)
	}
	return cfg, nil
}
