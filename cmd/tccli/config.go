package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v3"

	trustchain "github.com/trustchain-go/go-trustchain"
)

type EndpointConfig struct {
	Registry string `toml:"registry"`
	// defaults to the registry's own /ledger routes
	Ledger string `toml:"ledger"`
	// zero means unthrottled
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type TrustchainConfig struct {
	RootEventTime int64  `toml:"root_event_time"`
	PrivateKey    string `toml:"private_key"`
}

// Config is the tccli configuration file. Flags and environment variables override it.
type Config struct {
	Endpoint   EndpointConfig   `toml:"endpoint"`
	Trustchain TrustchainConfig `toml:"trustchain"`
}

func defaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Registry: "http://localhost:6790",
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tccli", "config.toml")
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags overrides config values with any flags set on the command line or from the environment
func (c *Config) applyFlags(cmd *cli.Command) {
	if cmd.IsSet("registry-url") {
		c.Endpoint.Registry = cmd.String("registry-url")
	}
	if cmd.IsSet("ledger-url") {
		c.Endpoint.Ledger = cmd.String("ledger-url")
	}
	if cmd.IsSet("root-event-time") {
		c.Trustchain.RootEventTime = cmd.Int64("root-event-time")
	}
	if cmd.IsSet("private-key") {
		c.Trustchain.PrivateKey = cmd.String("private-key")
	}
}

func (c *Config) LedgerURL() string {
	if c.Endpoint.Ledger != "" {
		return c.Endpoint.Ledger
	}
	return strings.TrimSuffix(c.Endpoint.Registry, "/") + "/ledger"
}

func (c *Config) RootEventTime() trustchain.Timestamp {
	return trustchain.Timestamp(c.Trustchain.RootEventTime)
}

func (c *Config) Client() *trustchain.Client {
	var client *trustchain.Client
	if c.Endpoint.RequestsPerSecond > 0 {
		client = trustchain.NewRateLimitedClient(c.Endpoint.Registry, c.Endpoint.RequestsPerSecond, 1)
	} else {
		client = &trustchain.Client{DirectoryURL: c.Endpoint.Registry}
	}
	client.UserAgent = TCCLI_USER_AGENT
	return client
}
