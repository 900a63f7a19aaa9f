package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/courtdesk/chatline/pkg/gateway"
)

//go:embed example-config.yaml
var ExampleConfig string

type GatewayConfig struct {
	// URL is the base URL of the gateway REST API.
	URL string `yaml:"url"`

	// EventsURL is the websocket event stream. Derived from URL when empty.
	EventsURL string `yaml:"events_url"`

	// Token authenticates both the REST API and the event stream.
	// Falls back to the CHATLINE_TOKEN environment variable.
	Token string `yaml:"token"`
}

func (gc *GatewayConfig) ResolveEventsURL() string {
	if gc.EventsURL != "" {
		return gc.EventsURL
	}
	u := gc.URL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + "/v1/events"
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FeedConfig struct {
	// Transport selects live event delivery: "websocket" or "redis".
	Transport string      `yaml:"transport"`
	Redis     RedisConfig `yaml:"redis"`
}

type DialplanConfig struct {
	CountryCode       string `yaml:"country_code"`
	NationalNumberLen int    `yaml:"national_number_length"`
}

func (dc DialplanConfig) Dialplan() gateway.Dialplan {
	if dc.CountryCode == "" && dc.NationalNumberLen == 0 {
		return gateway.DefaultDialplan
	}
	return gateway.Dialplan{
		CountryCode:       dc.CountryCode,
		NationalNumberLen: dc.NationalNumberLen,
	}
}

type ArchiveConfig struct {
	// Path of the local sqlite archive. Defaults to chatline/archive.db
	// under the user config directory.
	Path string `yaml:"path"`
}

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Feed     FeedConfig     `yaml:"feed"`
	Dialplan DialplanConfig `yaml:"dialplan"`
	Archive  ArchiveConfig  `yaml:"archive"`

	// PageSize is how many messages each history fetch asks for.
	PageSize int `yaml:"page_size"`

	// MetricsListen serves Prometheus metrics on this address while
	// chatting. Empty disables the listener.
	MetricsListen string `yaml:"metrics_listen"`

	// Outbox is a directory watched for files to send as attachments.
	Outbox string `yaml:"outbox"`

	LogLevel string `yaml:"log_level"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.Gateway.Token == "" {
		c.Gateway.Token = os.Getenv("CHATLINE_TOKEN")
	}
	if url := os.Getenv("CHATLINE_GATEWAY_URL"); url != "" {
		c.Gateway.URL = url
	}
	c.Feed.Transport = strings.ToLower(strings.TrimSpace(c.Feed.Transport))
	switch c.Feed.Transport {
	case "":
		c.Feed.Transport = "websocket"
	case "websocket", "redis":
	default:
		return fmt.Errorf("unsupported feed transport %q", c.Feed.Transport)
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{URL: "http://localhost:8448"},
		Feed: FeedConfig{
			Transport: "websocket",
			Redis:     RedisConfig{Addr: "localhost:6379"},
		},
		PageSize: 50,
		LogLevel: "info",
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.PostProcess()
	} else if err != nil {
		return nil, fmt.Errorf("failed to open config at %s: %w", path, err)
	}
	defer file.Close()
	if err = yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}
	return cfg, nil
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Inspect chatline configuration",
	Subcommands: []*cli.Command{
		{
			Name:   "example",
			Usage:  "Print the example config",
			Action: cmdConfigExample,
		},
		{
			Name:   "path",
			Usage:  "Print the config file location",
			Action: cmdConfigPath,
		},
	},
}

func cmdConfigExample(ctx *cli.Context) error {
	fmt.Print(ExampleConfig)
	return nil
}

func cmdConfigPath(ctx *cli.Context) error {
	fmt.Println(ctx.String("config"))
	return nil
}
