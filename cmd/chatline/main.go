package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/courtdesk/chatline/pkg/archive"
	"github.com/courtdesk/chatline/pkg/gateway"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyClient
)

func getConfig(ctx *cli.Context) *Config {
	return ctx.Context.Value(contextKeyConfig).(*Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getClient(ctx *cli.Context) *gateway.Client {
	return ctx.Context.Value(contextKeyClient).(*gateway.Client)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatline", "config.yaml")
}

func openArchive(ctx *cli.Context) (*archive.Store, error) {
	cfg := getConfig(ctx)
	path := cfg.Archive.Path
	if path == "" {
		baseDir, _ := os.UserConfigDir()
		path = filepath.Join(baseDir, "chatline", "archive.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return archive.NewStore(ctx.Context, getLogger(ctx), path)
}

func newLogger(level string, verbose bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

func prepareApp(ctx *cli.Context) error {
	_ = godotenv.Load(".env")
	cfg, err := loadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg.LogLevel, ctx.Bool("verbose"))
	client, err := gateway.NewClient(log, gateway.ClientConfig{
		BaseURL:  cfg.Gateway.URL,
		Token:    cfg.Gateway.Token,
		Dialplan: cfg.Dialplan.Dialplan(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	newCtx = context.WithValue(newCtx, contextKeyClient, client)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatline",
		Usage:   "Terminal messaging client for a chatline SMS gateway",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			chatCommand,
			sendCommand,
			historyCommand,
			exportCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
