package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/config"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatsync", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	path := ctx.String("config")
	cfg, err := config.Load(path, !ctx.Bool("no-update"))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no config at %s, run 'chatsync init' first", path)
	} else if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func requiresSession(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if !getConfig(ctx).HasSession() {
		return fmt.Errorf("no user session configured, set backend.user_id and a token in %s", ctx.String("config"))
	}
	return nil
}

var conversationFlag = &cli.StringFlag{
	Name:     "conversation",
	Aliases:  []string{"c"},
	Usage:    "Conversation ID",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Realtime chat sync client",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file",
				Value:   getConfigPath(),
				EnvVars: []string{"CHATSYNC_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't add missing keys to the config file",
			},
		},
		Commands: []*cli.Command{
			initCommand,
			whoamiCommand,
			historyCommand,
			sendCommand,
			reactCommand,
			tailCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
