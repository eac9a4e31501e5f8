package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/config"
)

var initCommand = &cli.Command{
	Name:   "init",
	Usage:  "Write the example config to the config path",
	Action: cmdInit,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Overwrite an existing config",
		},
	},
}

var whoamiCommand = &cli.Command{
	Name:   "whoami",
	Usage:  "Check the configured user session",
	Before: requiresSession,
	Action: cmdWhoami,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "refresh",
			Usage: "Exchange the refresh token for a new access token",
		},
	},
}

func cmdInit(ctx *cli.Context) error {
	path := ctx.String("config")
	if _, err := os.Stat(path); err == nil && !ctx.Bool("force") {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.ExampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote example config to %s\n", path)
	return nil
}

func cmdWhoami(ctx *cli.Context) error {
	c, err := newClients(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()
	if ctx.Bool("refresh") {
		if err = c.rest.RefreshCredentials(ctx.Context); err != nil {
			return err
		}
		fmt.Println("Access token refreshed")
	}
	cfg := getConfig(ctx)
	fmt.Printf("User ID: %s\n", c.rest.UserID())
	if cfg.Profile.DisplayName != "" {
		fmt.Printf("Display name: %s\n", cfg.Profile.DisplayName)
	}
	fmt.Printf("Backend: %s\n", cfg.Backend.BaseURL)
	return nil
}
