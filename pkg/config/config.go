// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/chatsync/pkg/transport/realtime"
	"github.com/lrhodin/chatsync/pkg/transport/rest"
	"github.com/lrhodin/chatsync/pkg/upload"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Backend  rest.Config       `yaml:"backend"`
	Realtime realtime.Config   `yaml:"realtime"`
	Profile  ProfileConfig     `yaml:"profile"`
	Upload   upload.Config     `yaml:"upload"`
	Session  SessionConfig     `yaml:"session"`
	Cache    CacheConfig       `yaml:"cache"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type ProfileConfig struct {
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url"`
}

type SessionConfig struct {
	PageSize     int           `yaml:"page_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TypingIdle   time.Duration `yaml:"typing_idle"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type CacheConfig struct {
	// Path is the SQLite database file. Empty disables the cache.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates the config and fills in values that depend on
// other sections.
func (c *Config) PostProcess() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	parsed, err := url.Parse(c.Backend.BaseURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("backend.base_url %q is not a valid URL", c.Backend.BaseURL)
	}
	c.Realtime.BaseURL = c.Backend.BaseURL
	if c.Session.PageSize <= 0 {
		c.Session.PageSize = 50
	}
	if c.Session.WriteTimeout <= 0 {
		c.Session.WriteTimeout = 30 * time.Second
	}
	if c.Session.TypingIdle <= 0 {
		c.Session.TypingIdle = 3 * time.Second
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	return nil
}

// HasSession reports whether credentials for a logged-in user are present.
func (c *Config) HasSession() bool {
	return c.Backend.UserID != "" && (c.Backend.AccessToken != "" || c.Backend.RefreshToken != "")
}

// Parse decodes a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config at path, adding any keys the file is missing from
// the example config. The file is rewritten when save is true.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config at %s: %w", path, err)
	}
	return Parse(data)
}

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"realtime"},
		{"profile"},
		{"upload"},
		{"session"},
		{"cache"},
		{"metrics"},
		{"logging"},
	},
	Base: ExampleConfig,
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "backend", "base_url")
	helper.Copy(up.Str, "backend", "api_key")
	helper.Copy(up.Str, "backend", "access_token")
	helper.Copy(up.Str, "backend", "refresh_token")
	helper.Copy(up.Str, "backend", "user_id")
	helper.Copy(up.Str, "backend", "timeout")
	helper.Copy(up.Int|up.Float, "backend", "requests_per_second")
	helper.Copy(up.Int, "backend", "burst")

	helper.Copy(up.Str, "realtime", "url")
	helper.Copy(up.Str, "realtime", "heartbeat_interval")
	helper.Copy(up.Str, "realtime", "join_timeout")
	helper.Copy(up.Str, "realtime", "reconnect_min")
	helper.Copy(up.Str, "realtime", "reconnect_max")
	helper.Copy(up.Str, "realtime", "schema")
	helper.Copy(up.Str, "realtime", "messages_table")
	helper.Copy(up.Str, "realtime", "reactions_table")

	helper.Copy(up.Str, "profile", "display_name")
	helper.Copy(up.Str, "profile", "avatar_url")

	helper.Copy(up.Str, "upload", "bucket")
	helper.Copy(up.Int, "upload", "max_bytes")
	helper.Copy(up.Int, "upload", "max_attempts")
	helper.Copy(up.Str, "upload", "attempt_timeout")
	helper.Copy(up.Str, "upload", "base_delay")
	helper.Copy(up.Str, "upload", "max_delay")
	helper.Copy(up.Bool, "upload", "compress")
	helper.Copy(up.Int, "upload", "max_dimension")
	helper.Copy(up.Int, "upload", "jpeg_quality")

	helper.Copy(up.Int, "session", "page_size")
	helper.Copy(up.Str, "session", "write_timeout")
	helper.Copy(up.Str, "session", "typing_idle")
	helper.Copy(up.Str, "session", "fetch_timeout")

	helper.Copy(up.Str, "cache", "path")

	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Map, "logging")
}
