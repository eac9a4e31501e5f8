// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package rest talks to the hosted store over its REST, storage and auth
// endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/lrhodin/chatsync/pkg/chat"
)

const (
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 64 * 1024
)

type Config struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	AccessToken  string        `yaml:"access_token"`
	RefreshToken string        `yaml:"refresh_token"`
	UserID       string        `yaml:"user_id"`
	Timeout      time.Duration `yaml:"timeout"`
	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Client struct {
	log     zerolog.Logger
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	userID       string
	onRefresh    []func(accessToken string)

	refreshMu sync.Mutex
}

var (
	_ chat.Backend             = (*Client)(nil)
	_ chat.Storage             = (*Client)(nil)
	_ chat.CredentialRefresher = (*Client)(nil)
)

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		log:          log.With().Str("component", "rest").Logger(),
		base:         base,
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: timeout},
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		userID:       cfg.UserID,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(int(cfg.RequestsPerSecond), 1)
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(h *http.Client) {
	c.http = h
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// OnTokenRefresh registers fn to be called with every new access token.
func (c *Client) OnTokenRefresh(fn func(accessToken string)) {
	c.mu.Lock()
	c.onRefresh = append(c.onRefresh, fn)
	c.mu.Unlock()
}

// RefreshCredentials exchanges the refresh token for a new access token.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	refreshToken := c.refreshToken
	c.mu.RUnlock()
	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token configured", chat.ErrAuthExpired)
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		User         struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	err := c.send(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/v1/token",
		query:     url.Values{"grant_type": {"refresh_token"}},
		body:      body,
		anonymous: true,
	}, &resp)
	if err != nil {
		return fmt.Errorf("failed to refresh credentials: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("%w: token response without access token", chat.ErrAuthExpired)
	}

	c.mu.Lock()
	c.accessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		c.refreshToken = resp.RefreshToken
	}
	if resp.User.ID != "" {
		c.userID = resp.User.ID
	}
	hooks := append([]func(string){}, c.onRefresh...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(resp.AccessToken)
	}
	c.log.Debug().Msg("Refreshed access token")
	return nil
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	headers     map[string]string
	// anonymous requests carry only the API key.
	anonymous bool
}

// do sends req and decodes a JSON response into out. An expired token is
// refreshed and the request retried once.
func (c *Client) do(ctx context.Context, req request, out any) error {
	err := c.send(ctx, req, out)
	if errors.Is(err, chat.ErrAuthExpired) && !req.anonymous && c.canRefresh() {
		if rerr := c.RefreshCredentials(ctx); rerr != nil {
			c.log.Warn().Err(rerr).Msg("Failed to refresh credentials after 401")
			return err
		}
		return c.send(ctx, req, out)
	}
	return err
}

func (c *Client) canRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshToken != ""
}

func (c *Client) send(ctx context.Context, req request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("request pacing: %w", err)
		}
	}
	u := c.base.JoinPath(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}
	if req.body != nil {
		contentType := req.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	token := c.apiKey
	if !req.anonymous {
		if at := c.AccessToken(); at != "" {
			token = at
		}
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", chat.ErrTransientNetwork, req.method, req.path, err)
	}
	defer resp.Body.Close()
	c.log.Trace().
		Str("method", req.method).
		Str("path", req.path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request completed")

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return parseServerError(resp.StatusCode, data)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated response: %v", chat.ErrTransientNetwork, err)
		}
		return fmt.Errorf("failed to decode %s response: %w", req.path, err)
	}
	return nil
}

// parseServerError pulls the message out of whichever error shape the
// endpoint uses.
func parseServerError(status int, body []byte) *chat.ServerError {
	serr := &chat.ServerError{Status: status}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		serr.Code = parsed.Get("code").String()
		for _, key := range []string{"message", "msg", "error_description", "error"} {
			if v := parsed.Get(key); v.Exists() && v.String() != "" {
				serr.Message = v.String()
				break
			}
		}
	}
	if serr.Message == "" {
		serr.Message = strings.TrimSpace(string(body))
	}
	if serr.Message == "" {
		serr.Message = http.StatusText(status)
	}
	return serr
}
