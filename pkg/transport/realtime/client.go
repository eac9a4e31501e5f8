// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package realtime is a WebSocket client for the hosted store's change
// feed, speaking Phoenix channel framing.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/metrics"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
	DefaultReconnectMin      = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second

	writeTimeout   = 10 * time.Second
	readLimit      = 1 << 20
	inboxSize      = 256
	jitterDivisor  = 2
	protocolVsn    = "1.0.0"
	phoenixTopic   = "phoenix"
	topicPrefix    = "realtime:"
	typingEvent    = "typing"
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventBroadcast = "broadcast"
	eventToken     = "access_token"
)

var ErrNotConnected = fmt.Errorf("realtime socket is not connected: %w", chat.ErrTransientNetwork)

type Config struct {
	// URL is the websocket endpoint. When empty it is derived from BaseURL.
	URL               string        `yaml:"url"`
	BaseURL           string        `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	Schema            string        `yaml:"schema"`
	MessagesTable     string        `yaml:"messages_table"`
	ReactionsTable    string        `yaml:"reactions_table"`
}

func (cfg Config) withDefaults() Config {
	if cfg.URL == "" && cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		cfg.URL = base + "/realtime/v1/websocket"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.MessagesTable == "" {
		cfg.MessagesTable = "messages"
	}
	if cfg.ReactionsTable == "" {
		cfg.ReactionsTable = "message_reactions"
	}
	return cfg
}

type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type reply struct {
	payload json.RawMessage
	err     error
}

type channel struct {
	topic     string
	onMessage func(event string, payload gjson.Result)
}

type Client struct {
	log     zerolog.Logger
	cfg     Config
	apiKey  string
	selfID  string
	token   func() string
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	ref    atomic.Uint64

	mu           sync.Mutex
	conn         *websocket.Conn
	started      bool
	closed       bool
	channels     map[string]*channel
	pending      map[string]chan reply
	heartbeatRef string
	onReconnect  []func(ctx context.Context)
	done         chan struct{}
}

var _ chat.FeedSource = (*Client)(nil)

// New creates a client. token is consulted on every join so refreshed
// credentials are picked up.
func New(cfg Config, apiKey, selfID string, token func() string, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if token == nil {
		token = func() string { return apiKey }
	}
	return &Client{
		log:      log.With().Str("component", "realtime").Logger(),
		cfg:      cfg.withDefaults(),
		apiKey:   apiKey,
		selfID:   selfID,
		token:    token,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), inboxSize),
		channels: make(map[string]*channel),
		pending:  make(map[string]chan reply),
		done:     make(chan struct{}),
	}
}

func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// OnReconnect registers fn to run after the socket has been re-established.
// All channels are gone at that point and must be joined again.
func (c *Client) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the socket and starts the read loop. Later connection
// losses are handled internally with backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("realtime client is closed")
	} else if c.started {
		c.mu.Unlock()
		return errors.New("realtime client is already connected")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return errors.New("realtime client is closed")
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	go c.dispatchLoop()
	go c.loop(conn)
	c.log.Info().Str("url", c.cfg.URL).Msg("Connected to realtime socket")
	return nil
}

// Close stops reconnecting and closes the socket. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		// Cancelling the read context may already have closed it.
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if started {
		<-c.done
	}
	c.log.Debug().Msg("Closed realtime socket")
	return nil
}

// SetAccessToken pushes a refreshed token to every joined channel.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.channels))
	for topic := range c.channels {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		if err := c.push(c.ctx, topic, eventToken, map[string]string{"access_token": token}, ""); err != nil {
			c.log.Debug().Err(err).Str("topic", topic).Msg("Failed to push refreshed token")
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	q.Set("vsn", protocolVsn)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dialing realtime socket: %v", chat.ErrTransientNetwork, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// loop serves one connection at a time until Close.
func (c *Client) loop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.serve(conn)
		if c.isClosed() {
			return
		}
		c.log.Warn().Err(err).Msg("Realtime connection lost, reconnecting")
		c.dropState(err)
		conn = c.reconnect()
		if conn == nil {
			return
		}
		c.metrics.Reconnect()
		c.log.Info().Msg("Reconnected to realtime socket")
		go c.notifyReconnect()
	}
}

func (c *Client) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go c.heartbeat(ctx, conn)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.route(ctx, data)
	}
}

func (c *Client) reconnect() *websocket.Conn {
	backoff := c.cfg.ReconnectMin
	for {
		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			c.conn = conn
			c.mu.Unlock()
			return conn
		} else if c.ctx.Err() != nil {
			return nil
		}
		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("Reconnect failed")
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

// dropState forgets every channel and fails pending requests. Handles
// returned before the drop become no-ops.
func (c *Client) dropState(cause error) {
	c.mu.Lock()
	c.conn = nil
	c.channels = make(map[string]*channel)
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.heartbeatRef = ""
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: fmt.Errorf("%w: connection lost: %v", chat.ErrTransientNetwork, cause)}
	}
}

func (c *Client) notifyReconnect() {
	c.mu.Lock()
	hooks := append([]func(context.Context){}, c.onReconnect...)
	c.mu.Unlock()
	for _, hook := range hooks {
		c.safeCall(func() { hook(c.ctx) })
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		outstanding := c.heartbeatRef
		c.mu.Unlock()
		if outstanding != "" {
			c.log.Warn().Msg("Heartbeat not acknowledged, closing socket")
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}
		ref := c.nextRef()
		c.mu.Lock()
		c.heartbeatRef = ref
		c.mu.Unlock()
		if err := c.write(ctx, conn, envelope{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage("{}"), Ref: ref}); err != nil {
			c.log.Debug().Err(err).Msg("Failed to send heartbeat")
			return
		}
	}
}

func (c *Client) route(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed realtime frame")
		return
	}
	if env.Event == eventReply && env.Ref != "" {
		c.mu.Lock()
		if env.Ref == c.heartbeatRef {
			c.heartbeatRef = ""
		}
		waiter, ok := c.pending[env.Ref]
		delete(c.pending, env.Ref)
		c.mu.Unlock()
		if ok {
			waiter <- reply{payload: env.Payload}
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[env.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}
	switch env.Event {
	case eventError, eventClose:
		c.log.Warn().Str("topic", env.Topic).Str("event", env.Event).Msg("Channel closed by server")
		return
	}
	payload := gjson.ParseBytes(env.Payload)
	select {
	case c.inbox <- func() { ch.onMessage(env.Event, payload) }:
	case <-ctx.Done():
	}
}

// dispatchLoop runs channel callbacks off the read loop so a slow handler
// cannot starve heartbeat replies.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.inbox:
			c.safeCall(fn)
		}
	}
}

func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("stack", string(debug.Stack())).Msgf("Realtime callback panicked: %v", r)
		}
	}()
	fn()
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err = conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: writing %s: %v", chat.ErrTransientNetwork, env.Event, err)
	}
	return nil
}

// push sends a frame without waiting for a reply.
func (c *Client) push(ctx context.Context, topic, event string, payload any, ref string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, envelope{Topic: topic, Event: event, Payload: raw, Ref: ref})
}

// request sends a frame and waits for its phx_reply.
func (c *Client) request(ctx context.Context, topic, event string, payload any) (json.RawMessage, error) {
	ref := c.nextRef()
	waiter := make(chan reply, 1)
	c.mu.Lock()
	c.pending[ref] = waiter
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}

	if err := c.push(ctx, topic, event, payload, ref); err != nil {
		forget()
		return nil, err
	}
	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case res := <-waiter:
		return res.payload, res.err
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%w: no reply to %s on %s", chat.ErrTransientNetwork, event, topic)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		forget()
		return nil, errors.New("realtime client is closed")
	}
}

// join subscribes to topic and returns a handle that leaves it. The handle
// is a no-op once the channel has been replaced or dropped by a reconnect.
func (c *Client) join(ctx context.Context, topic string, config map[string]any, onMessage func(string, gjson.Result)) (chat.Unsubscriber, error) {
	ch := &channel{topic: topicPrefix + topic, onMessage: onMessage}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.channels[ch.topic] = ch
	c.mu.Unlock()

	resp, err := c.request(ctx, ch.topic, eventJoin, map[string]any{
		"config":       config,
		"access_token": c.token(),
	})
	if err == nil {
		if status := gjson.GetBytes(resp, "status").String(); status != "ok" {
			err = fmt.Errorf("%w: join %s returned %s: %s", chat.ErrServerRejected, topic, status,
				gjson.GetBytes(resp, "response.reason").String())
		}
	}
	if err != nil {
		c.forget(ch)
		return nil, err
	}
	c.log.Debug().Str("topic", ch.topic).Msg("Joined channel")
	return chat.UnsubscribeFunc(func() error { return c.leave(ch) }), nil
}

func (c *Client) forget(ch *channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.topic] != ch {
		return false
	}
	delete(c.channels, ch.topic)
	return true
}

func (c *Client) leave(ch *channel) error {
	if !c.forget(ch) {
		return nil
	}
	err := c.push(c.ctx, ch.topic, eventLeave, struct{}{}, c.nextRef())
	if errors.Is(err, ErrNotConnected) || c.isClosed() {
		return nil
	}
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
