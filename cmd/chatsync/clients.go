package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/cache"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/config"
	"github.com/lrhodin/chatsync/pkg/metrics"
	"github.com/lrhodin/chatsync/pkg/session"
	"github.com/lrhodin/chatsync/pkg/transport/realtime"
	"github.com/lrhodin/chatsync/pkg/transport/rest"
)

// clients holds the process-wide clients shared by a command.
type clients struct {
	cfg      *config.Config
	log      zerolog.Logger
	rest     *rest.Client
	realtime *realtime.Client
	cache    *cache.Cache
	cached   *cache.Backend
	metrics  *metrics.Metrics
	server   *http.Server
}

func newClients(ctx *cli.Context, withRealtime bool) (*clients, error) {
	cfg := getConfig(ctx)
	rt := &clients{cfg: cfg, log: *getLogger(ctx)}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.New()
	}

	var err error
	rt.rest, err = rest.New(cfg.Backend, rt.log)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Path != "" {
		rt.cache, err = cache.Open(ctx.Context, cfg.Cache.Path, rt.log)
		if err != nil {
			return nil, err
		}
		rt.cached = cache.NewBackend(rt.rest, rt.cache, rt.log)
	}
	if withRealtime {
		rt.realtime = realtime.New(cfg.Realtime, cfg.Backend.APIKey, rt.rest.UserID(), rt.rest.AccessToken, rt.log).
			WithMetrics(rt.metrics)
		rt.rest.OnTokenRefresh(rt.realtime.SetAccessToken)
		if err = rt.realtime.Connect(ctx.Context); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if rt.metrics != nil {
		if err = rt.serveMetrics(cfg.Metrics.Listen); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// backend is the cache-decorated backend when the cache is enabled.
func (rt *clients) backend() chat.Backend {
	if rt.cached != nil {
		return rt.cached
	}
	return rt.rest
}

func (rt *clients) serveMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	rt.metrics.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := rt.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Err(err).Msg("Metrics server failed")
		}
	}()
	rt.log.Info().Str("address", listener.Addr().String()).Msg("Serving metrics")
	return nil
}

func (rt *clients) openSession(ctx context.Context, conversationID string, opts session.Options) (*session.Session, error) {
	if rt.realtime == nil {
		return nil, errors.New("realtime client is not connected")
	}
	opts.SelfID = rt.rest.UserID()
	opts.SelfName = rt.cfg.Profile.DisplayName
	opts.SelfAvatar = rt.cfg.Profile.AvatarURL
	opts.PageSize = rt.cfg.Session.PageSize
	opts.WriteTimeout = rt.cfg.Session.WriteTimeout
	opts.TypingIdle = rt.cfg.Session.TypingIdle
	opts.FetchTimeout = rt.cfg.Session.FetchTimeout
	opts.Upload = rt.cfg.Upload
	deps := session.Deps{
		Backend:   rt.rest,
		Storage:   rt.rest,
		Refresher: rt.rest,
		Feed:      rt.realtime,
		Cache:     rt.cached,
		Metrics:   rt.metrics,
		Log:       rt.log,
	}
	sess, err := session.Open(ctx, deps, chat.Conversation{ID: conversationID}, opts)
	if err != nil {
		return nil, err
	}
	rt.realtime.OnReconnect(func(ctx context.Context) {
		if err := sess.Resubscribe(ctx); err != nil {
			rt.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to resubscribe after reconnect")
		}
	})
	return sess, nil
}

func (rt *clients) Close() {
	if rt.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.server.Shutdown(shutdownCtx)
		cancel()
	}
	if rt.realtime != nil {
		_ = rt.realtime.Close()
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("Failed to close cache")
		}
	}
}
