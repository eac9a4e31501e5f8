// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package upload moves staged attachments into durable object storage with
// validation, optional image compression and bounded retries.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/metrics"
)

const (
	DefaultMaxBytes       = 10 * 1024 * 1024
	DefaultMaxDimension   = 1920
	DefaultJPEGQuality    = 80
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 8 * time.Second

	// Jitter is drawn uniformly from [0, delay/jitterDivisor).
	jitterDivisor = 2
	// Keeps Base<<shift from overflowing before the cap applies.
	maxBackoffShift = 16
)

// ErrAttemptTimeout is returned when a single storage write exceeds the
// per-attempt deadline. It is transient.
var ErrAttemptTimeout = fmt.Errorf("upload attempt timed out: %w", chat.ErrTransientNetwork)

type Config struct {
	Bucket         string        `yaml:"bucket"`
	MaxBytes       int64         `yaml:"max_bytes"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Compress       bool          `yaml:"compress"`
	MaxDimension   int           `yaml:"max_dimension"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
}

func DefaultConfig() Config {
	return Config{
		Bucket:         "attachments",
		MaxBytes:       DefaultMaxBytes,
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		Compress:       true,
		MaxDimension:   DefaultMaxDimension,
		JPEGQuality:    DefaultJPEGQuality,
	}
}

// withDefaults fills zero values so a partially populated config is usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Bucket == "" {
		c.Bucket = def.Bucket
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(def.MaxDelay, c.BaseDelay)
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = def.MaxDimension
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	return c
}

type Pipeline struct {
	cfg       Config
	storage   chat.Storage
	refresher chat.CredentialRefresher
	log       zerolog.Logger
	metrics   *metrics.Metrics

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// New creates a pipeline. refresher may be nil when the storage client
// manages its own credentials.
func New(cfg Config, storage chat.Storage, refresher chat.CredentialRefresher, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		storage:   storage,
		refresher: refresher,
		log:       log.With().Str("component", "upload").Logger(),
		sleep:     sleepContext,
		jitter:    rand.Int64N,
	}
}

// WithMetrics records attempt outcomes into m.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// Upload validates, optionally compresses and stores one attachment,
// returning a descriptor with a durable public URL.
func (p *Pipeline) Upload(ctx context.Context, conversationID string, pending Pending) (chat.Attachment, error) {
	name := pending.displayName()
	log := p.log.With().
		Str("conversation_id", conversationID).
		Str("file_name", name).
		Logger()

	data, declared, err := pending.payload()
	if err != nil {
		return chat.Attachment{}, &chat.UploadFailedError{FileName: name, Cause: err}
	}
	kind, contentType, err := validate(data, declared, p.cfg.MaxBytes)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected attachment before upload")
		return chat.Attachment{}, &chat.UploadFailedError{FileName: name, Cause: err}
	}

	att := chat.Attachment{
		ID:          pending.ID,
		Kind:        kind,
		FileName:    pending.FileName,
		ContentType: contentType,
		Width:       pending.Width,
		Height:      pending.Height,
	}
	if att.ID == "" {
		att.ID = chat.NewTempID()
	}

	if kind == chat.MediaImage {
		data, att.ContentType, att.Width, att.Height = p.prepareImage(log, data, contentType, att.Width, att.Height)
	}

	path := fmt.Sprintf("%s/%s%s", conversationID, uuid.NewString(), extensionFor(att.ContentType))
	storedPath, attempts, err := p.uploadWithRetry(ctx, log, path, data, att.ContentType)
	if err != nil {
		return chat.Attachment{}, &chat.UploadFailedError{FileName: name, Attempts: attempts, Cause: err}
	}
	att.URL = p.storage.PublicURL(p.cfg.Bucket, storedPath)
	att.Size = int64(len(data))
	log.Debug().
		Str("path", storedPath).
		Int("attempts", attempts).
		Int64("size", att.Size).
		Msg("Uploaded attachment")
	return att, nil
}

// UploadAll uploads attachments in order and stops at the first failure.
// The error names which attachment failed.
func (p *Pipeline) UploadAll(ctx context.Context, conversationID string, pending []Pending) ([]chat.Attachment, error) {
	out := make([]chat.Attachment, 0, len(pending))
	for i, item := range pending {
		att, err := p.Upload(ctx, conversationID, item)
		if err != nil {
			return out, &chat.PartialUploadError{
				Index:    i,
				Total:    len(pending),
				FileName: item.displayName(),
				Cause:    err,
			}
		}
		out = append(out, att)
	}
	return out, nil
}

// prepareImage compresses when enabled and falls back to the original
// bytes on any failure.
func (p *Pipeline) prepareImage(log zerolog.Logger, data []byte, contentType string, width, height int) ([]byte, string, int, int) {
	if !p.cfg.Compress {
		if width == 0 || height == 0 {
			width, height = imageDimensions(data)
		}
		return data, contentType, width, height
	}
	res, err := compressImage(data, contentType, p.cfg.MaxDimension, p.cfg.JPEGQuality)
	if err != nil {
		log.Warn().Err(err).Msg("Image compression failed, uploading original")
		if width == 0 || height == 0 {
			width, height = imageDimensions(data)
		}
		return data, contentType, width, height
	}
	if len(res.data) != len(data) {
		log.Debug().
			Int("original_size", len(data)).
			Int("compressed_size", len(res.data)).
			Int("width", res.width).
			Int("height", res.height).
			Msg("Compressed image")
	}
	return res.data, res.contentType, res.width, res.height
}

func (p *Pipeline) uploadWithRetry(ctx context.Context, log zerolog.Logger, path string, data []byte, contentType string) (string, int, error) {
	for attempt := 1; ; attempt++ {
		storedPath, err := p.attempt(ctx, path, data, contentType)
		if err == nil {
			p.metrics.UploadAttempt(metrics.UploadSuccess)
			return storedPath, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", attempt, fmt.Errorf("upload cancelled: %w", ctxErr)
		}
		if !isRetryable(err) {
			p.metrics.UploadAttempt(metrics.UploadTerminal)
			log.Warn().Err(err).Int("attempt", attempt).Msg("Upload failed with a terminal error")
			return "", attempt, err
		}
		if attempt >= p.cfg.MaxAttempts {
			p.metrics.UploadAttempt(metrics.UploadExhausted)
			log.Warn().Err(err).Int("attempt", attempt).Msg("Upload failed, retries exhausted")
			return "", attempt, err
		}
		p.metrics.UploadAttempt(metrics.UploadRetry)
		delay := p.backoff(attempt)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Upload attempt failed, retrying")
		if p.refresher != nil {
			if rerr := p.refresher.RefreshCredentials(ctx); rerr != nil {
				log.Warn().Err(rerr).Msg("Failed to refresh credentials before retry")
			}
		}
		if err = p.sleep(ctx, delay); err != nil {
			return "", attempt, fmt.Errorf("upload cancelled: %w", err)
		}
	}
}

// attempt runs one storage write raced against the per-attempt deadline.
// A storage client that ignores cancellation leaks its goroutine until it
// returns, but the pipeline moves on.
func (p *Pipeline) attempt(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		path string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Str("path", path).
					Str("stack", string(debug.Stack())).
					Msgf("Storage client panicked: %v", r)
				res = result{err: fmt.Errorf("storage client panicked: %v", r)}
			}
			ch <- res
		}()
		stored, err := p.storage.Upload(attemptCtx, p.cfg.Bucket, path, data, contentType)
		if err == nil && stored == "" {
			stored = path
		}
		res = result{path: stored, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %s", ErrAttemptTimeout, p.cfg.AttemptTimeout)
		}
		return res.path, res.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w after %s", ErrAttemptTimeout, p.cfg.AttemptTimeout)
	}
}

// backoff returns Base·2^(attempt-1) capped at MaxDelay, plus jitter.
func (p *Pipeline) backoff(attempt int) time.Duration {
	shift := min(max(attempt-1, 0), maxBackoffShift)
	delay := p.cfg.BaseDelay << shift
	if delay <= 0 || delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	if spread := int64(delay / jitterDivisor); spread > 0 {
		delay += time.Duration(p.jitter(spread))
	}
	return delay
}

func isRetryable(err error) bool {
	if chat.IsRetryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
