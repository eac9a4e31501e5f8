// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package session assembles the sync engine for one open conversation
// view and owns its teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/cache"
	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/feed"
	"github.com/lrhodin/chatsync/pkg/metrics"
	"github.com/lrhodin/chatsync/pkg/store"
	"github.com/lrhodin/chatsync/pkg/submit"
	"github.com/lrhodin/chatsync/pkg/subscription"
	"github.com/lrhodin/chatsync/pkg/typing"
	"github.com/lrhodin/chatsync/pkg/upload"
)

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Backend   chat.Backend
	Storage   chat.Storage
	Refresher chat.CredentialRefresher
	Feed      chat.FeedSource
	// Cache is optional. When set, history reads and sends go through it
	// and feed events are mirrored into it.
	Cache   *cache.Backend
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

type Options struct {
	SelfID     string
	SelfName   string
	SelfAvatar string

	PageSize     int
	WriteTimeout time.Duration
	TypingIdle   time.Duration
	FetchTimeout time.Duration
	Upload       upload.Config

	Viewport store.Viewport
	// OnChange is registered before history loads so the first snapshot
	// is not missed.
	OnChange         func(store.Snapshot)
	OnTyping         func(userIDs []string)
	OnComposeCleared func()
}

type Session struct {
	log     zerolog.Logger
	conv    chat.Conversation
	backend chat.Backend
	cache   *cache.Backend
	opts    Options

	store   *store.Store
	subs    *subscription.Manager
	feed    *feed.Adapter
	typing  *typing.Broadcaster
	submit  *submit.Coordinator
	uploads *upload.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Open subscribes to the conversation's channels, loads the latest page and
// marks the conversation read. Subscribing first means nothing inserted
// during the load is missed.
func Open(ctx context.Context, deps Deps, conv chat.Conversation, opts Options) (*Session, error) {
	switch {
	case conv.ID == "":
		return nil, fmt.Errorf("%w: conversation ID is required", chat.ErrValidation)
	case deps.Backend == nil:
		return nil, errors.New("session needs a backend")
	case deps.Feed == nil:
		return nil, errors.New("session needs a feed source")
	}
	log := deps.Log.With().Str("conversation_id", conv.ID).Logger()
	s := &Session{
		log:     log.With().Str("component", "session").Logger(),
		conv:    conv,
		backend: deps.Backend,
		cache:   deps.Cache,
		opts:    opts,
		subs:    subscription.NewManager(log),
	}
	if deps.Cache != nil {
		s.backend = deps.Cache
	}
	s.ctx, s.cancel = context.WithCancel(log.WithContext(context.Background()))

	storeOpts := store.Options{
		SelfID:   opts.SelfID,
		PageSize: opts.PageSize,
		Viewport: opts.Viewport,
	}
	if deps.Cache != nil {
		storeOpts.OnUnreadInvalidated = deps.Cache.InvalidateUnread
	}
	s.store = store.New(s.backend, conv.ID, storeOpts, log)
	if opts.OnChange != nil {
		s.store.OnChange(opts.OnChange)
	}

	s.feed = feed.New(deps.Feed, s.backend, s.subs, conv.ID, s.handleEvent, feed.Options{
		SelfID:       opts.SelfID,
		Known:        s.store.Has,
		FetchTimeout: opts.FetchTimeout,
		Metrics:      deps.Metrics,
	}, log)
	s.typing = typing.NewBroadcaster(s.feed.SendTyping, opts.TypingIdle, log)
	s.uploads = upload.New(opts.Upload, deps.Storage, deps.Refresher, log).WithMetrics(deps.Metrics)
	s.submit = submit.New(s.store, s.uploads, s.backend, submit.Options{
		SelfID:           opts.SelfID,
		SelfName:         opts.SelfName,
		SelfAvatar:       opts.SelfAvatar,
		WriteTimeout:     opts.WriteTimeout,
		OnComposeCleared: opts.OnComposeCleared,
		Typing:           s.typing,
		Metrics:          deps.Metrics,
	}, log)

	if err := s.feed.Subscribe(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.store.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.store.MarkReadOnce(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to mark conversation read")
	}
	s.log.Info().Int("message_count", len(s.store.Snapshot().Messages)).Msg("Opened conversation")
	return s, nil
}

func (s *Session) handleEvent(evt chat.Event) {
	if s.cache != nil {
		s.cache.Observe(s.ctx, evt)
	}
	if e, ok := evt.(chat.TypingChanged); ok {
		if s.opts.OnTyping != nil {
			s.opts.OnTyping(e.UserIDs)
		}
		return
	}
	if err := s.store.HandleEvent(s.ctx, evt); err != nil && s.ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("Failed to apply feed event")
	}
}

func (s *Session) Conversation() chat.Conversation {
	return s.conv
}

func (s *Session) Store() *store.Store {
	return s.store
}

func (s *Session) Snapshot() store.Snapshot {
	return s.store.Snapshot()
}

// Send posts a message through the submission coordinator.
func (s *Session) Send(ctx context.Context, text string, attachments []upload.Pending, replyToID string) (*chat.Message, error) {
	return s.submit.Send(ctx, submit.Request{
		ConversationID: s.conv.ID,
		Text:           text,
		Attachments:    attachments,
		ReplyToID:      replyToID,
	})
}

func (s *Session) Discard(tempID string) bool {
	return s.submit.Discard(tempID)
}

func (s *Session) InputChanged(text string) {
	s.typing.InputChanged(text)
}

// Typing returns the remote users currently typing.
func (s *Session) Typing() []string {
	return s.feed.Typing()
}

func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	return s.store.LoadOlder(ctx)
}

// React adds the local user's reaction and reloads the loaded range, since
// reaction summaries are never patched in place.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	if err := s.checkReactable(messageID, emoji); err != nil {
		return err
	}
	if err := s.backend.AddReaction(ctx, messageID, emoji); err != nil {
		return err
	}
	return s.store.Refetch(ctx)
}

func (s *Session) Unreact(ctx context.Context, messageID, emoji string) error {
	if err := s.checkReactable(messageID, emoji); err != nil {
		return err
	}
	if err := s.backend.RemoveReaction(ctx, messageID, emoji); err != nil {
		return err
	}
	return s.store.Refetch(ctx)
}

func (s *Session) checkReactable(messageID, emoji string) error {
	switch {
	case emoji == "":
		return fmt.Errorf("%w: reaction emoji is empty", chat.ErrValidation)
	case chat.IsTempID(messageID):
		return fmt.Errorf("%w: message %s is not confirmed yet", chat.ErrValidation, messageID)
	case !slices.ContainsFunc(s.store.Snapshot().Messages, func(m *chat.Message) bool { return m.ID == messageID }):
		return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	return nil
}

// Resubscribe re-opens the channels after the transport reconnects and
// refetches whatever changed while the socket was down.
func (s *Session) Resubscribe(ctx context.Context) error {
	if err := s.feed.Resubscribe(ctx); err != nil {
		return err
	}
	return s.store.Refetch(ctx)
}

// Close stops typing, tears down every channel and detaches listeners.
// Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.typing.Stop()
		if err := s.feed.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close feed cleanly")
		}
		s.subs.UnsubscribeAll()
		s.store.ClearListeners()
		s.cancel()
		s.log.Debug().Msg("Closed conversation")
	})
}
