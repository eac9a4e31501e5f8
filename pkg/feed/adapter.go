// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package feed turns raw change-feed notifications for one conversation
// into domain events and carries outbound typing state.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/metrics"
	"github.com/lrhodin/chatsync/pkg/subscription"
	"github.com/lrhodin/chatsync/pkg/typing"
)

const DefaultFetchTimeout = 10 * time.Second

func MessagesKey(conversationID string) string  { return "messages:" + conversationID }
func TypingKey(conversationID string) string    { return "typing:" + conversationID }
func ReactionsKey(conversationID string) string { return "reactions:" + conversationID }

// MessageFetcher loads the canonical denormalized record for one message.
type MessageFetcher interface {
	GetMessage(ctx context.Context, messageID string) (*chat.Message, error)
}

type Options struct {
	SelfID string
	// Known reports whether a message is already in the local list. Inserts
	// for known IDs are dropped without a fetch.
	Known        func(messageID string) bool
	FetchTimeout time.Duration
	Metrics      *metrics.Metrics
}

type Adapter struct {
	log     zerolog.Logger
	source  chat.FeedSource
	fetcher MessageFetcher
	subs    *subscription.Manager
	convID  string
	opts    Options
	emit    func(chat.Event)
	typers  *typing.Set

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New creates an adapter for one conversation. emit is called from the
// transport's goroutine for every domain event.
func New(
	source chat.FeedSource,
	fetcher MessageFetcher,
	subs *subscription.Manager,
	conversationID string,
	emit func(chat.Event),
	opts Options,
	log zerolog.Logger,
) *Adapter {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		log: log.With().
			Str("component", "feed").
			Str("conversation_id", conversationID).
			Logger(),
		source:  source,
		fetcher: fetcher,
		subs:    subs,
		convID:  conversationID,
		opts:    opts,
		emit:    emit,
		typers:  typing.NewSet(opts.SelfID),
		cancel:  cancel,
	}
	a.ctx = a.log.WithContext(ctx)
	return a
}

// Subscribe opens the message, typing and reaction channels. Each one is
// registered with the subscription manager under a stable key, so calling
// it again replaces the previous channels.
func (a *Adapter) Subscribe(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return errors.New("feed adapter is closed")
	}

	msgCh, err := a.source.SubscribeToConversation(ctx, a.convID, chat.ChangeHandlers{
		OnInsert: a.handleInsert,
		OnUpdate: a.handleUpdate,
		OnDelete: a.handleDelete,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to messages: %w", err)
	}
	a.subs.Subscribe(MessagesKey(a.convID), msgCh)

	typingCh, err := a.source.SubscribeToTyping(ctx, a.convID, a.handleTyping)
	if err != nil {
		return fmt.Errorf("failed to subscribe to typing: %w", err)
	}
	a.subs.Subscribe(TypingKey(a.convID), typingCh)

	reactionCh, err := a.source.SubscribeToReactions(ctx, a.convID, a.handleReactions)
	if err != nil {
		return fmt.Errorf("failed to subscribe to reactions: %w", err)
	}
	a.subs.Subscribe(ReactionsKey(a.convID), reactionCh)

	a.log.Debug().Msg("Subscribed to conversation channels")
	return nil
}

// Resubscribe re-opens every channel after the transport reconnects.
// Stale typing state is dropped since signals may have been missed.
func (a *Adapter) Resubscribe(ctx context.Context) error {
	if len(a.typers.UserIDs()) > 0 {
		a.typers.Clear()
		a.dispatch(chat.TypingChanged{ConversationID: a.convID, UserIDs: []string{}})
	}
	if err := a.Subscribe(ctx); err != nil {
		return err
	}
	a.log.Info().Msg("Resubscribed after reconnect")
	return nil
}

// SendTyping broadcasts the local user's typing state.
func (a *Adapter) SendTyping(ctx context.Context, isTyping bool) error {
	return a.source.SendTyping(ctx, a.convID, isTyping)
}

// Typing returns the remote users currently typing.
func (a *Adapter) Typing() []string {
	return a.typers.UserIDs()
}

// Close tears down this conversation's channels and stops emitting.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	return errors.Join(
		a.subs.Unsubscribe(MessagesKey(a.convID)),
		a.subs.Unsubscribe(TypingKey(a.convID)),
		a.subs.Unsubscribe(ReactionsKey(a.convID)),
	)
}

func (a *Adapter) dispatch(evt chat.Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.opts.Metrics.FeedEvent(eventName(evt))
	a.emit(evt)
}

func eventName(evt chat.Event) string {
	switch evt.(type) {
	case chat.MessageInserted:
		return "message_inserted"
	case chat.MessageUpdated:
		return "message_updated"
	case chat.MessageDeleted:
		return "message_deleted"
	case chat.ReactionsChanged:
		return "reactions_changed"
	case chat.TypingChanged:
		return "typing_changed"
	case chat.ResyncRequested:
		return "resync_requested"
	default:
		return "unknown"
	}
}

// belongs filters records for other conversations when the transport
// delivers more than the subscription filter asked for.
func (a *Adapter) belongs(record []byte) bool {
	conv := gjson.GetBytes(record, "conversation_id")
	return !conv.Exists() || conv.String() == a.convID
}

func (a *Adapter) handleInsert(change chat.Change) {
	if !a.belongs(change.Record) {
		return
	}
	id := gjson.GetBytes(change.Record, "id").String()
	if id == "" {
		a.requestResync("insert notification without message id")
		return
	}
	log := a.log.With().Str("message_id", id).Logger()
	if a.opts.Known != nil && a.opts.Known(id) {
		log.Trace().Msg("Dropping insert for message already in the list")
		return
	}
	msg, err := a.fetch(id)
	if errors.Is(err, chat.ErrNotFound) {
		log.Debug().Msg("Inserted message is already gone")
		return
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch inserted message")
		a.requestResync(fmt.Sprintf("failed to fetch message %s", id))
		return
	}
	if msg.IsDeleted() {
		return
	}
	a.dispatch(chat.MessageInserted{ConversationID: a.convID, Message: msg})
	if a.typers.Remove(msg.SenderID) {
		a.dispatch(chat.TypingChanged{ConversationID: a.convID, UserIDs: a.typers.UserIDs()})
	}
}

func (a *Adapter) handleUpdate(change chat.Change) {
	if !a.belongs(change.Record) {
		return
	}
	id := gjson.GetBytes(change.Record, "id").String()
	if id == "" {
		a.requestResync("update notification without message id")
		return
	}
	deletedAt := gjson.GetBytes(change.Record, "deleted_at")
	if deletedAt.Exists() && deletedAt.Type != gjson.Null {
		a.dispatch(chat.MessageDeleted{ConversationID: a.convID, MessageID: id})
		return
	}
	msg, err := a.fetch(id)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		a.dispatch(chat.MessageDeleted{ConversationID: a.convID, MessageID: id})
	case err != nil:
		a.log.Warn().Err(err).Str("message_id", id).Msg("Failed to fetch updated message")
		a.requestResync(fmt.Sprintf("failed to fetch message %s", id))
	case msg.IsDeleted():
		a.dispatch(chat.MessageDeleted{ConversationID: a.convID, MessageID: id})
	default:
		a.dispatch(chat.MessageUpdated{ConversationID: a.convID, Message: msg})
	}
}

func (a *Adapter) handleDelete(change chat.Change) {
	id := gjson.GetBytes(change.OldRecord, "id").String()
	if id == "" {
		id = gjson.GetBytes(change.Record, "id").String()
	}
	if id == "" {
		a.requestResync("delete notification without message id")
		return
	}
	a.dispatch(chat.MessageDeleted{ConversationID: a.convID, MessageID: id})
}

func (a *Adapter) handleReactions() {
	a.dispatch(chat.ReactionsChanged{ConversationID: a.convID})
}

func (a *Adapter) handleTyping(sig chat.TypingSignal) {
	if a.typers.Apply(sig.UserID, sig.IsTyping) {
		a.dispatch(chat.TypingChanged{ConversationID: a.convID, UserIDs: a.typers.UserIDs()})
	}
}

func (a *Adapter) requestResync(reason string) {
	a.dispatch(chat.ResyncRequested{ConversationID: a.convID, Reason: reason})
}

func (a *Adapter) fetch(id string) (*chat.Message, error) {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.FetchTimeout)
	defer cancel()
	msg, err := a.fetcher.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = a.convID
	}
	return msg, nil
}
