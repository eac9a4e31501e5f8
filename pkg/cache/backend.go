package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chat"
)

// Backend wraps a remote backend with write-through caching. Reads fall
// back to the cache when the network is transiently unavailable.
type Backend struct {
	chat.Backend
	cache *Cache
	log   zerolog.Logger
}

var _ chat.Backend = (*Backend)(nil)

func NewBackend(remote chat.Backend, cache *Cache, log zerolog.Logger) *Backend {
	return &Backend{
		Backend: remote,
		cache:   cache,
		log:     log.With().Str("component", "cached_backend").Logger(),
	}
}

func (b *Backend) GetMessages(ctx context.Context, conversationID string, limit, offset int) (*chat.Page, error) {
	page, err := b.Backend.GetMessages(ctx, conversationID, limit, offset)
	if err == nil {
		b.store(ctx, page.Messages)
		return page, nil
	}
	if !errors.Is(err, chat.ErrTransientNetwork) {
		return nil, err
	}
	msgs, hasMore, cacheErr := b.cache.ListLatest(ctx, conversationID, limit, offset)
	if cacheErr != nil || len(msgs) == 0 {
		if cacheErr != nil {
			b.log.Warn().Err(cacheErr).Msg("Failed to read history from cache")
		}
		return nil, err
	}
	b.log.Warn().Err(err).
		Str("conversation_id", conversationID).
		Int("message_count", len(msgs)).
		Msg("Serving history from cache while offline")
	return &chat.Page{Messages: msgs, HasMore: hasMore}, nil
}

func (b *Backend) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	msg, err := b.Backend.GetMessage(ctx, messageID)
	if err == nil {
		b.store(ctx, []*chat.Message{msg})
		return msg, nil
	}
	if errors.Is(err, chat.ErrTransientNetwork) {
		if cached, cacheErr := b.cache.GetMessage(ctx, messageID); cacheErr == nil {
			return cached, nil
		}
	}
	return nil, err
}

func (b *Backend) SendMessage(ctx context.Context, params chat.SendParams) (*chat.Message, error) {
	msg, err := b.Backend.SendMessage(ctx, params)
	if err != nil {
		return nil, err
	}
	b.store(ctx, []*chat.Message{msg})
	return msg, nil
}

// Observe mirrors feed events into the cache.
func (b *Backend) Observe(ctx context.Context, evt chat.Event) {
	var err error
	switch e := evt.(type) {
	case chat.MessageInserted:
		err = b.cache.UpsertMessages(ctx, []*chat.Message{e.Message})
	case chat.MessageUpdated:
		err = b.cache.UpsertMessages(ctx, []*chat.Message{e.Message})
	case chat.MessageDeleted:
		err = b.cache.DeleteMessage(ctx, e.MessageID)
	}
	if err != nil {
		b.log.Warn().Err(err).Str("conversation_id", evt.ConversationKey()).Msg("Failed to mirror feed event into cache")
	}
}

// InvalidateUnread marks the conversation's unread count stale.
func (b *Backend) InvalidateUnread(conversationID string) {
	if err := b.cache.InvalidateUnread(context.Background(), conversationID); err != nil {
		b.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to invalidate unread count")
	}
}

func (b *Backend) store(ctx context.Context, msgs []*chat.Message) {
	if err := b.cache.UpsertMessages(ctx, msgs); err != nil {
		b.log.Warn().Err(err).Int("message_count", len(msgs)).Msg("Failed to write messages to cache")
	}
}
