package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatsync/pkg/chat"
)

func messagesTopic(conversationID string) string  { return "messages:" + conversationID }
func reactionsTopic(conversationID string) string { return "reactions:" + conversationID }
func typingTopic(conversationID string) string    { return "typing:" + conversationID }

func (c *Client) changesConfig(table, conversationID string) map[string]any {
	return map[string]any{
		"broadcast": map[string]any{"self": false},
		"presence":  map[string]any{"key": ""},
		"postgres_changes": []map[string]string{{
			"event":  "*",
			"schema": c.cfg.Schema,
			"table":  table,
			"filter": "conversation_id=eq." + conversationID,
		}},
	}
}

// parseChange converts a postgres_changes payload. Older servers put the
// change fields at the top level instead of under data.
func parseChange(payload gjson.Result) (chat.Change, bool) {
	data := payload.Get("data")
	if !data.Exists() {
		data = payload
	}
	change := chat.Change{
		Type:  chat.ChangeType(data.Get("type").String()),
		Table: data.Get("table").String(),
	}
	if change.Type == "" {
		change.Type = chat.ChangeType(data.Get("eventType").String())
	}
	if rec := data.Get("record"); rec.IsObject() {
		change.Record = json.RawMessage(rec.Raw)
	}
	if old := data.Get("old_record"); old.IsObject() {
		change.OldRecord = json.RawMessage(old.Raw)
	}
	switch change.Type {
	case chat.ChangeInsert, chat.ChangeUpdate, chat.ChangeDelete:
		return change, true
	default:
		return change, false
	}
}

func (c *Client) SubscribeToConversation(ctx context.Context, conversationID string, handlers chat.ChangeHandlers) (chat.Unsubscriber, error) {
	log := c.log.With().Str("conversation_id", conversationID).Logger()
	return c.join(ctx, messagesTopic(conversationID), c.changesConfig(c.cfg.MessagesTable, conversationID), func(event string, payload gjson.Result) {
		if event != eventChanges {
			return
		}
		change, ok := parseChange(payload)
		if !ok {
			log.Debug().Str("type", string(change.Type)).Msg("Ignoring unknown change type")
			return
		}
		var fn func(chat.Change)
		switch change.Type {
		case chat.ChangeInsert:
			fn = handlers.OnInsert
		case chat.ChangeUpdate:
			fn = handlers.OnUpdate
		case chat.ChangeDelete:
			fn = handlers.OnDelete
		}
		if fn != nil {
			fn(change)
		}
	})
}

func (c *Client) SubscribeToReactions(ctx context.Context, conversationID string, onChange func()) (chat.Unsubscriber, error) {
	return c.join(ctx, reactionsTopic(conversationID), c.changesConfig(c.cfg.ReactionsTable, conversationID), func(event string, _ gjson.Result) {
		if event == eventChanges && onChange != nil {
			onChange()
		}
	})
}

func (c *Client) SubscribeToTyping(ctx context.Context, conversationID string, onSignal func(chat.TypingSignal)) (chat.Unsubscriber, error) {
	config := map[string]any{
		"broadcast": map[string]any{"self": false, "ack": false},
		"presence":  map[string]any{"key": c.selfID},
	}
	return c.join(ctx, typingTopic(conversationID), config, func(event string, payload gjson.Result) {
		if event != eventBroadcast || payload.Get("event").String() != typingEvent || onSignal == nil {
			return
		}
		inner := payload.Get("payload")
		sig := chat.TypingSignal{
			UserID:   inner.Get("user_id").String(),
			IsTyping: inner.Get("is_typing").Bool(),
		}
		if sig.UserID == "" {
			return
		}
		onSignal(sig)
	})
}

// SendTyping broadcasts on the conversation's typing channel. The channel
// should be joined first or the server drops the frame.
func (c *Client) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	err := c.push(ctx, topicPrefix+typingTopic(conversationID), eventBroadcast, map[string]any{
		"type":  eventBroadcast,
		"event": typingEvent,
		"payload": chat.TypingSignal{
			UserID:   c.selfID,
			IsTyping: isTyping,
		},
	}, "")
	if err != nil {
		return fmt.Errorf("failed to send typing state: %w", err)
	}
	return nil
}
