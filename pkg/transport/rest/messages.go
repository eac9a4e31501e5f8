package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatsync/pkg/chat"
)

const (
	messagesView   = "/rest/v1/messages_view"
	reactionsTable = "/rest/v1/message_reactions"
	sendRPC        = "/rest/v1/rpc/send_message"
	markReadRPC    = "/rest/v1/rpc/mark_conversation_read"
)

// wireMessage is the denormalized row served by the messages view.
type wireMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	ReplyToID      *string    `json:"reply_to_id"`
	ClientID       *string    `json:"client_id"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at"`
	Sender         *struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	} `json:"sender"`
	Attachments []chat.Attachment      `json:"attachments"`
	Reactions   []chat.ReactionSummary `json:"reactions"`
}

func (w *wireMessage) toMessage() *chat.Message {
	msg := &chat.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Text:           w.Content,
		ReplyToID:      ptr.Val(w.ReplyToID),
		ClientID:       ptr.Val(w.ClientID),
		CreatedAt:      w.CreatedAt,
		DeletedAt:      w.DeletedAt,
		Attachments:    w.Attachments,
		Reactions:      w.Reactions,
	}
	if w.Sender != nil {
		msg.SenderName = w.Sender.DisplayName
		msg.SenderAvatar = w.Sender.AvatarURL
	}
	return msg
}

// GetMessages returns one newest-first page without soft-deleted rows. One
// extra row is requested to learn whether older messages exist.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit, offset int) (*chat.Page, error) {
	var rows []wireMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   messagesView,
		query: url.Values{
			"select":          {"*"},
			"conversation_id": {"eq." + conversationID},
			"deleted_at":      {"is.null"},
			"order":           {"created_at.desc,id.desc"},
			"limit":           {strconv.Itoa(limit + 1)},
			"offset":          {strconv.Itoa(offset)},
		},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return &chat.Page{
		Messages: lo.Map(rows, func(w wireMessage, _ int) *chat.Message { return w.toMessage() }),
		HasMore:  hasMore,
	}, nil
}

// GetMessage returns the canonical record, including soft-deleted ones so
// callers can see the deletion.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	var rows []wireMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   messagesView,
		query: url.Values{
			"select": {"*"},
			"id":     {"eq." + messageID},
			"limit":  {"1"},
		},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	return rows[0].toMessage(), nil
}

func (c *Client) SendMessage(ctx context.Context, params chat.SendParams) (*chat.Message, error) {
	payload := map[string]any{
		"conversation_id": params.ConversationID,
		"content":         params.Text,
		"attachments":     lo.Ternary(params.Attachments == nil, []chat.Attachment{}, params.Attachments),
		"client_id":       params.ClientID,
	}
	if params.ReplyToID != "" {
		payload["reply_to_id"] = params.ReplyToID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	var row wireMessage
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   sendRPC,
		body:   body,
	}, &row)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	if row.ID == "" {
		return nil, fmt.Errorf("%w: send returned no message", chat.ErrServerRejected)
	}
	return row.toMessage(), nil
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	body, err := json.Marshal(map[string]string{
		"message_id": messageID,
		"emoji":      emoji,
		"user_id":    c.UserID(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode reaction: %w", err)
	}
	err = c.do(ctx, request{
		method:  http.MethodPost,
		path:    reactionsTable,
		body:    body,
		headers: map[string]string{"Prefer": "return=minimal"},
	}, nil)
	var serr *chat.ServerError
	if errors.As(err, &serr) && serr.Status == http.StatusConflict {
		// Already reacted with this emoji.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   reactionsTable,
		query: url.Values{
			"message_id": {"eq." + messageID},
			"emoji":      {"eq." + emoji},
			"user_id":    {"eq." + c.UserID()},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) error {
	body, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"user_id":         userID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode read marker: %w", err)
	}
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   markReadRPC,
		body:   body,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}
