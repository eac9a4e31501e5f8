// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cache keeps a local SQLite copy of message history and unread
// counts so a conversation can still be shown while the network is down.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatsync/pkg/chat"
)

type Cache struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// Open opens (or creates) the SQLite database at path. Use ":memory:" or a
// "file:...?mode=memory" URI for an ephemeral cache.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Cache, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// SQLite allows one writer, and an in-memory database exists per
	// connection.
	db.RawDB.SetMaxOpenConns(1)
	c := New(db, log)
	if err = c.EnsureSchema(ctx); err != nil {
		_ = db.RawDB.Close()
		return nil, err
	}
	return c, nil
}

func New(db *dbutil.Database, log zerolog.Logger) *Cache {
	return &Cache{db: db, log: log.With().Str("component", "cache").Logger()}
}

func (c *Cache) Close() error {
	return c.db.RawDB.Close()
}

func (c *Cache) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			id TEXT NOT NULL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			sender_avatar TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			reply_to_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			created_ms BIGINT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			attachments_json TEXT NOT NULL DEFAULT '',
			reactions_json TEXT NOT NULL DEFAULT '',
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_conversation_ts_idx
			ON message (conversation_id, created_ms, id)`,
		`CREATE TABLE IF NOT EXISTS unread_count (
			conversation_id TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0,
			stale BOOLEAN NOT NULL DEFAULT FALSE,
			updated_ts BIGINT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := c.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}
	return nil
}

// UpsertMessages writes messages in one transaction. A soft delete is
// sticky: a later upsert of the same row never resurrects it.
func (c *Cache) UpsertMessages(ctx context.Context, msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message (
			id, conversation_id, sender_id, sender_name, sender_avatar,
			content, reply_to_id, client_id, created_ms, deleted,
			attachments_json, reactions_json, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			sender_id=excluded.sender_id,
			sender_name=excluded.sender_name,
			sender_avatar=excluded.sender_avatar,
			content=excluded.content,
			reply_to_id=excluded.reply_to_id,
			client_id=CASE WHEN excluded.client_id <> '' THEN excluded.client_id ELSE message.client_id END,
			created_ms=excluded.created_ms,
			deleted=CASE WHEN message.deleted THEN message.deleted ELSE excluded.deleted END,
			attachments_json=excluded.attachments_json,
			reactions_json=excluded.reactions_json,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, msg := range msgs {
		if msg == nil || msg.IsOptimistic() {
			continue
		}
		attachmentsJSON, err := marshalOptional(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to encode attachments of %s: %w", msg.ID, err)
		}
		reactionsJSON, err := marshalOptional(msg.Reactions)
		if err != nil {
			return fmt.Errorf("failed to encode reactions of %s: %w", msg.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.SenderAvatar,
			msg.Text, msg.ReplyToID, msg.ClientID, msg.CreatedAt.UnixMilli(), msg.IsDeleted(),
			attachmentsJSON, reactionsJSON, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteMessage soft-deletes one message.
func (c *Cache) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.db.Exec(ctx,
		`UPDATE message SET deleted=TRUE, updated_ts=$2 WHERE id=$1`,
		id, time.Now().UnixMilli(),
	)
	return err
}

// HasMessage reports whether a message is cached. Used for echo detection
// of messages the local user already has.
func (c *Cache) HasMessage(ctx context.Context, id string) (bool, error) {
	var count int
	err := c.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message WHERE id=$1 AND deleted=FALSE LIMIT 1`,
		id,
	).Scan(&count)
	return count > 0, err
}

const messageSelectCols = `id, conversation_id, sender_id, sender_name, sender_avatar,
	content, reply_to_id, client_id, created_ms, deleted, attachments_json, reactions_json`

func (c *Cache) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	msgs, err := c.queryMessages(ctx, `SELECT `+messageSelectCols+` FROM message WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	return msgs[0], nil
}

// ListLatest returns a newest-first page of non-deleted messages and
// whether older ones exist.
func (c *Cache) ListLatest(ctx context.Context, conversationID string, limit, offset int) ([]*chat.Message, bool, error) {
	msgs, err := c.queryMessages(ctx, `SELECT `+messageSelectCols+`
		FROM message
		WHERE conversation_id=$1 AND deleted=FALSE
		ORDER BY created_ms DESC, id DESC
		LIMIT $2 OFFSET $3
	`, conversationID, limit+1, offset)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

func (c *Cache) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := c.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message WHERE conversation_id=$1 AND deleted=FALSE`,
		conversationID,
	).Scan(&count)
	return count, err
}

func (c *Cache) queryMessages(ctx context.Context, query string, args ...any) ([]*chat.Message, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*chat.Message, 0)
	for rows.Next() {
		var (
			msg             chat.Message
			createdMS       int64
			deleted         bool
			attachmentsJSON string
			reactionsJSON   string
		)
		if err = rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.SenderAvatar,
			&msg.Text,
			&msg.ReplyToID,
			&msg.ClientID,
			&createdMS,
			&deleted,
			&attachmentsJSON,
			&reactionsJSON,
		); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.UnixMilli(createdMS).UTC()
		if deleted {
			deletedAt := time.UnixMilli(createdMS).UTC()
			msg.DeletedAt = &deletedAt
		}
		if attachmentsJSON != "" {
			if err = json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
				c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping unreadable cached attachments")
			}
		}
		if reactionsJSON != "" {
			if err = json.Unmarshal([]byte(reactionsJSON), &msg.Reactions); err != nil {
				c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping unreadable cached reactions")
			}
		}
		out = append(out, &msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetUnreadCount stores a fresh unread count and clears the stale flag.
func (c *Cache) SetUnreadCount(ctx context.Context, conversationID string, count int) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO unread_count (conversation_id, count, stale, updated_ts)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			count=excluded.count,
			stale=FALSE,
			updated_ts=excluded.updated_ts
	`, conversationID, count, time.Now().UnixMilli())
	return err
}

// InvalidateUnread marks the cached count stale after the read marker moved.
func (c *Cache) InvalidateUnread(ctx context.Context, conversationID string) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO unread_count (conversation_id, count, stale, updated_ts)
		VALUES ($1, 0, TRUE, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET
			stale=TRUE,
			updated_ts=excluded.updated_ts
	`, conversationID, time.Now().UnixMilli())
	return err
}

// UnreadCount returns the cached count and whether it needs refreshing. A
// conversation never seen is reported as stale.
func (c *Cache) UnreadCount(ctx context.Context, conversationID string) (int, bool, error) {
	var (
		count int
		stale bool
	)
	err := c.db.QueryRow(ctx,
		`SELECT count, stale FROM unread_count WHERE conversation_id=$1`,
		conversationID,
	).Scan(&count, &stale)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, true, nil
	}
	return count, stale, err
}

func marshalOptional[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
