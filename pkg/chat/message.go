// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks a message or attachment ID as locally synthesized.
const TempIDPrefix = "tmp_"

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// UploadState is the progress of an optimistic entry. Confirmed messages
// have no upload state.
type UploadState string

const (
	UploadNone      UploadState = ""
	UploadUploading UploadState = "uploading"
	UploadUploaded  UploadState = "uploaded"
	UploadFailed    UploadState = "failed"
)

type Attachment struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Kind         MediaKind `json:"kind"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Size         int64     `json:"size,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
}

type ReactionSummary struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reacted_by_me,omitempty"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	SenderAvatar   string `json:"sender_avatar,omitempty"`

	Text        string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	Reactions []ReactionSummary `json:"reactions,omitempty"`

	// ClientID is the correlation ID generated when the message was composed.
	// The server echoes it back so the confirmed message can be paired with
	// its optimistic entry regardless of delivery path.
	ClientID string `json:"client_id,omitempty"`

	// Optimistic-only fields.
	UploadState     UploadState `json:"-"`
	AttachmentCount int         `json:"-"`
	FailureReason   string      `json:"-"`
}

// IsOptimistic reports whether the message was synthesized locally and has
// not been confirmed by the server.
func (m *Message) IsOptimistic() bool {
	return IsTempID(m.ID)
}

func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a copy that shares no slices with the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		out.Reactions = append([]ReactionSummary(nil), m.Reactions...)
	}
	if m.DeletedAt != nil {
		deletedAt := *m.DeletedAt
		out.DeletedAt = &deletedAt
	}
	return &out
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func NewClientID() string {
	return uuid.NewString()
}

// Conversation is the read-only context a view is opened with.
type Conversation struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	AvatarURL   string `json:"avatar_url,omitempty" yaml:"avatar_url"`
	IsDirect    bool   `json:"is_direct" yaml:"is_direct"`
	EventLinked bool   `json:"event_linked" yaml:"event_linked"`
}

// Page is one page of history, newest-first as returned by the backend.
type Page struct {
	Messages []*Message
	HasMore  bool
}
