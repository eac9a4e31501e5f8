// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package submit runs the send path for one compose box: optimistic entry,
// sequential attachment upload, server write and reconciliation.
package submit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/metrics"
	"github.com/lrhodin/chatsync/pkg/store"
	"github.com/lrhodin/chatsync/pkg/upload"
)

const DefaultWriteTimeout = 30 * time.Second

// ErrSendInProgress is returned when Send is called while another send
// from the same compose session has not finished.
var ErrSendInProgress = errors.New("a send is already in progress")

type Request struct {
	ConversationID string
	Text           string
	Attachments    []upload.Pending
	ReplyToID      string
}

type Uploader interface {
	UploadAll(ctx context.Context, conversationID string, pending []upload.Pending) ([]chat.Attachment, error)
}

type Sender interface {
	SendMessage(ctx context.Context, params chat.SendParams) (*chat.Message, error)
}

// TypingStopper is told when a send completes so it can end the typing
// state early.
type TypingStopper interface {
	Sent()
}

type Options struct {
	SelfID     string
	SelfName   string
	SelfAvatar string
	// WriteTimeout bounds the server write so a hung call cannot hold the
	// send guard forever.
	WriteTimeout time.Duration
	// OnComposeCleared runs right after the optimistic entry is shown.
	OnComposeCleared func()
	Typing           TypingStopper
	Metrics          *metrics.Metrics
}

type Coordinator struct {
	log      zerolog.Logger
	store    *store.Store
	uploader Uploader
	sender   Sender
	opts     Options
	sending  atomic.Bool
}

func New(st *store.Store, uploader Uploader, sender Sender, opts Options, log zerolog.Logger) *Coordinator {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Coordinator{
		log: log.With().
			Str("component", "submit").
			Str("conversation_id", st.ConversationID()).
			Logger(),
		store:    st,
		uploader: uploader,
		sender:   sender,
		opts:     opts,
	}
}

// InFlight reports whether a send is currently running.
func (c *Coordinator) InFlight() bool {
	return c.sending.Load()
}

// Send posts one message. The optimistic entry appears before any network
// call. On failure it stays in the list marked failed and the returned
// error carries the cause; it is never dropped silently.
func (c *Coordinator) Send(ctx context.Context, req Request) (*chat.Message, error) {
	if req.ConversationID == "" {
		req.ConversationID = c.store.ConversationID()
	}
	if req.ConversationID != c.store.ConversationID() {
		return nil, fmt.Errorf("%w: conversation %s is not open here", chat.ErrValidation, req.ConversationID)
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, fmt.Errorf("%w: message is empty", chat.ErrValidation)
	}
	if !c.sending.CompareAndSwap(false, true) {
		c.log.Debug().Msg("Rejected send while another is in flight")
		c.opts.Metrics.Send(metrics.SendInProgress)
		return nil, ErrSendInProgress
	}
	defer c.sending.Store(false)

	optimistic := &chat.Message{
		ID:              chat.NewTempID(),
		ClientID:        chat.NewClientID(),
		ConversationID:  req.ConversationID,
		SenderID:        c.opts.SelfID,
		SenderName:      c.opts.SelfName,
		SenderAvatar:    c.opts.SelfAvatar,
		Text:            req.Text,
		ReplyToID:       req.ReplyToID,
		CreatedAt:       time.Now(),
		AttachmentCount: len(req.Attachments),
		UploadState:     chat.UploadUploaded,
	}
	if len(req.Attachments) > 0 {
		optimistic.UploadState = chat.UploadUploading
	}
	log := c.log.With().
		Str("temp_id", optimistic.ID).
		Str("client_id", optimistic.ClientID).
		Logger()
	if err := c.store.AddOptimistic(optimistic); err != nil {
		return nil, fmt.Errorf("failed to add optimistic entry: %w", err)
	}
	if c.opts.OnComposeCleared != nil {
		c.opts.OnComposeCleared()
	}

	var attachments []chat.Attachment
	if len(req.Attachments) > 0 {
		var err error
		attachments, err = c.uploader.UploadAll(ctx, req.ConversationID, req.Attachments)
		if err != nil {
			return nil, c.fail(log, optimistic, err)
		}
		c.store.SetUploadState(optimistic.ID, chat.UploadUploaded)
		log.Debug().Int("attachment_count", len(attachments)).Msg("Uploaded all attachments")
	}

	confirmed, err := c.write(ctx, chat.SendParams{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Attachments:    attachments,
		ReplyToID:      req.ReplyToID,
		ClientID:       optimistic.ClientID,
	})
	if err != nil {
		return nil, c.fail(log, optimistic, err)
	}
	c.store.ResolveOptimistic(optimistic.ID, confirmed)
	if c.opts.Typing != nil {
		c.opts.Typing.Sent()
	}
	c.opts.Metrics.Send(metrics.SendConfirmed)
	log.Debug().Str("message_id", confirmed.ID).Msg("Message confirmed")
	return confirmed, nil
}

// Discard removes a failed optimistic entry. Retry is left to the caller,
// who still has the original text and attachments.
func (c *Coordinator) Discard(tempID string) bool {
	return c.store.Discard(tempID)
}

// fail marks the entry failed. The entry may already be gone if a
// confirmed message from another device consumed it through the positional
// fallback; it is put back so the failure stays visible.
func (c *Coordinator) fail(log zerolog.Logger, optimistic *chat.Message, err error) error {
	if !c.store.MarkFailed(optimistic.ID, err.Error()) {
		restored := optimistic.Clone()
		restored.UploadState = chat.UploadFailed
		restored.FailureReason = err.Error()
		if addErr := c.store.AddOptimistic(restored); addErr != nil {
			log.Err(addErr).Msg("Failed to restore failed optimistic entry")
		} else {
			log.Debug().Msg("Restored optimistic entry consumed while the send was in flight")
		}
	}
	c.opts.Metrics.Send(metrics.SendFailed)
	log.Warn().Err(err).Msg("Send failed")
	return fmt.Errorf("failed to send message: %w", err)
}

// write races the server write against WriteTimeout. A sender that
// ignores cancellation is abandoned so the guard is still released.
func (c *Coordinator) write(ctx context.Context, params chat.SendParams) (*chat.Message, error) {
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	type result struct {
		msg *chat.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Str("stack", string(debug.Stack())).Msgf("Sender panicked: %v", r)
				res = result{err: fmt.Errorf("sender panicked: %v", r)}
			}
			ch <- res
		}()
		msg, err := c.sender.SendMessage(writeCtx, params)
		res = result{msg: msg, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-writeCtx.Done():
		res = result{err: writeCtx.Err()}
	}
	switch {
	case res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, fmt.Errorf("%w: server write timed out after %s", chat.ErrTransientNetwork, c.opts.WriteTimeout)
	case res.err != nil:
		return nil, res.err
	case res.msg == nil:
		return nil, fmt.Errorf("%w: empty response to send", chat.ErrServerRejected)
	}
	return res.msg, nil
}
