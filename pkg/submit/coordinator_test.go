package submit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/store"
	"github.com/lrhodin/chatsync/pkg/upload"
)

const convID = "conv1"

type emptyHistory struct{}

func (emptyHistory) GetMessages(ctx context.Context, conversationID string, limit, offset int) (*chat.Page, error) {
	return &chat.Page{}, nil
}

func (emptyHistory) MarkRead(ctx context.Context, conversationID, userID string) error { return nil }

type fakeSender struct {
	mu      sync.Mutex
	calls   []chat.SendParams
	err     error
	block   chan struct{}
	entered chan struct{}
	// before runs ahead of the response, e.g. to simulate the feed winning.
	before func(params chat.SendParams, confirmed *chat.Message)
}

func (f *fakeSender) SendMessage(ctx context.Context, params chat.SendParams) (*chat.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	n := len(f.calls)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	confirmed := &chat.Message{
		ID:             "srv-" + string(rune('0'+n)),
		ConversationID: params.ConversationID,
		SenderID:       "me",
		Text:           params.Text,
		Attachments:    params.Attachments,
		ClientID:       params.ClientID,
		CreatedAt:      time.Now(),
	}
	if f.before != nil {
		f.before(params, confirmed)
	}
	return confirmed, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeUploader struct {
	calls  int
	err    error
	onCall func()
}

func (f *fakeUploader) UploadAll(ctx context.Context, conversationID string, pending []upload.Pending) ([]chat.Attachment, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]chat.Attachment, len(pending))
	for i, p := range pending {
		out[i] = chat.Attachment{ID: p.ID, URL: "https://cdn.example.com/" + p.FileName, Kind: chat.MediaImage}
	}
	return out, nil
}

type typingSpy struct{ sent atomic.Int32 }

func (t *typingSpy) Sent() { t.sent.Add(1) }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(emptyHistory{}, convID, store.Options{SelfID: "me"}, zerolog.Nop())
	require.NoError(t, st.Open(context.Background()))
	return st
}

func pendingImages(names ...string) []upload.Pending {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	out := make([]upload.Pending, len(names))
	for i, name := range names {
		out[i] = upload.Pending{ID: "p" + name, FileName: name, ContentType: "image/png", Data: buf.Bytes()}
	}
	return out
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{}
	c := New(st, &fakeUploader{}, sender, Options{SelfID: "me"}, zerolog.Nop())

	_, err := c.Send(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, chat.ErrValidation)
	assert.Empty(t, st.Snapshot().Messages)
	assert.Zero(t, sender.callCount())
}

func TestSendWithAttachmentsConvergesDirectResponse(t *testing.T) {
	st := newStore(t)
	spy := &typingSpy{}
	cleared := false
	var duringUpload []*chat.Message
	uploader := &fakeUploader{onCall: func() { duringUpload = st.Snapshot().Optimistic() }}
	c := New(st, uploader, &fakeSender{}, Options{
		SelfID:           "me",
		Typing:           spy,
		OnComposeCleared: func() { cleared = true },
	}, zerolog.Nop())

	confirmed, err := c.Send(context.Background(), Request{Text: "look", Attachments: pendingImages("a.png", "b.png")})
	require.NoError(t, err)

	require.Len(t, duringUpload, 1)
	assert.Equal(t, chat.UploadUploading, duringUpload[0].UploadState)
	assert.Equal(t, 2, duringUpload[0].AttachmentCount)
	assert.True(t, cleared)

	snap := st.Snapshot()
	assert.Empty(t, snap.Optimistic())
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, confirmed.ID, snap.Messages[0].ID)
	assert.Len(t, snap.Messages[0].Attachments, 2)
	assert.EqualValues(t, 1, spy.sent.Load())
	assert.False(t, c.InFlight())
}

func TestSendConvergesWhenFeedDeliversFirst(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{before: func(params chat.SendParams, confirmed *chat.Message) {
		// Feed echo lands before the direct response.
		assert.True(t, st.InsertConfirmed(confirmed))
	}}
	c := New(st, &fakeUploader{}, sender, Options{SelfID: "me"}, zerolog.Nop())

	_, err := c.Send(context.Background(), Request{Text: "race", Attachments: pendingImages("a.png")})
	require.NoError(t, err)
	snap := st.Snapshot()
	assert.Empty(t, snap.Optimistic())
	assert.Len(t, snap.Messages, 1)
}

func TestSendAtMostOneInFlight(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := New(st, &fakeUploader{}, sender, Options{SelfID: "me"}, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Request{Text: "first"})
		done <- err
	}()
	<-sender.entered
	assert.True(t, c.InFlight())

	_, err := c.Send(context.Background(), Request{Text: "second"})
	assert.ErrorIs(t, err, ErrSendInProgress)

	close(sender.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, sender.callCount())
	assert.Len(t, st.Snapshot().Messages, 1)
}

func TestSequentialUploadAbortMarksFailed(t *testing.T) {
	st := newStore(t)
	storage := &scriptedStorage{results: []error{nil, &chat.ServerError{Status: http.StatusForbidden, Message: "quota"}}}
	pipeline := upload.New(upload.Config{Compress: false}, storage, nil, zerolog.Nop())
	sender := &fakeSender{}
	c := New(st, pipeline, sender, Options{SelfID: "me"}, zerolog.Nop())

	_, err := c.Send(context.Background(), Request{Text: "three", Attachments: pendingImages("a.png", "b.png", "c.png")})
	require.Error(t, err)
	var partial *chat.PartialUploadError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Index)

	assert.Equal(t, 2, storage.calls)
	assert.Zero(t, sender.callCount())
	opt := st.Snapshot().Optimistic()
	require.Len(t, opt, 1)
	assert.Equal(t, chat.UploadFailed, opt[0].UploadState)
	assert.Contains(t, opt[0].FailureReason, "b.png")
	assert.False(t, c.InFlight())

	assert.True(t, c.Discard(opt[0].ID))
	assert.Empty(t, st.Snapshot().Messages)
}

func TestServerRejectionKeepsFailedEntry(t *testing.T) {
	st := newStore(t)
	spy := &typingSpy{}
	sender := &fakeSender{err: &chat.ServerError{Status: http.StatusForbidden, Message: "blocked"}}
	c := New(st, &fakeUploader{}, sender, Options{SelfID: "me", Typing: spy}, zerolog.Nop())

	_, err := c.Send(context.Background(), Request{Text: "hello"})
	assert.ErrorIs(t, err, chat.ErrServerRejected)
	opt := st.Snapshot().Optimistic()
	require.Len(t, opt, 1)
	assert.Equal(t, "hello", opt[0].Text)
	assert.Equal(t, chat.UploadFailed, opt[0].UploadState)
	assert.Zero(t, spy.sent.Load())

	// The guard is released so the user can try again.
	sender.err = nil
	_, err = c.Send(context.Background(), Request{Text: "hello again"})
	require.NoError(t, err)
}

func TestFailedSendSurvivesUncorrelatedEchoFromOtherDevice(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{
		err:     fmt.Errorf("dial: %w", chat.ErrTransientNetwork),
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := New(st, &fakeUploader{}, sender, Options{SelfID: "me"}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Request{Text: "from laptop"})
		errCh <- err
	}()
	<-sender.entered
	// Same user, different client, no correlation ID: consumes the pending entry.
	require.True(t, st.InsertConfirmed(&chat.Message{ID: "srv-x", ConversationID: convID, SenderID: "me", Text: "from phone", CreatedAt: time.Now()}))
	require.Empty(t, st.Snapshot().Optimistic())
	close(sender.block)

	assert.ErrorIs(t, <-errCh, chat.ErrTransientNetwork)
	snap := st.Snapshot()
	require.Len(t, snap.Confirmed(), 1)
	opt := snap.Optimistic()
	require.Len(t, opt, 1)
	assert.Equal(t, "from laptop", opt[0].Text)
	assert.Equal(t, chat.UploadFailed, opt[0].UploadState)
	assert.NotEmpty(t, opt[0].FailureReason)
	assert.True(t, c.Discard(opt[0].ID))
}

func TestWriteTimeoutReleasesGuard(t *testing.T) {
	st := newStore(t)
	sender := &fakeSender{block: make(chan struct{})}
	defer close(sender.block)
	c := New(st, &fakeUploader{}, sender, Options{SelfID: "me", WriteTimeout: 20 * time.Millisecond}, zerolog.Nop())

	_, err := c.Send(context.Background(), Request{Text: "slow"})
	assert.ErrorIs(t, err, chat.ErrTransientNetwork)
	assert.False(t, c.InFlight())
	assert.Equal(t, chat.UploadFailed, st.Snapshot().Optimistic()[0].UploadState)
}

type scriptedStorage struct {
	calls   int
	results []error
}

func (s *scriptedStorage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	n := s.calls
	s.calls++
	if n < len(s.results) && s.results[n] != nil {
		return "", s.results[n]
	}
	return path, nil
}

func (s *scriptedStorage) PublicURL(bucket, path string) string {
	return "https://cdn.example.com/" + path
}
