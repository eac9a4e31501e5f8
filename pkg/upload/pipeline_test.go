package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/chat"
)

type fakeStorage struct {
	mu      sync.Mutex
	calls   []string
	types   []string
	results []error
	block   bool
}

func (f *fakeStorage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, path)
	f.types = append(f.types, contentType)
	var err error
	if n < len(f.results) {
		err = f.results[n]
	}
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		// Simulates a client that ignores cancellation for a while.
		time.Sleep(5 * time.Millisecond)
		return "", errors.New("connection reset")
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeStorage) PublicURL(bucket, path string) string {
	return "https://cdn.example.com/" + bucket + "/" + path
}

func (f *fakeStorage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingRefresher struct {
	mu    sync.Mutex
	count int
}

func (c *countingRefresher) RefreshCredentials(ctx context.Context) error {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return nil
}

func newTestPipeline(cfg Config, storage chat.Storage, refresher chat.CredentialRefresher) *Pipeline {
	p := New(cfg, storage, refresher, zerolog.Nop())
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	p.jitter = func(n int64) int64 { return 0 }
	return p
}

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadReturnsDurableURL(t *testing.T) {
	storage := &fakeStorage{}
	p := newTestPipeline(Config{Compress: false}, storage, nil)
	data := makePNG(t, 20, 10)

	att, err := p.Upload(context.Background(), "conv1", Pending{FileName: "a.png", ContentType: "image/png", Data: data})
	require.NoError(t, err)
	assert.Equal(t, chat.MediaImage, att.Kind)
	assert.True(t, strings.HasPrefix(att.URL, "https://cdn.example.com/attachments/conv1/"))
	assert.True(t, strings.HasSuffix(att.URL, ".png"))
	assert.EqualValues(t, len(data), att.Size)
	assert.Equal(t, 20, att.Width)
	assert.Equal(t, 10, att.Height)
	assert.Equal(t, 1, storage.callCount())
}

func TestUploadValidationNeverHitsStorage(t *testing.T) {
	storage := &fakeStorage{}
	p := newTestPipeline(Config{MaxBytes: 64}, storage, nil)

	cases := map[string]Pending{
		"empty":     {FileName: "empty.png", ContentType: "image/png"},
		"oversized": {FileName: "big.png", ContentType: "image/png", Data: bytes.Repeat([]byte{1}, 65)},
		"wrongType": {FileName: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
		"sniffed":   {FileName: "blob", Data: []byte("just some text")},
		"badBase64": {FileName: "x.png", Inline: "data:image/png;base64,!!!"},
	}
	for name, pending := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Upload(context.Background(), "conv1", pending)
			require.Error(t, err)
			assert.ErrorIs(t, err, chat.ErrValidation)
		})
	}
	assert.Equal(t, 0, storage.callCount())
}

func TestUploadDecodesInlineDataURI(t *testing.T) {
	storage := &fakeStorage{}
	p := newTestPipeline(Config{Compress: false}, storage, nil)
	data := makePNG(t, 4, 4)
	inline := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)

	att, err := p.Upload(context.Background(), "conv1", Pending{FileName: "pasted", Inline: inline})
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.ContentType)
	assert.EqualValues(t, len(data), att.Size)
}

func TestUploadRetriesTransientFailuresWithRefresh(t *testing.T) {
	storage := &fakeStorage{results: []error{
		&chat.ServerError{Status: http.StatusServiceUnavailable, Message: "unavailable"},
		&chat.ServerError{Status: http.StatusUnauthorized, Message: "jwt expired"},
	}}
	refresher := &countingRefresher{}
	p := newTestPipeline(Config{Compress: false}, storage, refresher)

	att, err := p.Upload(context.Background(), "conv1", Pending{FileName: "a.png", Data: makePNG(t, 2, 2)})
	require.NoError(t, err)
	assert.NotEmpty(t, att.URL)
	assert.Equal(t, 3, storage.callCount())
	assert.Equal(t, 2, refresher.count)
}

func TestUploadTerminalFailureIsNotRetried(t *testing.T) {
	storage := &fakeStorage{results: []error{&chat.ServerError{Status: http.StatusForbidden, Message: "policy"}}}
	p := newTestPipeline(Config{Compress: false}, storage, nil)

	_, err := p.Upload(context.Background(), "conv1", Pending{FileName: "a.png", Data: makePNG(t, 2, 2)})
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrServerRejected)
	assert.Equal(t, 1, storage.callCount())
}

func TestUploadGivesUpAfterMaxAttempts(t *testing.T) {
	transient := &chat.ServerError{Status: http.StatusBadGateway}
	storage := &fakeStorage{results: []error{transient, transient, transient, transient}}
	p := newTestPipeline(Config{Compress: false, MaxAttempts: 3}, storage, nil)

	_, err := p.Upload(context.Background(), "conv1", Pending{FileName: "a.png", Data: makePNG(t, 2, 2)})
	var upErr *chat.UploadFailedError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, 3, upErr.Attempts)
	assert.Equal(t, 3, storage.callCount())
	assert.ErrorIs(t, err, chat.ErrTransientNetwork)
}

func TestUploadAttemptTimeoutIsTransient(t *testing.T) {
	storage := &fakeStorage{block: true}
	p := newTestPipeline(Config{Compress: false, MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond}, storage, nil)

	start := time.Now()
	_, err := p.Upload(context.Background(), "conv1", Pending{FileName: "a.png", Data: makePNG(t, 2, 2)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.ErrorIs(t, err, chat.ErrTransientNetwork)
	assert.Equal(t, 2, storage.callCount())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUploadAllStopsAtFirstFailure(t *testing.T) {
	storage := &fakeStorage{results: []error{nil, &chat.ServerError{Status: http.StatusForbidden}}}
	p := newTestPipeline(Config{Compress: false}, storage, nil)
	img := makePNG(t, 2, 2)

	atts, err := p.UploadAll(context.Background(), "conv1", []Pending{
		{FileName: "a.png", Data: img},
		{FileName: "b.png", Data: img},
		{FileName: "c.png", Data: img},
	})
	require.Error(t, err)
	var partial *chat.PartialUploadError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Index)
	assert.Equal(t, 3, partial.Total)
	assert.Equal(t, "b.png", partial.FileName)
	assert.Len(t, atts, 1)
	assert.Equal(t, 2, storage.callCount())
}

func TestUploadCompressesLargeImages(t *testing.T) {
	storage := &fakeStorage{}
	p := newTestPipeline(Config{Compress: true, MaxDimension: 100}, storage, nil)

	att, err := p.Upload(context.Background(), "conv1", Pending{FileName: "wide.png", Data: makePNG(t, 400, 200)})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", att.ContentType)
	assert.Equal(t, 100, att.Width)
	assert.Equal(t, 50, att.Height)
	assert.True(t, strings.HasSuffix(att.URL, ".jpg"))
	assert.Equal(t, "image/jpeg", storage.types[0])
}

func TestUploadFallsBackToOriginalWhenCompressionFails(t *testing.T) {
	storage := &fakeStorage{}
	p := newTestPipeline(Config{Compress: true}, storage, nil)
	garbage := []byte("definitely not a png but declared as one")

	att, err := p.Upload(context.Background(), "conv1", Pending{FileName: "x.png", ContentType: "image/png", Data: garbage})
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.ContentType)
	assert.EqualValues(t, len(garbage), att.Size)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := New(Config{BaseDelay: time.Second, MaxDelay: 8 * time.Second}, &fakeStorage{}, nil, zerolog.Nop())
	p.jitter = func(n int64) int64 { return 0 }
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 8*time.Second, p.backoff(4))
	assert.Equal(t, 8*time.Second, p.backoff(40))

	p.jitter = func(n int64) int64 { return n - 1 }
	jittered := p.backoff(2)
	assert.GreaterOrEqual(t, jittered, 2*time.Second)
	assert.Less(t, jittered, 3*time.Second)
}
