package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/chat"
)

const rowHeight = 40.0

// listViewport renders every message in the store as a fixed-height row.
type listViewport struct {
	store  *Store
	client float64
	top    float64
}

func (v *listViewport) ScrollTop() float64 { return v.top }
func (v *listViewport) ScrollHeight() float64 {
	return float64(len(v.store.Snapshot().Messages)) * rowHeight
}
func (v *listViewport) ClientHeight() float64 { return v.client }
func (v *listViewport) ScrollTo(offset float64) {
	v.top = min(offset, max(v.ScrollHeight()-v.client, 0))
}

func tenMessages() []*chat.Message {
	out := make([]*chat.Message, 0, 10)
	for i := range 10 {
		out = append(out, msg(string(rune('a'+i)), 10+i, "u1"))
	}
	return out
}

func TestCaptureScrollBottomThreshold(t *testing.T) {
	s := openStore(t, &fakeBackend{}, Options{})
	for _, m := range tenMessages() {
		s.InsertConfirmed(m)
	}
	v := &listViewport{store: s, client: 200}

	v.top = 200
	assert.True(t, CaptureScroll(v).WasAtBottom)
	v.top = 150
	assert.True(t, CaptureScroll(v).WasAtBottom)
	v.top = 149
	assert.False(t, CaptureScroll(v).WasAtBottom)
}

func TestRefetchPreservesReadingPosition(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(tenMessages()...)
	s := openStore(t, backend, Options{})
	v := &listViewport{store: s, client: 200, top: 100}
	s.SetViewport(v)
	original := CaptureScroll(v)
	require.False(t, original.WasAtBottom)

	// Three older rows appear above the viewport, e.g. a backfilled thread.
	backend.set(append([]*chat.Message{msg("x", 1, "u2"), msg("y", 2, "u2"), msg("z", 3, "u2")}, tenMessages()...)...)
	require.NoError(t, s.HandleEvent(context.Background(), chat.ReactionsChanged{ConversationID: convID}))

	k := 3 * rowHeight
	assert.InDelta(t, original.ScrollTop+k, v.ScrollTop(), 1)
}

func TestRefetchFollowsBottom(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(tenMessages()...)
	s := openStore(t, backend, Options{})
	v := &listViewport{store: s, client: 200, top: 200}
	s.SetViewport(v)

	backend.set(append(tenMessages(), msg("new", 30, "u2"))...)
	require.NoError(t, s.Refetch(context.Background()))
	assert.InDelta(t, 11*rowHeight-200, v.ScrollTop(), 1)
}

func TestLoadOlderKeepsViewportAnchored(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(tenMessages()...)
	s := openStore(t, backend, Options{PageSize: 5})
	v := &listViewport{store: s, client: 100, top: 100}
	s.SetViewport(v)

	added, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, added)
	assert.InDelta(t, 100+5*rowHeight, v.ScrollTop(), 1)
}
