package subscription

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/chat"
)

type fakeChannel struct {
	calls atomic.Int32
	err   error
	panic bool
}

func (f *fakeChannel) Unsubscribe() error {
	f.calls.Add(1)
	if f.panic {
		panic("transport exploded")
	}
	return f.err
}

func TestSubscribeReplacesExistingKey(t *testing.T) {
	m := NewManager(zerolog.Nop())
	first := &fakeChannel{}
	second := &fakeChannel{}

	m.Subscribe("messages:c1", first)
	m.Subscribe("messages:c1", second)

	assert.EqualValues(t, 1, first.calls.Load())
	assert.EqualValues(t, 0, second.calls.Load())
	assert.Equal(t, 1, m.ActiveCount())
	assert.True(t, m.HasSubscription("messages:c1"))
}

func TestSubscribeSameHandleTwiceDoesNotTearDown(t *testing.T) {
	m := NewManager(zerolog.Nop())
	ch := &fakeChannel{}
	m.Subscribe("k", ch)
	m.Subscribe("k", ch)
	assert.EqualValues(t, 0, ch.calls.Load())
}

func TestUnsubscribeForgetsKeyEvenOnError(t *testing.T) {
	m := NewManager(zerolog.Nop())
	ch := &fakeChannel{err: errors.New("socket closed")}
	m.Subscribe("typing:c1", ch)

	err := m.Unsubscribe("typing:c1")
	require.Error(t, err)
	assert.False(t, m.HasSubscription("typing:c1"))
	assert.NoError(t, m.Unsubscribe("typing:c1"))
}

func TestUnsubscribeAllSurvivesFailuresAndPanics(t *testing.T) {
	m := NewManager(zerolog.Nop())
	good := &fakeChannel{}
	failing := &fakeChannel{err: errors.New("boom")}
	panicking := &fakeChannel{panic: true}
	m.Subscribe("a", good)
	m.Subscribe("b", failing)
	m.Subscribe("c", panicking)
	m.Subscribe("d", chat.UnsubscribeFunc(func() error { return nil }))

	m.UnsubscribeAll()
	assert.Equal(t, 0, m.ActiveCount())
	assert.EqualValues(t, 1, good.calls.Load())
	assert.EqualValues(t, 1, failing.calls.Load())
	assert.EqualValues(t, 1, panicking.calls.Load())

	m.UnsubscribeAll()
	assert.EqualValues(t, 1, good.calls.Load())
}
