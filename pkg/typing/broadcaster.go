// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package typing debounces the local user's typing state onto the presence
// channel and aggregates remote typing signals.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout = 3 * time.Second
	sendTimeout        = 5 * time.Second
)

// SendFunc delivers one typing state to the presence channel.
type SendFunc func(ctx context.Context, isTyping bool) error

// Broadcaster tracks the local compose input. Broadcasts happen on a
// background worker so input handling never waits on the network, and
// rapid flips are coalesced so only the latest state is sent.
type Broadcaster struct {
	log  zerolog.Logger
	send SendFunc
	idle time.Duration

	mu      sync.Mutex
	typing  bool
	want    bool
	timer   *time.Timer
	gen     uint64
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	finished chan struct{}
}

func NewBroadcaster(send SendFunc, idle time.Duration, log zerolog.Logger) *Broadcaster {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	b := &Broadcaster{
		log:      log.With().Str("component", "typing").Logger(),
		send:     send,
		idle:     idle,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go b.run()
	return b
}

// InputChanged is called on every compose-input change. Non-empty input
// marks the user as typing and re-arms the idle timer; clearing the input
// ends the typing state immediately. Repeated keystrokes are coalesced: only
// the transition to typing is broadcast, later ones just extend the timer.
func (b *Broadcaster) InputChanged(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if text == "" {
		b.clearLocked()
		return
	}
	if !b.typing {
		b.typing = true
		b.enqueueLocked(true)
	}
	b.armLocked()
}

// Sent ends the typing state after a successful send.
func (b *Broadcaster) Sent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.clearLocked()
	}
}

// IsTyping reports the local state as last decided, which may be ahead of
// what the worker has delivered.
func (b *Broadcaster) IsTyping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.typing
}

// Stop disarms the timer, flushes a final "not typing" if needed and waits
// for the worker to exit. Safe to call more than once.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.finished
		return
	}
	b.clearLocked()
	b.stopped = true
	b.mu.Unlock()
	close(b.stop)
	<-b.finished
}

func (b *Broadcaster) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.idle, func() {
		b.expire(gen)
	})
}

func (b *Broadcaster) expire(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A re-arm raced with this firing.
	if gen != b.gen || b.stopped {
		return
	}
	b.log.Trace().Msg("Typing idle timeout reached")
	b.clearLocked()
}

func (b *Broadcaster) clearLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if b.typing {
		b.typing = false
		b.enqueueLocked(false)
	}
}

func (b *Broadcaster) enqueueLocked(state bool) {
	b.want = state
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) run() {
	defer close(b.finished)
	sent := false
	for {
		stopping := false
		select {
		case <-b.wake:
		case <-b.stop:
			stopping = true
		}
		b.mu.Lock()
		want := b.want
		b.mu.Unlock()
		if want != sent {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := b.send(ctx, want); err != nil {
				b.log.Debug().Err(err).Bool("is_typing", want).Msg("Failed to broadcast typing state")
			}
			cancel()
			// Best effort: the remote side expires stale state on its own.
			sent = want
		}
		if stopping {
			return
		}
	}
}
