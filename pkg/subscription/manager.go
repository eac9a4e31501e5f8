// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package subscription tracks open push-channel handles by logical key so
// every channel has exactly one teardown path.
package subscription

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chat"
)

type Manager struct {
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]chat.Unsubscriber
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:  log.With().Str("component", "subscriptions").Logger(),
		subs: make(map[string]chat.Unsubscriber),
	}
}

// Subscribe registers ch under key. A live channel already registered under
// the same key is torn down first, so re-subscribing never leaves a
// duplicate listener behind.
func (m *Manager) Subscribe(key string, ch chat.Unsubscriber) {
	m.mu.Lock()
	old, exists := m.subs[key]
	m.subs[key] = ch
	m.mu.Unlock()

	if exists && old != ch {
		if err := safeUnsubscribe(old); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Failed to tear down replaced channel")
		} else {
			m.log.Debug().Str("key", key).Msg("Replaced existing channel")
		}
	}
}

// Unsubscribe tears down and forgets the channel under key. The key is
// forgotten even when teardown fails.
func (m *Manager) Unsubscribe(key string) error {
	m.mu.Lock()
	ch, ok := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := safeUnsubscribe(ch); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", key, err)
	}
	return nil
}

// UnsubscribeAll tears down every tracked channel. It is safe to call more
// than once; failures are logged and the handle is dropped regardless.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]chat.Unsubscriber)
	m.mu.Unlock()

	keys := make([]string, 0, len(subs))
	for key := range subs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := safeUnsubscribe(subs[key]); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Channel failed to tear down cleanly, dropping it anyway")
		}
	}
	if len(keys) > 0 {
		m.log.Debug().Int("count", len(keys)).Msg("Unsubscribed all channels")
	}
}

func (m *Manager) HasSubscription(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// safeUnsubscribe converts a panicking transport into an error.
func safeUnsubscribe(ch chat.Unsubscriber) (err error) {
	if ch == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during unsubscribe: %v", r)
		}
	}()
	return ch.Unsubscribe()
}
