// chatsync - A realtime chat synchronization client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store holds the ordered message list of one open conversation and
// reconciles optimistic entries with confirmed messages.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/lrhodin/chatsync/pkg/chat"
)

const DefaultPageSize = 50

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SyncState is the sub-state of StateReady.
type SyncState int

const (
	Synced SyncState = iota
	Reconciling
)

func (s SyncState) String() string {
	if s == Reconciling {
		return "reconciling"
	}
	return "synced"
}

// Backend is the part of the hosted store the conversation store reads.
type Backend interface {
	GetMessages(ctx context.Context, conversationID string, limit, offset int) (*chat.Page, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
}

type Options struct {
	// SelfID is the local user. Confirmed messages from this user without a
	// correlation ID consume the oldest pending optimistic entry.
	SelfID   string
	PageSize int
	Viewport Viewport
	// OnUnreadInvalidated runs after the read marker write succeeds.
	OnUnreadInvalidated func(conversationID string)
}

// Snapshot is an immutable copy of the store. Messages are oldest-first,
// confirmed messages followed by optimistic entries.
type Snapshot struct {
	ConversationID string
	State          State
	Sync           SyncState
	Messages       []*chat.Message
	HasMore        bool
}

func (s Snapshot) Optimistic() []*chat.Message {
	return lo.Filter(s.Messages, func(m *chat.Message, _ int) bool { return m.IsOptimistic() })
}

func (s Snapshot) Confirmed() []*chat.Message {
	return lo.Reject(s.Messages, func(m *chat.Message, _ int) bool { return m.IsOptimistic() })
}

type Store struct {
	log     zerolog.Logger
	backend Backend
	convID  string
	opts    Options

	mu         sync.Mutex
	state      State
	syncState  SyncState
	confirmed  []*chat.Message
	known      map[string]struct{}
	optimistic []*chat.Message
	hasMore    bool
	readMarked bool

	listenerMu sync.Mutex
	listeners  map[int]func(Snapshot)
	nextListen int

	// Serializes refetches so a burst of reaction signals cannot interleave
	// capture and restore of the scroll position.
	refetchMu sync.Mutex
}

func New(backend Backend, conversationID string, opts Options, log zerolog.Logger) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Store{
		log: log.With().
			Str("component", "store").
			Str("conversation_id", conversationID).
			Logger(),
		backend:   backend,
		convID:    conversationID,
		opts:      opts,
		known:     make(map[string]struct{}),
		listeners: make(map[int]func(Snapshot)),
	}
}

func (s *Store) ConversationID() string {
	return s.convID
}

// SetViewport attaches the rendered list used for scroll reconciliation.
// nil disables it.
func (s *Store) SetViewport(v Viewport) {
	s.mu.Lock()
	s.opts.Viewport = v
	s.mu.Unlock()
}

// OnChange registers fn to receive a snapshot after every mutation. The
// returned function removes it.
func (s *Store) OnChange(fn func(Snapshot)) func() {
	s.listenerMu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// ClearListeners detaches every change listener.
func (s *Store) ClearListeners() {
	s.listenerMu.Lock()
	clear(s.listeners)
	s.listenerMu.Unlock()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]*chat.Message, 0, len(s.confirmed)+len(s.optimistic))
	for _, m := range s.confirmed {
		msgs = append(msgs, m.Clone())
	}
	for _, m := range s.optimistic {
		msgs = append(msgs, m.Clone())
	}
	return Snapshot{
		ConversationID: s.convID,
		State:          s.state,
		Sync:           s.syncState,
		Messages:       msgs,
		HasMore:        s.hasMore,
	}
}

// commitLocked must be called with mu held; it releases mu, then notifies.
func (s *Store) commitLocked() {
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Store) notify(snap Snapshot) {
	s.listenerMu.Lock()
	ids := lo.Keys(s.listeners)
	slices.Sort(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Has reports whether a confirmed message with id is in the list.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[id]
	return ok
}

// Open loads the most recent page and moves the store to StateReady. The
// read marker guard is reset so the new open may mark read once.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateLoading
	s.readMarked = false
	s.commitLocked()

	page, err := s.backend.GetMessages(ctx, s.convID, s.opts.PageSize, 0)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.commitLocked()
		return fmt.Errorf("failed to load history: %w", err)
	}
	msgs := displayOrder(page.Messages)

	s.mu.Lock()
	// Anything the feed delivered while loading is kept by the merge below.
	for _, m := range msgs {
		s.insertConfirmedLocked(m, false)
	}
	s.hasMore = page.HasMore
	s.state = StateReady
	s.syncState = Synced
	count := len(s.confirmed)
	s.commitLocked()
	s.log.Debug().Int("message_count", count).Bool("has_more", page.HasMore).Msg("Loaded conversation")
	return nil
}

// LoadOlder fetches the page before the oldest loaded message and returns
// how many new messages were added.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.refetchMu.Lock()
	defer s.refetchMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	offset := len(s.confirmed)
	viewport := s.opts.Viewport
	s.mu.Unlock()

	var pos ScrollPosition
	if viewport != nil {
		pos = CaptureScroll(viewport)
	}
	page, err := s.backend.GetMessages(ctx, s.convID, s.opts.PageSize, offset)
	if err != nil {
		return 0, fmt.Errorf("failed to load older messages: %w", err)
	}

	s.mu.Lock()
	added := 0
	for _, m := range displayOrder(page.Messages) {
		if s.insertConfirmedLocked(m, false) {
			added++
		}
	}
	s.hasMore = page.HasMore
	s.commitLocked()
	if viewport != nil && added > 0 {
		// Older rows land above the viewport and must not move it.
		pos.WasAtBottom = false
		pos.Restore(viewport)
	}
	return added, nil
}

// InsertConfirmed merges one server-confirmed message. An ID already in
// the list is ignored. The optimistic entry carrying the same correlation
// ID is dropped; when the server did not echo one and the message is the
// local user's, the oldest pending optimistic entry is dropped instead.
func (s *Store) InsertConfirmed(msg *chat.Message) bool {
	if msg == nil || msg.IsDeleted() || msg.IsOptimistic() {
		return false
	}
	s.mu.Lock()
	if !s.insertConfirmedLocked(msg, true) {
		s.mu.Unlock()
		return false
	}
	s.commitLocked()
	return true
}

// insertConfirmedLocked merges msg. positional allows the recency fallback
// pairing, which only makes sense for newly arrived messages and never for
// history pages.
func (s *Store) insertConfirmedLocked(msg *chat.Message, positional bool) bool {
	if msg.IsDeleted() {
		return false
	}
	if _, ok := s.known[msg.ID]; ok {
		return false
	}
	s.dropOptimisticForLocked(msg, positional)
	msg = msg.Clone()
	msg.UploadState = chat.UploadNone
	idx, _ := slices.BinarySearchFunc(s.confirmed, msg, compareMessages)
	s.confirmed = slices.Insert(s.confirmed, idx, msg)
	s.known[msg.ID] = struct{}{}
	return true
}

func (s *Store) dropOptimisticForLocked(msg *chat.Message, positional bool) {
	if len(s.optimistic) == 0 {
		return
	}
	if msg.ClientID != "" {
		s.optimistic = slices.DeleteFunc(s.optimistic, func(o *chat.Message) bool {
			return o.ClientID == msg.ClientID
		})
		return
	}
	if !positional || s.opts.SelfID == "" || msg.SenderID != s.opts.SelfID {
		return
	}
	idx := slices.IndexFunc(s.optimistic, func(o *chat.Message) bool {
		return o.UploadState != chat.UploadFailed
	})
	if idx >= 0 {
		s.log.Debug().
			Str("temp_id", s.optimistic[idx].ID).
			Str("message_id", msg.ID).
			Msg("Paired confirmed message with oldest optimistic entry")
		s.optimistic = slices.Delete(s.optimistic, idx, idx+1)
	}
}

// ApplyUpdate replaces a confirmed message in place. A message whose
// DeletedAt is set is removed instead.
func (s *Store) ApplyUpdate(msg *chat.Message) bool {
	if msg == nil {
		return false
	}
	if msg.IsDeleted() {
		return s.Remove(msg.ID)
	}
	s.mu.Lock()
	idx := slices.IndexFunc(s.confirmed, func(m *chat.Message) bool { return m.ID == msg.ID })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	updated := msg.Clone()
	updated.UploadState = chat.UploadNone
	s.confirmed[idx] = updated
	slices.SortStableFunc(s.confirmed, compareMessages)
	s.commitLocked()
	return true
}

// Remove drops a confirmed message.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.known[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.known, id)
	s.confirmed = slices.DeleteFunc(s.confirmed, func(m *chat.Message) bool { return m.ID == id })
	s.commitLocked()
	return true
}

// AddOptimistic appends a locally synthesized entry. Its ID must be a
// temp ID.
func (s *Store) AddOptimistic(msg *chat.Message) error {
	if msg == nil || !msg.IsOptimistic() {
		return fmt.Errorf("optimistic entries need a %q ID", chat.TempIDPrefix)
	}
	s.mu.Lock()
	if slices.ContainsFunc(s.optimistic, func(o *chat.Message) bool { return o.ID == msg.ID }) {
		s.mu.Unlock()
		return fmt.Errorf("optimistic entry %s already exists", msg.ID)
	}
	s.optimistic = append(s.optimistic, msg.Clone())
	s.commitLocked()
	return nil
}

func (s *Store) updateOptimistic(tempID string, fn func(*chat.Message)) bool {
	s.mu.Lock()
	idx := slices.IndexFunc(s.optimistic, func(o *chat.Message) bool { return o.ID == tempID })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	fn(s.optimistic[idx])
	s.commitLocked()
	return true
}

func (s *Store) SetUploadState(tempID string, state chat.UploadState) bool {
	return s.updateOptimistic(tempID, func(m *chat.Message) {
		m.UploadState = state
	})
}

// MarkFailed leaves the entry in the list in a visibly failed state.
func (s *Store) MarkFailed(tempID, reason string) bool {
	ok := s.updateOptimistic(tempID, func(m *chat.Message) {
		m.UploadState = chat.UploadFailed
		m.FailureReason = reason
	})
	if ok {
		s.log.Warn().Str("temp_id", tempID).Str("reason", reason).Msg("Optimistic entry failed")
	}
	return ok
}

// ResolveOptimistic swaps the optimistic entry for its confirmed message.
// If the feed already delivered the confirmed copy only the optimistic
// entry is removed.
func (s *Store) ResolveOptimistic(tempID string, confirmed *chat.Message) {
	s.mu.Lock()
	s.optimistic = slices.DeleteFunc(s.optimistic, func(o *chat.Message) bool { return o.ID == tempID })
	if confirmed != nil && !confirmed.IsOptimistic() {
		s.insertConfirmedLocked(confirmed, false)
	}
	s.commitLocked()
}

// Discard removes an optimistic entry, normally one that failed.
func (s *Store) Discard(tempID string) bool {
	s.mu.Lock()
	before := len(s.optimistic)
	s.optimistic = slices.DeleteFunc(s.optimistic, func(o *chat.Message) bool { return o.ID == tempID })
	if len(s.optimistic) == before {
		s.mu.Unlock()
		return false
	}
	s.commitLocked()
	return true
}

// Refetch reloads every loaded message after an out-of-band change such
// as a reaction, restoring the reader's scroll position afterwards.
// Optimistic entries are kept unless the refetched page confirms them.
func (s *Store) Refetch(ctx context.Context) error {
	s.refetchMu.Lock()
	defer s.refetchMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil
	}
	s.syncState = Reconciling
	limit := max(s.opts.PageSize, len(s.confirmed))
	viewport := s.opts.Viewport
	s.commitLocked()

	var pos ScrollPosition
	if viewport != nil {
		pos = CaptureScroll(viewport)
	}
	page, err := s.backend.GetMessages(ctx, s.convID, limit, 0)
	if err != nil {
		s.mu.Lock()
		s.syncState = Synced
		s.commitLocked()
		return fmt.Errorf("failed to refetch conversation: %w", err)
	}
	fresh := displayOrder(page.Messages)

	s.mu.Lock()
	var newest *chat.Message
	if len(fresh) > 0 {
		newest = fresh[len(fresh)-1]
	}
	inPage := make(map[string]struct{}, len(fresh))
	for _, m := range fresh {
		inPage[m.ID] = struct{}{}
	}
	// Keep messages the feed delivered after the page was read. An empty
	// page has no cutoff, so everything merged so far is newer.
	carried := lo.Filter(s.confirmed, func(m *chat.Message, _ int) bool {
		if _, seen := inPage[m.ID]; seen {
			return false
		}
		return newest == nil || compareMessages(m, newest) > 0
	})
	previouslyKnown := s.known
	s.known = make(map[string]struct{}, len(fresh)+len(carried))
	s.confirmed = s.confirmed[:0]
	for _, m := range fresh {
		_, seen := previouslyKnown[m.ID]
		s.insertConfirmedLocked(m, !seen)
	}
	for _, m := range carried {
		s.insertConfirmedLocked(m, false)
	}
	s.hasMore = page.HasMore
	s.syncState = Synced
	s.commitLocked()

	if viewport != nil {
		pos.Restore(viewport)
	}
	return nil
}

// MarkReadOnce writes the read marker at most once per open. A failed
// write re-arms the guard.
func (s *Store) MarkReadOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.readMarked || s.opts.SelfID == "" {
		s.mu.Unlock()
		return nil
	}
	s.readMarked = true
	s.mu.Unlock()

	if err := s.backend.MarkRead(ctx, s.convID, s.opts.SelfID); err != nil {
		s.mu.Lock()
		s.readMarked = false
		s.mu.Unlock()
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	if s.opts.OnUnreadInvalidated != nil {
		s.opts.OnUnreadInvalidated(s.convID)
	}
	return nil
}

// HandleEvent applies one feed event. Refetch-style events block on the
// network.
func (s *Store) HandleEvent(ctx context.Context, evt chat.Event) error {
	if evt.ConversationKey() != s.convID {
		return nil
	}
	switch e := evt.(type) {
	case chat.MessageInserted:
		s.InsertConfirmed(e.Message)
	case chat.MessageUpdated:
		s.ApplyUpdate(e.Message)
	case chat.MessageDeleted:
		s.Remove(e.MessageID)
	case chat.ReactionsChanged:
		return s.Refetch(ctx)
	case chat.ResyncRequested:
		s.log.Debug().Str("reason", e.Reason).Msg("Resync requested")
		return s.Refetch(ctx)
	}
	return nil
}

// displayOrder turns a newest-first page into oldest-first without
// soft-deleted rows.
func displayOrder(page []*chat.Message) []*chat.Message {
	out := lo.Filter(page, func(m *chat.Message, _ int) bool { return m != nil && !m.IsDeleted() })
	slices.Reverse(out)
	return out
}

func compareMessages(a, b *chat.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
