package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/metrics"
)

// phoenixServer acknowledges joins and heartbeats and records every frame
// it receives.
type phoenixServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	conns     []*websocket.Conn
	frames    []envelope
	queries   []string
	rejectFor string
}

func newPhoenixServer(t *testing.T) *phoenixServer {
	ps := &phoenixServer{t: t}
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *phoenixServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *phoenixServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ps.mu.Lock()
	ps.conns = append(ps.conns, conn)
	ps.queries = append(ps.queries, r.URL.RawQuery)
	ps.mu.Unlock()
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ps.mu.Lock()
		ps.frames = append(ps.frames, env)
		reject := ps.rejectFor != "" && env.Topic == ps.rejectFor
		ps.mu.Unlock()
		switch env.Event {
		case eventJoin, eventHeartbeat:
			status := `{"status":"ok","response":{}}`
			if reject && env.Event == eventJoin {
				status = `{"status":"error","response":{"reason":"unauthorized"}}`
			}
			ps.write(conn, envelope{Topic: env.Topic, Event: eventReply, Payload: json.RawMessage(status), Ref: env.Ref})
		}
	}
}

func (ps *phoenixServer) write(conn *websocket.Conn, env envelope) {
	data, _ := json.Marshal(env)
	_ = conn.Write(context.Background(), websocket.MessageText, data)
}

func (ps *phoenixServer) push(topic, event, payload string) {
	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()
	ps.write(conn, envelope{Topic: topic, Event: event, Payload: json.RawMessage(payload)})
}

func (ps *phoenixServer) dropAll() {
	ps.mu.Lock()
	conns := ps.conns
	ps.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (ps *phoenixServer) framesFor(topic, event string) []envelope {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []envelope
	for _, f := range ps.frames {
		if f.Topic == topic && f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (ps *phoenixServer) connCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

func newConnectedClient(t *testing.T, ps *phoenixServer, cfg Config) *Client {
	t.Helper()
	cfg.URL = ps.url()
	c := New(cfg, "anon", "me", func() string { return "user-token" }, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDeriveURLFromBase(t *testing.T) {
	cfg := Config{BaseURL: "https://example.supabase.co/"}.withDefaults()
	assert.Equal(t, "wss://example.supabase.co/realtime/v1/websocket", cfg.URL)
	assert.Equal(t, "public", cfg.Schema)
}

func TestSubscribeToConversationRoutesChanges(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newConnectedClient(t, ps, Config{})

	inserts := make(chan chat.Change, 1)
	deletes := make(chan chat.Change, 1)
	_, err := c.SubscribeToConversation(context.Background(), "c1", chat.ChangeHandlers{
		OnInsert: func(ch chat.Change) { inserts <- ch },
		OnDelete: func(ch chat.Change) { deletes <- ch },
	})
	require.NoError(t, err)

	joins := ps.framesFor("realtime:messages:c1", eventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "conversation_id=eq.c1", gjson.GetBytes(joins[0].Payload, "config.postgres_changes.0.filter").String())
	assert.Equal(t, "messages", gjson.GetBytes(joins[0].Payload, "config.postgres_changes.0.table").String())
	assert.Equal(t, "user-token", gjson.GetBytes(joins[0].Payload, "access_token").String())
	assert.Contains(t, ps.queries[0], "apikey=anon")
	assert.Contains(t, ps.queries[0], "vsn=1.0.0")

	ps.push("realtime:messages:c1", eventChanges,
		`{"ids":[1],"data":{"type":"INSERT","table":"messages","record":{"id":"m1","conversation_id":"c1"},"old_record":null}}`)
	select {
	case ch := <-inserts:
		assert.Equal(t, chat.ChangeInsert, ch.Type)
		assert.Equal(t, "m1", gjson.GetBytes(ch.Record, "id").String())
		assert.Nil(t, ch.OldRecord)
	case <-time.After(2 * time.Second):
		t.Fatal("insert was not delivered")
	}

	ps.push("realtime:messages:c1", eventChanges,
		`{"data":{"type":"DELETE","table":"messages","old_record":{"id":"m1"}}}`)
	select {
	case ch := <-deletes:
		assert.Equal(t, "m1", gjson.GetBytes(ch.OldRecord, "id").String())
	case <-time.After(2 * time.Second):
		t.Fatal("delete was not delivered")
	}
}

func TestTypingBroadcast(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newConnectedClient(t, ps, Config{})

	signals := make(chan chat.TypingSignal, 1)
	_, err := c.SubscribeToTyping(context.Background(), "c1", func(sig chat.TypingSignal) { signals <- sig })
	require.NoError(t, err)

	ps.push("realtime:typing:c1", eventBroadcast,
		`{"type":"broadcast","event":"typing","payload":{"user_id":"u2","is_typing":true}}`)
	select {
	case sig := <-signals:
		assert.Equal(t, chat.TypingSignal{UserID: "u2", IsTyping: true}, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("typing signal was not delivered")
	}

	require.NoError(t, c.SendTyping(context.Background(), "c1", true))
	require.Eventually(t, func() bool {
		return len(ps.framesFor("realtime:typing:c1", eventBroadcast)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	sent := ps.framesFor("realtime:typing:c1", eventBroadcast)[0]
	assert.Equal(t, "me", gjson.GetBytes(sent.Payload, "payload.user_id").String())
	assert.True(t, gjson.GetBytes(sent.Payload, "payload.is_typing").Bool())
}

func TestRejectedJoin(t *testing.T) {
	ps := newPhoenixServer(t)
	ps.rejectFor = "realtime:reactions:c1"
	c := newConnectedClient(t, ps, Config{})

	_, err := c.SubscribeToReactions(context.Background(), "c1", func() {})
	assert.ErrorIs(t, err, chat.ErrServerRejected)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestUnsubscribeLeavesChannel(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newConnectedClient(t, ps, Config{})

	calls := make(chan struct{}, 4)
	unsub, err := c.SubscribeToReactions(context.Background(), "c1", func() { calls <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, unsub.Unsubscribe())
	require.Eventually(t, func() bool {
		return len(ps.framesFor("realtime:reactions:c1", eventLeave)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ps.push("realtime:reactions:c1", eventChanges, `{"data":{"type":"INSERT","record":{}}}`)
	select {
	case <-calls:
		t.Fatal("callback fired after leaving the channel")
	case <-time.After(100 * time.Millisecond):
	}
	// A second teardown is a no-op.
	require.NoError(t, unsub.Unsubscribe())
	assert.Len(t, ps.framesFor("realtime:reactions:c1", eventLeave), 1)
}

func TestReconnectNotifiesAndDropsChannels(t *testing.T) {
	ps := newPhoenixServer(t)
	m := metrics.New()
	c := New(Config{URL: ps.url(), ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond},
		"anon", "me", nil, zerolog.Nop()).WithMetrics(m)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func(ctx context.Context) { reconnected <- struct{}{} })
	unsub, err := c.SubscribeToReactions(context.Background(), "c1", func() {})
	require.NoError(t, err)

	ps.dropAll()
	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect hook did not fire")
	}
	require.Eventually(t, func() bool { return ps.connCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "chatsync_realtime_reconnects_total 1")
	// The handle from the dead connection no longer sends anything.
	require.NoError(t, unsub.Unsubscribe())
	assert.Empty(t, ps.framesFor("realtime:reactions:c1", eventLeave))
}

func TestHeartbeat(t *testing.T) {
	ps := newPhoenixServer(t)
	newConnectedClient(t, ps, Config{HeartbeatInterval: 20 * time.Millisecond})
	require.Eventually(t, func() bool {
		return len(ps.framesFor(phoenixTopic, eventHeartbeat)) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	// Every heartbeat was acknowledged, so the socket stays up.
	assert.Equal(t, 1, ps.connCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newConnectedClient(t, ps, Config{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Error(t, c.SendTyping(context.Background(), "c1", false))
	_, err := c.SubscribeToTyping(context.Background(), "c1", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
