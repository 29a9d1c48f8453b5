package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/outbox"
	"github.com/matheus3301/inline/internal/presence"
	"github.com/matheus3301/inline/internal/store"
	intsync "github.com/matheus3301/inline/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	db      *store.DB
	bus     *bus.Bus
	tracker *presence.Tracker
	engine  *intsync.Engine
	sender  *outbox.Sender
	server  *Server
	client  *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "inline-ingest-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	db, err := store.Open(filepath.Join(tmpDir, "inline.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	f := &fixture{db: db, bus: bus.New()}
	f.tracker = presence.NewTracker(f.bus)
	f.engine = intsync.NewEngine(db, f.bus, f.tracker, intsync.StaticUser(1), nil)
	f.engine.Start(context.Background())
	// A long poll interval keeps queued texts queued for the duration of a test.
	f.sender = outbox.NewSender(db, f.engine, outbox.Handoff{}, f.bus, nil, outbox.WithPollInterval(time.Hour))

	socketPath := filepath.Join(tmpDir, "i.sock")
	f.server, err = NewServer(socketPath, Deps{
		Engine:   f.engine,
		Outbox:   f.sender,
		Presence: f.tracker,
		Bus:      f.bus,
	}, zap.NewNop())
	require.NoError(t, err)
	go func() { _ = f.server.Start() }()

	f.client = NewClient(socketPath)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.server.Stop(ctx)
		f.engine.Stop()
		f.bus.Close()
		_ = db.Close()
	})
	return f
}

const batchYAML = `
- kind: new_message
  payload: {chat_id: 7, message_id: 1, from_id: 2, text: hi, date_ms: 1000}
- kind: new_message
  payload: {chat_id: 7, message_id: 2, from_id: 2, text: there, date_ms: 2000}
`

func TestApplyBatchOverSocket(t *testing.T) {
	f := newFixture(t)

	res, err := f.client.ApplyBatch(context.Background(), strings.NewReader(batchYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updates)

	chat, err := f.db.GetChat(7)
	require.NoError(t, err)
	require.NotNil(t, chat)
	require.NotNil(t, chat.LastMsg)
	assert.Equal(t, "2", chat.LastMsg.String())

	dialog, err := f.db.GetDialog(7)
	require.NoError(t, err)
	require.NotNil(t, dialog)
	assert.Equal(t, 2, dialog.UnreadCount)

	stats, err := f.client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", stats.State)
	assert.EqualValues(t, 1, stats.Batches)
	assert.EqualValues(t, 2, stats.Applied)
}

func TestApplyBatchRejectsBadDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.ApplyBatch(context.Background(), strings.NewReader("- kind: new_message\n  bogus: 1\n"))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest), "err = %v", err)

	stats, err := f.client.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Batches)
}

func TestApplyBatchAfterEngineStop(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()

	_, err := f.client.ApplyBatch(context.Background(), strings.NewReader(batchYAML))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeEngineStopped), "err = %v", err)
}

func TestSendQueuesOutbound(t *testing.T) {
	f := newFixture(t)

	res, err := f.client.Send(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
	assert.NotZero(t, res.RandomID)

	entry, err := f.db.GetOutbox(res.RandomID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, int64(7), entry.ChatID)
}

func TestSendValidatesRequest(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(Deps{Outbox: f.sender}, nil)

	cases := []struct {
		name string
		path string
		body string
	}{
		{"bad chat id", "/api/v1/chats/abc/messages", `{"text":"x"}`},
		{"zero chat id", "/api/v1/chats/0/messages", `{"text":"x"}`},
		{"missing text", "/api/v1/chats/7/messages", `{}`},
		{"not json", "/api/v1/chats/7/messages", `text`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, CodeBadRequest, body.Code)
		})
	}
}

func TestPresenceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.tracker.Set(7, 3, presence.ActionTyping)
	f.tracker.Set(7, 2, presence.ActionUploadingPhoto)
	f.tracker.Set(8, 2, presence.ActionTyping)

	entries, err := f.client.Presence(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].UserID)
	assert.Equal(t, presence.ActionUploadingPhoto, entries[0].Action)
	assert.Equal(t, int64(3), entries[1].UserID)

	entries, err = f.client.Presence(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMissingCollaborators(t *testing.T) {
	router := NewRouter(Deps{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(batchYAML)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWatchStreamsCommittedChanges(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := make(chan Frame, 32)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- f.client.Watch(ctx, bus.NamespaceChange+"message.", func(fr Frame) error {
			frames <- fr
			return nil
		})
	}()

	// The connected frame is written after the subscription exists.
	select {
	case fr := <-frames:
		require.Equal(t, FrameConnected, fr.Type)
		assert.Equal(t, "change.message.", fr.Namespace)
		assert.NotEmpty(t, fr.Conn)
	case <-ctx.Done():
		t.Fatal("no connected frame")
	}

	_, err := f.client.ApplyBatch(ctx, strings.NewReader(batchYAML))
	require.NoError(t, err)

	var got []bus.Change
	for len(got) < 2 {
		select {
		case fr := <-frames:
			require.Equal(t, FrameEvent, fr.Type)
			assert.Equal(t, "change.message.inserted", fr.Kind)
			var c bus.Change
			require.NoError(t, json.Unmarshal(fr.Payload, &c))
			got = append(got, c)
		case <-ctx.Done():
			t.Fatalf("got %d frames, want 2", len(got))
		}
	}
	assert.Equal(t, []int64{1}, got[0].IDs)
	assert.Equal(t, []int64{2}, got[1].IDs)
	assert.Equal(t, int64(7), got[1].ChatID)

	cancel()
	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchEndsOnServerStop(t *testing.T) {
	f := newFixture(t)

	connected := make(chan struct{})
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- f.client.Watch(context.Background(), "", func(fr Frame) error {
			if fr.Type == FrameConnected {
				close(connected)
			}
			return nil
		})
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no connected frame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.server.Stop(ctx)

	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end after server stop")
	}
}
