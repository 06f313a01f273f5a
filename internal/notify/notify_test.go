package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ipmf/internal/config"
	"ipmf/internal/db"
	"ipmf/internal/domain"
	"ipmf/internal/events"
	"ipmf/internal/migrate"
	"ipmf/internal/repo"
)

type delivery struct {
	Header http.Header
	Body   []byte
}

type sink struct {
	mu   sync.Mutex
	got  []delivery
	seen chan struct{}
}

func newSink(t *testing.T) (*sink, *httptest.Server) {
	s := &sink{seen: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.got = append(s.got, delivery{Header: r.Header.Clone(), Body: body})
		s.mu.Unlock()
		s.seen <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func testRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func appendEvent(t *testing.T, r repo.Repo, typ, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, events.Writer{}.Append(ctx, tx, typ, "expense", id, "cpt", events.EventPayload{"to": "verifiee"}))
	require.NoError(t, tx.Commit())
}

func TestPublishDeliversMatchingNotifications(t *testing.T) {
	s, srv := newSink(t)
	d := NewDispatcher(testRepo(t), []config.WebhookConfig{
		{URL: srv.URL, Events: []string{"expense.*"}, Secret: "s3cret"},
	}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Publish(ctx, domain.Notification{Type: "task.assigned", EntityID: "t1"})
	d.Publish(ctx, domain.Notification{Type: "expense.verifiee", EntityKind: "expense", EntityID: "x1", Title: "Dépense à valider"})
	s.wait(t)
	cancel()
	require.NoError(t, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.got, 1)
	h := s.got[0].Header
	assert.Equal(t, "notification", h.Get("X-Ipmf-Kind"))
	assert.Equal(t, "expense.verifiee", h.Get("X-Ipmf-Event"))
	assert.Equal(t, "s3cret", h.Get("X-Ipmf-Secret"))
	assert.NotEmpty(t, h.Get("X-Ipmf-Delivery"))
	var n domain.Notification
	require.NoError(t, json.Unmarshal(s.got[0].Body, &n))
	assert.Equal(t, "x1", n.EntityID)
}

func TestDispatchEventsFromCursor(t *testing.T) {
	s, srv := newSink(t)
	r := testRepo(t)
	appendEvent(t, r, "expense.create", "old")

	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.DispatchEvents(ctx)
	assert.Empty(t, s.got, "history before startup is not replayed")

	appendEvent(t, r, "expense.verify", "x1")
	d.DispatchEvents(ctx)
	s.wait(t)
	d.DispatchEvents(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.got, 1)
	var evt webhookEvent
	require.NoError(t, json.Unmarshal(s.got[0].Body, &evt))
	assert.Equal(t, "expense.verify", evt.Type)
	assert.Equal(t, "x1", evt.EntityID)
	assert.JSONEq(t, `{"to":"verifiee"}`, string(evt.Payload))
	assert.Equal(t, "event", s.got[0].Header.Get("X-Ipmf-Kind"))
}

func TestFailedEventKeepsCursor(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	r := testRepo(t)
	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.DispatchEvents(ctx)
	appendEvent(t, r, "expense.pay", "x1")

	d.DispatchEvents(ctx)
	d.DispatchEvents(ctx)
	d.DispatchEvents(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestDisabledHooksAreSkipped(t *testing.T) {
	off := false
	d := NewDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "http://unused.local", Enabled: &off}, {URL: " "}}, nil)
	assert.Empty(t, d.Hooks)
	d.Publish(context.Background(), domain.Notification{Type: "expense.payee"})
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"expense.*", "task.auto_fail"})
	assert.True(t, f.match("expense.verify"))
	assert.True(t, f.match("task.auto_fail"))
	assert.False(t, f.match("task.start"))
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{"*"}).match("anything"))
}

func TestLogEmitters(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	AuditLog{Logger: logger}.Record(context.Background(), domain.AuditEvent{Entity: "expense", Action: "verify", Denied: true, Reason: domain.ReasonRole})
	Fanout{NotificationLog{Logger: logger}, NotificationLog{}}.Publish(context.Background(), domain.Notification{Type: "expense.submitted", Roles: []domain.Role{domain.RoleComptable}})

	denied := logs.FilterMessage("audit denied").All()
	require.Len(t, denied, 1)
	assert.Equal(t, zapcore.WarnLevel, denied[0].Level)
	assert.Equal(t, domain.ReasonRole, denied[0].ContextMap()["reason"])
	assert.Equal(t, 1, logs.FilterMessage("notification").Len())
}
