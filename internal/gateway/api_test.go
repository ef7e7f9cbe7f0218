// ABOUTME: Handler tests for the HTTP API: lifecycle endpoints, SSE ask
// ABOUTME: streaming, error-to-status mapping, auth, and usage recording.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/registry"
	"github.com/2389/seance-gateway/internal/store"
)

// fakeBackend is a scriptable backend for handler tests.
type fakeBackend struct {
	initErr        error
	askChunks      []backend.Chunk
	askErr         error
	askStarted     chan struct{} // closed once the scripted chunks are emitted
	askWaitsForCtx bool          // after the chunks, block until ctx is cancelled
	deleteErr      error
	deleteResolved string // ID reported for an empty-ID delete
}

func (f *fakeBackend) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeBackend) Ask(ctx context.Context, req backend.AskRequest, emit func(backend.Chunk) error) error {
	for _, c := range f.askChunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	if f.askStarted != nil {
		close(f.askStarted)
	}
	if f.askWaitsForCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.askErr
}

func (f *fakeBackend) DeleteConversation(ctx context.Context, conversationID string) (string, error) {
	if f.deleteErr != nil {
		return "", f.deleteErr
	}
	if conversationID == "" {
		return f.deleteResolved, nil
	}
	return conversationID, nil
}

func (f *fakeBackend) Close(ctx context.Context) error { return nil }

// newTestGateway wires a gateway around a fake backend and an in-memory store.
func newTestGateway(t *testing.T, fb *fakeBackend, authCfg config.AuthConfig) (*Gateway, http.Handler) {
	t.Helper()

	registry.Factories["fake"] = func(cfg backend.Config, logger *slog.Logger) (backend.Backend, error) {
		return fb, nil
	}
	t.Cleanup(func() { delete(registry.Factories, "fake") })

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     authCfg,
		Modules: []config.ModuleConfig{
			{Name: "assistant", Backend: "fake", Model: "fake-model"},
		},
	}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.New(cfg.Modules, slog.Default())
	require.NoError(t, err)

	g := &Gateway{
		config:   cfg,
		registry: reg,
		store:    st,
		logger:   slog.Default(),
	}
	return g, g.buildHandler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// initModule drives a module to idle through the API.
func initModule(t *testing.T, h http.Handler, name string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/init", fmt.Sprintf(`{"module":%q,"blocking":true}`, name))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// sseEvents parses an SSE body into (event, data) pairs.
func sseEvents(t *testing.T, body string) []struct{ Event, Data string } {
	t.Helper()
	var events []struct{ Event, Data string }
	var current struct{ Event, Data string }
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
			events = append(events, current)
			current = struct{ Event, Data string }{}
		}
	}
	return events
}

func TestInitNonBlockingAccepted(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/init", `{"module":"assistant"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp ModuleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "assistant", resp.Module)
}

func TestInitTwiceConflicts(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/init", `{"module":"assistant","blocking":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInitUnknownModule(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/init", `{"module":"nobody"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitBlockingFailureMapsInitializationError(t *testing.T) {
	fb := &fakeBackend{initErr: fmt.Errorf("%w: bad key", backend.ErrInitialization)}
	_, h := newTestGateway(t, fb, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/init", `{"module":"assistant","blocking":true}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The failure is visible in status afterward.
	rec = doJSON(t, h, http.MethodGet, "/api/status/assistant", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st ModuleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "failed", st.State)
	assert.NotEmpty(t, st.Error)
}

func TestStatusAll(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []ModuleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "assistant", statuses[0].Module)
	assert.Equal(t, "unloaded", statuses[0].State)
}

func TestAskStreamsSSE(t *testing.T) {
	fb := &fakeBackend{
		askChunks: []backend.Chunk{
			{ConversationID: "c1", MessageID: "m1", Response: "par"},
			{ConversationID: "c1", MessageID: "m1", Response: "partial answer"},
			{Finished: true, ConversationID: "c1", MessageID: "m1", Response: "partial answer"},
		},
	}
	_, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant","prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 4)
	for _, ev := range events[:3] {
		assert.Equal(t, "chunk", ev.Event)
	}
	assert.Equal(t, "done", events[3].Event)
	assert.Contains(t, events[1].Data, "partial answer")

	// Module is idle again.
	rec = doJSON(t, h, http.MethodGet, "/api/status/assistant", "")
	var st ModuleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.State)
}

func TestAskRendersHTMLWhenRequested(t *testing.T) {
	fb := &fakeBackend{
		askChunks: []backend.Chunk{
			{Finished: true, ConversationID: "c1", Response: "**bold** words"},
		},
	}
	_, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant","prompt":"hi","render_html":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Contains(t, events[0].Data, "<strong>bold</strong>")
}

func TestAskOnUnloadedModuleConflicts(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant","prompt":"hello"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAskWithoutPromptIsBadRequest(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskErrorTerminalEvent(t *testing.T) {
	fb := &fakeBackend{
		askChunks: []backend.Chunk{{ConversationID: "c1", Response: "part"}},
		askErr:    fmt.Errorf("%w: rate limited", backend.ErrTransient),
	}
	_, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "chunk", events[0].Event)
	assert.Equal(t, "error", events[1].Event)
	assert.Contains(t, events[1].Data, "transient")
}

func TestAskRecordsUsage(t *testing.T) {
	fb := &fakeBackend{
		askChunks: []backend.Chunk{
			{Finished: true, ConversationID: "c1", MessageID: "m1", Response: "answer"},
		},
	}
	_, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant","prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/stats/usage?module=assistant", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary store.UsageSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(1), summary.AskCount)
	assert.Equal(t, int64(1), summary.DoneCount)
	assert.Equal(t, int64(len("hello")), summary.TotalPromptChars)
	assert.Equal(t, int64(len("answer")), summary.TotalResponseChars)

	// The conversation index was touched too.
	rec = doJSON(t, h, http.MethodGet, "/api/conversations?module=assistant", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []ConversationInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ConversationID)
	assert.Equal(t, "m1", convs[0].LastMessageID)
}

func TestStopIsNoOpWhenIdle(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/stop", `{"module":"assistant"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteConversationNotFound(t *testing.T) {
	fb := &fakeBackend{
		deleteErr: fmt.Errorf("%w: conversation %q", backend.ErrNotFound, "ghost"),
	}
	_, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/delete", `{"module":"assistant","conversation_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteConversationOK(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/delete", `{"module":"assistant","conversation_id":"c1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c1")
}

func TestDeleteEmptyIDClearsConversationIndex(t *testing.T) {
	fb := &fakeBackend{
		askChunks: []backend.Chunk{
			{Finished: true, ConversationID: "c1", MessageID: "m1", Response: "answer"},
		},
		deleteResolved: "c1",
	}
	_, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/ask", `{"module":"assistant","prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/conversations?module=assistant", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []ConversationInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)

	// No conversation_id: the backend resolves the most recent one, and the
	// index row for that resolved ID goes with it.
	rec = doJSON(t, h, http.MethodPost, "/api/delete", `{"module":"assistant"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c1")

	rec = doJSON(t, h, http.MethodGet, "/api/conversations?module=assistant", "")
	require.Equal(t, http.StatusOK, rec.Code)
	convs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	assert.Empty(t, convs)
}

func TestStopDuringAskStreamsCancelledTerminal(t *testing.T) {
	fb := &fakeBackend{
		askChunks:      []backend.Chunk{{ConversationID: "c1", MessageID: "m1", Response: "part"}},
		askStarted:     make(chan struct{}),
		askWaitsForCtx: true,
	}
	g, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"module":"assistant","prompt":"hi"}`))
	served := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(served)
	}()

	<-fb.askStarted
	m, err := g.registry.Get("assistant")
	require.NoError(t, err)
	m.Stop()
	<-served

	events := sseEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "cancelled", events[len(events)-1].Event)

	// The truncated ask is still accounted for.
	summary, err := g.store.UsageSummary(context.Background(), store.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.CancelledCount)

	st, _ := m.Status()
	assert.Equal(t, "idle", st.String())
}

func TestClientDisconnectStillRecordsUsage(t *testing.T) {
	fb := &fakeBackend{
		askChunks:      []backend.Chunk{{ConversationID: "c1", MessageID: "m1", Response: "part"}},
		askStarted:     make(chan struct{}),
		askWaitsForCtx: true,
	}
	g, h := newTestGateway(t, fb, config.AuthConfig{})
	initModule(t, h, "assistant")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"module":"assistant","prompt":"hi"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	served := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(served)
	}()

	<-fb.askStarted
	cancel() // client goes away mid-stream
	<-served

	// The detached drain still settles the stream and lands the record.
	require.Eventually(t, func() bool {
		summary, err := g.store.UsageSummary(context.Background(), store.UsageFilter{})
		return err == nil && summary.CancelledCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	m, err := g.registry.Get("assistant")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := m.Status()
		return st.String() == "idle"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseBlockingUnloads(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/close", `{"module":"assistant","blocking":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ModuleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unloaded", resp.State)
}

func TestCloseOnUnloadedConflicts(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/close", `{"module":"assistant"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestModulesEndpoint(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodGet, "/api/modules", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []ModuleInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "assistant", infos[0].Module)
	assert.Equal(t, "fake", infos[0].Backend)
	assert.Equal(t, "fake-model", infos[0].Model)
	assert.Equal(t, "unloaded", infos[0].State)
}

func TestHealthEndpoints(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Not ready until a module is idle.
	rec = doJSON(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	initModule(t, h, "assistant")

	rec = doJSON(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresAuthWhenConfigured(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{JWTSecret: "test-secret"})

	// Health stays open.
	rec := doJSON(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// API is closed without a token.
	rec = doJSON(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUsageStatsRejectsBadTimestamp(t *testing.T) {
	_, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})

	rec := doJSON(t, h, http.MethodGet, "/api/stats/usage?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonBlockingCloseEventuallyUnloads(t *testing.T) {
	g, h := newTestGateway(t, &fakeBackend{}, config.AuthConfig{})
	initModule(t, h, "assistant")

	rec := doJSON(t, h, http.MethodPost, "/api/close", `{"module":"assistant"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	m, err := g.registry.Get("assistant")
	require.NoError(t, err)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := m.Status(); st.String() == "unloaded" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("module never unloaded")
}
