// ABOUTME: HTTP API handlers for module lifecycle and ask streaming via SSE.
// ABOUTME: Maps the backend error taxonomy onto HTTP status codes.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/module"
	"github.com/2389/seance-gateway/internal/render"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/stream"
)

// InitRequest is the JSON request body for POST /api/init and /api/close.
type InitRequest struct {
	Module   string `json:"module"`
	Blocking bool   `json:"blocking,omitempty"`
}

// AskRequest is the JSON request body for POST /api/ask.
type AskRequest struct {
	Module         string `json:"module"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id,omitempty"`
	RenderHTML     bool   `json:"render_html,omitempty"`
}

// StopRequest is the JSON request body for POST /api/stop.
type StopRequest struct {
	Module string `json:"module"`
}

// DeleteRequest is the JSON request body for POST /api/delete.
type DeleteRequest struct {
	Module         string `json:"module"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ModuleStatus is the JSON representation of one module's state.
type ModuleStatus struct {
	Module string `json:"module"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// ModuleInfo is the JSON response entry for GET /api/modules.
type ModuleInfo struct {
	Module  string `json:"module"`
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	State   string `json:"state"`
}

// ConversationInfo is the JSON response entry for GET /api/conversations.
type ConversationInfo struct {
	ConversationID string `json:"conversation_id"`
	LastMessageID  string `json:"last_message_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// httpStatusFor maps a classified error onto an HTTP status code.
func httpStatusFor(err error) int {
	switch backend.Classify(err) {
	case backend.KindInvalidState:
		return http.StatusConflict
	case backend.KindRequest:
		return http.StatusBadRequest
	case backend.KindNotFound, backend.KindUnknownModule:
		return http.StatusNotFound
	case backend.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendClassifiedError writes an error response with the taxonomy-derived status.
func (g *Gateway) sendClassifiedError(w http.ResponseWriter, err error) {
	g.sendJSONError(w, httpStatusFor(err), err.Error())
}

// decodeJSON parses a JSON request body into dst.
func decodeJSON(r io.Reader, dst any) error {
	if err := json.NewDecoder(r).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// resolveModule decodes the module name into a registry lookup.
func (g *Gateway) resolveModule(name string) (*module.Module, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: module is required", backend.ErrRequest)
	}
	return g.registry.Get(name)
}

// handleInit handles POST /api/init. The module starts initializing and the
// response is 202 unless blocking was requested, in which case the outcome is
// reported directly.
func (g *Gateway) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req InitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.resolveModule(req.Module)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	if err := m.Initialize(r.Context(), req.Blocking); err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	st, _ := m.Status()
	status := http.StatusAccepted
	if req.Blocking {
		status = http.StatusOK
	}
	g.sendJSON(w, status, ModuleStatus{Module: req.Module, State: st.String()})
}

// handleStatusAll handles GET /api/status.
func (g *Gateway) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	statuses := make([]ModuleStatus, 0, len(g.registry.Names()))
	for _, m := range g.registry.Modules() {
		statuses = append(statuses, moduleStatusOf(m))
	}
	g.sendJSON(w, http.StatusOK, statuses)
}

// handleStatusOne handles GET /api/status/{module}.
func (g *Gateway) handleStatusOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/status/")
	m, err := g.resolveModule(name)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, moduleStatusOf(m))
}

// moduleStatusOf snapshots one module's status for the API.
func moduleStatusOf(m *module.Module) ModuleStatus {
	st, stErr := m.Status()
	ms := ModuleStatus{Module: m.Name(), State: st.String()}
	if stErr != nil {
		ms.Error = stErr.Error()
	}
	return ms
}

// handleAsk handles POST /api/ask. The response is an SSE stream of "chunk"
// events followed by exactly one of "done", "cancelled", or "error". Client
// disconnect cancels the in-flight ask.
func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req AskRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.resolveModule(req.Module)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	// Check streaming support before starting the ask (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	askReq := backend.AskRequest{
		Prompt:         req.Prompt,
		ConversationID: req.ConversationID,
		RenderHTML:     req.RenderHTML,
	}
	if err := askReq.Validate(); err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	br, err := m.Ask(askReq)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	g.streamAsk(r.Context(), w, flusher, m, req, br)
}

// streamAsk drains the bridge into SSE events and records the ask's usage
// once the terminal arrives. Client disconnect cancels the ask; the drain
// then continues detached so the terminal (and the usage record) still land.
func (g *Gateway) streamAsk(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, m *module.Module, req AskRequest, br *stream.Bridge) {
	started := time.Now()
	var last backend.Chunk

	for {
		chunk, terminal, err := br.Next(ctx)
		if err != nil {
			// Client gone: stop the ask and settle the stream off-request.
			br.Cancel()
			g.finishDetached(m, req, br, started, last)
			return
		}
		if terminal != nil {
			g.writeTerminal(w, flusher, terminal)
			g.recordAsk(m.Name(), req, last, started, terminal)
			return
		}

		last = chunk
		g.writeChunk(w, flusher, req.RenderHTML, chunk)
	}
}

// finishDetached drains a cancelled ask's bridge without a client attached.
func (g *Gateway) finishDetached(m *module.Module, req AskRequest, br *stream.Bridge, started time.Time, last backend.Chunk) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for {
			chunk, terminal, err := br.Next(ctx)
			if err != nil {
				g.logger.Warn("abandoned ask did not settle", "module", m.Name())
				return
			}
			if terminal != nil {
				g.recordAsk(m.Name(), req, last, started, terminal)
				return
			}
			last = chunk
		}
	}()
}

// writeChunk emits one SSE chunk event, rendering markdown when requested.
func (g *Gateway) writeChunk(w http.ResponseWriter, flusher http.Flusher, renderHTML bool, chunk backend.Chunk) {
	response := chunk.Response
	if renderHTML {
		html, err := render.HTML(response)
		if err != nil {
			g.logger.Warn("markdown rendering failed", "error", err)
		} else {
			response = html
		}
	}

	g.writeSSEEvent(w, "chunk", map[string]any{
		"finished":        chunk.Finished,
		"conversation_id": chunk.ConversationID,
		"message_id":      chunk.MessageID,
		"response":        response,
	})
	flusher.Flush()
}

// writeTerminal emits the stream's single terminal SSE event.
func (g *Gateway) writeTerminal(w http.ResponseWriter, flusher http.Flusher, terminal *stream.Terminal) {
	switch terminal.Kind {
	case stream.TerminalDone:
		g.writeSSEEvent(w, "done", map[string]string{})
	case stream.TerminalCancelled:
		g.writeSSEEvent(w, "cancelled", map[string]string{})
	case stream.TerminalError:
		g.writeSSEEvent(w, "error", map[string]string{
			"error": terminal.Err.Error(),
			"kind":  backend.Classify(terminal.Err).String(),
		})
	}
	flusher.Flush()
}

// recordAsk persists one finished ask's accounting and conversation index.
func (g *Gateway) recordAsk(moduleName string, req AskRequest, last backend.Chunk, started time.Time, terminal *stream.Terminal) {
	outcome := store.OutcomeError
	switch terminal.Kind {
	case stream.TerminalDone:
		outcome = store.OutcomeDone
	case stream.TerminalCancelled:
		outcome = store.OutcomeCancelled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	usage := &store.AskUsage{
		ID:             uuid.New().String(),
		Module:         moduleName,
		ConversationID: last.ConversationID,
		MessageID:      last.MessageID,
		PromptChars:    len(req.Prompt),
		ResponseChars:  len(last.Response),
		Duration:       time.Since(started),
		Outcome:        outcome,
		CreatedAt:      time.Now(),
	}
	if err := g.store.RecordAsk(ctx, usage); err != nil {
		g.logger.Error("failed to record ask usage", "error", err)
	}

	if outcome == store.OutcomeDone && last.ConversationID != "" {
		if err := g.store.TouchConversation(ctx, moduleName, last.ConversationID, last.MessageID); err != nil {
			g.logger.Error("failed to touch conversation", "error", err)
		}
	}
}

// handleStop handles POST /api/stop. Stopping a module that is not busy is a
// no-op, matching the orchestrator's semantics.
func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req StopRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.resolveModule(req.Module)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	m.Stop()
	g.sendJSON(w, http.StatusOK, map[string]string{"module": req.Module})
}

// handleDelete handles POST /api/delete. An empty conversation_id deletes the
// most recently used conversation.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DeleteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.resolveModule(req.Module)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	deletedID, err := m.DeleteConversation(r.Context(), req.ConversationID)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	// The backend resolves an empty ID to the most recent conversation, so
	// the index row is cleared by the resolved ID, not the requested one.
	if deletedID != "" {
		if err := g.store.DeleteConversation(r.Context(), req.Module, deletedID); err != nil {
			g.logger.Error("failed to delete conversation record", "error", err)
		}
	}
	g.sendJSON(w, http.StatusOK, map[string]string{
		"module":          req.Module,
		"conversation_id": deletedID,
	})
}

// handleClose handles POST /api/close. 202 unless blocking was requested.
func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req InitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.resolveModule(req.Module)
	if err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	if err := m.Close(r.Context(), req.Blocking); err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	st, _ := m.Status()
	status := http.StatusAccepted
	if req.Blocking {
		status = http.StatusOK
	}
	g.sendJSON(w, status, ModuleStatus{Module: req.Module, State: st.String()})
}

// handleModules handles GET /api/modules.
func (g *Gateway) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	infos := make([]ModuleInfo, 0, len(g.config.Modules))
	for _, mc := range g.config.Modules {
		info := ModuleInfo{Module: mc.Name, Backend: mc.Backend, Model: mc.Model}
		if m, err := g.registry.Get(mc.Name); err == nil {
			st, _ := m.Status()
			info.State = st.String()
		}
		infos = append(infos, info)
	}
	g.sendJSON(w, http.StatusOK, infos)
}

// handleConversations handles GET /api/conversations?module=NAME.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("module")
	if _, err := g.resolveModule(name); err != nil {
		g.sendClassifiedError(w, err)
		return
	}

	convs, err := g.store.ListConversations(r.Context(), name)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	infos := make([]ConversationInfo, 0, len(convs))
	for _, c := range convs {
		infos = append(infos, ConversationInfo{
			ConversationID: c.ConversationID,
			LastMessageID:  c.LastMessageID,
			CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, infos)
}

// handleUsageStats handles GET /api/stats/usage with optional module, since,
// and until filters (RFC3339 timestamps).
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var filter store.UsageFilter
	if name := r.URL.Query().Get("module"); name != "" {
		if _, err := g.resolveModule(name); err != nil {
			g.sendClassifiedError(w, err)
			return
		}
		filter.Module = &name
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filter.Until = &t
	}

	summary, err := g.store.UsageSummary(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to aggregate usage", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, summary)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
