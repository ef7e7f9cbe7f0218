// Package gateway orchestrates the seance-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the seance-gateway
// server. It owns the module registry, the usage store, the HTTP server,
// and the optional Tailscale listener.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config      *config.Config
//	    registry    *registry.Registry
//	    store       store.Store
//	    httpServer  *http.Server
//	    tsnetServer *tsnet.Server
//	    logger      *slog.Logger
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/init - Initialize a module's backend session
//   - GET /api/status - All module states
//   - GET /api/status/{module} - One module's state
//   - POST /api/ask - Ask a module (SSE streaming response)
//   - POST /api/stop - Cancel a module's in-flight ask
//   - POST /api/delete - Delete a conversation
//   - POST /api/close - Tear down a module's session
//   - GET /api/modules - Configured modules with backend and state
//   - GET /api/conversations - Stored conversations for a module
//   - GET /api/stats/usage - Aggregated ask usage
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one module idle)
//
// All /api/ routes pass through the auth middleware when auth is configured;
// health endpoints are always open.
//
// # SSE Streaming
//
// Ask responses are streamed as Server-Sent Events:
//
//	event: chunk
//	data: {"conversation_id": "...", "message_id": "...", "response": "..."}
//
//	event: done
//	data: {}
//
// Each chunk carries the cumulative response so far; the last chunk has
// finished set. The stream always ends with exactly one terminal event:
// done, cancelled, or error (error data carries the message and kind).
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run blocks until ctx is cancelled or the listener fails, then performs a
// graceful shutdown: HTTP server drained, all modules closed, store closed.
//
// # Key Files
//
//   - gateway.go: Gateway struct, listeners, Run/Shutdown
//   - api.go: HTTP handlers, SSE streaming, usage recording
package gateway
