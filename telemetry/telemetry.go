// Package telemetry buffers engine events into the local database.
// There is no network transport; the buffer is the interface.
package telemetry

import (
	"encoding/json"
	"log/slog"

	"github.com/m4xw311/qagent/store"
)

// Event names emitted by the engine.
const (
	EventUserTurnCompletion = "recordUserTurnCompletion"
	EventMcpServerInit      = "mcp_server_init"
	EventToolUse            = "tool_use"
	EventError              = "error"
)

// Emitter records events. A nil *Emitter is a no-op so callers never
// need to guard.
type Emitter struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates an emitter backed by the database.
func New(st *store.Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: st, logger: logger.With("component", "telemetry")}
}

// Emit serializes fields and appends the event to the buffer.
func (e *Emitter) Emit(event string, fields map[string]any) {
	if e == nil || e.store == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := e.store.AppendTelemetry(event, string(payload)); err != nil {
		e.logger.Debug("could not buffer telemetry event", "event", event, "error", err)
	}
}

// EmitError mirrors an error's stable reason code into the buffer.
func (e *Emitter) EmitError(reason, desc string) {
	e.Emit(EventError, map[string]any{"reason": reason, "reasonDesc": desc})
}
