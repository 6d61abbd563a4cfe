package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/orchestrator"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const maxControlBody = 64 << 10

// Control is the local HTTP surface for manual triggers and the polling
// switch. It speaks the same message envelopes the internal channel does.
type Control struct {
	engine *orchestrator.Engine
	logger *zap.Logger
	server *http.Server
}

// NewControl builds the control endpoint on the given listen address.
func NewControl(addr string, engine *orchestrator.Engine, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Control{
		engine: engine,
		logger: logger.Named("control"),
	}
	r := chi.NewRouter()
	r.Post("/message", c.handleMessage)
	r.Get("/status", c.handleStatus)
	c.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return c
}

// ListenAndServe blocks serving the control endpoint until Shutdown.
func (c *Control) ListenAndServe() error {
	ln, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return fmt.Errorf("control endpoint listen failed: %w", err)
	}
	c.logger.Info("Control endpoint listening", zap.String("addr", ln.Addr().String()))
	if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the control endpoint gracefully.
func (c *Control) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// handleMessage accepts one envelope per request: TRIGGER_AUTOMATION starts
// a run outside the polling schedule, TOGGLE_POLLING flips the switch.
func (c *Control) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var env schemas.Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	switch env.Type {
	case schemas.MsgTriggerAutomation:
		c.logger.Info("Manual automation trigger received.")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := c.engine.Tick(ctx, orchestrator.TriggerManual); err != nil {
				c.logger.Warn("Manually triggered run failed.", zap.Error(err))
			}
		}()
		c.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})

	case schemas.MsgTogglePolling:
		var req schemas.ToggleRequest
		if err := env.Decode(&req); err != nil {
			http.Error(w, "malformed toggle payload", http.StatusBadRequest)
			return
		}
		c.engine.TogglePolling(req.Enabled)
		c.writeJSON(w, http.StatusOK, map[string]bool{"polling_enabled": req.Enabled})

	default:
		http.Error(w, fmt.Sprintf("unsupported message type %q", env.Type), http.StatusBadRequest)
	}
}

func (c *Control) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]any{
		"polling_enabled": c.engine.PollingEnabled(),
	})
}

func (c *Control) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := codec.NewEncoder(w).Encode(v); err != nil {
		c.logger.Debug("Could not write control response.", zap.Error(err))
	}
}
