package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/meridian-labs/aegis/pkg/cache"
	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/costgate"
	"github.com/meridian-labs/aegis/pkg/observability"
	"github.com/meridian-labs/aegis/pkg/pipeline"
)

type server struct {
	orch     *pipeline.Orchestrator
	gate     *costgate.Gate
	cache    *cache.Cache
	recorder *observability.Recorder
	provider *observability.Provider
	logger   *slog.Logger
}

func newServer(orch *pipeline.Orchestrator, gate *costgate.Gate, c *cache.Cache,
	rec *observability.Recorder, provider *observability.Provider, logger *slog.Logger) *server {
	return &server{
		orch: orch, gate: gate, cache: c,
		recorder: rec, provider: provider,
		logger: logger.With("component", "http"),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", s.handleSubmit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/ledger/export", s.handleLedgerExport)
	return mux
}

type submitRequest struct {
	Category      string         `json:"category"`
	Payload       map[string]any `json:"payload"`
	BudgetCeiling float64        `json:"budget_ceiling"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", err.Error())
		return
	}

	action := contracts.NewAction(contracts.Category(req.Category), req.Payload, req.BudgetCeiling)
	ctx, span := s.provider.StartSpan(r.Context(), "enforce")
	decision, err := s.orch.Enforce(ctx, action)
	span.End()
	if err != nil {
		var blocked *contracts.BlockedError
		if errors.As(err, &blocked) {
			s.writeJSON(w, http.StatusConflict, blocked)
			return
		}
		var invalid *contracts.PayloadError
		if errors.As(err, &invalid) {
			s.writeError(w, http.StatusBadRequest, invalid.Code, invalid.Error())
			return
		}
		s.logger.Error("enforce failed", "action", action.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, contracts.ErrCodeInternal, err.Error())
		return
	}

	status := http.StatusOK
	if decision.State == pipeline.StateBlocked {
		status = http.StatusPaymentRequired
		if decision.Reason == contracts.ReasonNotBootstrapped {
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, decision)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	hits, misses, evictions := s.cache.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"traffic": s.recorder.Snapshot(),
		"cache": map[string]int64{
			"hits": hits, "misses": misses, "evictions": evictions,
		},
		"ledger_entries": s.gate.Ledger().Length(),
	})
}

func (s *server) handleLedgerExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.gate.Ledger().Export(w); err != nil {
		s.logger.Error("ledger export failed", "error", err)
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, map[string]string{"code": code, "message": msg})
}
