package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mshafiee/chimera/internal/backend"
	"github.com/mshafiee/chimera/internal/circuitbreaker"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/pkg/types"
)

// Signature headers carried by signal producers.
const (
	HeaderSignature = "X-Chimera-Signature"
	HeaderTimestamp = "X-Chimera-Timestamp"
)

// Ingress validates and admits raw signal payloads.
type Ingress interface {
	Accept(ctx context.Context, body []byte, signature, timestamp string) (string, error)
}

// Ledger is the read surface over durable position state.
type Ledger interface {
	ListPositionsByState(ctx context.Context, state types.State) ([]*types.Position, error)
	ListNonTerminalPositions(ctx context.Context) ([]*types.Position, error)
	ListRoster(ctx context.Context) ([]storage.RosterEntry, error)
	SetRosterStatus(ctx context.Context, wallet common.Address, status string, promotedUntil time.Time) error
	Performance(ctx context.Context) (*storage.PerformanceSummary, error)
}

// BreakerControl exposes the circuit state and the operator reset.
type BreakerControl interface {
	Mode() circuitbreaker.Mode
	Reset(ctx context.Context, actor string) error
}

// SelectorSource reports which backend the engine is currently bound to.
type SelectorSource interface {
	Snapshot() backend.SelectorSnapshot
}

// Handler serves the query/control API.
type Handler struct {
	ingress  Ingress
	ledger   Ledger
	breaker  BreakerControl
	selector SelectorSource
	logger   *zap.Logger
}

type acceptedResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

type rejectedResponse struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSignal handles POST /api/v1/signals. Authentication is the HMAC
// envelope itself, not a bearer role.
func (h *Handler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxSignalBody)
	if err != nil {
		writeError(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}

	key, err := h.ingress.Accept(r.Context(),
		body, r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp))
	if err != nil {
		h.writeRejection(w, key, err)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		IdempotencyKey: key,
		Status:         "accepted",
	})
}

// writeRejection maps admission errors onto HTTP statuses. Backpressure
// (queue full, load shed) is 429 so producers know to retry; everything
// else carries its reason code.
func (h *Handler) writeRejection(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, types.ErrQueueFull) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, rejectedResponse{
			IdempotencyKey: key,
			Reason:         "queue_full",
		})
		return
	}

	reason := types.ReasonOf(err)
	status := statusForReason(reason)
	if status == http.StatusInternalServerError {
		h.logger.Error("signal-admission-failed", zap.Error(err))
		writeError(w, "internal error", status)
		return
	}

	var detail string
	var rej *types.RejectionError
	if errors.As(err, &rej) {
		detail = rej.Detail
	}
	writeJSON(w, status, rejectedResponse{
		IdempotencyKey: key,
		Reason:         string(reason),
		Detail:         detail,
	})
}

func statusForReason(reason types.ReasonCode) int {
	switch reason {
	case types.ReasonBadSignature, types.ReasonStaleTimestamp:
		return http.StatusUnauthorized
	case types.ReasonInvalidPayload:
		return http.StatusBadRequest
	case types.ReasonDuplicateKey:
		return http.StatusConflict
	case types.ReasonQueueShed:
		return http.StatusTooManyRequests
	case types.ReasonCircuitHalted:
		return http.StatusServiceUnavailable
	case types.ReasonSecondaryMode, types.ReasonRiskScreen, types.ReasonNoActivePosition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// HandlePositions handles GET /api/v1/positions?state=<state>.
func (h *Handler) HandlePositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []*types.Position
		err       error
	)

	if state := r.URL.Query().Get("state"); state != "" {
		positions, err = h.ledger.ListPositionsByState(r.Context(), types.State(state))
	} else {
		positions, err = h.ledger.ListNonTerminalPositions(r.Context())
	}
	if err != nil {
		h.logger.Error("position-query-failed", zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// HandleRoster handles GET /api/v1/roster.
func (h *Handler) HandleRoster(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.ListRoster(r.Context())
	if err != nil {
		h.logger.Error("roster-query-failed", zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"roster": entries})
}

type rosterStatusRequest struct {
	Status       string `json:"status"`
	PromotionTTL string `json:"promotion_ttl,omitempty"`
}

// HandleRosterStatus handles POST /api/v1/roster/{address}/status. Requires
// the operate role.
func (h *Handler) HandleRosterStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	wallet := common.HexToAddress(raw)

	var req rosterStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	switch req.Status {
	case storage.RosterStatusActive, storage.RosterStatusPaused, storage.RosterStatusPromoted:
	default:
		writeError(w, "status must be active, paused or promoted", http.StatusBadRequest)
		return
	}

	var promotedUntil time.Time
	if req.Status == storage.RosterStatusPromoted {
		ttl := defaultPromotionTTL
		if req.PromotionTTL != "" {
			parsed, err := time.ParseDuration(req.PromotionTTL)
			if err != nil || parsed <= 0 {
				writeError(w, "promotion_ttl must be a positive duration", http.StatusBadRequest)
				return
			}
			ttl = parsed
		}
		promotedUntil = time.Now().UTC().Add(ttl)
	}

	if err := h.ledger.SetRosterStatus(r.Context(), wallet, req.Status, promotedUntil); err != nil {
		h.logger.Error("roster-status-update-failed",
			zap.String("wallet", wallet.Hex()),
			zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("roster-status-updated",
		zap.String("wallet", wallet.Hex()),
		zap.String("status", req.Status),
		zap.String("actor", RoleFrom(r.Context()).String()))

	writeJSON(w, http.StatusOK, map[string]any{
		"address": wallet.Hex(),
		"status":  req.Status,
	})
}

// HandlePerformance handles GET /api/v1/performance.
func (h *Handler) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.Performance(r.Context())
	if err != nil {
		h.logger.Error("performance-query-failed", zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"performance":  summary,
		"breaker_mode": h.breaker.Mode(),
		"backend":      h.selector.Snapshot(),
	})
}

// HandleBreakerReset handles POST /api/v1/breaker/reset. Requires the
// administer role; the role label is the audited actor.
func (h *Handler) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	actor := RoleFrom(r.Context()).String()
	if err := h.breaker.Reset(r.Context(), actor); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	h.logger.Info("breaker-reset-requested", zap.String("actor", actor))
	writeJSON(w, http.StatusOK, map[string]any{"breaker_mode": h.breaker.Mode()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
}
