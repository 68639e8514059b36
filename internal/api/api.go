// Package api exposes the trading engine and the evaluation queue over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/isph/exchange-engine/internal/evaluation"
	"github.com/isph/exchange-engine/internal/model"
	"github.com/isph/exchange-engine/internal/trade"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine *trade.Engine
	queue  *evaluation.Queue
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(engine *trade.Engine, queue *evaluation.Queue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, queue: queue, logger: logger.With(zap.String("component", "api"))}
}

// Routes mounts the handlers on r. It is meant to be called inside
// r.Route("/api/v1", ...).
func (h *Handler) Routes(r chi.Router) {
	r.Post("/trades/buy", h.Buy)
	r.Post("/trades/sell", h.Sell)
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/transactions/{userID}", h.GetTransactions)

	r.Post("/admin/stocks/{ticker}/volume", h.AdjustVolume)

	r.Post("/events/{eventID}/evaluate", h.Evaluate)
	r.Get("/tasks/{taskID}", h.GetTask)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades/buy and /trades/sell.
type TradeRequest struct {
	UserID   string `json:"user_id"`
	Ticker   string `json:"stock_ticker"`
	Quantity int64  `json:"quantity"`
}

// VolumeRequest is the JSON body for POST /admin/stocks/{ticker}/volume.
type VolumeRequest struct {
	Delta int64 `json:"delta"`
}

// EvaluateResponse is returned from POST /events/{eventID}/evaluate.
type EvaluateResponse struct {
	TaskID string          `json:"task_id"`
	Status model.TaskState `json:"status"`
}

// --- HTTP Handlers ---

// Buy handles POST /api/v1/trades/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, model.TradeBuy)
}

// Sell handles POST /api/v1/trades/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, model.TradeSell)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, op model.TradeType) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.engine.Execute(r.Context(), op, req.UserID, req.Ticker, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTransactions handles GET /api/v1/transactions/{userID}
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// AdjustVolume handles POST /api/v1/admin/stocks/{ticker}/volume
func (h *Handler) AdjustVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	stock, err := h.engine.AdjustVolume(r.Context(), chi.URLParam(r, "ticker"), req.Delta)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

// Evaluate handles POST /api/v1/events/{eventID}/evaluate. The task runs in
// the background; poll GET /tasks/{taskID} for the outcome.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id, err := h.queue.Enqueue(chi.URLParam(r, "eventID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, EvaluateResponse{TaskID: id, Status: model.TaskQueued})
}

// GetTask handles GET /api/v1/tasks/{taskID}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	view, err := h.queue.Status(chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// fail maps err to a status code and writes it. Server-side failures are
// logged; internal detail is not returned to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeError(w, err.Error(), status)
		return
	}

	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	msg := "internal error"
	switch {
	case errors.Is(err, trade.ErrCompensationFailed):
		msg = "trade could not be rolled back; an administrator has been alerted"
	case status == http.StatusBadGateway:
		msg = "external service error"
	}
	writeError(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, trade.ErrCompensationFailed):
		return http.StatusInternalServerError
	case errors.Is(err, trade.ErrValidation), errors.Is(err, evaluation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, trade.ErrNotFound), errors.Is(err, evaluation.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, trade.ErrInsufficientQuantity),
		errors.Is(err, trade.ErrInsufficientVolume),
		errors.Is(err, trade.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, evaluation.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
