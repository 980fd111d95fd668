package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-relay/internal/delivery"
	"otp-relay/internal/model"
	"otp-relay/internal/service"
	"otp-relay/internal/util"
)

// Checker runs a manual poll without waiting for a busy one.
type Checker interface {
	TryPollOnce(ctx context.Context) ([]model.OtpEvent, error)
}

// Deliverer hands polled events to the sinks.
type Deliverer interface {
	Deliver(ctx context.Context, events []model.OtpEvent) int
}

type StatsReader interface {
	Snapshot() model.PollStats
}

// OTPHandler serves status reporting and manual triggers.
type OTPHandler struct {
	checker   Checker
	deliverer Deliverer
	sink      delivery.Sink
	stats     StatsReader
	logger    *zap.Logger
	now       func() time.Time
}

func NewOTPHandler(checker Checker, deliverer Deliverer, sink delivery.Sink, stats StatsReader, logger *zap.Logger) *OTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTPHandler{
		checker:   checker,
		deliverer: deliverer,
		sink:      sink,
		stats:     stats,
		logger:    logger,
		now:       time.Now,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// Summary is the short status served at the root.
type Summary struct {
	Status         string    `json:"status"`
	Uptime         string    `json:"uptime"`
	TotalOTPsSent  int64     `json:"total_otps_sent"`
	LastCheck      time.Time `json:"last_check"`
	MonitorRunning bool      `json:"monitor_running"`
	SessionValid   bool      `json:"session_valid"`
}

// CheckResult reports a manual poll.
type CheckResult struct {
	Found     int `json:"found"`
	Delivered int `json:"delivered"`
}

func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Get("/", h.Home)
	router.Get("/status", h.Status)
	router.Get("/check", h.Check)
	router.Post("/check", h.Check)
	router.Post("/test", h.Test)
}

// Home reports uptime and delivery totals.
func (h *OTPHandler) Home(w http.ResponseWriter, r *http.Request) {
	snap := h.stats.Snapshot()
	summary := Summary{
		Status:         "running",
		Uptime:         h.now().Sub(snap.StartedAt).Truncate(time.Second).String(),
		TotalOTPsSent:  snap.TotalSent,
		LastCheck:      snap.LastCheckAt,
		MonitorRunning: snap.Running,
		SessionValid:   snap.SessionValid,
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(summary, ""))
}

// Status returns the full poll statistics.
func (h *OTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.stats.Snapshot(), ""))
}

// Check polls the portal now and delivers what it finds. A poll already in
// flight is reported as a conflict rather than queued.
func (h *OTPHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	events, err := h.checker.TryPollOnce(ctx)
	if errors.Is(err, service.ErrPollInProgress) {
		h.respondWithError(w, http.StatusConflict, err, "A poll is already running")
		return
	}
	if err != nil {
		if len(events) > 0 {
			h.deliverer.Deliver(ctx, events)
		}
		h.respondWithError(w, http.StatusBadGateway, err, "Manual check failed")
		return
	}

	delivered := 0
	if len(events) > 0 {
		delivered = h.deliverer.Deliver(ctx, events)
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(CheckResult{Found: len(events), Delivered: delivered}, "Check complete"))
	h.logger.Info("Manual check via HTTP",
		util.Int("found", len(events)),
		util.Int("delivered", delivered),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Test sends a synthetic event through the sinks without touching history.
func (h *OTPHandler) Test(w http.ResponseWriter, r *http.Request) {
	event := model.OtpEvent{
		ID:        "test_" + uuid.NewString(),
		Phone:     "0000000000",
		OTP:       "123456",
		Service:   "Test",
		Country:   "🌍 Unknown",
		Message:   "Test message from otp-relay. Your code is 123456.",
		Timestamp: h.now().Format(model.TimestampLayout),
	}
	if err := h.sink.Notify(r.Context(), event); err != nil {
		h.respondWithError(w, http.StatusBadGateway, err, "Test delivery failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(event, "Test event delivered"))
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}
