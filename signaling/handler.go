package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/rtcvision/rtcvision/internal/logctx"
	"github.com/rtcvision/rtcvision/pipeline"
	"github.com/rtcvision/rtcvision/rtc"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

// writeJSONError emits the transport-level error shape
// {"error":{"code":<status>,"message":...,"reason":...}}. reason is a stable
// machine-readable token; message is human-oriented.
func writeJSONError(w http.ResponseWriter, status int, reason, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": msg, "reason": reason},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Option configures the Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	logger      *slog.Logger
	now         func() time.Time
	defaultMode pipeline.Mode
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *handlerConfig) { c.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *handlerConfig) { c.now = now }
}

// WithDefaultMode sets the processing mode used when an offer does not name
// one. Defaults to server mode.
func WithDefaultMode(m pipeline.Mode) Option {
	return func(c *handlerConfig) { c.defaultMode = m }
}

// Handler is the HTTP signaling surface over a Controller.
type Handler struct {
	mux         *http.ServeMux
	controller  *Controller
	log         *slog.Logger
	now         func() time.Time
	defaultMode pipeline.Mode
}

// NewHandler mounts the signaling routes over controller.
func NewHandler(controller *Controller, opts ...Option) *Handler {
	cfg := &handlerConfig{logger: slog.Default(), now: time.Now, defaultMode: pipeline.ModeServer}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		mux:         http.NewServeMux(),
		controller:  controller,
		log:         slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		now:         cfg.now,
		defaultMode: cfg.defaultMode,
	}

	h.mux.HandleFunc("POST /api/webrtc/offer", h.handleOffer)
	h.mux.HandleFunc("POST /api/webrtc/ice-candidate", h.handleIceCandidate)
	h.mux.HandleFunc("POST /api/webrtc/close", h.handleClose)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// decodeJSONBody enforces an application/json request body and decodes it
// into dst. Returns false after writing the error response.
func (h *Handler) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	// GetMediaType yields a zero MediaType for an absent header, which
	// fails the match: an untyped body is rejected, not waved through.
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"request body must be application/json")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed_body", "request body is not valid JSON")
		return false
	}
	return true
}

type offerRequest struct {
	SessionID string           `json:"session_id"`
	Offer     *rtc.Description `json:"offer"`
	Mode      string           `json:"mode"`
}

type offerResponse struct {
	Answer    rtc.Description `json:"answer"`
	SessionID string          `json:"session_id"`
}

func (h *Handler) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Offer == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_offer", "no offer provided")
		return
	}

	mode := h.defaultMode
	if req.Mode != "" {
		mode = pipeline.ParseMode(req.Mode)
	}

	answer, sessionID, err := h.controller.HandleOffer(r.Context(), req.SessionID, *req.Offer, mode)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidOffer):
			writeJSONError(w, http.StatusBadRequest, "invalid_offer", err.Error())
		case errors.Is(err, ErrSessionConflict):
			writeJSONError(w, http.StatusConflict, "session_conflict", err.Error())
		case errors.Is(err, ErrNegotiationFailed):
			h.log.ErrorContext(r.Context(), "negotiation failed", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadGateway, "negotiation_failed", err.Error())
		default:
			h.log.ErrorContext(r.Context(), "offer handling failed", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "offer handling failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, offerResponse{Answer: answer, SessionID: sessionID})
}

type candidateRequest struct {
	SessionID string            `json:"session_id"`
	Candidate *rtc.ICECandidate `json:"candidate"`
}

func (h *Handler) handleIceCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.controller.HandleIceCandidate(r.Context(), req.SessionID, req.Candidate); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "unknown_session", err.Error())
			return
		}
		h.log.ErrorContext(r.Context(), "ice candidate failed", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "ice candidate handling failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type closeRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}

	// Close always succeeds, including for unknown or already-closed
	// sessions: duplicate teardown signals are routine under retries.
	h.controller.Close(r.Context(), req.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
