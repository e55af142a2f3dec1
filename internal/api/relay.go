package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/natemellendorf/relaychat/internal/auth"
	"github.com/natemellendorf/relaychat/internal/metrics"
	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/relay"
)

// maxBodyBytes caps request bodies on the relay endpoints.
const maxBodyBytes = 1 << 20

// RelayHandler serves the /relay endpoints for authenticated identities.
type RelayHandler struct {
	svc     *relay.Service
	limiter *SendLimiter
}

// NewRelayHandler creates a handler over svc. limiter may be nil.
func NewRelayHandler(svc *relay.Service, limiter *SendLimiter) *RelayHandler {
	return &RelayHandler{svc: svc, limiter: limiter}
}

// Register adds the relay routes to r behind token authentication.
func (h *RelayHandler) Register(r *mux.Router, verifier auth.Verifier) {
	sub := r.PathPrefix("/relay").Subrouter()
	sub.Use(auth.Middleware(verifier))
	sub.HandleFunc("/send", h.handleSend).Methods(http.MethodPost)
	sub.HandleFunc("/pending", h.handlePending).Methods(http.MethodGet)
	sub.HandleFunc("/acknowledge", h.handleAcknowledge).Methods(http.MethodPost)
	sub.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	sub.HandleFunc("/cleanup", h.handleCleanup).Methods(http.MethodPost)
}

func (h *RelayHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	if !h.limiter.Allow(identity) {
		metrics.IncrementRateLimited()
		JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req model.SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.QueueMessage(r.Context(), relay.SendRequest{
		SenderID:    identity,
		RecipientID: req.RecipientID,
		MessageID:   req.MessageID,
		Payload:     req.Payload,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, model.ErrDuplicateKey):
		JSONError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, relay.ErrMissingRecipient),
		errors.Is(err, relay.ErrInvalidMessageID),
		errors.Is(err, model.ErrMalformedPayload):
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		jww.ERROR.Printf("relay: send from %s failed: %v", identity, err)
		JSONError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}

	JSON(w, http.StatusOK, model.SendResponse{
		Success:   true,
		MessageID: res.Message.ID,
		Status:    res.Status,
		ExpiresAt: res.Message.ExpiresAt,
	})
}

func (h *RelayHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	messages, err := h.svc.FetchPending(r.Context(), identity)
	if err != nil {
		jww.ERROR.Printf("relay: pending for %s failed: %v", identity, err)
		JSONError(w, http.StatusInternalServerError, "failed to fetch pending messages")
		return
	}
	if messages == nil {
		messages = []*model.RelayMessage{}
	}
	JSON(w, http.StatusOK, model.PendingResponse{
		Success:  true,
		Count:    len(messages),
		Messages: messages,
	})
}

func (h *RelayHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req model.AckRequest
	if err := decodeBody(w, r, &req); err != nil || req.MessageID == "" {
		JSONError(w, http.StatusBadRequest, "message_id required")
		return
	}

	res, err := h.svc.Acknowledge(r.Context(), identity, req.MessageID)
	if err != nil {
		jww.ERROR.Printf("relay: acknowledge %s by %s failed: %v", req.MessageID, identity, err)
		JSONError(w, http.StatusInternalServerError, "failed to acknowledge message")
		return
	}
	JSON(w, http.StatusOK, model.AckResponse{
		Success:   true,
		MessageID: req.MessageID,
		Status:    "acknowledged",
		Result:    res.Status,
	})
}

func (h *RelayHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		jww.ERROR.Printf("relay: stats failed: %v", err)
		JSONError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	JSON(w, http.StatusOK, model.StatsResponse{Success: true, Stats: stats})
}

func (h *RelayHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.Cleanup(r.Context())
	if err != nil {
		jww.ERROR.Printf("relay: cleanup failed: %v", err)
		JSONError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	JSON(w, http.StatusOK, model.CleanupResponse{Success: true, DeletedCount: removed})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
