package approval

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/gateway/middleware"
)

type HTTPHandler struct {
	gate    *Gate
	maxBody int64
	tokens  middleware.TokenValidator
}

// NewHTTPHandler serves decisions over HTTP. With a token validator the
// admin identity comes from the bearer token instead of the request body.
func NewHTTPHandler(gate *Gate, maxBody int64, tokens middleware.TokenValidator) *HTTPHandler {
	return &HTTPHandler{gate: gate, maxBody: maxBody, tokens: tokens}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	route := router.NewRoute().Subrouter()
	if h.tokens != nil {
		route.Use(middleware.Authenticate(h.tokens))
	}
	route.HandleFunc("/api/v1/decisions", h.handleDecision).Methods(http.MethodPost)
}

type decisionResponse struct {
	ItemID       int64              `json:"item_id"`
	Status       content.ItemStatus `json:"status"`
	Destinations []int64            `json:"destinations"`
}

func (h *HTTPHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if claims, ok := middleware.Admin(r.Context()); ok {
		if req.Admin != "" && req.Admin != claims.Subject {
			http.Error(w, "admin does not match token", http.StatusForbidden)
			return
		}
		req.Admin = claims.Subject
	}
	if req.Admin == "" || req.ItemID <= 0 || req.DestinationID <= 0 {
		http.Error(w, "item_id, destination_id and admin are required", http.StatusBadRequest)
		return
	}

	item, err := h.gate.Decide(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, content.ErrInvalidDecision):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case faults.IsUnauthorized(err):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, content.ErrNotFound), errors.Is(err, content.ErrNotAssigned):
			http.Error(w, err.Error(), http.StatusNotFound)
		case faults.IsDuplicate(err), faults.IsPermanent(err):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			logger.Log.WithError(err).Error("failed to apply decision")
			http.Error(w, "decision could not be recorded, retry later", http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decisionResponse{
		ItemID:       item.ID,
		Status:       item.Status,
		Destinations: item.DestinationIDs(),
	})
}
