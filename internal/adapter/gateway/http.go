package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/usecase/checkin"
)

// CheckInPath is where containers announce their callback address.
const CheckInPath = "/v1/checkin"

// maxCheckInBody bounds the check-in request body.
const maxCheckInBody = 64 << 10

// CheckIner records a container check-in.
type CheckIner interface {
	CheckIn(ctx context.Context, credential string, req checkin.Request) (*checkin.Result, error)
}

// errorResponse is the JSON body of every failed HTTP request.
type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// CheckInHandler returns the handler for POST /v1/checkin. The caller
// authenticates with its instance credential as a bearer token.
func CheckInHandler(svc CheckIner, log *slog.Logger) http.HandlerFunc {
	log = logger.OrDiscard(log)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		credential, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || credential == "" {
			writeError(w, domain.NewDomainError("CheckIn", domain.ErrCredentialInvalid, "missing bearer credential"))
			return
		}

		var req checkin.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckInBody)).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("CheckIn", domain.ErrInvalidInput, "malformed body"))
			return
		}

		res, err := svc.CheckIn(r.Context(), credential, req)
		if err != nil {
			if statusOf(err) == http.StatusInternalServerError {
				log.Error("check-in failed", "error", err)
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HealthHandler answers liveness probes.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDisabled):
		return http.StatusConflict
	case domain.IsDataError(err), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
