package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
	"agentdock/internal/usecase/checkin"
)

type fakeCheckIn struct {
	credential string
	req        checkin.Request
	err        error
}

func (f *fakeCheckIn) CheckIn(_ context.Context, credential string, req checkin.Request) (*checkin.Result, error) {
	f.credential, f.req = credential, req
	if f.err != nil {
		return nil, f.err
	}
	return &checkin.Result{
		Ref:     domain.AgentRef{Space: "sp", Channel: "ch", Callsign: "scout"},
		Backlog: []domain.Message{{ID: "m1"}},
	}, nil
}

func TestCheckInHandler(t *testing.T) {
	svc := &fakeCheckIn{}
	h := CheckInHandler(svc, nil)

	req := httptest.NewRequest(http.MethodPost, CheckInPath, strings.NewReader(`{"callback_url":"http://10.0.0.5:8080","tunnel_id":"t-1"}`))
	req.Header.Set("Authorization", "Bearer cred-1")
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cred-1", svc.credential)
	assert.Equal(t, "t-1", svc.req.TunnelID)

	var res checkin.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "scout", res.Ref.Callsign)
	assert.Len(t, res.Backlog, 1)
}

func TestCheckInHandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		auth     string
		body     string
		svcErr   error
		wantCode int
	}{
		{"wrong method", http.MethodGet, "Bearer c", "", nil, http.StatusMethodNotAllowed},
		{"missing credential", http.MethodPost, "", `{}`, nil, http.StatusUnauthorized},
		{"malformed body", http.MethodPost, "Bearer c", `{`, nil, http.StatusBadRequest},
		{"bad credential", http.MethodPost, "Bearer c", `{}`, domain.NewDomainError("JWT.Verify", domain.ErrCredentialInvalid, "expired"), http.StatusUnauthorized},
		{"bad callback", http.MethodPost, "Bearer c", `{}`, domain.NewDomainError("CheckIn", domain.ErrInvalidInput, "callback_url"), http.StatusBadRequest},
		{"paused agent", http.MethodPost, "Bearer c", `{}`, domain.NewDomainError("CheckIn", domain.ErrDisabled, "paused"), http.StatusConflict},
		{"unknown agent", http.MethodPost, "Bearer c", `{}`, domain.NewDomainError("CheckIn", domain.ErrAgentNotFound, "ch/x"), http.StatusNotFound},
		{"store failure", http.MethodPost, "Bearer c", `{}`, domain.ErrUnavailable, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CheckInHandler(&fakeCheckIn{err: tt.svcErr}, nil)
			req := httptest.NewRequest(tt.method, CheckInPath, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
