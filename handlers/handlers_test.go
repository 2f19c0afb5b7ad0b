package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/utils"
)

// stubGate is an auth.Authorizer whose outcome the test controls.
type stubGate struct {
	err error
}

func (g *stubGate) Authorize(context.Context, *models.Principal, string, uuid.UUID) error {
	return g.err
}

func testPrincipal(tenantID uuid.UUID) *models.Principal {
	return &models.Principal{
		UserID:   uuid.New(),
		TenantID: tenantID,
		Roles:    []string{"developer"},
	}
}

// authed attaches a principal to the request context the way the auth
// middleware does.
func authed(req *http.Request, principal *models.Principal) *http.Request {
	return req.WithContext(middleware.WithPrincipal(req.Context(), principal))
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder, data any) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}
