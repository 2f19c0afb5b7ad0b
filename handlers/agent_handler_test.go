package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/bus"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services/registry"
)

type agentEnv struct {
	registry *registry.Registry
	bus      *bus.Bus
	router   chi.Router
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(registry.DefaultConfig(), logger)
	eventBus := bus.New(reg, bus.DefaultConfig(), logger)
	t.Cleanup(eventBus.Close)

	h := NewAgentHandler(reg, eventBus, logger)
	r := chi.NewRouter()
	r.Get("/v1/agents", h.HandleListAgents)
	r.Post("/v1/agents", h.HandleRegisterAgent)
	r.Get("/v1/agents/{id}", h.HandleGetAgent)
	r.Post("/v1/agents/{id}/heartbeat", h.HandleHeartbeat)
	r.Delete("/v1/agents/{id}", h.HandleDeregisterAgent)

	return &agentEnv{registry: reg, bus: eventBus, router: r}
}

func (e *agentEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestHandleRegisterAgent(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newAgentEnv(t)
		rec := env.do(http.MethodPost, "/v1/agents",
			`{"agent_id":"deployer-1","capabilities":["release.requested"]}`)

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp AgentResponse
		decodeSuccess(t, rec, &resp)
		assert.Equal(t, "deployer-1", resp.AgentID)
		assert.Equal(t, models.AgentOnline, resp.Status)
	})

	t.Run("missing fields", func(t *testing.T) {
		env := newAgentEnv(t)
		rec := env.do(http.MethodPost, "/v1/agents", `{"agent_id":"deployer-1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("result types are not registrable capabilities", func(t *testing.T) {
		env := newAgentEnv(t)
		rec := env.do(http.MethodPost, "/v1/agents",
			`{"agent_id":"deployer-1","capabilities":["release.completed"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate maps to 409", func(t *testing.T) {
		env := newAgentEnv(t)
		body := `{"agent_id":"deployer-1","capabilities":["release.requested"]}`
		require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/agents", body).Code)

		rec := env.do(http.MethodPost, "/v1/agents", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "duplicate_agent", decodeErrorResponse(t, rec).Error)
	})
}

func TestHandleHeartbeat(t *testing.T) {
	env := newAgentEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/agents",
		`{"agent_id":"deployer-1","capabilities":["release.requested"]}`).Code)

	assert.Equal(t, http.StatusNoContent,
		env.do(http.MethodPost, "/v1/agents/deployer-1/heartbeat", "").Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPost, "/v1/agents/unknown/heartbeat", "").Code)
}

func TestHandleGetAndListAgents(t *testing.T) {
	env := newAgentEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/agents",
		`{"agent_id":"deployer-1","capabilities":["release.requested"]}`).Code)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/agents",
		`{"agent_id":"tester-1","capabilities":["testing.requested"]}`).Code)

	rec := env.do(http.MethodGet, "/v1/agents/deployer-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var agent AgentResponse
	decodeSuccess(t, rec, &agent)
	assert.Equal(t, []models.EventType{"release.requested"}, agent.Capabilities)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/agents/unknown", "").Code)

	rec = env.do(http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []AgentResponse
	decodeSuccess(t, rec, &agents)
	assert.Len(t, agents, 2)
}

func TestHandleDeregisterAgent(t *testing.T) {
	env := newAgentEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/agents",
		`{"agent_id":"deployer-1","capabilities":["release.requested"]}`).Code)

	// The agent also holds a bus subscription; deregistering must tear it
	// down.
	sub, err := env.bus.Subscribe("deployer-1", models.EventReleaseRequested)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/v1/agents/deployer-1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/agents/deployer-1", "").Code)

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "subscription channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription was not torn down")
	}
}
