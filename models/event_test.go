package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeHelpers(t *testing.T) {
	assert.Equal(t, "api_design", EventAPIDesignCompleted.Domain())
	assert.Equal(t, "workflow", EventWorkflowStarted.Domain())
	assert.Equal(t, "", EventType("malformed").Domain())

	assert.True(t, EventTestingRequested.IsCommand())
	assert.False(t, EventTestingCompleted.IsCommand())

	assert.True(t, EventTestingCompleted.IsResult())
	assert.True(t, EventTestingFailed.IsResult())
	assert.False(t, EventTestingRequested.IsResult())

	assert.True(t, EventReleaseFailed.IsFailure())
	assert.False(t, EventReleaseCompleted.IsFailure())

	assert.Equal(t, EventImplementationFailed, EventImplementationRequested.Failed())
	assert.Equal(t, EventImplementationCompleted, EventImplementationRequested.Completed())
}

func TestEnvelopeValidate(t *testing.T) {
	tenantID := uuid.New()

	t.Run("valid command envelope", func(t *testing.T) {
		env := NewEnvelope(EventAPIDesignRequested, tenantID, "orchestrator", map[string]any{
			PayloadKeyStatus: string(StatusRequested),
		}).WithCorrelation(uuid.NewString())
		assert.NoError(t, env.Validate())
	})

	t.Run("missing correlation id rejected", func(t *testing.T) {
		env := NewEnvelope(EventAPIDesignRequested, tenantID, "orchestrator", map[string]any{
			PayloadKeyStatus: string(StatusRequested),
		})
		err := env.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "correlation id")
	})

	t.Run("workflow start may omit correlation id", func(t *testing.T) {
		env := NewEnvelope(EventWorkflowStarted, tenantID, "orchestrator", map[string]any{
			PayloadKeyStatus: string(StatusRequested),
		})
		assert.NoError(t, env.Validate())
	})

	t.Run("failed status requires error", func(t *testing.T) {
		env := NewEnvelope(EventTestingFailed, tenantID, "agent-1", map[string]any{
			PayloadKeyStatus: string(StatusFailed),
		}).WithCorrelation(uuid.NewString())
		require.Error(t, env.Validate())

		env.Payload[PayloadKeyError] = "compile failed"
		assert.NoError(t, env.Validate())
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		env := NewEnvelope(EventTestingCompleted, tenantID, "agent-1", map[string]any{
			PayloadKeyStatus: "done",
		}).WithCorrelation(uuid.NewString())
		assert.Error(t, env.Validate())
	})

	t.Run("missing tenant rejected", func(t *testing.T) {
		env := NewEnvelope(EventTestingCompleted, uuid.Nil, "agent-1", map[string]any{
			PayloadKeyStatus: string(StatusCompleted),
		}).WithCorrelation(uuid.NewString())
		assert.Error(t, env.Validate())
	})

	t.Run("missing agent rejected", func(t *testing.T) {
		env := NewEnvelope(EventTestingCompleted, tenantID, "", map[string]any{
			PayloadKeyStatus: string(StatusCompleted),
		}).WithCorrelation(uuid.NewString())
		assert.Error(t, env.Validate())
	})
}

func TestEnvelopeClone(t *testing.T) {
	env := NewEnvelope(EventTestingCompleted, uuid.New(), "agent-1", map[string]any{
		PayloadKeyStatus: string(StatusCompleted),
		"testing":        map[string]any{"passed": 12},
	}).WithCorrelation(uuid.NewString())

	cp := env.Clone()
	cp.Payload["injected"] = true

	assert.NotContains(t, env.Payload, "injected")
	assert.Equal(t, env.ID, cp.ID)
	assert.Equal(t, env.CorrelationID, cp.CorrelationID)
}

func TestEnvelopeStatusHelpers(t *testing.T) {
	env := NewEnvelope(EventTestingFailed, uuid.New(), "agent-1", map[string]any{
		PayloadKeyStatus: string(StatusFailed),
		PayloadKeyError:  "3 tests failed",
	})
	assert.Equal(t, StatusFailed, env.Status())
	assert.Equal(t, "3 tests failed", env.ErrorMessage())

	empty := NewEnvelope(EventTestingCompleted, uuid.New(), "agent-1", nil)
	assert.Equal(t, EventStatus(""), empty.Status())
	assert.Equal(t, "", empty.ErrorMessage())
}
