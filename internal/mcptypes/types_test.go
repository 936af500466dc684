package mcptypes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

func TestHealthStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state mcptypes.HealthState
		want  string
	}{
		{mcptypes.HealthHealthy, "healthy"},
		{mcptypes.HealthDegraded, "degraded"},
		{mcptypes.HealthUnhealthy, "unhealthy"},
		{mcptypes.HealthUnknown, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestCircuitPhaseString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phase mcptypes.CircuitPhase
		want  string
	}{
		{mcptypes.CircuitClosed, "closed"},
		{mcptypes.CircuitOpen, "open"},
		{mcptypes.CircuitHalfOpen, "half_open"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.phase.String())
	}
}
