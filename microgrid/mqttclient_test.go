package microgrid

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatteryTelemetry(t *testing.T) {
	payload := []byte(`{
		"timestamp": "2024-05-01T12:00:00Z",
		"soc": 55.5,
		"soc_lower_bound": 10,
		"soc_upper_bound": 90,
		"capacity": 10000,
		"power_inclusion_lower_bound": -5000,
		"power_exclusion_lower_bound": -100,
		"power_exclusion_upper_bound": 100,
		"power_inclusion_upper_bound": 5000
	}`)

	sample, err := decodeBatteryTelemetry(payload)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), sample.Timestamp)
	assert.InDelta(t, 55.5, sample.SoC, 1e-9)
	assert.InDelta(t, -5000, sample.PowerBounds.InclusionLower, 1e-9)
	assert.InDelta(t, 100, sample.PowerBounds.ExclusionUpper, 1e-9)
	assert.True(t, sample.HasCrucialMetrics())
}

func TestDecodeBatteryTelemetry_MissingMetricsAreNaN(t *testing.T) {
	payload := []byte(`{
		"timestamp": "2024-05-01T12:00:00Z",
		"soc": 55.5
	}`)

	sample, err := decodeBatteryTelemetry(payload)
	require.NoError(t, err)

	assert.InDelta(t, 55.5, sample.SoC, 1e-9)
	assert.True(t, math.IsNaN(sample.Capacity))
	assert.True(t, math.IsNaN(sample.PowerBounds.InclusionUpper))
	assert.False(t, sample.HasCrucialMetrics())
}

func TestDecodeBatteryTelemetry_Malformed(t *testing.T) {
	_, err := decodeBatteryTelemetry([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeInverterTelemetry(t *testing.T) {
	payload := []byte(`{
		"timestamp": "2024-05-01T12:00:00Z",
		"active_power_inclusion_lower_bound": -3000,
		"active_power_inclusion_upper_bound": 3000
	}`)

	sample, err := decodeInverterTelemetry(payload)
	require.NoError(t, err)

	assert.InDelta(t, -3000, sample.ActivePowerBounds.InclusionLower, 1e-9)
	assert.True(t, math.IsNaN(sample.ActivePowerBounds.ExclusionLower))
	assert.True(t, sample.HasCrucialMetrics())
}

func TestPowerCommandRoundTrip(t *testing.T) {
	payload, err := json.Marshal(powerCommand{Seq: 7, Watts: -1250.5})
	require.NoError(t, err)

	var ack powerAck
	require.NoError(t, json.Unmarshal([]byte(`{"seq": 7, "status": "out_of_range", "detail": "too much"}`), &ack))

	var cmd powerCommand
	require.NoError(t, json.Unmarshal(payload, &cmd))
	assert.Equal(t, uint64(7), cmd.Seq)
	assert.InDelta(t, -1250.5, cmd.Watts, 1e-9)
	assert.Equal(t, "out_of_range", ack.Status)
}

func TestRPCError_Message(t *testing.T) {
	err := &RPCError{Code: CodeOutOfRange, Detail: "setpoint outside bounds"}
	assert.Contains(t, err.Error(), "out_of_range")
	assert.Contains(t, err.Error(), "setpoint outside bounds")
}
