package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndRegister(t *testing.T) {
	metrics := []CounterMetadata{
		{Name: "test_counter_1", Prefix: "prefix_"},
		{Name: "test_counter_2", Prefix: "prefix_"},
	}
	require.NoError(t, CreateAndRegister(metrics))

	// adding after the first initialisation is fine
	require.NoError(t, CreateAndRegister([]CounterMetadata{{Name: "test_counter_3", Prefix: "prefix_"}}))

	// duplicates are refused
	assert.Error(t, CreateAndRegister([]CounterMetadata{{Name: "test_counter_1", Prefix: "prefix_"}}))

	// so are invalid names
	assert.Error(t, CreateAndRegister([]CounterMetadata{{Name: "test_counter_!", Prefix: "prefix_"}}))
}

func TestIncrementCounterExposesValue(t *testing.T) {
	for i := 0; i < 3; i++ {
		IncrementCounter("rounds_total", "wrapper_test_")
	}
	IncrementGauge("rounds_active", "wrapper_test_")
	IncrementGauge("rounds_active", "wrapper_test_")
	DecrementGauge("rounds_active", "wrapper_test_")
	ObserveDuration("round_duration", "wrapper_test_", 150*time.Millisecond)

	server := httptest.NewServer(getTelemetry().Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "wrapper_test_rounds_total 3"), text)
	assert.True(t, strings.Contains(text, "wrapper_test_rounds_active 1"), text)
	assert.True(t, strings.Contains(text, "wrapper_test_round_duration_count 1"), text)
}
