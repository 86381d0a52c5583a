package council

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyResources() *ResourceMonitor {
	return NewResourceMonitor().WithProbes(
		func() (uint64, error) { return 8 << 30, nil },
		func() (float64, bool) { return 45, true },
	)
}

func TestOllamaValidatorParsesResponse(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Response: "CONFIDENCE: 0.8\nCRITIQUE: Reasoning follows from the incident.",
		})
	}))
	defer srv.Close()

	v := NewOllamaValidator(srv.URL, "gemma2:2b", healthyResources())
	result := v.Validate(context.Background(), riskyContext())

	assert.Equal(t, "gemma2:2b", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Contains(t, gotReq.Prompt, "service_outage")
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
	assert.Equal(t, "Reasoning follows from the incident.", result.Critique)
}

func TestOllamaValidatorResourceGateBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("inference must not run when the resource gate blocks")
	}))
	defer srv.Close()

	starved := NewResourceMonitor().WithProbes(
		func() (uint64, error) { return 1 << 30, nil },
		func() (float64, bool) { return 0, false },
	)

	v := NewOllamaValidator(srv.URL, "", starved)
	result := v.Validate(context.Background(), riskyContext())

	assert.Zero(t, result.Confidence)
	assert.Contains(t, result.Critique, "BLOCKED: insufficient RAM")
}

func TestOllamaValidatorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewOllamaValidator(srv.URL, "", healthyResources())
	result := v.Validate(context.Background(), riskyContext())

	assert.Zero(t, result.Confidence)
	assert.Contains(t, result.Critique, "ERROR: Model unavailable")
}

func TestOllamaValidatorUnreachable(t *testing.T) {
	v := NewOllamaValidator("http://127.0.0.1:1", "", healthyResources())
	result := v.Validate(context.Background(), riskyContext())

	assert.Zero(t, result.Confidence)
	assert.Contains(t, result.Critique, "ERROR: Model unavailable")
}

func TestOllamaValidatorEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: ""})
	}))
	defer srv.Close()

	v := NewOllamaValidator(srv.URL, "", healthyResources())
	result := v.Validate(context.Background(), riskyContext())

	assert.Zero(t, result.Confidence)
	assert.Equal(t, "ERROR: Empty response from model", result.Critique)
}

func TestResourceMonitorTemperatureOnlyWarns(t *testing.T) {
	hot := NewResourceMonitor().WithProbes(
		func() (uint64, error) { return 8 << 30, nil },
		func() (float64, bool) { return 85, true },
	)

	ok, reason := hot.CheckBeforeInference()
	assert.True(t, ok, "temperature is advisory and must not block")
	assert.Empty(t, reason)
}

func TestResourceMonitorProbeFailureBlocks(t *testing.T) {
	broken := NewResourceMonitor().WithProbes(
		func() (uint64, error) { return 0, assert.AnError },
		func() (float64, bool) { return 0, false },
	)

	ok, reason := broken.CheckBeforeInference()
	assert.False(t, ok)
	assert.Contains(t, reason, "memory check failed")
}
