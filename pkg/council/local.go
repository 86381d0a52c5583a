package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Local validation defaults.
const (
	DefaultOllamaURL    = "http://localhost:11434"
	DefaultLocalModel   = "gemma2:2b"
	DefaultLocalTimeout = 30 * time.Second
)

// OllamaValidator validates decisions against a local SLM served by
// Ollama. The model is a single heavyweight resource: calls are
// sequential and gated by the resource monitor before every inference.
//
// Fail-closed: any error (resource gate, transport, empty or unparseable
// response) yields a zero-confidence validation, never a panic or raise.
type OllamaValidator struct {
	url       string
	model     string
	client    *http.Client
	resources *ResourceMonitor
	log       *slog.Logger
}

// NewOllamaValidator creates a local validator for the given Ollama base
// URL and model name.
func NewOllamaValidator(url, model string, resources *ResourceMonitor) *OllamaValidator {
	if url == "" {
		url = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultLocalModel
	}
	return &OllamaValidator{
		url:       url,
		model:     model,
		client:    &http.Client{Timeout: DefaultLocalTimeout},
		resources: resources,
		log:       slog.Default().With("component", "council.local"),
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// Validate sends the decision to the local model and parses its
// CONFIDENCE/CRITIQUE reply.
func (v *OllamaValidator) Validate(ctx context.Context, dc DecisionContext) Validation {
	if v.resources != nil {
		if ok, reason := v.resources.CheckBeforeInference(); !ok {
			v.log.Warn("resource check failed", "reason", reason)
			return Validation{Confidence: 0, Critique: "BLOCKED: " + reason}
		}
	}

	body, err := json.Marshal(ollamaRequest{Model: v.model, Prompt: buildPrompt(dc)})
	if err != nil {
		return Validation{Confidence: 0, Critique: fmt.Sprintf("ERROR: marshal request - %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Validation{Confidence: 0, Critique: fmt.Sprintf("ERROR: create request - %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Error("local model unreachable", "error", err)
		return Validation{Confidence: 0, Critique: fmt.Sprintf("ERROR: Model unavailable - %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Validation{Confidence: 0, Critique: fmt.Sprintf("ERROR: Model unavailable - status %d", resp.StatusCode)}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Validation{Confidence: 0, Critique: fmt.Sprintf("ERROR: decode response - %v", err)}
	}
	if out.Response == "" {
		return Validation{Confidence: 0, Critique: "ERROR: Empty response from model"}
	}

	result := ParseValidation(out.Response)
	v.log.Info("local validation complete", "confidence", result.Confidence)
	return result
}
