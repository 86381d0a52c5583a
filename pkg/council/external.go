package council

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// External validation defaults.
const (
	DefaultAPITimeout        = 10 * time.Second
	DefaultMaxRetries        = 2
	DefaultInitialRetryDelay = 1 * time.Second

	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicModel    = "claude-3-5-sonnet-20241022"
	anthropicAPIVers  = "2023-06-01"

	openAIEndpoint = "https://api.openai.com/v1/chat/completions"
	openAIModel    = "gpt-4-turbo"
)

// Provider is one external model endpoint the council can consult.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// statusError carries the HTTP status of a failed provider call so the
// retry policy can distinguish transient from non-transient failures.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

// retryable reports whether an error warrants a retry. Auth (401/403)
// and rate-limit (429) responses are non-transient and fail immediately;
// connection errors, timeouts, and 5xx responses retry.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return true
}

func nonTransientCritique(name string, err error) (string, bool) {
	var se *statusError
	if !errors.As(err, &se) {
		return "", false
	}
	switch se.status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("ERROR: %s authentication failed", name), true
	case http.StatusTooManyRequests:
		return fmt.Sprintf("ERROR: %s rate limited", name), true
	}
	return "", false
}

// CloudValidator fans a decision out to up to two cloud providers in
// parallel. Missing credentials skip the provider; none configured is
// not a crash but a single zero-confidence vote.
type CloudValidator struct {
	providers  []Provider
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// NewCloudValidator builds a validator from the given API keys. Empty
// keys are skipped with a log entry.
func NewCloudValidator(anthropicKey, openAIKey string) *CloudValidator {
	v := &CloudValidator{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultInitialRetryDelay,
		sleep:      sleepCtx,
		log:        slog.Default().With("component", "council.external"),
	}
	if anthropicKey != "" {
		v.providers = append(v.providers, newAnthropicProvider(anthropicKey))
	} else {
		v.log.Warn("anthropic key not set, Claude validation unavailable")
	}
	if openAIKey != "" {
		v.providers = append(v.providers, newOpenAIProvider(openAIKey))
	} else {
		v.log.Warn("openai key not set, OpenAI validation unavailable")
	}
	return v
}

// WithProviders replaces the provider set, for testing.
func (v *CloudValidator) WithProviders(providers ...Provider) *CloudValidator {
	v.providers = providers
	return v
}

// WithSleep overrides the backoff sleeper, for testing.
func (v *CloudValidator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *CloudValidator {
	v.sleep = sleep
	return v
}

// ValidateParallel consults every configured provider concurrently and
// returns one validation per provider in configuration order. With no
// providers configured it returns a single zero-confidence vote.
func (v *CloudValidator) ValidateParallel(ctx context.Context, dc DecisionContext) []Validation {
	if len(v.providers) == 0 {
		v.log.Warn("no external providers configured")
		return []Validation{{Confidence: 0, Critique: "ERROR: No external APIs configured"}}
	}

	prompt := buildPrompt(dc)
	results := make([]Validation, len(v.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range v.providers {
		g.Go(func() error {
			results[i] = v.validateOne(gctx, p, prompt)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// validateOne calls a provider with per-call timeout and retry. Only
// transient failures retry, with exponential backoff.
func (v *CloudValidator) validateOne(ctx context.Context, p Provider, prompt string) Validation {
	name := p.Name()
	delay := v.baseDelay

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, DefaultAPITimeout)
		text, err := p.Complete(callCtx, prompt)
		cancel()

		if err == nil {
			if text == "" {
				return Validation{Confidence: 0, Critique: fmt.Sprintf("[%s] ERROR: Empty response from %s", name, name)}
			}
			parsed := ParseValidation(text)
			v.log.Info("external validation complete", "provider", name, "confidence", parsed.Confidence)
			return Validation{Confidence: parsed.Confidence, Critique: fmt.Sprintf("[%s] %s", name, parsed.Critique)}
		}

		if critique, fatal := nonTransientCritique(name, err); fatal {
			v.log.Error("provider failed, not retrying", "provider", name, "error", err)
			return Validation{Confidence: 0, Critique: "[" + name + "] " + critique}
		}

		if !retryable(err) || attempt >= v.maxRetries {
			v.log.Warn("provider failed after retries", "provider", name, "attempts", attempt+1, "error", err)
			return Validation{Confidence: 0, Critique: fmt.Sprintf("[%s] ERROR: %s connection failed", name, name)}
		}

		v.log.Info("provider transient error, retrying", "provider", name, "delay", delay, "error", err)
		if err := v.sleep(ctx, delay); err != nil {
			return Validation{Confidence: 0, Critique: fmt.Sprintf("[%s] ERROR: %s connection failed", name, name)}
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type anthropicProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func newAnthropicProvider(apiKey string) *anthropicProvider {
	return &anthropicProvider{
		apiKey:   apiKey,
		endpoint: anthropicEndpoint,
		client:   &http.Client{},
	}
}

func (p *anthropicProvider) Name() string { return "Claude" }

type anthropicRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	Messages    []providerMessage `json:"messages"`
}

type providerMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     anthropicModel,
		MaxTokens: 1024,
		Messages:  []providerMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVers)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode}
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Content) == 0 {
		return "", nil
	}
	return out.Content[0].Text, nil
}

type openAIProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func newOpenAIProvider(apiKey string) *openAIProvider {
	return &openAIProvider{
		apiKey:   apiKey,
		endpoint: openAIEndpoint,
		client:   &http.Client{},
	}
}

func (p *openAIProvider) Name() string { return "OpenAI" }

type openAIRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	Messages    []providerMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *openAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:     openAIModel,
		MaxTokens: 1024,
		Messages:  []providerMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{status: resp.StatusCode}
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}
