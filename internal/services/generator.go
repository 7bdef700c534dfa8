package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/types"
	"github.com/knowdeck/knowdeck-backend/internal/utils"
)

// GenerateInput is what both generation strategies work from: the stored
// verbatim snippet plus the card's current classification as context.
type GenerateInput struct {
	Snippet  string         `json:"snippet"`
	Type     types.CardType `json:"type,omitempty"`
	Category string         `json:"category,omitempty"`
}

// GeneratedCard is one strategy's proposal for a card's content. Zero-value
// fields mean "keep what the card has".
type GeneratedCard struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Type     types.CardType `json:"type,omitempty"`
	Category string         `json:"category,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// RuleBasedGenerator and AIGenerator are the two interchangeable external
// strategies. Both are opaque collaborators reached over HTTP; this engine
// only sees their results.
type RuleBasedGenerator interface {
	Generate(ctx context.Context, input GenerateInput) (*GeneratedCard, error)
}

type AIGenerator interface {
	Generate(ctx context.Context, input GenerateInput) (*GeneratedCard, error)
}

type generationHTTPError struct {
	StatusCode int
	Body       string
}

func (e *generationHTTPError) Error() string {
	return fmt.Sprintf("generator http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *generationHTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	// +/- 20%
	j := 0.2
	delta := base.Seconds() * j
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

// generatorClient is the shared HTTP plumbing for both strategies.
type generatorClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

func (c *generatorClient) postJSON(ctx context.Context, path string, body any, out any) error {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitterSleep(backoff)):
			}
			backoff *= 2
		}
		err := c.doOnce(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryableErr(err) {
			return err
		}
		c.log.Warn("Generator call failed, retrying", "path", path, "attempt", attempt, "error", err)
	}
	return lastErr
}

func (c *generatorClient) doOnce(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &generationHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type ruleBasedHTTPGenerator struct {
	client *generatorClient
}

// NewRuleBasedGenerator builds the client for the deterministic generation
// backend (part of the extraction pipeline deployment).
func NewRuleBasedGenerator(baseLog *logger.Logger) RuleBasedGenerator {
	log := baseLog.With("service", "RuleBasedGenerator")
	baseURL := utils.GetEnv("RULE_GENERATOR_BASE_URL", "http://localhost:9090", log)
	timeoutSec := utils.GetEnvAsInt("RULE_GENERATOR_TIMEOUT_SECONDS", 30, log)
	return &ruleBasedHTTPGenerator{
		client: &generatorClient{
			log:        log,
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
			maxRetries: 2,
		},
	}
}

func (g *ruleBasedHTTPGenerator) Generate(ctx context.Context, input GenerateInput) (*GeneratedCard, error) {
	var result GeneratedCard
	if err := g.client.postJSON(ctx, "/v1/generate", input, &result); err != nil {
		return nil, fmt.Errorf("rule-based generate: %w", err)
	}
	if result.Title == "" && result.Content == "" {
		return nil, fmt.Errorf("rule-based generate: empty result")
	}
	return &result, nil
}

type aiHTTPGenerator struct {
	client *generatorClient
	model  string
}

// NewAIGenerator builds the client for the AI generation backend. Missing
// credentials are not an error here; availability is the AIConfigService's
// call and is checked before every AI regeneration.
func NewAIGenerator(baseLog *logger.Logger) AIGenerator {
	log := baseLog.With("service", "AIGenerator")
	baseURL := utils.GetEnv("AI_BASE_URL", "http://localhost:9091", log)
	apiKey := utils.GetEnv("AI_API_KEY", "", nil)
	model := utils.GetEnv("AI_MODEL", "", log)
	timeoutSec := utils.GetEnvAsInt("AI_TIMEOUT_SECONDS", 55, log)
	return &aiHTTPGenerator{
		client: &generatorClient{
			log:        log,
			baseURL:    baseURL,
			apiKey:     apiKey,
			httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
			maxRetries: 1,
		},
		model: model,
	}
}

func (g *aiHTTPGenerator) Generate(ctx context.Context, input GenerateInput) (*GeneratedCard, error) {
	payload := struct {
		GenerateInput
		Model string `json:"model,omitempty"`
	}{GenerateInput: input, Model: g.model}
	var result GeneratedCard
	if err := g.client.postJSON(ctx, "/v1/generate", payload, &result); err != nil {
		return nil, fmt.Errorf("ai generate: %w", err)
	}
	if result.Title == "" && result.Content == "" {
		return nil, fmt.Errorf("ai generate: empty result")
	}
	return &result, nil
}
