package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/itskum47/taskforge/handler"
	"github.com/itskum47/taskforge/provider"
)

// CallBreaker is the per-worker breaker surface the pipeline consults.
type CallBreaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// HealthReporter feeds provider call outcomes into the shared state
// cache.
type HealthReporter interface {
	ReportSuccess(ctx context.Context) error
	ReportFailure(ctx context.Context, kind, message string) error
}

// ProviderCaller performs the raw upstream call.
type ProviderCaller interface {
	Call(ctx context.Context, req handler.ProviderRequest) (*handler.ProviderResponse, error)
}

// Gate is the handler-facing provider wrapper. Every call consults the
// worker breaker and reports the outcome to both the breaker and the
// provider state cache. The shared rate-limit token is charged per task
// by the dispatcher before the handler runs, not here.
type Gate struct {
	breaker  CallBreaker
	caller   ProviderCaller
	reporter HealthReporter
}

func NewGate(breaker CallBreaker, caller ProviderCaller, reporter HealthReporter) *Gate {
	return &Gate{
		breaker:  breaker,
		caller:   caller,
		reporter: reporter,
	}
}

func (g *Gate) Call(ctx context.Context, req handler.ProviderRequest) (*handler.ProviderResponse, error) {
	if !g.breaker.Allow() {
		return nil, handler.NewTransient(handler.ClassCircuitOpen, "worker circuit breaker is open")
	}

	resp, err := g.caller.Call(ctx, req)
	if err != nil {
		herr := Classify(err)
		g.breaker.RecordFailure()
		g.report(ctx, herr)
		return nil, herr
	}
	g.breaker.RecordSuccess()
	if rerr := g.reporter.ReportSuccess(ctx); rerr != nil {
		log.Printf("Provider state report failed: %v", rerr)
	}
	return resp, nil
}

func (g *Gate) report(ctx context.Context, herr *handler.Error) {
	if err := g.reporter.ReportFailure(ctx, failureKind(herr), herr.Message); err != nil {
		log.Printf("Provider state report failed: %v", err)
	}
}

// failureKind maps a classified call error onto the provider state
// cache vocabulary.
func failureKind(herr *handler.Error) string {
	switch herr.Class {
	case handler.ClassRateLimit:
		return provider.KindRateLimited
	case handler.ClassCredits:
		return provider.KindCreditsExhausted
	case handler.ClassServiceUnavailable:
		return provider.KindServiceUnavailable
	case handler.ClassNetwork:
		return provider.KindNetworkError
	case handler.ClassTimeout:
		return provider.KindTimeout
	case handler.ClassPermanent:
		if herr.Subtype == "api_key_invalid" {
			return provider.KindAPIKeyInvalid
		}
		return provider.KindUnknown
	default:
		return provider.KindUnknown
	}
}

// HTTPCaller talks to an OpenAI-compatible chat completion endpoint.
type HTTPCaller struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPCaller(baseURL, apiKey string) *HTTPCaller {
	return &HTTPCaller{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *HTTPCaller) Call(ctx context.Context, req handler.ProviderRequest) (*handler.ProviderResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:     req.Model,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, handler.NewInternal("encode provider request", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, handler.NewInternal("build provider request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, handler.FromStatus(resp.StatusCode, snippet)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, handler.NewTransient(handler.ClassDefault, "malformed provider response: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return nil, handler.NewTransient(handler.ClassDefault, "provider response has no choices")
	}
	return &handler.ProviderResponse{
		Content:    parsed.Choices[0].Message.Content,
		StatusCode: resp.StatusCode,
	}, nil
}
