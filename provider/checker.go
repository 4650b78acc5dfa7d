// Package provider tracks upstream provider health. The state is shared
// by every worker through Redis so one worker's failures warn the rest.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Provider states.
const (
	StateHealthy     = "healthy"
	StateDegraded    = "degraded"
	StateCircuitOpen = "circuit_open"
	StateUnknown     = "unknown"
)

// Failure kinds, recorded per report and in the daily metrics hash.
const (
	KindAPIKeyInvalid      = "api_key_invalid"
	KindCreditsExhausted   = "credits_exhausted"
	KindRateLimited        = "rate_limited"
	KindServiceUnavailable = "service_unavailable"
	KindTimeout            = "timeout"
	KindNetworkError       = "network_error"
	KindUnknown            = "unknown"
)

// CheckError is a classified provider probe failure.
type CheckError struct {
	Kind       string
	Message    string
	StatusCode int
}

func (e *CheckError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider check failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider check failed (%s): %s", e.Kind, e.Message)
}

// ClassifyStatus maps an HTTP status to a failure kind.
func ClassifyStatus(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAPIKeyInvalid
	case code == http.StatusPaymentRequired:
		return KindCreditsExhausted
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindServiceUnavailable
	default:
		return KindUnknown
	}
}

// ClassifyError maps an arbitrary error to a failure kind.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetworkError
	}
	return KindUnknown
}

// Checker probes the provider. A nil return means healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// HTTPChecker probes the provider's model listing endpoint.
type HTTPChecker struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPChecker(baseURL, apiKey string) *HTTPChecker {
	return &HTTPChecker{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPChecker) Check(ctx context.Context) error {
	url := strings.TrimRight(c.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &CheckError{Kind: KindUnknown, Message: err.Error()}
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return &CheckError{Kind: ClassifyError(err), Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return &CheckError{
		Kind:       ClassifyStatus(resp.StatusCode),
		Message:    fmt.Sprintf("health endpoint returned %d", resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
}
