// Package identity verifies that a discovered local endpoint is the
// expected collaborator service before it is trusted.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// Path is the well-known identity endpoint.
	Path = "/.identity"

	// DefaultTimeout bounds the identity exchange.
	DefaultTimeout = 3 * time.Second
)

type identityResponse struct {
	Signature string `json:"signature"`
}

// Checker confirms a service's identity signature.
type Checker struct {
	signature string
	timeout   time.Duration
	client    *http.Client
}

// NewChecker creates a checker expecting the given signature.
func NewChecker(signature string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		signature: signature,
		timeout:   timeout,
		client:    &http.Client{},
	}
}

// Verify fetches baseURL/.identity and compares the returned signature
// against the expected one. Any mismatch, error, or timeout means the
// endpoint must not be trusted.
func (c *Checker) Verify(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build identity request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity request to %s: %w", baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity endpoint %s returned status %d", baseURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read identity response: %w", err)
	}

	var ident identityResponse
	if err := json.Unmarshal(data, &ident); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	if ident.Signature != c.signature {
		return fmt.Errorf("identity signature mismatch from %s", baseURL)
	}
	return nil
}

// Handler serves this process's own identity signature.
func Handler(signature string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(identityResponse{Signature: signature}); err != nil {
			http.Error(w, `{"error": "failed to encode identity"}`, http.StatusInternalServerError)
		}
	}
}
