// Package docs fetches dataset documentation from the documentation-search
// collaborator service.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResults caps how many search hits are rendered into one answer.
const maxResults = 5

// Client is a plain HTTP GET/JSON client for the search API. The router
// calls it directly when running next to the network, or through the
// one-shot proxy channel when sandboxed.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a documentation search client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Search queries the service and renders the top hits as one text block.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	endpoint := c.baseURL + "/search?query=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build docs search request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("docs search %q: %w", query, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docs search %q: status %d", query, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read docs search response: %w", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode docs search response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return "No documentation found for " + query + ".", nil
	}

	var b strings.Builder
	for i, result := range parsed.Results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&b, "%s (%s)\n%s\n\n", result.Title, result.ID, result.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
