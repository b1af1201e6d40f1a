package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// DefaultRequestTimeout bounds one-shot request/response exchanges.
const DefaultRequestTimeout = 2 * time.Second

// maxOneShotReplySize caps how much of a reply body is read (1MB).
const maxOneShotReplySize = 1 << 20

// OneShot fires a single message at an endpoint and waits for exactly one
// reply. Independent requests carry no ordering guarantee relative to each
// other.
type OneShot struct {
	endpoint string
	client   *http.Client
}

// NewOneShot creates a one-shot channel targeting the given HTTP endpoint.
func NewOneShot(endpoint string) *OneShot {
	return &OneShot{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

// Request sends msg and returns the single reply. It fails with a
// TimeoutError when no reply arrives within timeout (DefaultRequestTimeout
// when timeout <= 0) and with a ChannelError when the pipe breaks before a
// reply. A late reply after the timeout loses the race and is discarded.
func (c *OneShot) Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := msg.Encode()
	if err != nil {
		return nil, &protocol.ChannelError{Op: "request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.ChannelError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &protocol.TimeoutError{Op: "one-shot request", Timeout: timeout}
		}
		return nil, &protocol.ChannelError{Op: "request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &protocol.ChannelError{
			Op:  "request",
			Err: fmt.Errorf("endpoint returned status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOneShotReplySize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &protocol.TimeoutError{Op: "one-shot request", Timeout: timeout}
		}
		return nil, &protocol.ChannelError{Op: "request", Err: err}
	}

	var reply protocol.Message
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, &protocol.ChannelError{Op: "request", Err: err}
	}
	return &reply, nil
}
