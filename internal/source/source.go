// Package source implements the HTTP client for the instruction source.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

// maxBodySize bounds the instruction response body read.
const maxBodySize = 1 << 20

// Client fetches instructions from the remote source. All failures are
// reported as schemas.ErrFetch; the orchestrator does not retry until the
// next trigger.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

var _ schemas.InstructionSource = (*Client)(nil)

// NewClient creates a source client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid source base URL %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("source"),
	}, nil
}

// Next fetches the next instruction. A nil instruction with nil error is the
// valid "nothing to do" response.
func (c *Client) Next(ctx context.Context) (*schemas.Instruction, error) {
	endpoint := c.baseURL + "/instruction"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", schemas.ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", schemas.ErrFetch, resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", schemas.ErrFetch, err)
	}

	instruction, err := schemas.DecodeInstructionResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrFetch, err)
	}
	if instruction == nil {
		c.logger.Debug("Source has no instruction to hand out.")
		return nil, nil
	}
	if err := instruction.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrFetch, err)
	}

	c.logger.Info("Fetched instruction",
		zap.String("session_id", instruction.SessionID),
		zap.String("target_url", instruction.TargetURL),
		zap.Int("steps", len(instruction.Steps)))
	return instruction, nil
}
