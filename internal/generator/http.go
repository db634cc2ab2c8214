package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/throw-if-null/crucible/internal/api"
)

// HTTPClient calls a completion service over HTTP. Transient failures
// (network errors, 5xx) are retried with exponential backoff inside the
// call's context; 4xx responses fail immediately.
type HTTPClient struct {
	endpoint   string
	hc         *http.Client
	maxElapsed time.Duration
}

func NewHTTPClient(endpoint string, timeout, maxElapsed time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if maxElapsed <= 0 {
		maxElapsed = time.Minute
	}
	return &HTTPClient{
		endpoint:   endpoint,
		hc:         &http.Client{Timeout: timeout},
		maxElapsed: maxElapsed,
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Files map[string]string `json:"files"`
	Notes string            `json:"notes,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, pc PromptContext) (api.Artifact, error) {
	body, err := json.Marshal(generateRequest{Prompt: pc.Compose()})
	if err != nil {
		return api.Artifact{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed

	var out generateResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%w: status %s", ErrService, resp.Status)
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("%w: status %s: %s", ErrService, resp.Status, string(b)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", ErrService, err))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return api.Artifact{}, ctx.Err()
		}
		return api.Artifact{}, err
	}
	if len(out.Files) == 0 {
		return api.Artifact{}, fmt.Errorf("%w: empty artifact", ErrService)
	}
	return api.Artifact{Files: out.Files, Notes: out.Notes}, nil
}
