package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request carries everything the external judge needs to evaluate one
// candidate artifact. CalibrationHint is opaque to this core; it is
// produced elsewhere and forwarded untouched.
type Request struct {
	AssetID         string          `json:"asset_id"`
	ArtifactRef     string          `json:"artifact_ref"`
	Step            string          `json:"step"`
	SpaceName       string          `json:"space_name,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	AnchorRef       string          `json:"anchor_ref,omitempty"`
	CalibrationHint json.RawMessage `json:"calibration_hint,omitempty"`
}

// Client calls the external QA judge over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a judge client for the given endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Evaluate submits a candidate for judgment and returns the validated
// verdict. Malformed judge output comes back as a fallback fail verdict
// plus a ParseError; transport errors return a nil verdict.
func (c *Client) Evaluate(ctx context.Context, req *Request) (*Verdict, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal judge request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		raw, retryable, err := c.post(ctx, body)
		if err == nil {
			return Parse(raw)
		}
		lastErr = err
		if !retryable {
			break
		}
		select {
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (raw []byte, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("call judge: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read judge response: %w", err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return data, false, nil
	}

	retryable = res.StatusCode == http.StatusRequestTimeout ||
		res.StatusCode == http.StatusTooManyRequests ||
		res.StatusCode >= 500
	return nil, retryable, fmt.Errorf("judge status %d: %s", res.StatusCode, truncate(data, 200))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
