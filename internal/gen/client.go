// Package gen is the HTTP client for the external generation service.
// The service is a black box: one call takes a prompt plus reference
// artifacts and returns either an artifact or a classified error.
package gen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ServiceError classifies a generation failure. Retryable errors feed the
// retry controller's transient policy; fatal ones terminate the attempt.
type ServiceError struct {
	Status    int
	Msg       string
	Retryable bool
}

func (e *ServiceError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("generation service %s error (status %d): %s", kind, e.Status, e.Msg)
}

// Request is one generation call.
type Request struct {
	AssetID     string   `json:"asset_id"`
	Step        string   `json:"step"`
	Prompt      string   `json:"prompt"`
	Constraints []string `json:"constraints,omitempty"`
	SourceRef   string   `json:"source_ref"`
	AnchorRef   string   `json:"anchor_ref,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

// Result is a successful generation.
type Result struct {
	Artifact []byte
	Model    string
}

// Client calls the generation service, fronted by a circuit breaker so a
// flapping upstream fails fast instead of tying up workers.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewClient creates a generation client for the given endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "generation",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Fatal caller errors do not indicate upstream health.
			var se *ServiceError
			if errors.As(err, &se) && !se.Retryable {
				return true
			}
			return err == nil
		},
	})
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker,
	}
}

type genResponse struct {
	ArtifactB64 string `json:"artifact_b64"`
	Model       string `json:"model"`
}

// Generate performs one generation call.
func (c *Client) Generate(ctx context.Context, req *Request) (*Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ServiceError{Msg: err.Error(), Retryable: true}
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (c *Client) generate(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Msg: err.Error(), Retryable: true}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &ServiceError{Msg: err.Error(), Retryable: true}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		retryable := res.StatusCode == http.StatusRequestTimeout ||
			res.StatusCode == http.StatusTooManyRequests ||
			res.StatusCode >= 500
		return nil, &ServiceError{Status: res.StatusCode, Msg: string(data), Retryable: retryable}
	}

	var gr genResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, &ServiceError{Status: res.StatusCode, Msg: fmt.Sprintf("decode response: %v", err), Retryable: false}
	}
	artifact, err := base64.StdEncoding.DecodeString(gr.ArtifactB64)
	if err != nil {
		return nil, &ServiceError{Status: res.StatusCode, Msg: fmt.Sprintf("decode artifact: %v", err), Retryable: false}
	}

	return &Result{Artifact: artifact, Model: gr.Model}, nil
}
