// Package analysis provides a client for the analysis service that
// executes research stages. Each stage run returns free-form generated
// text; callers coerce it into structured records themselves.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/resilience"
)

// Runner executes one research stage for a scan request.
type Runner interface {
	// Run performs the stage's analysis and returns the raw generated text.
	Run(ctx context.Context, stage model.Stage, scan model.ScanRequest) (string, error)
}

// Option configures the analysis client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
}

// NewClient creates an analysis service client.
func NewClient(baseURL, apiKey string, opts ...Option) Runner {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		// Only transient failures open the circuit; a 4xx from one stage
		// says nothing about the service's health.
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type runRequest struct {
	Stage         string         `json:"stage"`
	ScanRequestID string         `json:"scan_request_id"`
	CompanyName   string         `json:"company_name"`
	WebsiteURL    string         `json:"website_url"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type runResponse struct {
	Output string `json:"output"`
}

func (c *httpClient) Run(ctx context.Context, stage model.Stage, scan model.ScanRequest) (string, error) {
	body, err := json.Marshal(runRequest{
		Stage:         string(stage),
		ScanRequestID: scan.ID,
		CompanyName:   scan.CompanyName,
		WebsiteURL:    scan.WebsiteURL,
		Metadata:      scan.Metadata,
	})
	if err != nil {
		return "", eris.Wrap(err, "analysis: marshal request")
	}

	if err := c.breaker.Allow(); err != nil {
		return "", eris.Wrapf(err, "analysis: run %s", stage)
	}

	var output string
	err = resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		OnRetry:        resilience.RetryLogger("analysis", string(stage)),
	}, func(ctx context.Context) error {
		out, err := c.doRun(ctx, body)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	c.breaker.Record(err)
	if err != nil {
		return "", eris.Wrapf(err, "analysis: run %s", stage)
	}
	return output, nil
}

func (c *httpClient) doRun(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", resilience.NewTransientError(err, 0)
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("analysis: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	var parsed runResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", eris.Wrap(err, "decode response")
	}
	return parsed.Output, nil
}
