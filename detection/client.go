package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// ErrMissingConfig indicates the client was constructed without required
// provider configuration. This is a programmer error; provider-side
// failures never escape Analyze.
var ErrMissingConfig = errors.New("detection: provider api key and base url must be configured")

// Config carries all provider settings. The client holds no package-level
// state; construct one instance per configuration.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration // whole-exchange budget, default 30s
	MaxRetries      int           // extra attempts after the first, default 3
	BackoffBase     time.Duration // linear backoff step, default 1s
	PollInterval    time.Duration // delay between result polls, default 2s
	PollMaxAttempts int           // poll budget per attempt, default 10
	Thresholds      Thresholds
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 10
	}
	if c.Thresholds.Authentic == 0 && c.Thresholds.Deepfake == 0 {
		c.Thresholds = DefaultThresholds()
	}
}

// Analyzer is the port the rest of the application consumes, so handlers
// can take a test double without environment mutation.
type Analyzer interface {
	Analyze(ctx context.Context, input Input) (*Result, error)
}

// Client talks to the remote detection provider. Provider failures are
// masked: exhaustion of the retry/poll budget yields a clearly flagged
// fallback result instead of an error.
type Client struct {
	cfg   Config
	httpc *http.Client
	norm  *Normalizer

	// injectable for tests
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewClient validates configuration and builds a provider client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingConfig
	}
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: cfg.Timeout},
		norm:      NewNormalizer(cfg.Thresholds),
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}, nil
}

// providerError carries enough context to decide whether an attempt is
// worth retrying.
type providerError struct {
	op        string
	status    int
	transient bool
	err       error
}

func (e *providerError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s: provider returned status %d", e.op, e.status)
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *providerError) Unwrap() error { return e.err }

// isTransient reports whether an error is worth another attempt. Network
// failures and timeouts are transient; authentication and permission
// failures are not.
func isTransient(err error) bool {
	var pe *providerError
	if errors.As(err, &pe) {
		return pe.transient
	}
	// Raw transport-level errors (connection refused, DNS, client timeout)
	// have no HTTP status; treat them as transient.
	return true
}

// Analyze obtains a verdict for one file. Only image MIME types receive
// real analysis; video and audio short-circuit to a placeholder result
// without any network call (capability limit of the current provider tier).
func (c *Client) Analyze(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()

	if !strings.HasPrefix(input.MimeType, "image/") {
		return c.placeholderResult(input, start), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Linear backoff: base * attempt number.
			if err := c.sleep(ctx, c.cfg.BackoffBase*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		raw, err := c.exchange(ctx, input)
		if err == nil {
			result := c.norm.Normalize(raw)
			result.ProcessingMs = time.Since(start).Milliseconds()
			return result, nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
	}

	return c.fallbackResult(lastErr, start), nil
}

// exchange performs the provider's three-leg protocol: request an upload
// target, PUT the bytes to it, then poll the results endpoint.
func (c *Client) exchange(ctx context.Context, input Input) (map[string]any, error) {
	target, requestID, err := c.requestUploadTarget(ctx, input.FileName)
	if err != nil {
		return nil, err
	}

	data := input.Data
	if data == nil {
		data, err = c.fetchBytes(ctx, input.FileURL)
		if err != nil {
			return nil, err
		}
	}

	if err := c.uploadBytes(ctx, target, input.MimeType, data); err != nil {
		return nil, err
	}

	return c.pollResult(ctx, requestID)
}

func (c *Client) requestUploadTarget(ctx context.Context, fileName string) (string, string, error) {
	body, _ := json.Marshal(map[string]string{"file_name": fileName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/media/upload-request", bytes.NewReader(body))
	if err != nil {
		return "", "", &providerError{op: "upload-request", err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", &providerError{op: "upload-request", transient: true, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", statusError("upload-request", resp.StatusCode)
	}

	var out struct {
		UploadURL string `json:"upload_url"`
		URL       string `json:"url"`
		RequestID string `json:"request_id"`
		MediaID   string `json:"media_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", &providerError{op: "upload-request", transient: true, err: err}
	}
	target := out.UploadURL
	if target == "" {
		target = out.URL
	}
	id := out.RequestID
	if id == "" {
		id = out.MediaID
	}
	if target == "" || id == "" {
		return "", "", &providerError{op: "upload-request", transient: true, err: errors.New("provider response missing upload target or request id")}
	}
	return target, id, nil
}

func (c *Client) fetchBytes(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, &providerError{op: "fetch-source", err: err}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &providerError{op: "fetch-source", transient: true, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch-source", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) uploadBytes(ctx context.Context, target, mimeType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return &providerError{op: "upload", err: err}
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &providerError{op: "upload", transient: true, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return statusError("upload", resp.StatusCode)
	}
	return nil
}

// pollResult checks the results endpoint at a fixed interval until the
// provider reports a terminal status or the poll budget runs out.
func (c *Client) pollResult(ctx context.Context, requestID string) (map[string]any, error) {
	for check := 0; check < c.cfg.PollMaxAttempts; check++ {
		if check > 0 {
			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				return nil, &providerError{op: "poll", transient: true, err: err}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/media/results/"+requestID, nil)
		if err != nil {
			return nil, &providerError{op: "poll", err: err}
		}
		req.Header.Set("X-API-Key", c.cfg.APIKey)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, &providerError{op: "poll", transient: true, err: err}
		}
		var payload map[string]any
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, statusError("poll", resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, &providerError{op: "poll", transient: true, err: decodeErr}
		}

		switch providerStatus(payload) {
		case "completed", "succeeded", "done", "finished", "":
			return payload, nil
		case "failed", "error":
			return nil, &providerError{op: "poll", err: errors.New("provider reported analysis failure")}
		}
		// queued / processing: keep polling
	}
	return nil, &providerError{op: "poll", transient: true, err: errors.New("poll budget exhausted")}
}

func providerStatus(payload map[string]any) string {
	s, _ := payload["status"].(string)
	return strings.ToLower(s)
}

func statusError(op string, status int) *providerError {
	transient := status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	return &providerError{op: op, status: status, transient: transient}
}

// fallbackResult produces the conservative synthetic verdict used when the
// provider cannot be reached: biased toward "not confidently fake"
// (confidence drawn from 70-100) and explicitly flagged, with the
// triggering error preserved for diagnostics.
func (c *Client) fallbackResult(cause error, start time.Time) *Result {
	confidence := round2(70 + c.randFloat()*30)
	reason := "provider unavailable"
	if cause != nil {
		reason = cause.Error()
	}
	result := &Result{
		ConfidenceScore: confidence,
		Classification:  c.cfg.Thresholds.Classify(confidence),
		ProcessingMs:    time.Since(start).Milliseconds(),
		Fallback:        true,
		FallbackReason:  reason,
		Metadata: Metadata{
			Provider:        c.norm.Provider,
			ProcessingSteps: []string{"fallback_generation"},
			Thresholds:      c.cfg.Thresholds,
			Note:            "synthetic result: provider exchange failed",
		},
		HeatmapSynthetic: true,
	}
	result.Heatmap = []HeatmapRegion{{
		X: 0.25, Y: 0.2, Width: 0.5, Height: 0.5,
		Confidence: round2(clamp(100 - confidence)),
		Type:       "face",
		Synthetic:  true,
	}}
	return result
}

// placeholderResult is the fixed verdict for video/audio inputs, which the
// current provider tier does not analyze.
func (c *Client) placeholderResult(input Input, start time.Time) *Result {
	return &Result{
		ConfidenceScore: defaultConfidence,
		Classification:  ClassSuspicious,
		ProcessingMs:    time.Since(start).Milliseconds(),
		Fallback:        true,
		FallbackReason:  "premium tier required for " + input.MimeType + " analysis",
		Metadata: Metadata{
			Provider:        c.norm.Provider,
			ProcessingSteps: []string{"placeholder_generation"},
			Thresholds:      c.cfg.Thresholds,
			Note:            "video/audio analysis is not available on the current tier",
		},
		Heatmap: []HeatmapRegion{{
			X: 0, Y: 0, Width: 1, Height: 1,
			Confidence: defaultConfidence,
			Type:       "face",
			Synthetic:  true,
		}},
		HeatmapSynthetic: true,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
