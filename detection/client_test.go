package detection

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://detect.example.com"

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)

	httpmock.ActivateNonDefault(client.httpc)
	t.Cleanup(httpmock.DeactivateAndReset)

	// No wall-clock delay in tests.
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	client.randFloat = func() float64 { return 0.5 }
	return client
}

func registerHappyExchange(t *testing.T, resultBody string) {
	t.Helper()
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		httpmock.NewStringResponder(http.StatusOK, `{"upload_url":"`+testBaseURL+`/v1/media/put/abc","request_id":"req-abc"}`))
	httpmock.RegisterResponder(http.MethodPut, testBaseURL+"/v1/media/put/abc",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/v1/media/results/req-abc",
		httpmock.NewStringResponder(http.StatusOK, resultBody))
}

func imageInput() Input {
	return Input{FileName: "photo.png", MimeType: "image/png", Data: []byte("png-bytes")}
}

func TestClient_NewClient_MissingConfig(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrMissingConfig)

	_, err = NewClient(Config{APIKey: "k"})
	assert.ErrorIs(t, err, ErrMissingConfig)

	_, err = NewClient(Config{BaseURL: "https://x"})
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestClient_Analyze_Success(t *testing.T) {
	client := newTestClient(t, Config{})
	registerHappyExchange(t, `{"status":"completed","result":{"confidence":0.92}}`)

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.False(t, result.Fallback)
	assert.InDelta(t, 92.00, result.ConfidenceScore, 0.001)
	assert.Equal(t, ClassAuthentic, result.Classification)
}

func TestClient_Analyze_FakeProbability(t *testing.T) {
	client := newTestClient(t, Config{})
	registerHappyExchange(t, `{"status":"completed","result":{"fake_probability":0.8}}`)

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.InDelta(t, 20.00, result.ConfidenceScore, 0.001)
	assert.Equal(t, ClassDeepfake, result.Classification)
}

func TestClient_Analyze_PollsUntilCompleted(t *testing.T) {
	client := newTestClient(t, Config{PollMaxAttempts: 5})

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		httpmock.NewStringResponder(http.StatusOK, `{"upload_url":"`+testBaseURL+`/v1/media/put/abc","request_id":"req-abc"}`))
	httpmock.RegisterResponder(http.MethodPut, testBaseURL+"/v1/media/put/abc",
		httpmock.NewStringResponder(http.StatusOK, `{}`))

	polls := 0
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/v1/media/results/req-abc",
		func(req *http.Request) (*http.Response, error) {
			polls++
			if polls < 3 {
				return httpmock.NewStringResponse(http.StatusOK, `{"status":"processing"}`), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"completed","result":{"confidence":0.8}}`), nil
		})

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.Equal(t, 3, polls)
	assert.False(t, result.Fallback)
	assert.InDelta(t, 80, result.ConfidenceScore, 0.001)
}

func TestClient_Analyze_RetryBoundOnTransientErrors(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 3})

	attempts := 0
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		func(req *http.Request) (*http.Response, error) {
			attempts++
			return nil, errors.New("dial tcp: i/o timeout")
		})

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.Equal(t, 4, attempts) // max_retries + 1
	assert.True(t, result.Fallback)
	assert.NotEmpty(t, result.FallbackReason)
}

func TestClient_Analyze_LinearBackoff(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 3, BackoffBase: time.Second})

	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"error":"overloaded"}`))

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, delays)
}

func TestClient_Analyze_NoRetryOnAuthFailure(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 3})

	attempts := 0
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		func(req *http.Request) (*http.Response, error) {
			attempts++
			return httpmock.NewStringResponse(http.StatusUnauthorized, `{"error":"bad key"}`), nil
		})

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, result.Fallback)
	assert.Contains(t, result.FallbackReason, "401")
}

func TestClient_Analyze_FallbackBiasedTowardAuthentic(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 1})
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	// randFloat fixed at 0.5 -> 70 + 15 = 85
	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.InDelta(t, 85, result.ConfidenceScore, 0.001)
	assert.GreaterOrEqual(t, result.ConfidenceScore, 70.0)
	assert.LessOrEqual(t, result.ConfidenceScore, 100.0)
	assert.True(t, result.HeatmapSynthetic)
}

func TestClient_Analyze_NonImageShortCircuits(t *testing.T) {
	client := newTestClient(t, Config{})
	// No responders registered: any network call would fail the test.

	for _, mime := range []string{"video/mp4", "audio/mpeg", "video/webm"} {
		result, err := client.Analyze(context.Background(), Input{FileName: "clip", MimeType: mime, Data: []byte("x")})

		require.NoError(t, err)
		assert.True(t, result.Fallback)
		assert.Contains(t, result.FallbackReason, "premium tier")
		assert.Equal(t, ClassSuspicious, result.Classification)
	}
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestClient_Analyze_FetchesFromURLWhenNoBytes(t *testing.T) {
	client := newTestClient(t, Config{})
	registerHappyExchange(t, `{"status":"completed","result":{"confidence":0.9}}`)
	httpmock.RegisterResponder(http.MethodGet, "https://cdn.example.com/media/photo.png",
		httpmock.NewBytesResponder(http.StatusOK, []byte("png-bytes")))

	result, err := client.Analyze(context.Background(), Input{
		FileName: "photo.png",
		MimeType: "image/png",
		FileURL:  "https://cdn.example.com/media/photo.png",
	})

	require.NoError(t, err)
	assert.False(t, result.Fallback)
	assert.InDelta(t, 90, result.ConfidenceScore, 0.001)
}

func TestClient_Analyze_UnreachableSourceURLFallsBack(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 1})
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		httpmock.NewStringResponder(http.StatusOK, `{"upload_url":"`+testBaseURL+`/v1/media/put/abc","request_id":"req-abc"}`))
	httpmock.RegisterResponder(http.MethodGet, "http://localhost/static/uploads/tmp.png",
		httpmock.NewErrorResponder(errors.New("no such host")))

	result, err := client.Analyze(context.Background(), Input{
		FileName: "tmp.png",
		MimeType: "image/png",
		FileURL:  "http://localhost/static/uploads/tmp.png",
	})

	require.NoError(t, err)
	assert.True(t, result.Fallback)
}

func TestClient_Analyze_ProviderReportedFailureNotRetried(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 3})
	registerHappyExchange(t, `{"status":"failed","error":"face not found"}`)

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST "+testBaseURL+"/v1/media/upload-request"])
}

func TestClient_Analyze_PollBudgetExhaustion(t *testing.T) {
	client := newTestClient(t, Config{MaxRetries: 1, PollMaxAttempts: 4})

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/v1/media/upload-request",
		httpmock.NewStringResponder(http.StatusOK, `{"upload_url":"`+testBaseURL+`/v1/media/put/abc","request_id":"req-abc"}`))
	httpmock.RegisterResponder(http.MethodPut, testBaseURL+"/v1/media/put/abc",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/v1/media/results/req-abc",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"processing"}`))

	result, err := client.Analyze(context.Background(), imageInput())

	require.NoError(t, err)
	assert.True(t, result.Fallback)
	// Poll budget exhaustion is transient, so the whole exchange retried once.
	assert.Equal(t, 8, httpmock.GetCallCountInfo()["GET "+testBaseURL+"/v1/media/results/req-abc"])
}
