package ideasync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	pathSubmitIdea = "/api/submit_idea"
	pathState      = "/api/state"
	pathHealth     = "/api/health"
)

// Remote is the REST surface the engine depends on.
type Remote interface {
	SubmitIdea(ctx context.Context, req SubmitRequest) ([]byte, error)
	FetchState(ctx context.Context) ([]byte, error)
}

type SubmitRequest struct {
	IdeaText     string `json:"idea_text"`
	Username     string `json:"username"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	IdeasStored int       `json:"ideas_stored"`
	ActiveUsers int       `json:"active_users"`
	Backend     string    `json:"backend"`
	Timestamp   time.Time `json:"timestamp"`
}

// HTTPClient talks to the collaboration server's REST endpoints. Submissions
// and health checks retry transient failures (transport errors, 429 and 5xx)
// with capped exponential backoff, honoring Retry-After. State fetches are
// attempted once; the poll schedule is their retry.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// SubmitIdea posts one idea and returns the raw response body for the
// normalizer. A 4xx answer other than 429 comes back as *HTTPError.
func (c *HTTPClient) SubmitIdea(ctx context.Context, req SubmitRequest) ([]byte, error) {
	return c.do(ctx, http.MethodPost, pathSubmitIdea, req, c.maxRetries)
}

func (c *HTTPClient) FetchState(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, pathState, nil, 0)
}

func (c *HTTPClient) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	body, err := c.do(ctx, http.MethodGet, pathHealth, nil, c.maxRetries)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, malformed(ChannelPoll, "decode health", err)
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body any, maxRetries int) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	op := method + " " + requestPath
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, &TransportError{Op: op, Err: waitErr}
				}
				continue
			}
			return nil, &TransportError{Op: op, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &TransportError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &TransportError{Op: op, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Error
		if message == "" {
			message = errPayload.Message
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	backoff := BackoffPolicy{Base: c.baseDelay, Max: c.maxDelay}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if c.maxDelay > 0 && retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	return backoff.Delay(attempt)
}

func correlationID() string {
	return "ideasync_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
