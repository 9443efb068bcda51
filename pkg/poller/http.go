package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPTransport 基于 /api/v1 HTTP 接口的 Transport
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

type HTTPOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.httpClient = c
	}
}

// WithAuthToken 携带登录令牌，创建的任务会关联到该用户
func WithAuthToken(token string) HTTPOption {
	return func(t *HTTPTransport) {
		t.authToken = token
	}
}

func NewHTTPTransport(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func (t *HTTPTransport) CreateJob(ctx context.Context, listingURL, token string) (*CreatedJob, error) {
	body, err := json.Marshal(map[string]string{"url": listingURL, "token": token})
	if err != nil {
		return nil, err
	}

	var created CreatedJob
	if err := t.do(ctx, http.MethodPost, "/api/v1/jobs", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (t *HTTPTransport) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	var view StatusView
	if err := t.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/status", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, dst interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Error}
		_ = json.Unmarshal(env.Details, &apiErr.Details)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrJobNotFound, apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}
