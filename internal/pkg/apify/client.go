// Package apify runs an Apify listing actor synchronously and maps its
// dataset item to model.ListingData.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/pipeline"
)

const (
	DefaultBaseURL = "https://api.apify.com"

	// DefaultRateLimit actor runs per second
	DefaultRateLimit = 2

	maxErrorBody = 2048
)

var ErrEmptyDataset = errors.New("apify returned no listing")

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify API error: status %d: %s", e.StatusCode, e.Message)
}

// Client 调用 run-sync-get-dataset-items 接口
type Client struct {
	baseURL    string
	token      string
	actorID    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
	now        func() time.Time
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithRateLimit sets actor runs per second; values <= 0 keep the default.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

func NewClient(token, actorID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		actorID: actorID,
		// 超时由每次调用的 ctx 控制
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "apify")
	return c
}

type runInput struct {
	StartURLs []startURL `json:"startUrls"`
}

type startURL struct {
	URL string `json:"url"`
}

// Scrape 实现 pipeline.Scraper。opts.Timeout 传给 actor，客户端截止时间由 ctx 决定
func (c *Client) Scrape(ctx context.Context, listingURL string, opts pipeline.ScrapeOptions) (*model.ListingData, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, pipeline.NewTransientError("apify rate limit", err)
	}

	body, err := json.Marshal(runInput{StartURLs: []startURL{{URL: listingURL}}})
	if err != nil {
		return nil, fmt.Errorf("marshal actor input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(opts), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.NewTransientError("apify request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
		if retryableStatus(resp.StatusCode) {
			return nil, pipeline.NewTransientError("apify run", apiErr)
		}
		return nil, apiErr
	}

	var items []datasetItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode dataset items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyDataset
	}

	c.log.DebugContext(ctx, "actor run finished", "url", listingURL, "took", c.now().Sub(start))
	return model.NewRealListingData(items[0].toListing(listingURL, c.now())), nil
}

func (c *Client) endpoint(opts pipeline.ScrapeOptions) string {
	q := url.Values{}
	if opts.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(opts.Timeout.Seconds())))
	}
	if opts.MemoryMB > 0 {
		q.Set("memory", strconv.Itoa(opts.MemoryMB))
	}

	u := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items", c.baseURL, url.PathEscape(c.actorID))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// retryableStatus 408/429/5xx 视为临时错误
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
