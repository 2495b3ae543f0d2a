package connector

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
	"strings"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/me/vgrid/pkg/model"
	"golang.org/x/sync/errgroup"
)

// HTTPConfig configures an HTTPConnector.
type HTTPConfig struct {
	ServerURL string
	APIKey    string
	// Timeout bounds one HTTP round trip.
	Timeout time.Duration
	// Retries is the number of attempts for requests failing with a network
	// error or a 5xx status.
	Retries uint
	// RenderPollInterval separates two render status polls.
	RenderPollInterval time.Duration
	// RenderPollAttempts bounds the polls of one render.
	RenderPollAttempts uint
	// UploadConcurrency bounds parallel resource uploads of one check.
	UploadConcurrency int
	// UploadCacheSize is the number of uploaded content hashes remembered.
	UploadCacheSize int
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:            30 * time.Second,
		Retries:            3,
		RenderPollInterval: 500 * time.Millisecond,
		RenderPollAttempts: 600,
		UploadConcurrency:  8,
		UploadCacheSize:    4096,
	}
}

// HTTPConnector is a Connector for the grid's JSON API.
type HTTPConnector struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	config     HTTPConfig
	uploaded   *lru.Cache
	logger     *slog.Logger
}

var _ Connector = (*HTTPConnector)(nil)

// NewHTTPConnector creates a connector with connection pooling. Zero config
// fields take their defaults.
func NewHTTPConnector(cfg HTTPConfig, logger *slog.Logger) (*HTTPConnector, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	def := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = def.Retries
	}
	if cfg.RenderPollInterval <= 0 {
		cfg.RenderPollInterval = def.RenderPollInterval
	}
	if cfg.RenderPollAttempts == 0 {
		cfg.RenderPollAttempts = def.RenderPollAttempts
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = def.UploadConcurrency
	}
	if cfg.UploadCacheSize <= 0 {
		cfg.UploadCacheSize = def.UploadCacheSize
	}

	uploaded, err := lru.New(cfg.UploadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create upload cache: %w", err)
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPConnector{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		config:     cfg,
		uploaded:   uploaded,
		logger:     logger.With("component", "connector"),
	}, nil
}

// Health checks that the server is reachable.
func (c *HTTPConnector) Health(ctx context.Context) error {
	var health map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/v1/health", nil, &health); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

// SubmitOpen implements Connector.
func (c *HTTPConnector) SubmitOpen(ctx context.Context, req model.OpenRequest) (*model.Session, error) {
	var session model.Session
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", req, &session); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	c.logger.Debug("session opened", "test_id", req.TestID, "session_id", session.ID, "is_new", session.IsNew)
	return &session, nil
}

// SubmitCheck uploads the resources the grid has not seen, requests the
// render, waits for it and matches the result against the baseline.
func (c *HTTPConnector) SubmitCheck(ctx context.Context, session *model.Session, req *model.RenderRequest) (*model.MatchResult, error) {
	if err := c.upload(ctx, req.Uploads()); err != nil {
		return nil, err
	}

	var accepted model.RenderAccepted
	if err := c.call(ctx, http.MethodPost, "/api/v1/renders", req, &accepted); err != nil {
		return nil, fmt.Errorf("request render: %w", err)
	}
	status, err := c.waitForRender(ctx, accepted.RenderID)
	if err != nil {
		return nil, err
	}

	match := model.MatchRequest{RenderID: status.RenderID, StepName: req.StepName, DomHash: req.Snapshot.Hash}
	if level, ok := req.Options["matchLevel"].(string); ok {
		match.MatchLevel = level
	}
	var result model.MatchResult
	path := fmt.Sprintf("/api/v1/sessions/%s/matches", url.PathEscape(session.ID))
	if err := c.call(ctx, http.MethodPost, path, match, &result); err != nil {
		return nil, fmt.Errorf("match render %s: %w", status.RenderID, err)
	}
	return &result, nil
}

// SubmitClose implements Connector.
func (c *HTTPConnector) SubmitClose(ctx context.Context, session *model.Session, aborted bool) (*model.TestResults, error) {
	var results model.TestResults
	path := fmt.Sprintf("/api/v1/sessions/%s?aborted=%t", url.PathEscape(session.ID), aborted)
	if err := c.call(ctx, http.MethodDelete, path, nil, &results); err != nil {
		return nil, fmt.Errorf("close session %s: %w", session.ID, err)
	}
	return &results, nil
}

// upload PUTs every resource whose hash is not in the cache, in parallel.
func (c *HTTPConnector) upload(ctx context.Context, resources []model.Resource) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.UploadConcurrency)
	skipped := 0
	for _, res := range resources {
		if c.uploaded.Contains(res.Hash) {
			skipped++
			continue
		}
		res := res
		g.Go(func() error {
			path := "/api/v1/resources/" + url.PathEscape(res.Hash)
			if err := c.put(ctx, path, res.ContentType, res.Content); err != nil {
				return fmt.Errorf("upload %s: %w", res.URL, err)
			}
			c.uploaded.Add(res.Hash, struct{}{})
			return nil
		})
	}
	err := g.Wait()
	c.logger.Debug("resources uploaded", "total", len(resources), "cached", skipped)
	return err
}

// errRenderPending keeps the status poll going.
var errRenderPending = errors.New("render in progress")

func (c *HTTPConnector) waitForRender(ctx context.Context, renderID string) (model.RenderStatusResponse, error) {
	var status model.RenderStatusResponse
	err := retry.Do(
		func() error {
			if err := c.call(ctx, http.MethodGet, "/api/v1/renders/"+url.PathEscape(renderID), nil, &status); err != nil {
				return err
			}
			if !status.Status.IsTerminal() {
				return errRenderPending
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.config.RenderPollAttempts),
		retry.Delay(c.config.RenderPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errRenderPending) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, errRenderPending) {
			return status, fmt.Errorf("render %s: not complete after %d polls", renderID, c.config.RenderPollAttempts)
		}
		return status, fmt.Errorf("poll render %s: %w", renderID, err)
	}
	if status.Status == model.RenderStatusError {
		return status, fmt.Errorf("render %s failed: %s", renderID, status.Error)
	}
	return status, nil
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.code, e.body) }

// retryable reports whether a request failure may succeed when repeated.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var apiErr *model.APIError
	return !errors.As(err, &apiErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// call sends a JSON request and decodes the data field of the response
// envelope into dest. Transient failures are retried.
func (c *HTTPConnector) call(ctx context.Context, method, path string, in, dest any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	return c.withRetry(ctx, func() error {
		resp, err := c.doRequest(ctx, method, path, "application/json", body)
		if err != nil {
			return err
		}
		return decodeResponseData(resp, dest)
	})
}

func (c *HTTPConnector) put(ctx context.Context, path, contentType string, content []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.withRetry(ctx, func() error {
		resp, err := c.doRequest(ctx, http.MethodPut, path, contentType, content)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
}

func (c *HTTPConnector) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.config.Retries),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
	)
}

// doRequest executes an HTTP request and returns the response.
func (c *HTTPConnector) doRequest(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var envelope struct {
			Error *model.APIError `json:"error"`
		}
		if resp.StatusCode < 500 && json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
