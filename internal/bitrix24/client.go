package bitrix24

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"crm-import/internal/models"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 60 * time.Second

	maxErrorBodyLength = 1024
)

// Client talks to one portal's REST API over HTTPS.
type Client struct {
	domain     string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
	timer      backoff.Timer
	now        func() time.Time

	connectTimeout time.Duration
	requestTimeout time.Duration

	mu            sync.Mutex
	accessToken   string
	portal        *models.Portal
	tokens        TokenStore
	oauth         oauth2.Config
	refreshBuffer time.Duration
}

type Option func(*Client)

// WithTimeouts sets the connect and overall request timeouts.
func WithTimeouts(connect, request time.Duration) Option {
	return func(c *Client) {
		c.connectTimeout = connect
		c.requestTimeout = request
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the https://<domain> endpoint root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimer replaces the timer used to wait between retries.
func WithTimer(timer backoff.Timer) Option {
	return func(c *Client) { c.timer = timer }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithOAuth sets the application credentials and token endpoint used when the
// portal record carries no credentials of its own.
func WithOAuth(clientID, clientSecret, tokenURL string) Option {
	return func(c *Client) {
		c.oauth.ClientID = clientID
		c.oauth.ClientSecret = clientSecret
		if tokenURL != "" {
			c.oauth.Endpoint.TokenURL = tokenURL
		}
	}
}

func WithRefreshBuffer(buffer time.Duration) Option {
	return func(c *Client) { c.refreshBuffer = buffer }
}

// WithPortal attaches the portal record so the client can refresh its token
// before expiry and persist the new pair through store.
func WithPortal(portal *models.Portal, store TokenStore) Option {
	return func(c *Client) {
		c.portal = portal
		c.tokens = store
	}
}

func NewClient(domain, accessToken string, opts ...Option) *Client {
	domain = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(domain), "https://"), "http://"), "/")
	c := &Client{
		domain:         domain,
		baseURL:        "https://" + domain,
		accessToken:    accessToken,
		now:            time.Now,
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		refreshBuffer:  DefaultRefreshBuffer,
		oauth:          oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: DefaultTokenURL}},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(c.connectTimeout, c.requestTimeout)
	}
	if c.logger == nil {
		c.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c.logger = c.logger.WithField("domain", domain)
	return c
}

// NewPortalClient builds a client for a stored portal with token refresh enabled.
func NewPortalClient(portal *models.Portal, store TokenStore, opts ...Option) *Client {
	opts = append([]Option{WithPortal(portal, store)}, opts...)
	return NewClient(portal.Domain, portal.AccessToken, opts...)
}

func newHTTPClient(connect, request time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connect
	return &http.Client{Timeout: request, Transport: transport}
}

func (c *Client) Domain() string { return c.domain }

// Call invokes a single REST method.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (*CallResult, error) {
	if err := c.ensureValidToken(ctx); err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["auth"] = c.token()

	body, err := c.post(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	return parseCallResult(body), nil
}

// BatchError is one failure recorded while executing a batch: either a single
// command (CommandKey set) or a whole chunk (Key is chunk_<n>).
type BatchError struct {
	Key        string `json:"key"`
	CommandKey string `json:"command_key,omitempty"`
	Chunk      int    `json:"chunk"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

// BatchResult merges the outcome of every executed chunk.
type BatchResult struct {
	Results        map[string]CommandResult
	Keys           []string
	Time           json.RawMessage
	Total          int
	Errors         []BatchError
	ErrorsCount    int
	ChunksTotal    int
	ChunksExecuted int
}

// ErrorFor returns the recorded error for key, if any.
func (r *BatchResult) ErrorFor(key string) (BatchError, bool) {
	for _, e := range r.Errors {
		if e.Key == key {
			return e, true
		}
	}
	return BatchError{}, false
}

// CallBatch executes the batch, splitting it into chunks of MaxBatchCount.
// Each chunk is retried up to maxRetries times on transient failures. With
// halt set the first failing chunk aborts the call; otherwise the failure is
// recorded as chunk_<n> and the remaining chunks still run. A token refresh
// failure or a cancelled context always aborts.
func (c *Client) CallBatch(ctx context.Context, batch *BatchRequest, maxRetries int) (*BatchResult, error) {
	if batch == nil || !batch.HasCommands() {
		return nil, &APIError{Message: "batch request contains no commands"}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	chunks := batch.SplitIntoChunks()
	result := &BatchResult{
		Results:     make(map[string]CommandResult, batch.Count()),
		Keys:        make([]string, 0, batch.Count()),
		ChunksTotal: len(chunks),
	}

	for i, chunk := range chunks {
		n := i + 1
		res, tm, err := c.executeChunk(ctx, chunk, maxRetries)
		if err != nil {
			if IsTokenRefreshError(err) || ctx.Err() != nil {
				return nil, err
			}
			if chunk.Halt() {
				return nil, &APIError{
					Message: fmt.Sprintf("batch halted at chunk %d of %d: %v", n, len(chunks), err),
					Context: map[string]any{
						"chunks_executed":  result.ChunksExecuted,
						"chunks_remaining": len(chunks) - n,
						"failed_chunk":     n,
						"errors":           result.Errors,
					},
					Err: err,
				}
			}
			c.logger.WithFields(logrus.Fields{
				"chunk":        n,
				"chunks_total": len(chunks),
			}).WithError(err).Warn("Batch chunk failed")
			result.Errors = append(result.Errors, BatchError{
				Key:     fmt.Sprintf("chunk_%d", n),
				Chunk:   n,
				Code:    errorCode(err),
				Message: err.Error(),
			})
			continue
		}

		result.ChunksExecuted++
		result.Time = tm
		for _, key := range chunk.keys {
			cr := res[key]
			result.Keys = append(result.Keys, key)
			result.Results[key] = cr
			if cr.Error != nil {
				result.Errors = append(result.Errors, BatchError{
					Key:        key,
					CommandKey: key,
					Chunk:      n,
					Code:       cr.Error.Code,
					Message:    cr.Error.Message(),
				})
			}
		}
	}

	result.Total = len(result.Results)
	result.ErrorsCount = len(result.Errors)
	return result, nil
}

func (c *Client) executeChunk(ctx context.Context, chunk *BatchRequest, maxRetries int) (map[string]CommandResult, json.RawMessage, error) {
	cmd, err := chunk.commandsJSON()
	if err != nil {
		return nil, nil, err
	}
	halt := 0
	if chunk.Halt() {
		halt = 1
	}

	var body []byte
	operation := func() error {
		if err := c.ensureValidToken(ctx); err != nil {
			return backoff.Permanent(err)
		}
		payload := struct {
			Auth string          `json:"auth"`
			Halt int             `json:"halt"`
			Cmd  json.RawMessage `json:"cmd"`
		}{Auth: c.token(), Halt: halt, Cmd: cmd}

		b, err := c.post(ctx, "batch", payload)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&exponentialBackOff{}, uint64(maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"commands": chunk.Count(),
			"wait":     wait.String(),
		}).WithError(err).Warn("Batch request failed, retrying")
	}
	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, c.timer); err != nil {
		return nil, nil, err
	}

	res, tm := parseBatchResponse(body, chunk.keys)
	return res, tm, nil
}

// post sends one JSON request and returns the body of a successful response.
func (c *Client) post(ctx context.Context, method string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/rest/%s.json", c.baseURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{
			Message:   fmt.Sprintf("request %s failed: %v", method, err),
			Transport: true,
			Context:   map[string]any{"method": method},
			Err:       err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{
			Message:   fmt.Sprintf("read %s response: %v", method, err),
			Transport: true,
			Context:   map[string]any{"method": method, "status": resp.StatusCode},
			Err:       err,
		}
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("REST call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Message:    fmt.Sprintf("%s returned HTTP %d", method, resp.StatusCode),
			StatusCode: resp.StatusCode,
			Context:    map[string]any{"method": method, "status": resp.StatusCode, "body": truncate(body)},
		}
		if gjson.ValidBytes(body) {
			parsed := gjson.ParseBytes(body)
			apiErr.Code = parsed.Get("error").String()
			apiErr.Description = parsed.Get("error_description").String()
			if apiErr.Code != "" {
				apiErr.Message = fmt.Sprintf("%s returned HTTP %d: %s", method, resp.StatusCode, describe(apiErr.Code, apiErr.Description))
			}
		}
		return nil, apiErr
	}

	if !gjson.ValidBytes(body) {
		return nil, &APIError{
			Message:    fmt.Sprintf("%s returned invalid JSON", method),
			StatusCode: resp.StatusCode,
			Context:    map[string]any{"method": method, "body": truncate(body)},
		}
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.String() != "" {
		code := e.String()
		desc := gjson.GetBytes(body, "error_description").String()
		return nil, &APIError{
			Message:     fmt.Sprintf("%s failed: %s", method, describe(code, desc)),
			Code:        code,
			Description: desc,
			StatusCode:  resp.StatusCode,
			Context:     map[string]any{"method": method},
		}
	}
	return body, nil
}

func describe(code, description string) string {
	if description == "" {
		return code
	}
	return code + " (" + description + ")"
}

func errorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyLength {
		return string(body[:maxErrorBodyLength]) + "..."
	}
	return string(body)
}
