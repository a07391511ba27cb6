package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/correlation"
	"pkt.systems/voicelease/internal/svcfields"
	"pkt.systems/voicelease/internal/version"
)

const (
	headerCorrelationID = correlation.Header
	headerAdminToken    = "X-Admin-Token"

	// DefaultTimeout bounds a single request when the context has no deadline.
	DefaultTimeout = 10 * time.Second
)

// Client talks to one voicelease server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     pslog.Base
	userAgent  string
	adminToken string
	bearer     string
	timeout    time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithAdminToken sets the X-Admin-Token sent on administrative calls.
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = strings.TrimSpace(token)
	}
}

// WithBearerToken authenticates every request with a signed identity token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearer = strings.TrimSpace(token)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithTimeout bounds requests whose context carries no deadline. Zero
// disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New constructs a client for baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client: base url %q has no host", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		httpClient: &http.Client{},
		logger:     pslog.NoopLogger(),
		userAgent:  version.UserAgent(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ClaimOutcome is the result of Claim. Exactly one of Lease and Queued is set.
type ClaimOutcome struct {
	Granted bool
	Lease   *api.ClaimResponse
	Queued  *api.QueuedResponse
	// RetryAfter is the server hint attached to a rejection.
	RetryAfter time.Duration
}

// Claim requests a lease for userID. Occupied and cooldown rejections are
// returned as a queued outcome, not as errors.
func (c *Client) Claim(ctx context.Context, userID string) (*ClaimOutcome, error) {
	resp, err := c.send(ctx, http.MethodPost, "/claim", nil, api.ClaimRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var lease api.ClaimResponse
		if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
			return nil, err
		}
		c.logDebugCtx(ctx, "client.claim.granted", "user_id", userID, "lease_id", lease.LeaseID)
		return &ClaimOutcome{Granted: true, Lease: &lease}, nil
	case http.StatusTooManyRequests:
		var queued api.QueuedResponse
		if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
			return nil, err
		}
		retry := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		if retry == 0 && queued.RetryAfterSeconds > 0 {
			retry = time.Duration(queued.RetryAfterSeconds) * time.Second
		}
		c.logDebugCtx(ctx, "client.claim.rejected", "user_id", userID, "reason", queued.Reason, "position", queued.Position)
		return &ClaimOutcome{Queued: &queued, RetryAfter: retry}, nil
	default:
		return nil, c.decodeError(resp)
	}
}

// Release ends leaseID with reason.
func (c *Client) Release(ctx context.Context, leaseID string, reason api.ReleaseReason) (*api.ReleaseResponse, error) {
	q := url.Values{"leaseId": {leaseID}}
	if reason != "" {
		q.Set("reason", string(reason))
	}
	var out api.ReleaseResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/claim", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// End releases leaseID through the beacon path used by unloading pages.
func (c *Client) End(ctx context.Context, leaseID string) (*api.ReleaseResponse, error) {
	var out api.ReleaseResponse
	if err := c.doJSON(ctx, http.MethodGet, "/claim", url.Values{"action": {"end"}, "leaseId": {leaseID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats reads the controller snapshot.
func (c *Client) Stats(ctx context.Context) (api.Stats, error) {
	var out api.Stats
	err := c.doJSON(ctx, http.MethodGet, "/stats", url.Values{"action": {"stats"}}, nil, &out)
	return out, err
}

// SessionInfo describes an active lease.
func (c *Client) SessionInfo(ctx context.Context, leaseID string) (*api.SessionInfo, error) {
	var out api.SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/claim", url.Values{"leaseId": {leaseID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Position reads the queue entry of userID.
func (c *Client) Position(ctx context.Context, userID string) (*api.QueuePosition, error) {
	var out api.QueuePosition
	if err := c.doJSON(ctx, http.MethodGet, "/claim", url.Values{"action": {"position"}, "userId": {userID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelQueue leaves the wait queue.
func (c *Client) CancelQueue(ctx context.Context, userID string) (*api.CancelResponse, error) {
	var out api.CancelResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/claim", url.Values{"action": {"cancel"}, "userId": {userID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceEndAll ends every lease and clears the queue. Requires WithAdminToken.
func (c *Client) ForceEndAll(ctx context.Context) (*api.ForceEndAllResponse, error) {
	var out api.ForceEndAllResponse
	if err := c.doJSON(ctx, http.MethodPost, "/claim", url.Values{"action": {"forceEndAll"}}, nil, &out); err != nil {
		return nil, err
	}
	c.logInfoCtx(ctx, "client.force_end_all", "released", out.Released, "cleared", out.Cleared)
	return &out, nil
}

// LastEvent returns the most recent event recorded for userID.
func (c *Client) LastEvent(ctx context.Context, userID string) (*api.Event, error) {
	var out api.Event
	if err := c.doJSON(ctx, http.MethodGet, "/events/last", url.Values{"userId": {userID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload any) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.adminToken != "" {
		req.Header.Set(headerAdminToken, c.adminToken)
	}
	correlation.Inject(ctx, req.Header)
	return req, nil
}

// send performs the request; the caller owns the response body. The
// request timeout is released when the body is closed.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload any) (*http.Response, error) {
	reqCtx, cancel := c.requestContext(ctx)
	req, err := c.newRequest(reqCtx, method, path, query, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	c.logTraceCtx(ctx, "client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		c.logDebugCtx(ctx, "client.http.transport_error", "method", method, "path", path, "error", err)
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	c.logTraceCtx(ctx, "client.http.complete", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	resp, err := c.send(ctx, method, path, query, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logDebugCtx(ctx, "client.http.error", "method", method, "path", path, "status", resp.StatusCode)
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError describes an error response from the server.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("voicelease: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("voicelease: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		delay := time.Until(ts)
		if delay <= 0 {
			return 0
		}
		return delay
	}
	return 0
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		return keyvals
	}
	return append(append([]any(nil), keyvals...), "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logInfoCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Info(msg, c.enrichKeyvals(ctx, keyvals)...)
}
