// Package client is a typed Go client for the nooterra settlement API.
//
// Every call is a single attempt; retries belong to the parity adapter
// returned by NewHTTPParityAdapter. Client implements parity.WireDoer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nooterra/nooterra/pkg/chainstore"
	"github.com/nooterra/nooterra/pkg/parity"
	"github.com/nooterra/nooterra/pkg/toolcall"
)

const (
	DefaultProtocol = "1.0"
	DefaultTimeout  = 30 * time.Second

	headerProtocol = "x-nooterra-protocol"
)

// APIError is returned when the API responds with a status of 400 or above.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Details   any
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("nooterra api %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("nooterra api %d: %s", e.Status, e.Message)
}

// Map returns the error as a flat record.
func (e *APIError) Map() map[string]any {
	return map[string]any{
		"status":    e.Status,
		"code":      e.Code,
		"message":   e.Message,
		"details":   e.Details,
		"requestId": e.RequestID,
	}
}

// ProtocolMismatchError is returned when the server's protocol header does
// not satisfy the configured constraint.
type ProtocolMismatchError struct {
	Server     string
	Constraint string
	RequestID  string
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("nooterra: server protocol %q does not satisfy %q", e.Server, e.Constraint)
}

// Response is a successful API response. Body is the decoded JSON (numbers
// as json.Number), {"raw": text} for a non-JSON body, or nil when empty.
type Response struct {
	OK        bool              `json:"ok"`
	Status    int               `json:"status"`
	RequestID string            `json:"requestId,omitempty"`
	Body      any               `json:"body"`
	Headers   map[string]string `json:"headers"`
}

// Object returns Body as an object, or nil.
func (r *Response) Object() map[string]any {
	m, _ := r.Body.(map[string]any)
	return m
}

// RequestOptions are per-call headers and limits. Blank values are omitted.
type RequestOptions struct {
	RequestID             string
	IdempotencyKey        string
	ExpectedPrevChainHash string
	PrincipalID           string
	// Timeout overrides the client timeout for this call.
	Timeout time.Duration
}

// Client is safe for concurrent use. Its configuration is fixed at New.
type Client struct {
	baseURL    string
	tenantID   string
	protocol   string
	apiKey     string
	xAPIKey    string
	opsToken   string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	tracker    parity.Tracker
	constraint *semver.Constraints
	chain      chainstore.Store
	builder    *toolcall.Builder
}

// Option configures the client.
type Option func(*Client) error

// WithProtocol sets the x-nooterra-protocol header. It must be a version.
func WithProtocol(protocol string) Option {
	return func(c *Client) error {
		if _, err := semver.NewVersion(protocol); err != nil {
			return fmt.Errorf("nooterra: protocol %q is not a version: %w", protocol, err)
		}
		c.protocol = protocol
		return nil
	}
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) error { c.apiKey = key; return nil }
}

// WithXAPIKey sets the x-api-key header.
func WithXAPIKey(key string) Option {
	return func(c *Client) error { c.xAPIKey = key; return nil }
}

// WithOpsToken sets the x-proxy-ops-token header required by ops endpoints.
func WithOpsToken(token string) Option {
	return func(c *Client) error { c.opsToken = token; return nil }
}

// WithUserAgent sets the user-agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error { c.userAgent = ua; return nil }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("nooterra: timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error { c.httpClient = hc; return nil }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error { c.logger = l; return nil }
}

// WithRateLimit caps outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithTracker wraps each request in a span. *observability.Provider
// satisfies parity.Tracker.
func WithTracker(t parity.Tracker) Option {
	return func(c *Client) error { c.tracker = t; return nil }
}

// WithProtocolConstraint rejects responses whose x-nooterra-protocol header
// does not satisfy constraint, e.g. ">= 1.0, < 2.0".
func WithProtocolConstraint(constraint string) Option {
	return func(c *Client) error {
		cons, err := semver.NewConstraint(constraint)
		if err != nil {
			return fmt.Errorf("nooterra: invalid protocol constraint: %w", err)
		}
		c.constraint = cons
		return nil
	}
}

// WithChainStore records run chain heads after every run event append.
func WithChainStore(s chainstore.Store) Option {
	return func(c *Client) error { c.chain = s; return nil }
}

// WithClock sets the clock used for artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error { c.builder.Now = now; return nil }
}

// New creates a client for baseURL acting within tenantID.
func New(baseURL, tenantID string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("nooterra: base_url must be a non-empty string")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("nooterra: tenant_id must be a non-empty string")
	}
	c := &Client{
		baseURL:    baseURL,
		tenantID:   tenantID,
		protocol:   DefaultProtocol,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		builder:    toolcall.NewBuilder(tenantID),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "nooterra-client")
	}
	return c, nil
}

// TenantID returns the tenant the client acts for.
func (c *Client) TenantID() string { return c.tenantID }

// Builder returns the artifact builder bound to the client's tenant and clock.
func (c *Client) Builder() *toolcall.Builder { return c.builder }

// rawResponse is one HTTP exchange before error mapping.
type rawResponse struct {
	status    int
	headers   map[string]string
	body      any
	requestID string
}

// Request performs one API call. Responses with status 400 or above are
// returned as *APIError.
func (c *Client) Request(ctx context.Context, method, path string, body any, opts RequestOptions) (*Response, error) {
	raw, err := c.roundTrip(ctx, method, path, body, opts)
	if err != nil {
		return nil, err
	}
	if raw.status >= 400 {
		return nil, apiErrorFrom(raw)
	}
	return &Response{OK: true, Status: raw.status, RequestID: raw.requestID, Body: raw.body, Headers: raw.headers}, nil
}

// DoWire implements parity.WireDoer. HTTP rejections come back as replies.
func (c *Client) DoWire(ctx context.Context, call parity.WireCall) (*parity.HTTPReply, error) {
	var body any
	if m := strings.ToUpper(call.Method); m != http.MethodGet && m != http.MethodHead {
		body = call.Body
	}
	raw, err := c.roundTrip(ctx, call.Method, call.Path, body, RequestOptions{
		RequestID:             call.RequestID,
		IdempotencyKey:        call.IdempotencyKey,
		ExpectedPrevChainHash: call.ExpectedPrevChainHash,
		Timeout:               call.Timeout,
	})
	if err != nil {
		var pm *ProtocolMismatchError
		if errors.As(err, &pm) {
			return nil, &parity.Error{
				Status:    400,
				Kind:      parity.KindResponseInvalid,
				Code:      "PROTOCOL_MISMATCH",
				Message:   pm.Error(),
				Details:   map[string]any{"server": pm.Server, "constraint": pm.Constraint},
				RequestID: pm.RequestID,
			}
		}
		return nil, err
	}
	reply := &parity.HTTPReply{Status: raw.status, RequestID: raw.requestID, Body: raw.body, Headers: raw.headers}
	if raw.status >= 400 {
		apiErr := apiErrorFrom(raw)
		reply.Code = apiErr.Code
		reply.Message = apiErr.Message
		reply.Details = apiErr.Details
	}
	return reply, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, opts RequestOptions) (raw *rawResponse, err error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	requestID := strings.TrimSpace(opts.RequestID)
	if requestID == "" {
		requestID = parity.NewRequestID()
	}

	if c.tracker != nil {
		var done func(error)
		ctx, done = c.tracker.TrackOperation(ctx, "client.request",
			attribute.String("http.method", method),
			attribute.String("nooterra.request_id", requestID),
		)
		defer func() { done(err) }()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("nooterra: rate limiter: %w", err)
		}
	}

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("nooterra: encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	c.setCommonHeaders(req, requestID)
	if v := strings.TrimSpace(opts.IdempotencyKey); v != "" {
		req.Header.Set("x-idempotency-key", v)
	}
	if v := strings.TrimSpace(opts.ExpectedPrevChainHash); v != "" {
		req.Header.Set("x-proxy-expected-prev-chain-hash", v)
	}
	if v := strings.TrimSpace(opts.PrincipalID); v != "" {
		req.Header.Set("x-proxy-principal-id", v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nooterra: read response: %w", err)
	}
	headers := flattenHeaders(resp.Header)
	raw = &rawResponse{
		status:    resp.StatusCode,
		headers:   headers,
		body:      decodeBody(data),
		requestID: headers["x-request-id"],
	}
	c.logger.DebugContext(ctx, "api request",
		"method", method,
		"path", path,
		"status", raw.status,
		"request_id", requestID,
	)
	if raw.status < 400 {
		if err := c.checkProtocol(headers, requestID); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func (c *Client) setCommonHeaders(req *http.Request, requestID string) {
	req.Header.Set("x-proxy-tenant-id", c.tenantID)
	req.Header.Set(headerProtocol, c.protocol)
	req.Header.Set("x-request-id", requestID)
	if c.userAgent != "" {
		req.Header.Set("user-agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set("authorization", "Bearer "+c.apiKey)
	}
	if c.xAPIKey != "" {
		req.Header.Set("x-api-key", c.xAPIKey)
	}
	if c.opsToken != "" {
		req.Header.Set("x-proxy-ops-token", c.opsToken)
	}
}

func (c *Client) checkProtocol(headers map[string]string, requestID string) error {
	if c.constraint == nil {
		return nil
	}
	server := strings.TrimSpace(headers[headerProtocol])
	if server == "" {
		return nil
	}
	v, err := semver.NewVersion(server)
	if err != nil || !c.constraint.Check(v) {
		return &ProtocolMismatchError{Server: server, Constraint: c.constraint.String(), RequestID: firstNonBlank(headers["x-request-id"], requestID)}
	}
	return nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func decodeBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return map[string]any{"raw": string(data)}
	}
	return v
}

func apiErrorFrom(raw *rawResponse) *APIError {
	e := &APIError{
		Status:    raw.status,
		Message:   fmt.Sprintf("request failed (%d)", raw.status),
		RequestID: raw.requestID,
	}
	if m, ok := raw.body.(map[string]any); ok {
		if code, ok := m["code"].(string); ok {
			e.Code = code
		}
		if msg, ok := m["error"].(string); ok && msg != "" {
			e.Message = msg
		}
		e.Details = m["details"]
	}
	return e
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
