// Package engineclient performs HTTP round trips against the engine API.
package engineclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/internal/tracing"
	"github.com/harun/actorkit/pkg/codec"
	"github.com/harun/actorkit/pkg/scheduling"
)

// Version is the framework version reported to the engine.
const Version = "0.1.0"

// UserAgent identifies the framework on every request.
const UserAgent = "actorkit/" + Version

// HeaderNamespace carries the namespace on every request.
const HeaderNamespace = "X-Actorkit-Namespace"

const tracerName = "engineclient"

// maxResponseBody bounds how much of a response is buffered.
const maxResponseBody = 16 << 20

// Config holds the connection settings for a Client.
type Config struct {
	Endpoint   string
	Token      string
	Namespace  string
	Headers    map[string]string
	Encoding   codec.Encoding
	HTTPClient *http.Client
}

// Client talks to one engine endpoint.
type Client struct {
	base       *url.URL
	token      string
	namespace  string
	headers    map[string]string
	encoding   codec.Encoding
	httpClient *http.Client
}

// New creates a client for cfg.Endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("engine endpoint is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine endpoint: %w", err)
	}

	enc := cfg.Encoding
	if enc == "" {
		enc = codec.EncodingJSON
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		base:       base,
		token:      cfg.Token,
		namespace:  cfg.Namespace,
		headers:    maps.Clone(cfg.Headers),
		encoding:   enc,
		httpClient: httpClient,
	}, nil
}

// Endpoint returns the engine base URL.
func (c *Client) Endpoint() string {
	return c.base.String()
}

// Encoding returns the negotiated request encoding.
func (c *Client) Encoding() codec.Encoding {
	return c.encoding
}

// Request is one engine call. A nil Body sends no body and no Content-Type.
type Request struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      *codec.Envelope
	Header    http.Header

	// SkipParse returns only the status; the body is never read, even for
	// error statuses.
	SkipParse bool
}

// Response is a buffered engine response.
type Response struct {
	StatusCode int
	Header     http.Header
	Encoding   codec.Encoding
	Body       []byte
}

// Do performs req. Non-2xx responses become a scheduling.Error when the
// error envelope matches a scheduling signature, a *codec.ActorError for any
// other structured envelope, and a *codec.TransportError otherwise.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	op := req.Operation
	if op == "" {
		op = strings.ToLower(req.Method)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, op,
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	observability.RecordEngineRequest(op, time.Since(start), status)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader = http.NoBody
	if req.Body != nil {
		body = bytes.NewReader(req.Body.Bytes())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", UserAgent)
	httpReq.Header.Set("Accept", c.encoding.ContentType())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", req.Body.ContentType())
	}
	if c.namespace != "" {
		httpReq.Header.Set(HeaderNamespace, c.namespace)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine %s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Encoding:   c.encoding,
	}
	if enc, ok := codec.EncodingFromContentType(httpResp.Header.Get("Content-Type")); ok {
		resp.Encoding = enc
	}

	if req.SkipParse {
		return resp, nil
	}

	resp.Body, err = io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return resp, fmt.Errorf("failed to read engine response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, decodeFailure(resp, c.encoding)
	}
	return resp, nil
}

func decodeFailure(resp *Response, enc codec.Encoding) error {
	err := codec.ParseErrorResponse(resp.StatusCode, resp.Header, resp.Body, enc)

	var actorErr *codec.ActorError
	if errors.As(err, &actorErr) {
		if schedErr, ok := scheduling.FromActorError(actorErr); ok {
			observability.RecordSchedulingError(schedErr.Kind())
			return schedErr
		}
	}
	return err
}

// Route names an engine operation.
type Route struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
}

// Call encodes body with the client encoding, performs the route and decodes
// a success body with respSchema. A nil body sends none.
func Call[Req, Resp any](ctx context.Context, c *Client, route Route, reqSchema codec.Schema[Req], body *Req, respSchema codec.Schema[Resp]) (Resp, error) {
	var zero Resp

	req := Request{
		Operation: route.Operation,
		Method:    route.Method,
		Path:      route.Path,
		Query:     route.Query,
	}
	if body != nil {
		env, err := codec.Encode(c.encoding, reqSchema, *body)
		if err != nil {
			return zero, err
		}
		req.Body = &env
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	return codec.Decode(resp.Body, resp.Encoding, respSchema)
}
