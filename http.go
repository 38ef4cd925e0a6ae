package coxfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultHTTPMaxBody bounds the response body read by the HTTP
	// transport when no limit is configured.
	DefaultHTTPMaxBody = 16 << 20
)

// Request describes one HTTP transfer.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Get returns a GET request for url.
func Get(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url}
}

// Response is the result of a finished HTTP transfer. Responses
// shared between coalesced requests must be treated as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// HTTPOptions configures an HTTP transport.
type HTTPOptions struct {
	// Concurrency limits simultaneous transfers. Zero means
	// DefaultConcurrency.
	Concurrency int

	// Coalesce shares one transfer between identical GET and HEAD
	// requests without a body while one of them is in flight.
	Coalesce bool

	// MaxBody limits the bytes read from a response body. Zero means
	// DefaultHTTPMaxBody.
	MaxBody int64
}

// NewHTTPTransport returns a transport performing HTTP transfers with
// client. A nil client means http.DefaultClient. Responses of any
// status are successful outcomes; only transfer failures are errors.
func NewHTTPTransport(client *http.Client, opts HTTPOptions) *GoTransport[*Request, *Response] {
	if client == nil {
		client = http.DefaultClient
	}

	limit := opts.MaxBody
	if limit <= 0 {
		limit = DefaultHTTPMaxBody
	}

	topts := GoTransportOptions[*Request]{Concurrency: opts.Concurrency}
	if opts.Coalesce {
		topts.CoalesceKey = httpCoalesceKey
	}

	return NewGoTransport(func(ctx context.Context, req *Request) (*Response, error) {
		return doHTTP(ctx, client, req, limit)
	}, topts)
}

func doHTTP(ctx context.Context, client *http.Client, r *Request, limit int64) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("coxfer: read %s %s: %w", method, r.URL, err)
	}

	if int64(len(data)) > limit {
		return nil, fmt.Errorf("coxfer: %s %s: response body exceeds %d bytes", method, r.URL, limit)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Elapsed:    time.Since(start),
	}, nil
}

type httpKey struct {
	method string
	url    string
	header string
}

func httpCoalesceKey(r *Request) (any, bool) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	if len(r.Body) > 0 || (method != http.MethodGet && method != http.MethodHead) {
		return nil, false
	}

	// fmt prints maps with sorted keys.
	return httpKey{method: method, url: r.URL, header: fmt.Sprint(r.Header)}, true
}
