package model

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Response is an upstream response: status, reason phrase, headers and body.
type Response struct {
	statusCode int
	reason     string
	header     http.Header
	stream     io.ReadCloser
	buf        []byte
	buffered   bool
}

// NewResponse creates a response whose body is streamed from body. The
// caller that ends up holding the response owns closing it.
func NewResponse(statusCode int, header http.Header, body io.ReadCloser) *Response {
	r := &Response{
		statusCode: statusCode,
		header:     header.Clone(),
	}
	if r.header == nil {
		r.header = make(http.Header)
	}
	if body == nil || body == http.NoBody {
		r.buffered = true
	} else {
		r.stream = body
	}
	return r
}

// NewBufferedResponse creates a response with an in-memory body.
func NewBufferedResponse(statusCode int, header http.Header, body []byte) *Response {
	r := NewResponse(statusCode, header, nil)
	r.buf = bytes.Clone(body)
	return r
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int { return r.statusCode }

// Reason returns the reason phrase, defaulting to the standard text for the
// status code.
func (r *Response) Reason() string {
	if r.reason != "" {
		return r.reason
	}
	return http.StatusText(r.statusCode)
}

// Header returns a copy of the header multimap.
func (r *Response) Header() http.Header { return r.header.Clone() }

// HeaderValue returns the first value for name.
func (r *Response) HeaderValue(name string) string { return r.header.Get(name) }

// WithReason returns a copy carrying an explicit reason phrase.
func (r *Response) WithReason(reason string) *Response {
	c := r.clone()
	c.reason = reason
	return c
}

// WithHeader returns a copy with name set to value.
func (r *Response) WithHeader(name, value string) *Response {
	c := r.clone()
	c.header.Set(name, value)
	return c
}

// WithoutHeader returns a copy with name removed.
func (r *Response) WithoutHeader(name string) *Response {
	c := r.clone()
	c.header.Del(name)
	return c
}

// WithHeaders returns a copy whose header multimap is replaced by h.
func (r *Response) WithHeaders(h http.Header) *Response {
	c := r.clone()
	c.header = h.Clone()
	if c.header == nil {
		c.header = make(http.Header)
	}
	return c
}

// WithStream returns a copy reading its body from body. Buffered responses
// are returned unchanged.
func (r *Response) WithStream(body io.ReadCloser) *Response {
	if r.buffered {
		return r
	}
	c := r.clone()
	c.stream = body
	return c
}

// Body returns the body. Buffered responses return a fresh reader on every
// call, so a cached response can be replayed any number of times.
func (r *Response) Body() io.ReadCloser {
	if r.buffered {
		if len(r.buf) == 0 {
			return http.NoBody
		}
		return io.NopCloser(bytes.NewReader(r.buf))
	}
	return r.stream
}

// Close releases a stream-backed body. It is a no-op for buffered responses.
func (r *Response) Close() error {
	if r.buffered || r.stream == nil {
		return nil
	}
	return r.stream.Close()
}

// IsBuffered reports whether the body is held in memory.
func (r *Response) IsBuffered() bool { return r.buffered }

// Bytes returns a copy of the buffered body, or nil for stream-backed bodies.
func (r *Response) Bytes() []byte {
	if !r.buffered {
		return nil
	}
	return bytes.Clone(r.buf)
}

// Buffer reads and closes a stream-backed body, returning a buffered copy.
func (r *Response) Buffer() (*Response, error) {
	if r.buffered {
		return r, nil
	}
	data, err := io.ReadAll(r.stream)
	_ = r.stream.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer response body: %w", err)
	}
	c := r.clone()
	c.stream = nil
	c.buf = data
	c.buffered = true
	return c, nil
}

func (r *Response) clone() *Response {
	c := *r
	c.header = r.header.Clone()
	if c.header == nil {
		c.header = make(http.Header)
	}
	return &c
}
