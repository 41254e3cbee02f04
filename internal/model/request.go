// Package model defines the immutable request and response values that flow
// through the outbound pipeline.
//
// Both types are copy-on-write: every With* method returns a new value and
// never touches the receiver. Bodies backed by a stream can be read once;
// call Buffer to materialise them when they must be replayed.
package model

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is an outbound request: method, URI, header multimap and body.
type Request struct {
	method   string
	uri      *url.URL
	header   http.Header
	stream   io.Reader
	buf      []byte
	buffered bool
}

// NewRequest creates a request whose body is read from stream. A nil stream
// yields a buffered, empty body.
func NewRequest(method, rawURI string, stream io.Reader) (*Request, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	r := &Request{
		method: strings.ToUpper(method),
		uri:    u,
		header: make(http.Header),
	}
	if stream == nil || stream == http.NoBody {
		r.buffered = true
	} else {
		r.stream = stream
	}
	return r, nil
}

// NewBufferedRequest creates a request with an in-memory body.
func NewBufferedRequest(method, rawURI string, body []byte) (*Request, error) {
	r, err := NewRequest(method, rawURI, nil)
	if err != nil {
		return nil, err
	}
	r.buf = bytes.Clone(body)
	return r, nil
}

// Method returns the upper-cased request method.
func (r *Request) Method() string { return r.method }

// URI returns a copy of the request URI.
func (r *Request) URI() *url.URL {
	u := *r.uri
	return &u
}

// URIString returns the request URI in string form.
func (r *Request) URIString() string { return r.uri.String() }

// Header returns a copy of the header multimap.
func (r *Request) Header() http.Header { return r.header.Clone() }

// HeaderValue returns the first value for name; lookups are case-insensitive.
func (r *Request) HeaderValue(name string) string { return r.header.Get(name) }

// HeaderValues returns all values for name in insertion order.
func (r *Request) HeaderValues(name string) []string {
	return append([]string(nil), r.header.Values(name)...)
}

// HasHeader reports whether name is present.
func (r *Request) HasHeader(name string) bool {
	return len(r.header.Values(name)) > 0
}

// WithHeader returns a copy with name set to value, replacing existing values.
func (r *Request) WithHeader(name, value string) *Request {
	c := r.clone()
	c.header.Set(name, value)
	return c
}

// WithAddedHeader returns a copy with value appended to name.
func (r *Request) WithAddedHeader(name, value string) *Request {
	c := r.clone()
	c.header.Add(name, value)
	return c
}

// WithoutHeader returns a copy with name removed.
func (r *Request) WithoutHeader(name string) *Request {
	c := r.clone()
	c.header.Del(name)
	return c
}

// WithHeaders returns a copy where every key of h replaces the existing values.
func (r *Request) WithHeaders(h http.Header) *Request {
	c := r.clone()
	for k, vals := range h {
		c.header[http.CanonicalHeaderKey(k)] = append([]string(nil), vals...)
	}
	return c
}

// WithURI returns a copy targeting u.
func (r *Request) WithURI(u *url.URL) *Request {
	c := r.clone()
	cp := *u
	c.uri = &cp
	return c
}

// WithBody returns a copy whose body is read once from stream.
func (r *Request) WithBody(stream io.Reader) *Request {
	c := r.clone()
	c.buf = nil
	c.stream = nil
	c.buffered = stream == nil || stream == http.NoBody
	if !c.buffered {
		c.stream = stream
	}
	return c
}

// Body returns a reader over the body. Buffered bodies return a fresh reader
// on every call; stream-backed bodies return the same single-read stream.
func (r *Request) Body() io.Reader {
	if r.buffered {
		if len(r.buf) == 0 {
			return http.NoBody
		}
		return bytes.NewReader(r.buf)
	}
	return r.stream
}

// IsBuffered reports whether the body is held in memory.
func (r *Request) IsBuffered() bool { return r.buffered }

// Bytes returns a copy of the buffered body, or nil for stream-backed bodies.
func (r *Request) Bytes() []byte {
	if !r.buffered {
		return nil
	}
	return bytes.Clone(r.buf)
}

// ContentLength returns the buffered body length, or -1 when unknown.
func (r *Request) ContentLength() int64 {
	if !r.buffered {
		return -1
	}
	return int64(len(r.buf))
}

// Buffer materialises a stream-backed body and returns a buffered copy. The
// receiver's stream is drained in the process.
func (r *Request) Buffer() (*Request, error) {
	if r.buffered {
		return r, nil
	}
	data, err := io.ReadAll(r.stream)
	if c, ok := r.stream.(io.Closer); ok {
		_ = c.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	c := r.clone()
	c.stream = nil
	c.buf = data
	c.buffered = true
	return c, nil
}

func (r *Request) clone() *Request {
	c := *r
	c.header = r.header.Clone()
	if c.header == nil {
		c.header = make(http.Header)
	}
	return &c
}
