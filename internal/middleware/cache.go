package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"outbound-relay-go/internal/metrics"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

const cacheShards = 16

// perCallHeaders belong to a single exchange and are never replayed from a
// stored entry.
var perCallHeaders = []string{"X-Request-Id"}

// DefaultVaryHeaders are folded into the cache key so callers holding
// different credentials never share an entry.
var DefaultVaryHeaders = []string{"Authorization", "X-Api-Key"}

// CacheConfig configures a ResponseCache.
type CacheConfig struct {
	// TTL is how long an entry stays valid. Zero disables caching.
	TTL time.Duration

	// VaryHeaders lists request headers included in the key. Nil means
	// DefaultVaryHeaders; an empty non-nil slice keys on method, URI and body only.
	VaryHeaders []string

	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// CacheStats is a point-in-time count of stored entries.
type CacheStats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
}

type cacheEntry struct {
	resp   *model.Response
	expiry time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// ResponseCache short-circuits repeated requests with a buffered copy of an
// earlier response. Expired entries are dropped on lookup or by PurgeExpired;
// until then Stats reports them as expired.
type ResponseCache struct {
	ttl     time.Duration
	vary    []string
	shards  [cacheShards]*cacheShard
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResponseCache returns an empty cache.
func NewResponseCache(cfg CacheConfig) (*ResponseCache, error) {
	if cfg.TTL < 0 {
		return nil, pipeline.ConfigError("cache", "ttl must not be negative, got %s", cfg.TTL)
	}
	vary := cfg.VaryHeaders
	if vary == nil {
		vary = DefaultVaryHeaders
	}
	canon := make([]string, 0, len(vary))
	seen := make(map[string]bool, len(vary))
	for _, h := range vary {
		k := http.CanonicalHeaderKey(h)
		if !seen[k] {
			seen[k] = true
			canon = append(canon, k)
		}
	}
	sort.Strings(canon)

	c := &ResponseCache{
		ttl:     cfg.TTL,
		vary:    canon,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]cacheEntry)}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

func (c *ResponseCache) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	if c.ttl == 0 {
		return next(ctx, req, sc)
	}

	req, err := req.Buffer()
	if err != nil {
		return nil, err
	}
	key := c.Key(req)

	if resp, ok := c.lookup(key); ok {
		c.logger.Debug("cache hit", "key", key)
		return resp, nil
	}

	resp, err := next(ctx, req, sc)
	if err != nil {
		return nil, err
	}

	// Stream-backed bodies are read once, so store and return a buffered copy.
	buffered, err := resp.Buffer()
	if err != nil {
		return nil, pipeline.NetworkError("cache", err)
	}
	stored := buffered
	for _, name := range perCallHeaders {
		if stored.HeaderValue(name) != "" {
			stored = stored.WithoutHeader(name)
		}
	}
	c.store(key, stored)
	return buffered, nil
}

// Key returns the cache key for req. The request body must be buffered;
// stream-backed bodies contribute nothing to the key.
func (c *ResponseCache) Key(req *model.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Method()))
	h.Write([]byte{0})
	h.Write([]byte(normalizeURI(req.URI())))
	h.Write([]byte{0})
	for _, name := range c.vary {
		for _, v := range req.HeaderValues(name) {
			h.Write([]byte(name))
			h.Write([]byte{':'})
			h.Write([]byte(v))
			h.Write([]byte{0})
		}
	}
	h.Write([]byte{0})
	h.Write(req.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Clear removes the entry for key.
func (c *ResponseCache) Clear(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// ClearAll removes every entry.
func (c *ResponseCache) ClearAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]cacheEntry)
		s.mu.Unlock()
	}
}

// Stats counts entries as of now.
func (c *ResponseCache) Stats() CacheStats {
	now := c.now()
	var st CacheStats
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			st.Total++
			if now.Before(e.expiry) {
				st.Valid++
			} else {
				st.Expired++
			}
		}
		s.mu.RUnlock()
	}
	return st
}

// PurgeExpired removes every expired entry and returns how many were dropped.
func (c *ResponseCache) PurgeExpired() int {
	now := c.now()
	purged := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiry) {
				delete(s.entries, k)
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged
}

// TTL returns the configured entry lifetime.
func (c *ResponseCache) TTL() time.Duration { return c.ttl }

func (c *ResponseCache) lookup(key string) (*model.Response, bool) {
	s := c.shard(key)
	now := c.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		c.metrics.ObserveCache("miss")
		return nil, false
	}
	if now.Before(e.expiry) {
		c.metrics.ObserveCache("hit")
		return e.resp, true
	}

	s.mu.Lock()
	// A concurrent miss may have stored a fresh entry in the meantime.
	if cur, ok := s.entries[key]; ok && !now.Before(cur.expiry) {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	c.metrics.ObserveCache("expired")
	return nil, false
}

func (c *ResponseCache) store(key string, resp *model.Response) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = cacheEntry{resp: resp, expiry: c.now().Add(c.ttl)}
	s.mu.Unlock()
}

func (c *ResponseCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

// normalizeURI lower-cases scheme and host, drops default ports and the
// fragment, sorts the query and maps an empty path to "/".
func normalizeURI(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	n.Host = host
	n.Fragment, n.RawFragment = "", ""
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
	}
	if n.RawQuery != "" {
		n.RawQuery = n.Query().Encode()
	}
	return n.String()
}
