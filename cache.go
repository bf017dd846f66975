package growlog

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Fingerprint
// ============================================================================

// Fingerprint derives the deterministic cache key for a request: method,
// path, and query parameters in sorted order.
func Fingerprint(method, path string, query map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := byte('?')
		for _, k := range keys {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(query[k])
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// ResponseCache
// ============================================================================

// CachedResponse is one cache entry.
type CachedResponse struct {
	Key        string
	StatusCode int
	Body       []byte
	Headers    http.Header
	StoredAt   time.Time
	TTL        time.Duration
	SizeBytes  int64
}

func (e *CachedResponse) expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

// CacheStats reports the cache's current footprint.
type CacheStats struct {
	EntryCount int
	TotalBytes int64
}

// ResponseCache is a byte-bounded, TTL-expiring LRU cache of successful GET
// responses. One entry per fingerprint; last write wins. Safe for
// concurrent use.
type ResponseCache struct {
	mu       sync.Mutex
	maxBytes int64
	total    int64
	entries  map[string]*list.Element // fingerprint -> lru element
	lru      *list.List               // front = most recently used
	log      logrus.FieldLogger
}

// NewResponseCache creates a cache bounded at maxBytes total body size.
func NewResponseCache(maxBytes int64, log logrus.FieldLogger) *ResponseCache {
	if log == nil {
		log = discardLogger()
	}
	return &ResponseCache{
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		log:      log,
	}
}

// Lookup returns the entry for fingerprint, or nil when absent or expired.
// Expired entries are removed lazily here.
func (c *ResponseCache) Lookup(fingerprint string) *CachedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return nil
	}
	entry := el.Value.(*CachedResponse)
	if entry.expired(time.Now()) {
		c.removeLocked(el)
		c.log.WithField("fingerprint", short(fingerprint)).Debug("cache entry expired")
		return nil
	}
	c.lru.MoveToFront(el)
	return entry
}

// Store inserts or replaces the entry for fingerprint, evicting
// least-recently-used entries until it fits. An entry larger than the whole
// budget is rejected rather than evicting everything.
func (c *ResponseCache) Store(fingerprint string, resp *Response, ttl time.Duration) {
	size := int64(len(resp.Body))
	if size > c.maxBytes {
		c.log.WithFields(logrus.Fields{
			"fingerprint": short(fingerprint),
			"size":        size,
		}).Debug("entry exceeds cache budget, not stored")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		c.removeLocked(el)
	}
	for c.total+size > c.maxBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*CachedResponse)
		c.removeLocked(oldest)
		c.log.WithField("fingerprint", short(evicted.Key)).Debug("evicted LRU cache entry")
	}

	// Body and headers are copied both ways across the cache boundary so a
	// caller mutating its response cannot corrupt the entry.
	entry := &CachedResponse{
		Key:        fingerprint,
		StatusCode: resp.StatusCode,
		Body:       append([]byte(nil), resp.Body...),
		Headers:    resp.Headers.Clone(),
		StoredAt:   time.Now(),
		TTL:        ttl,
		SizeBytes:  size,
	}
	c.entries[fingerprint] = c.lru.PushFront(entry)
	c.total += size
}

// Invalidate removes the entry for fingerprint, if present.
func (c *ResponseCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fingerprint]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.total = 0
}

// Stats returns the current entry count and total byte size.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{EntryCount: len(c.entries), TotalBytes: c.total}
}

func (c *ResponseCache) removeLocked(el *list.Element) {
	entry := el.Value.(*CachedResponse)
	c.lru.Remove(el)
	delete(c.entries, entry.Key)
	c.total -= entry.SizeBytes
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
