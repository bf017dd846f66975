package growlog

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	t.Run("deterministic across query order", func(t *testing.T) {
		a := Fingerprint("GET", "/api/v1/plants", map[string]string{"roomId": "veg-1", "limit": "10"})
		b := Fingerprint("GET", "/api/v1/plants", map[string]string{"limit": "10", "roomId": "veg-1"})
		assert.Equal(t, a, b)
	})

	t.Run("method is case-insensitive", func(t *testing.T) {
		assert.Equal(t,
			Fingerprint("get", "/api/v1/plants", nil),
			Fingerprint("GET", "/api/v1/plants", nil))
	})

	t.Run("differs by path and query", func(t *testing.T) {
		base := Fingerprint("GET", "/api/v1/plants", nil)
		assert.NotEqual(t, base, Fingerprint("GET", "/api/v1/harvests", nil))
		assert.NotEqual(t, base, Fingerprint("GET", "/api/v1/plants", map[string]string{"limit": "1"}))
		assert.NotEqual(t, base, Fingerprint("DELETE", "/api/v1/plants", nil))
	})
}

func TestResponseCacheLookup(t *testing.T) {
	t.Run("hit within TTL", func(t *testing.T) {
		c := NewResponseCache(1<<20, nil)
		key := Fingerprint("GET", "/api/v1/plants", nil)
		c.Store(key, &Response{StatusCode: 200, Body: []byte(`[{"id":"p1"}]`)}, time.Minute)

		entry := c.Lookup(key)
		require.NotNil(t, entry)
		assert.Equal(t, 200, entry.StatusCode)
		assert.JSONEq(t, `[{"id":"p1"}]`, string(entry.Body))
	})

	t.Run("miss when absent", func(t *testing.T) {
		c := NewResponseCache(1<<20, nil)
		assert.Nil(t, c.Lookup("nope"))
	})

	t.Run("expired entry is removed", func(t *testing.T) {
		c := NewResponseCache(1<<20, nil)
		key := Fingerprint("GET", "/api/v1/plants", nil)
		c.Store(key, &Response{StatusCode: 200, Body: []byte("x")}, 10*time.Millisecond)

		time.Sleep(25 * time.Millisecond)
		assert.Nil(t, c.Lookup(key))
		assert.Equal(t, 0, c.Stats().EntryCount)
	})
}

func TestResponseCacheEviction(t *testing.T) {
	body := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = 'x'
		}
		return b
	}

	t.Run("evicts least recently used until new entry fits", func(t *testing.T) {
		c := NewResponseCache(100, nil)
		c.Store("a", &Response{StatusCode: 200, Body: body(40)}, time.Minute)
		c.Store("b", &Response{StatusCode: 200, Body: body(40)}, time.Minute)

		// Touch "a" so "b" becomes the eviction candidate.
		require.NotNil(t, c.Lookup("a"))

		c.Store("c", &Response{StatusCode: 200, Body: body(40)}, time.Minute)

		assert.NotNil(t, c.Lookup("a"))
		assert.Nil(t, c.Lookup("b"))
		assert.NotNil(t, c.Lookup("c"))
		assert.LessOrEqual(t, c.Stats().TotalBytes, int64(100))
	})

	t.Run("entry larger than budget is rejected", func(t *testing.T) {
		c := NewResponseCache(100, nil)
		c.Store("big", &Response{StatusCode: 200, Body: body(101)}, time.Minute)
		assert.Nil(t, c.Lookup("big"))
		assert.Equal(t, 0, c.Stats().EntryCount)
	})

	t.Run("last write wins for a fingerprint", func(t *testing.T) {
		c := NewResponseCache(100, nil)
		c.Store("k", &Response{StatusCode: 200, Body: []byte("old")}, time.Minute)
		c.Store("k", &Response{StatusCode: 200, Body: []byte("newer")}, time.Minute)

		entry := c.Lookup("k")
		require.NotNil(t, entry)
		assert.Equal(t, "newer", string(entry.Body))
		assert.Equal(t, 1, c.Stats().EntryCount)
		assert.Equal(t, int64(5), c.Stats().TotalBytes)
	})
}

func TestResponseCacheHeaderIsolation(t *testing.T) {
	c := NewResponseCache(1<<20, nil)
	hdr := http.Header{}
	hdr.Set("Etag", "v1")
	c.Store("k", &Response{StatusCode: 200, Body: []byte("b"), Headers: hdr}, time.Minute)

	// Mutating the stored-from response must not reach the entry.
	hdr.Set("Etag", "v2")

	entry := c.Lookup("k")
	require.NotNil(t, entry)
	assert.Equal(t, "v1", entry.Headers.Get("Etag"))
}

func TestResponseCacheInvalidate(t *testing.T) {
	c := NewResponseCache(1<<20, nil)
	c.Store("a", &Response{StatusCode: 200, Body: []byte("a")}, time.Minute)
	c.Store("b", &Response{StatusCode: 200, Body: []byte("b")}, time.Minute)

	c.Invalidate("a")
	assert.Nil(t, c.Lookup("a"))
	assert.NotNil(t, c.Lookup("b"))

	c.Clear()
	assert.Nil(t, c.Lookup("b"))
	assert.Equal(t, CacheStats{}, c.Stats())
}
