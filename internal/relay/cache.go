package relay

import (
	"net/http"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedResponse is a fully buffered upstream response kept for offline
// fallback.
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// ResponseCache stores responses keyed by request identity (method plus full
// URL). Entries live until TTL expiry or an explicit trim.
type ResponseCache struct {
	entries *gocache.Cache
}

func NewResponseCache(ttl time.Duration) *ResponseCache {
	cleanup := time.Duration(0)
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	} else {
		cleanup = 10 * time.Minute
	}
	return &ResponseCache{entries: gocache.New(ttl, cleanup)}
}

func cacheKey(method, url string) string {
	return method + " " + url
}

func (c *ResponseCache) Put(method, url string, resp CachedResponse) {
	resp.StoredAt = time.Now()
	c.entries.SetDefault(cacheKey(method, url), resp)
}

func (c *ResponseCache) Get(method, url string) (CachedResponse, bool) {
	value, ok := c.entries.Get(cacheKey(method, url))
	if !ok {
		return CachedResponse{}, false
	}
	resp, ok := value.(CachedResponse)
	return resp, ok
}

func (c *ResponseCache) Len() int {
	return c.entries.ItemCount()
}

// Trim evicts the oldest entries until at most keep remain and returns the
// number evicted.
func (c *ResponseCache) Trim(keep int) int {
	if keep < 0 {
		keep = 0
	}
	items := c.entries.Items()
	if len(items) <= keep {
		return 0
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(items))
	for key, item := range items {
		resp, ok := item.Object.(CachedResponse)
		if !ok {
			c.entries.Delete(key)
			continue
		}
		all = append(all, aged{key: key, storedAt: resp.StoredAt})
	}
	evicted := 0
	if len(all) <= keep {
		return evicted
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })
	for _, entry := range all[:len(all)-keep] {
		c.entries.Delete(entry.key)
		evicted++
	}
	return evicted
}
