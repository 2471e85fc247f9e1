package namecache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a resolved address stays usable.
const DefaultTTL = 300 * time.Second

// Default is shared by every connector that is not given its own cache.
var Default = New(DefaultTTL)

type entry struct {
	ipv4       string
	resolvedAt time.Time
}

// Cache maps host names to IPv4 addresses. Entries are dropped lazily on
// lookup once they are TTL old; the janitor of the underlying store only
// reclaims memory.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	store *gocache.Cache
}

type Option func(*Cache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:   ttl,
		now:   time.Now,
		store: gocache.New(2*ttl, 2*ttl),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookup returns the cached address, evicting it if it has gone stale.
func (c *Cache) Lookup(name string) (string, bool) {
	key := normalize(name)
	v, ok := c.store.Get(key)
	if !ok {
		return "", false
	}
	e := v.(entry)
	if c.now().Sub(e.resolvedAt) >= c.ttl {
		c.store.Delete(key)
		return "", false
	}
	return e.ipv4, true
}

// Store records ipv4 for name, stamped with the current time.
func (c *Cache) Store(name, ipv4 string) {
	c.store.Set(normalize(name), entry{ipv4: ipv4, resolvedAt: c.now()}, gocache.DefaultExpiration)
}

func (c *Cache) Len() int { return c.store.ItemCount() }

func (c *Cache) Flush() { c.store.Flush() }

func normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
