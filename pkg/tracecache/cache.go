package tracecache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	paramCapacity = "trace-cache-capacity"
	paramTTL      = "trace-cache-ttl"

	DefaultCapacity = 1000
	DefaultTTL      = time.Hour
)

// Span identifies the trace span of a running build.
type Span struct {
	TraceID string
	SpanID  string
}

// Cache maps build ids to their span.  Entries expire after the TTL, and the
// least recently used entry is evicted once the capacity is reached, so builds
// which never report completion don't leak.
type Cache struct {
	c *ttlcache.Cache[string, Span]
}

// New returns a Cache.  Zero values select the defaults.
func New(capacity int, ttl time.Duration, logger logrus.FieldLogger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := ttlcache.New(
		ttlcache.WithCapacity[string, Span](uint64(capacity)),
		ttlcache.WithTTL[string, Span](ttl),
	)
	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, Span]) {
		reason := "deleted"
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		}
		logger.WithFields(logrus.Fields{
			"build":  i.Key(),
			"reason": reason,
		}).Debug("evicted trace")
	})
	return &Cache{c: c}
}

// NewFromViper builds a Cache from the trace-cache-* settings.
func NewFromViper(v *viper.Viper, logger logrus.FieldLogger) *Cache {
	v.SetDefault(paramCapacity, DefaultCapacity)
	v.SetDefault(paramTTL, DefaultTTL)
	return New(v.GetInt(paramCapacity), v.GetDuration(paramTTL), logger)
}

// Put records the span of a build, replacing any previous one.
func (c *Cache) Put(buildID string, span Span) {
	c.c.Set(buildID, span, ttlcache.DefaultTTL)
}

// Get returns the span of a build.
func (c *Cache) Get(buildID string) (Span, bool) {
	item := c.c.Get(buildID)
	if item == nil {
		return Span{}, false
	}
	return item.Value(), true
}

// Delete forgets a build, typically when it completes.
func (c *Cache) Delete(buildID string) {
	c.c.Delete(buildID)
}

// Len returns the number of cached builds, including expired ones not yet collected.
func (c *Cache) Len() int {
	return c.c.Len()
}

// Run collects expired entries until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	go c.c.Start()

	<-ctx.Done()

	c.c.Stop()
}
