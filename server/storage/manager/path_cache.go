package manager

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

// DirPair is the location of one object on this instance and on its mirror.
// Mirror is empty when the object has no mirror copy.
type DirPair struct {
	Primary string
	Mirror  string
}

// PathCache memoises tablespace directory lookups. Keys carry the serial
// number of the tablespace entry, so a dropped and recreated tablespace never
// sees the old path. Keys also carry the cache generation read before the
// lookup; Clear moves to a new generation, so a pair computed before a
// filespace reconfiguration is never served after it.
// A nil *PathCache is a cache that never hits.
type PathCache struct {
	cache *ristretto.Cache[string, DirPair]
	gen   atomic.Uint64
}

func NewPathCache(maxEntries int64) (*PathCache, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, DirPair]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create path cache")
	}
	return &PathCache{cache: c}, nil
}

func tablespaceCacheKey(gen uint64, tablespaceOid basic.Oid, serial int64) string {
	return fmt.Sprintf("%d:%d/%d", gen, tablespaceOid, serial)
}

// Generation must be read before the paths to cache are computed.
func (c *PathCache) Generation() uint64 {
	if c == nil {
		return 0
	}
	return c.gen.Load()
}

func (c *PathCache) get(key string) (DirPair, bool) {
	if c == nil {
		return DirPair{}, false
	}
	return c.cache.Get(key)
}

func (c *PathCache) set(key string, p DirPair) {
	if c == nil {
		return
	}
	c.cache.Set(key, p, 1)
}

// Wait blocks until buffered writes are visible to get.
func (c *PathCache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

func (c *PathCache) Clear() {
	if c != nil {
		c.gen.Add(1)
		c.cache.Clear()
	}
}

func (c *PathCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}
