package task

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// cacheKey identifies one computation: the file as it was on disk plus the cutoff
type cacheKey struct {
	path    string
	size    int64
	modTime int64
	cutoff  float64
}

// ResultCache memoizes results of unchanged files
type ResultCache struct {
	cache *lru.Cache[cacheKey, types.ContactOrderResult]
}

// NewResultCache creates a cache holding at most size results
func NewResultCache(size int) (*ResultCache, error) {
	c, err := lru.New[cacheKey, types.ContactOrderResult](size)
	if err != nil {
		return nil, fmt.Errorf("init result cache: %w", err)
	}
	return &ResultCache{cache: c}, nil
}

func keyFor(path string, cutoff float64) (cacheKey, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return cacheKey{}, false
	}
	return cacheKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano(), cutoff: cutoff}, true
}

// Lookup returns a cached result if the file has not changed since it was stored
func (c *ResultCache) Lookup(path string, cutoff float64) (types.ContactOrderResult, bool) {
	if c == nil {
		return types.ContactOrderResult{}, false
	}
	key, ok := keyFor(path, cutoff)
	if !ok {
		return types.ContactOrderResult{}, false
	}
	return c.cache.Get(key)
}

// Store records a result. Timeouts and cancellations are not cached.
func (c *ResultCache) Store(path string, cutoff float64, result types.ContactOrderResult) {
	if c == nil {
		return
	}
	if result.Transient() {
		return
	}
	if key, ok := keyFor(path, cutoff); ok {
		c.cache.Add(key, result)
	}
}

// Len number of cached results
func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
