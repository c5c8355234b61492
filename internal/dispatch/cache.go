package dispatch

import (
	"math/big"
	"sync"

	"k8s.io/apimachinery/pkg/types"
)

// Cache remembers the last resource version seen per object UID.
type Cache interface {
	Upsert(uid types.UID, resourceVersion string)
	Remove(uid types.UID)
	Version(uid types.UID) (string, bool)
}

// NewCache returns an empty in-memory Cache.
func NewCache() Cache {
	return &versionCache{versions: map[types.UID]string{}}
}

type versionCache struct {
	mu       sync.RWMutex
	versions map[types.UID]string
}

func (c *versionCache) Upsert(uid types.UID, resourceVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[uid] = resourceVersion
}

func (c *versionCache) Remove(uid types.UID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.versions, uid)
}

func (c *versionCache) Version(uid types.UID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[uid]
	return v, ok
}

// IsOutdated reports whether incoming is numerically lower than known.
// Versions that do not parse as integers are never considered outdated.
func IsOutdated(known, incoming string) bool {
	k, ok := new(big.Int).SetString(known, 10)
	if !ok {
		return false
	}
	i, ok := new(big.Int).SetString(incoming, 10)
	if !ok {
		return false
	}
	return k.Cmp(i) > 0
}
