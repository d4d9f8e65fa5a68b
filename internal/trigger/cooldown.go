package trigger

import (
	"context"
	"sync"
	"time"
)

// CooldownStore decides whether a trigger may fire for a key and records
// the firing atomically when it may. Implementations must be safe for
// concurrent use.
type CooldownStore interface {
	// ShouldFire reports whether the trigger identified by key is outside
	// its cooldown window. When it returns true the firing is recorded, so
	// a subsequent call within cooldown returns false.
	ShouldFire(ctx context.Context, key string, cooldown time.Duration, now time.Time) (bool, error)
}

// memoryCooldown is the default in-process cooldown store. Entries are
// pruned opportunistically on access so the map stays bounded by the set
// of recently active keys.
type memoryCooldown struct {
	mu       sync.Mutex
	lastFire map[string]time.Time
}

// NewMemoryCooldown creates an in-memory cooldown store.
func NewMemoryCooldown() CooldownStore {
	return &memoryCooldown{lastFire: make(map[string]time.Time)}
}

func (c *memoryCooldown) ShouldFire(ctx context.Context, key string, cooldown time.Duration, now time.Time) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastFire[key]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	c.lastFire[key] = now

	if len(c.lastFire) > 4096 {
		for k, last := range c.lastFire {
			if now.Sub(last) >= cooldown {
				delete(c.lastFire, k)
			}
		}
	}
	return true, nil
}
