package session

import "sync"

// Cache holds the per-session rule-engine memoisation: trigger-activation
// answers keyed by (rule id, activation context hash) and effect
// applicability keyed by (rule id, operation signature). Effect entries
// are invalidated whenever activated_rules or disabled_rules changes;
// trigger entries survive because activation is monotonic.
type Cache struct {
	mu       sync.Mutex
	triggers map[string]bool
	effects  map[string]bool
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		triggers: make(map[string]bool),
		effects:  make(map[string]bool),
	}
}

// Trigger returns the cached activation answer for a key.
func (c *Cache) Trigger(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.triggers[key]
	return v, ok
}

// SetTrigger caches an activation answer.
func (c *Cache) SetTrigger(key string, satisfied bool) {
	c.mu.Lock()
	c.triggers[key] = satisfied
	c.mu.Unlock()
}

// Effect returns the cached applicability answer for a key.
func (c *Cache) Effect(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.effects[key]
	return v, ok
}

// SetEffect caches an applicability answer.
func (c *Cache) SetEffect(key string, applies bool) {
	c.mu.Lock()
	c.effects[key] = applies
	c.mu.Unlock()
}

// InvalidateEffects drops all cached applicability answers.
func (c *Cache) InvalidateEffects() {
	c.mu.Lock()
	c.effects = make(map[string]bool)
	c.mu.Unlock()
}
