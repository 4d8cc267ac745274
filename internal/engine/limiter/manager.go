package limiter

import "sync"

// GlobalLimitManager hands out one RateLimiter per host, shared across
// every download's connections to that host so a 429 observed by one
// part backs off the rest.
type GlobalLimitManager struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

var globalManager = &GlobalLimitManager{limiters: make(map[string]*RateLimiter)}

// GetLimiter returns the shared RateLimiter for host, creating it if
// this is the first time host has been seen.
func GetLimiter(host string) *RateLimiter {
	return globalManager.GetLimiter(host)
}

func (m *GlobalLimitManager) GetLimiter(host string) *RateLimiter {
	m.mu.RLock()
	rl, ok := m.limiters[host]
	m.mu.RUnlock()
	if ok {
		return rl
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rl, ok := m.limiters[host]; ok {
		return rl
	}
	rl = NewRateLimiter(host)
	m.limiters[host] = rl
	return rl
}

// Reset clears all tracked hosts; used by tests.
func (m *GlobalLimitManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters = make(map[string]*RateLimiter)
}

// ActiveHosts returns the hosts currently tracked, blocked or not.
func (m *GlobalLimitManager) ActiveHosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hosts := make([]string, 0, len(m.limiters))
	for h := range m.limiters {
		hosts = append(hosts, h)
	}
	return hosts
}

// Reset and ActiveHosts on the package-level singleton, for callers
// that don't want to reach into GlobalLimitManager directly.
func Reset()                { globalManager.Reset() }
func ActiveHosts() []string  { return globalManager.ActiveHosts() }
