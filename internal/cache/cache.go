package cache

import (
	"sync"
	"time"

	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/types"
)

// Config holds the per-domain cache tuning knobs.
type Config struct {
	BalanceTTL    time.Duration
	HistoryTTL    time.Duration
	MediaCapacity int
}

// DefaultConfig mirrors the service defaults: short-lived balances,
// longer-lived history, a small bounded blob cache.
func DefaultConfig() Config {
	return Config{
		BalanceTTL:    30 * time.Second,
		HistoryTTL:    300 * time.Second,
		MediaCapacity: 100,
	}
}

type entry struct {
	data      interface{}
	timestamp time.Time
	hits      uint64
}

// store is one cache domain. A zero ttl disables expiry; a non-zero
// capacity enables LRU eviction with reads refreshing recency.
type store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	ttl      time.Duration
	capacity int
	hits     uint64
	misses   uint64
	now      func() time.Time
}

func newStore(ttl time.Duration, capacity int) *store {
	return &store{
		entries:  make(map[string]*entry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *store) get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}
	now := s.now()
	if s.ttl > 0 && now.Sub(e.timestamp) > s.ttl {
		delete(s.entries, key)
		s.misses++
		return nil, false
	}
	e.hits++
	if s.capacity > 0 {
		// LRU domain: reads refresh recency.
		e.timestamp = now
	}
	s.hits++
	return e.data, true
}

func (s *store) set(key string, data interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{data: data, timestamp: s.now()}
	if s.capacity > 0 && len(s.entries) > s.capacity {
		s.evictOldest()
	}
}

// evictOldest removes the entry with the oldest timestamp. Caller holds mu.
func (s *store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, e := range s.entries {
		if first || e.timestamp.Before(oldest) {
			oldestKey = key
			oldest = e.timestamp
			first = false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
	}
}

func (s *store) delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *store) stats() types.DomainStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := types.DomainStats{
		Hits:    s.hits,
		Misses:  s.misses,
		Entries: len(s.entries),
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total) * 100
	}
	return stats
}

// Cache fronts the indexing service with three independent domains:
// account balances, transaction history, and content-addressed media.
type Cache struct {
	balances *store
	history  *store
	media    *store
}

func New(cfg Config) *Cache {
	return &Cache{
		balances: newStore(cfg.BalanceTTL, 0),
		history:  newStore(cfg.HistoryTTL, 0),
		media:    newStore(0, cfg.MediaCapacity),
	}
}

func (c *Cache) GetBalances(accountID string) ([]ledger.Balance, bool) {
	v, ok := c.balances.get(accountID)
	if !ok {
		return nil, false
	}
	return v.([]ledger.Balance), true
}

func (c *Cache) SetBalances(accountID string, balances []ledger.Balance) {
	c.balances.set(accountID, balances)
}

func (c *Cache) GetHistory(accountID string) ([]ledger.Transaction, bool) {
	v, ok := c.history.get(accountID)
	if !ok {
		return nil, false
	}
	return v.([]ledger.Transaction), true
}

func (c *Cache) SetHistory(accountID string, txs []ledger.Transaction) {
	c.history.set(accountID, txs)
}

func (c *Cache) GetMedia(address string) ([]byte, bool) {
	v, ok := c.media.get(address)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *Cache) SetMedia(address string, blob []byte) {
	c.media.set(address, blob)
}

// Invalidate drops a key from every domain.
func (c *Cache) Invalidate(key string) {
	c.balances.delete(key)
	c.history.delete(key)
	c.media.delete(key)
}

// OnBalanceChange invalidates the balance and history entries for an
// account, leaving unrelated keys untouched.
func (c *Cache) OnBalanceChange(accountID string) {
	c.balances.delete(accountID)
	c.history.delete(accountID)
}

// OnNewTransaction invalidates only the history entry for an account.
func (c *Cache) OnNewTransaction(accountID string) {
	c.history.delete(accountID)
}

func (c *Cache) Stats() types.CacheStats {
	return types.CacheStats{
		Balances: c.balances.stats(),
		History:  c.history.stats(),
		Media:    c.media.stats(),
	}
}
