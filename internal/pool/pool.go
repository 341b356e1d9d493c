package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/types"
)

// ErrNoHealthyConnections is returned when every pooled connection has been
// demoted and no call can be attempted.
var ErrNoHealthyConnections = errors.New("pool: no healthy connections available")

// errorDemotionThreshold is the consecutive error count past which a
// connection is excluded from selection until a health check restores it.
const errorDemotionThreshold = 5

// Config tunes the pool.
type Config struct {
	Size                int
	HealthCheckInterval time.Duration
	MaxRetries          int
	MaxInFlight         int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Size:                3,
		HealthCheckInterval: 30 * time.Second,
		MaxRetries:          3,
		MaxInFlight:         50,
	}
}

type connection struct {
	id     int
	client ledger.Client

	activeRequests int64 // atomic

	mu            sync.Mutex
	healthy       bool
	totalRequests uint64
	errors        uint64
	lastUsed      time.Time
}

func (c *connection) isHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *connection) recordSuccess(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

// recordError bumps the error counter and reports whether the connection
// crossed the demotion threshold.
func (c *connection) recordError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
	if c.errors > errorDemotionThreshold && c.healthy {
		c.healthy = false
		return true
	}
	return false
}

func (c *connection) setHealthy(healthy bool) {
	c.mu.Lock()
	if healthy && !c.healthy {
		c.errors = 0
	}
	c.healthy = healthy
	c.mu.Unlock()
}

// Pool provides fault-tolerant, least-loaded access to a fixed set of
// indexing-service connections.
type Pool struct {
	conns      []*connection
	limiter    *rate.Limiter
	inFlight   *semaphore.Weighted
	maxRetries int
	interval   time.Duration
	logger     *logrus.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Dialer creates one ledger client for a pool slot.
type Dialer func() (ledger.Client, error)

// New eagerly dials cfg.Size connections, marks them all healthy, and
// starts the background health-check loop.
func New(cfg Config, dial Dialer, logger *logrus.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}

	p := &Pool{
		conns:      make([]*connection, 0, cfg.Size),
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		inFlight:   semaphore.NewWeighted(cfg.MaxInFlight),
		maxRetries: cfg.MaxRetries,
		interval:   cfg.HealthCheckInterval,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		client, err := dial()
		if err != nil {
			p.closeClients()
			return nil, fmt.Errorf("failed to dial connection %d: %w", i, err)
		}
		p.conns = append(p.conns, &connection{id: i, client: client, healthy: true})
	}

	p.wg.Add(1)
	go p.healthCheckLoop()

	return p, nil
}

// next returns the healthy connection with the fewest in-flight requests.
func (p *Pool) next() (*connection, error) {
	var best *connection
	var bestLoad int64
	for _, c := range p.conns {
		if !c.isHealthy() {
			continue
		}
		load := atomic.LoadInt64(&c.activeRequests)
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	if best == nil {
		return nil, ErrNoHealthyConnections
	}
	return best, nil
}

// Execute runs op against a healthy connection, retrying on a (possibly
// different) connection up to the configured retry budget.
func (p *Pool) Execute(ctx context.Context, op func(ctx context.Context, client ledger.Client) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("request smoothing wait: %w", err)
	}
	if err := p.inFlight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.inFlight.Release(1)

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		conn, err := p.next()
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		atomic.AddInt64(&conn.activeRequests, 1)
		conn.mu.Lock()
		conn.totalRequests++
		conn.mu.Unlock()

		// Deferred so a panicking op cannot leave the load counter inflated.
		err = func() error {
			defer atomic.AddInt64(&conn.activeRequests, -1)
			return op(ctx, conn.client)
		}()

		if err == nil {
			conn.recordSuccess(time.Now())
			return nil
		}

		lastErr = err
		if demoted := conn.recordError(); demoted {
			p.logger.WithFields(logrus.Fields{
				"connection": conn.id,
			}).Warn("Connection demoted after repeated errors")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.maxRetries, lastErr)
}

// Subscribe opens a live transaction stream on a healthy connection. The
// stream itself is owned by the caller; pool counters only track the setup.
func (p *Pool) Subscribe(ctx context.Context, accountID, cursor string, txCh chan<- ledger.Transaction) error {
	conn, err := p.next()
	if err != nil {
		return err
	}
	return conn.client.SubscribeTransactions(ctx, accountID, cursor, txCh)
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAll()
		}
	}
}

func (p *Pool) checkAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, conn := range p.conns {
		wasHealthy := conn.isHealthy()
		err := conn.client.Ping(ctx)
		if err != nil {
			conn.mu.Lock()
			conn.errors++
			conn.healthy = false
			conn.mu.Unlock()
			if wasHealthy {
				p.logger.WithFields(logrus.Fields{
					"connection": conn.id,
					"error":      err,
				}).Warn("Health check failed, connection demoted")
			}
			continue
		}
		conn.setHealthy(true)
		if !wasHealthy {
			p.logger.WithFields(logrus.Fields{
				"connection": conn.id,
			}).Info("Connection recovered")
		}
	}
}

// CheckNow runs one health-check pass synchronously.
func (p *Pool) CheckNow() {
	p.checkAll()
}

// Stats returns a read-only snapshot of every connection.
func (p *Pool) Stats() types.PoolStats {
	stats := types.PoolStats{Size: len(p.conns)}
	for _, c := range p.conns {
		c.mu.Lock()
		cs := types.ConnectionStats{
			ID:             c.id,
			Healthy:        c.healthy,
			ActiveRequests: atomic.LoadInt64(&c.activeRequests),
			TotalRequests:  c.totalRequests,
			Errors:         c.errors,
			LastUsed:       c.lastUsed,
		}
		c.mu.Unlock()
		if cs.Healthy {
			stats.Healthy++
		}
		stats.Connections = append(stats.Connections, cs)
	}
	return stats
}

// Close stops the health loop and closes all clients.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.closeClients()
}

func (p *Pool) closeClients() {
	for _, c := range p.conns {
		if err := c.client.Close(); err != nil {
			p.logger.Errorf("Error closing connection %d: %v", c.id, err)
		}
	}
}
