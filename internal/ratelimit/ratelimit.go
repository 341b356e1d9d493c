package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/types"
)

// ErrRateLimitExceeded is surfaced once the backoff retry budget for an
// operation is exhausted.
var ErrRateLimitExceeded = errors.New("ratelimit: request budget exhausted, try again later")

// maxViolations caps the in-memory violation audit log; oldest entries are
// dropped first.
const maxViolations = 100

// Config tunes the sliding-window budgets and the retry/backoff policy.
type Config struct {
	TransactionLimit int
	APICallLimit     int
	Window           time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns the production defaults: per-minute budgets with
// up to three exponentially backed-off retries.
func DefaultConfig() Config {
	return Config{
		TransactionLimit: 10,
		APICallLimit:     60,
		Window:           time.Minute,
		MaxRetries:       3,
		BaseBackoff:      time.Second,
		MaxBackoff:       32 * time.Second,
	}
}

// ViolationStore persists violations for audit display. Implementations
// must tolerate being called concurrently.
type ViolationStore interface {
	Append(ctx context.Context, v types.Violation) error
}

type bucket struct {
	requests []time.Time
}

// cleanup drops timestamps older than the window. After it returns every
// remaining timestamp is within [now-window, now].
func (b *bucket) cleanup(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := b.requests[:0]
	for _, t := range b.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.requests = kept
}

// resetAt returns when the oldest in-window request leaves the window, or
// now+window for an empty bucket.
func (b *bucket) resetAt(now time.Time, window time.Duration) time.Time {
	if len(b.requests) == 0 {
		return now.Add(window)
	}
	return b.requests[0].Add(window)
}

// Limiter enforces a transaction budget and per-endpoint API budgets over
// an exact sliding window, and wraps operations with backoff retry.
type Limiter struct {
	cfg    Config
	logger *logrus.Logger
	store  ViolationStore

	mu         sync.Mutex
	txBucket   bucket
	apiBuckets map[string]*bucket
	violations []types.Violation
	retries    map[string]int

	// Injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

// New builds a limiter. store may be nil; violations are then kept only in
// memory.
func New(cfg Config, store ViolationStore, logger *logrus.Logger) *Limiter {
	return &Limiter{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		apiBuckets: make(map[string]*bucket),
		retries:    make(map[string]int),
		now:        time.Now,
		sleep:      sleepCtx,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) apiBucket(endpoint string) *bucket {
	b, ok := l.apiBuckets[endpoint]
	if !ok {
		b = &bucket{}
		l.apiBuckets[endpoint] = b
	}
	return b
}

func (l *Limiter) status(b *bucket, limit int, now time.Time) types.LimitStatus {
	b.cleanup(now, l.cfg.Window)
	remaining := limit - len(b.requests)
	if remaining < 0 {
		remaining = 0
	}
	status := types.LimitStatus{
		RemainingRequests: remaining,
		ResetTime:         b.resetAt(now, l.cfg.Window),
	}
	if len(b.requests) >= limit {
		status.Limited = true
		status.RetryAfter = status.ResetTime.Sub(now)
	}
	return status
}

// CanSubmitTransaction checks the transaction budget without consuming it.
// A limited result is appended to the violation audit log.
func (l *Limiter) CanSubmitTransaction() types.LimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	status := l.status(&l.txBucket, l.cfg.TransactionLimit, now)
	if status.Limited {
		l.appendViolation(types.Violation{
			Timestamp: now,
			Category:  types.CategoryTransaction,
			Message:   fmt.Sprintf("transaction limit of %d per %s reached", l.cfg.TransactionLimit, l.cfg.Window),
		})
	}
	return status
}

// CanMakeAPICall checks the budget for one endpoint without consuming it.
func (l *Limiter) CanMakeAPICall(endpoint string) types.LimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	status := l.status(l.apiBucket(endpoint), l.cfg.APICallLimit, now)
	if status.Limited {
		l.appendViolation(types.Violation{
			Timestamp: now,
			Category:  types.CategoryAPICall,
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("api limit of %d per %s reached for %s", l.cfg.APICallLimit, l.cfg.Window, endpoint),
		})
	}
	return status
}

// RecordTransaction consumes one slot of the transaction budget.
func (l *Limiter) RecordTransaction() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.txBucket.cleanup(now, l.cfg.Window)
	l.txBucket.requests = append(l.txBucket.requests, now)
}

// RecordAPICall consumes one slot of an endpoint's budget.
func (l *Limiter) RecordAPICall(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b := l.apiBucket(endpoint)
	b.cleanup(now, l.cfg.Window)
	b.requests = append(b.requests, now)
}

// appendViolation stores a violation in the capped ring and writes it
// through to the persistent store off the calling goroutine, so a slow
// store never stalls an admission check. Caller holds mu; the ring is the
// source of truth for reads.
func (l *Limiter) appendViolation(v types.Violation) {
	l.violations = append(l.violations, v)
	if len(l.violations) > maxViolations {
		l.violations = l.violations[len(l.violations)-maxViolations:]
	}
	if l.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.store.Append(ctx, v); err != nil {
				l.logger.Warnf("Failed to persist rate-limit violation: %v", err)
			}
		}()
	}
}

// Violations returns a copy of the in-memory audit log, oldest first.
func (l *Limiter) Violations() []types.Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Violation, len(l.violations))
	copy(out, l.violations)
	return out
}

func (l *Limiter) check(category types.ViolationCategory, endpoint string) types.LimitStatus {
	if category == types.CategoryTransaction {
		return l.CanSubmitTransaction()
	}
	return l.CanMakeAPICall(endpoint)
}

func (l *Limiter) record(category types.ViolationCategory, endpoint string) {
	if category == types.CategoryTransaction {
		l.RecordTransaction()
	} else {
		l.RecordAPICall(endpoint)
	}
}

// backoffFor computes base * 2^attempt plus up to 1s of jitter, capped.
func (l *Limiter) backoffFor(attempt int) time.Duration {
	d := l.cfg.BaseBackoff << uint(attempt)
	if d > l.cfg.MaxBackoff || d <= 0 {
		d = l.cfg.MaxBackoff
	}
	l.mu.Lock()
	jitter := time.Duration(l.rng.Int63n(int64(time.Second)))
	l.mu.Unlock()
	return d + jitter
}

// Do runs fn under admission control. A blocked check or a server-side
// throttle error triggers exponential backoff and retry; once the retry
// budget for this category:endpoint key is spent, ErrRateLimitExceeded is
// returned. Success records usage and clears the key's retry counter.
func (l *Limiter) Do(ctx context.Context, category types.ViolationCategory, endpoint string, fn func(ctx context.Context) error) error {
	key := string(category) + ":" + endpoint

	for {
		status := l.check(category, endpoint)
		if !status.Limited {
			err := fn(ctx)
			if err == nil {
				l.record(category, endpoint)
				l.clearRetries(key)
				return nil
			}
			if !ledger.IsRateLimited(err) {
				return err
			}
			// Server-side throttling stricter than the local model.
			l.logger.WithFields(logrus.Fields{
				"category": category,
				"endpoint": endpoint,
			}).Warn("Remote rate limit hit, backing off")
		}

		attempt, ok := l.nextAttempt(key)
		if !ok {
			l.recordExhausted(category, endpoint)
			return fmt.Errorf("%w: %s", ErrRateLimitExceeded, key)
		}
		if err := l.sleep(ctx, l.backoffFor(attempt)); err != nil {
			return err
		}
	}
}

// nextAttempt consumes one retry for the key, returning the attempt index
// used for backoff sizing and false once the budget is spent.
func (l *Limiter) nextAttempt(key string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	attempt := l.retries[key]
	if attempt >= l.cfg.MaxRetries {
		delete(l.retries, key)
		return 0, false
	}
	l.retries[key] = attempt + 1
	return attempt, true
}

func (l *Limiter) clearRetries(key string) {
	l.mu.Lock()
	delete(l.retries, key)
	l.mu.Unlock()
}

func (l *Limiter) recordExhausted(category types.ViolationCategory, endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendViolation(types.Violation{
		Timestamp: l.now(),
		Category:  category,
		Endpoint:  endpoint,
		Message:   "retry budget exhausted",
	})
}
