package types

import (
	"time"
)

// EventType classifies an observed ledger operation.
type EventType string

const (
	EventPayment        EventType = "payment"
	EventAccountCreated EventType = "account_created"
	EventTrustline      EventType = "trustline"
	EventTrade          EventType = "trade"
	EventOffer          EventType = "offer"
	EventData           EventType = "data"
)

// AlertType identifies the security rule that raised an alert.
type AlertType string

const (
	AlertLargeTransaction   AlertType = "large_transaction"
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertLowBalance         AlertType = "low_balance"
	AlertUnusualPattern     AlertType = "unusual_pattern"
)

// Severity grades events and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a classified ledger operation observed on the watched account.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Details      string    `json:"details"`
	Severity     Severity  `json:"severity"`
	Acknowledged bool      `json:"acknowledged"`
}

// Alert is raised by the monitor's security rules.
type Alert struct {
	ID           string            `json:"id"`
	Type         AlertType         `json:"type"`
	Message      string            `json:"message"`
	Timestamp    time.Time         `json:"timestamp"`
	Severity     Severity          `json:"severity"`
	Acknowledged bool              `json:"acknowledged"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ViolationCategory distinguishes the two rate-limit budgets.
type ViolationCategory string

const (
	CategoryTransaction ViolationCategory = "TRANSACTION"
	CategoryAPICall     ViolationCategory = "API_CALL"
)

// Violation is an audit record of a rate-limit rejection.
type Violation struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  ViolationCategory `json:"category"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Message   string            `json:"message"`
}

// LimitStatus is the result of a non-mutating admission check.
type LimitStatus struct {
	Limited           bool          `json:"limited"`
	RemainingRequests int           `json:"remaining_requests"`
	ResetTime         time.Time     `json:"reset_time"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
}

// ConnectionStats is a read-only snapshot of one pooled connection.
type ConnectionStats struct {
	ID             int       `json:"id"`
	Healthy        bool      `json:"healthy"`
	ActiveRequests int64     `json:"active_requests"`
	TotalRequests  uint64    `json:"total_requests"`
	Errors         uint64    `json:"errors"`
	LastUsed       time.Time `json:"last_used"`
}

// PoolStats aggregates connection snapshots for observability.
type PoolStats struct {
	Size        int               `json:"size"`
	Healthy     int               `json:"healthy"`
	Connections []ConnectionStats `json:"connections"`
}

// DomainStats holds hit/miss counters for one cache domain.
type DomainStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// CacheStats is the per-domain cache statistics snapshot.
type CacheStats struct {
	Balances DomainStats `json:"balances"`
	History  DomainStats `json:"history"`
	Media    DomainStats `json:"media"`
}

// Notification is the payload forwarded to the external notification sink.
type Notification struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Severity Severity `json:"severity"`
}
