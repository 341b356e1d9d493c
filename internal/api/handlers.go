package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/accounts"
	"github.com/quillhq/ledgerguard/internal/cache"
	"github.com/quillhq/ledgerguard/internal/monitor"
	"github.com/quillhq/ledgerguard/internal/pool"
	"github.com/quillhq/ledgerguard/internal/ratelimit"
	"github.com/quillhq/ledgerguard/internal/storage"
)

// Handlers contains HTTP handlers for the observability/management API
type Handlers struct {
	pool     *pool.Pool
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	monitor  *monitor.Monitor
	accounts *accounts.Service
	store    storage.ViolationStore
	logger   *logrus.Logger
}

// NewHandlers creates new API handlers
func NewHandlers(
	p *pool.Pool,
	c *cache.Cache,
	limiter *ratelimit.Limiter,
	m *monitor.Monitor,
	svc *accounts.Service,
	store storage.ViolationStore,
	logger *logrus.Logger,
) *Handlers {
	return &Handlers{
		pool:     p,
		cache:    c,
		limiter:  limiter,
		monitor:  m,
		accounts: svc,
		store:    store,
		logger:   logger,
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.pool.Stats()
	status := "healthy"
	code := http.StatusOK
	if stats.Healthy == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":              status,
		"service":             "ledgerguard",
		"healthy_connections": stats.Healthy,
		"monitor_state":       h.monitor.State().String(),
	})
}

// GetPoolStats returns the connection pool snapshot
func (h *Handlers) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pool.Stats())
}

// GetCacheStats returns per-domain cache hit/miss statistics
func (h *Handlers) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cache.Stats())
}

// GetLimits returns the current admission status for the transaction
// budget and the endpoint passed as ?endpoint=
func (h *Handlers) GetLimits(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	response := map[string]interface{}{
		"transaction": h.limiter.CanSubmitTransaction(),
	}
	if endpoint != "" {
		response["api"] = h.limiter.CanMakeAPICall(endpoint)
	}
	h.writeJSON(w, http.StatusOK, response)
}

// GetViolations returns the persisted rate-limit violation audit log
func (h *Handlers) GetViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Errorf("Failed to list violations: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, violations)
}

// GetEvents returns the monitor's retained events
func (h *Handlers) GetEvents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.Events())
}

// GetAlerts returns security alerts; ?unacknowledged=1 filters to open ones
func (h *Handlers) GetAlerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("unacknowledged") == "1" {
		h.writeJSON(w, http.StatusOK, h.monitor.UnacknowledgedAlerts())
		return
	}
	h.writeJSON(w, http.StatusOK, h.monitor.Alerts())
}

// AckAlert acknowledges a single alert by id
func (h *Handlers) AckAlert(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.monitor.AcknowledgeAlert)
}

// AckEvent acknowledges a single event by id
func (h *Handlers) AckEvent(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.monitor.AcknowledgeEvent)
}

func (h *Handlers) acknowledge(w http.ResponseWriter, r *http.Request, ack func(string) bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "Missing required field: id", http.StatusBadRequest)
		return
	}

	if !ack(req.ID) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": "acknowledged"})
}

// GetBalances serves an account's balances through the cached read path
func (h *Handlers) GetBalances(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		http.Error(w, "Missing required parameter: account", http.StatusBadRequest)
		return
	}
	balances, err := h.accounts.GetBalances(r.Context(), accountID)
	if err != nil {
		h.respondReadError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balances)
}

// GetTransactions serves an account's recent history through the cached
// read path
func (h *Handlers) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		http.Error(w, "Missing required parameter: account", http.StatusBadRequest)
		return
	}
	txs, err := h.accounts.GetTransactions(r.Context(), accountID)
	if err != nil {
		h.respondReadError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

func (h *Handlers) respondReadError(w http.ResponseWriter, err error) {
	h.logger.Errorf("Ledger read failed: %v", err)
	switch {
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		http.Error(w, "Rate limited, try again later", http.StatusTooManyRequests)
	case errors.Is(err, pool.ErrNoHealthyConnections):
		http.Error(w, "Ledger service unavailable", http.StatusBadGateway)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
