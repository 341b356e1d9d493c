package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/notify"
	"github.com/quillhq/ledgerguard/internal/types"
)

// State is the monitor's lifecycle state. Transitions:
// Stopped -> Starting -> Streaming -> (Streaming <-> Reconnecting) -> Stopped.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	// ErrInvalidAccount means the watched account does not exist; Start
	// fails and the monitor stays stopped.
	ErrInvalidAccount = errors.New("monitor: watched account does not exist")

	// ErrAlreadyRunning is returned by Start when the monitor is not
	// stopped.
	ErrAlreadyRunning = errors.New("monitor: already running")
)

// Source is the slice of the connection pool the monitor depends on.
type Source interface {
	Execute(ctx context.Context, op func(ctx context.Context, client ledger.Client) error) error
	Subscribe(ctx context.Context, accountID, cursor string, txCh chan<- ledger.Transaction) error
}

// Config tunes the monitor's security rules and reconnection policy.
type Config struct {
	AccountID                 string
	LargeTransactionThreshold float64
	LowBalanceThreshold       float64
	SuspiciousActivityWindow  time.Duration
	MaxTransactionsPerWindow  int
	MaxReconnectAttempts      int
	ReconnectBaseDelay        time.Duration
	EnableNotifications       bool
	EventBufferSize           int
}

// DefaultConfig returns the production defaults for a watched account.
func DefaultConfig(accountID string) Config {
	return Config{
		AccountID:                 accountID,
		LargeTransactionThreshold: 1000,
		LowBalanceThreshold:       10,
		SuspiciousActivityWindow:  5 * time.Minute,
		MaxTransactionsPerWindow:  10,
		MaxReconnectAttempts:      5,
		ReconnectBaseDelay:        time.Second,
		EnableNotifications:       true,
		EventBufferSize:           200,
	}
}

// Monitor consumes the watched account's live transaction stream, turns
// operations into typed events, evaluates security rules, and manages its
// own reconnection lifecycle.
type Monitor struct {
	cfg      Config
	source   Source
	notifier notify.Notifier
	logger   *logrus.Logger

	mu               sync.Mutex
	state            State
	reconnectAttempt int
	events           []types.Event
	alerts           []types.Alert
	eventSubs        []func(types.Event)
	alertSubs        []func(types.Alert)
	history          map[string][]time.Time
	reconnectTimer   *time.Timer
	cancelStream     context.CancelFunc
	alertSeq         uint64

	wg  sync.WaitGroup
	now func() time.Time
}

// New builds a monitor. notifier may be nil; notifications are then
// disabled regardless of config.
func New(cfg Config, source Source, notifier notify.Notifier, logger *logrus.Logger) *Monitor {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 200
	}
	if notifier == nil {
		notifier = notify.NoOpNotifier{}
		cfg.EnableNotifications = false
	}
	return &Monitor{
		cfg:      cfg,
		source:   source,
		notifier: notifier,
		logger:   logger,
		history:  make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Start validates the watched account, runs the initial balance check, and
// opens the live subscription at cursor "now". On any setup failure the
// monitor stays stopped.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = StateStarting
	m.reconnectAttempt = 0
	m.mu.Unlock()

	account, err := m.loadAccount(ctx)
	if err != nil {
		m.setState(StateStopped)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidAccount, m.cfg.AccountID)
		}
		return fmt.Errorf("failed to load watched account: %w", err)
	}

	m.evaluateBalance(account)

	m.mu.Lock()
	streamCtx, cancel := context.WithCancel(context.Background())
	m.cancelStream = cancel
	m.state = StateStreaming
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runStream(streamCtx)

	m.logger.WithFields(logrus.Fields{
		"account": m.cfg.AccountID,
	}).Info("Account monitor started")
	return nil
}

// Stop tears down the subscription and cancels any pending reconnect.
// Event and alert history is retained.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Account monitor stopped")
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnEvent registers a subscriber for classified events. Subscriber panics
// are isolated per delivery.
func (m *Monitor) OnEvent(fn func(types.Event)) {
	m.mu.Lock()
	m.eventSubs = append(m.eventSubs, fn)
	m.mu.Unlock()
}

// OnAlert registers a subscriber for security alerts.
func (m *Monitor) OnAlert(fn func(types.Alert)) {
	m.mu.Lock()
	m.alertSubs = append(m.alertSubs, fn)
	m.mu.Unlock()
}

// Events returns the retained events, oldest first.
func (m *Monitor) Events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Alerts returns all alerts raised since construction.
func (m *Monitor) Alerts() []types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// UnacknowledgedAlerts filters to alerts not yet acknowledged.
func (m *Monitor) UnacknowledgedAlerts() []types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Alert
	for _, a := range m.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// AcknowledgeAlert flips the acknowledged flag; returns false for unknown ids.
func (m *Monitor) AcknowledgeAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

// AcknowledgeEvent flips the acknowledged flag; returns false for unknown ids.
func (m *Monitor) AcknowledgeEvent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Acknowledged = true
			return true
		}
	}
	return false
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) loadAccount(ctx context.Context) (*ledger.Account, error) {
	var account *ledger.Account
	err := m.source.Execute(ctx, func(ctx context.Context, client ledger.Client) error {
		var err error
		account, err = client.LoadAccount(ctx, m.cfg.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (m *Monitor) runStream(ctx context.Context) {
	defer m.wg.Done()

	txCh := make(chan ledger.Transaction, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.source.Subscribe(ctx, m.cfg.AccountID, "now", txCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-txCh:
			m.resetReconnectAttempts()
			m.HandleTransaction(ctx, tx)
		case err := <-errCh:
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errors.New("stream closed unexpectedly")
			}
			m.handleStreamError(err)
			return
		}
	}
}

// resetReconnectAttempts clears the backoff counter once the stream proves
// healthy by delivering activity.
func (m *Monitor) resetReconnectAttempts() {
	m.mu.Lock()
	m.reconnectAttempt = 0
	m.mu.Unlock()
}

// HandleTransaction processes one observed transaction: classify its
// operations into events, evaluate the security rules exactly once, and
// refresh the balance view. Exported for the stream loop and tests.
func (m *Monitor) HandleTransaction(ctx context.Context, tx ledger.Transaction) {
	for _, op := range tx.Operations {
		event := m.classifyOperation(tx, op)
		m.appendEvent(event)
		m.broadcastEvent(event)
		m.checkLargeTransaction(op)
	}

	m.checkSuspiciousActivity(tx)
	m.checkLowBalance(ctx)
}

// classifyOperation maps an operation to a typed event, defaulting to a
// data event for anything unrecognized.
func (m *Monitor) classifyOperation(tx ledger.Transaction, op ledger.Operation) types.Event {
	var eventType types.EventType
	var details string

	switch op.Type {
	case ledger.OpPayment, ledger.OpPathPaymentStrictSend, ledger.OpPathPaymentStrictRecv:
		eventType = types.EventPayment
		details = fmt.Sprintf("payment of %s %s from %s to %s", op.Amount, op.Asset, op.From, op.To)
	case ledger.OpCreateAccount:
		eventType = types.EventAccountCreated
		details = fmt.Sprintf("account %s created with starting balance %s", op.To, op.Amount)
	case ledger.OpChangeTrust:
		eventType = types.EventTrustline
		details = fmt.Sprintf("trustline change for asset %s", op.Asset)
	case ledger.OpManageSellOffer, ledger.OpManageBuyOffer:
		eventType = types.EventOffer
		details = fmt.Sprintf("offer on asset %s for amount %s", op.Asset, op.Amount)
	case ledger.OpManageData:
		eventType = types.EventData
		details = fmt.Sprintf("data entry %q updated", op.Name)
	default:
		eventType = types.EventData
		details = fmt.Sprintf("unclassified operation of type %s", op.Type)
	}

	ts := tx.CreatedAt
	if ts.IsZero() {
		ts = m.now()
	}

	return types.Event{
		ID:        fmt.Sprintf("%s-%s", tx.ID, op.ID),
		Type:      eventType,
		Timestamp: ts,
		Details:   details,
		Severity:  types.SeverityInfo,
	}
}

func (m *Monitor) appendEvent(event types.Event) {
	m.mu.Lock()
	m.events = append(m.events, event)
	if len(m.events) > m.cfg.EventBufferSize {
		m.events = m.events[len(m.events)-m.cfg.EventBufferSize:]
	}
	m.mu.Unlock()
}

func (m *Monitor) broadcastEvent(event types.Event) {
	m.mu.Lock()
	subs := make([]func(types.Event), len(m.eventSubs))
	copy(subs, m.eventSubs)
	m.mu.Unlock()

	for i, fn := range subs {
		m.deliverEvent(i, fn, event)
	}
}

// deliverEvent isolates one subscriber call so a faulty handler cannot
// break delivery to the rest.
func (m *Monitor) deliverEvent(idx int, fn func(types.Event), event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"subscriber": idx,
				"event_id":   event.ID,
				"panic":      r,
			}).Error("Event subscriber panicked")
		}
	}()
	fn(event)
}

// checkLargeTransaction raises an alert for native-asset payments at or
// above the threshold; double the threshold escalates to critical.
func (m *Monitor) checkLargeTransaction(op ledger.Operation) {
	switch op.Type {
	case ledger.OpPayment, ledger.OpPathPaymentStrictSend, ledger.OpPathPaymentStrictRecv:
	default:
		return
	}
	if op.Asset != ledger.NativeAsset {
		return
	}
	amount, err := strconv.ParseFloat(op.Amount, 64)
	if err != nil {
		m.logger.Warnf("Unparseable payment amount %q in operation %s", op.Amount, op.ID)
		return
	}
	if amount < m.cfg.LargeTransactionThreshold {
		return
	}

	severity := types.SeverityWarning
	if amount >= 2*m.cfg.LargeTransactionThreshold {
		severity = types.SeverityCritical
	}
	m.raiseAlert(types.AlertLargeTransaction,
		fmt.Sprintf("large payment of %s detected (threshold %g)", op.Amount, m.cfg.LargeTransactionThreshold),
		severity,
		map[string]string{
			"amount": op.Amount,
			"from":   op.From,
			"to":     op.To,
		})
}

// checkSuspiciousActivity maintains a sliding window of per-source
// transaction timestamps. Must be called exactly once per observed
// transaction; a second call for the same transaction would double-count.
func (m *Monitor) checkSuspiciousActivity(tx ledger.Transaction) {
	if tx.Source == "" {
		return
	}

	m.mu.Lock()
	now := m.now()
	cutoff := now.Add(-m.cfg.SuspiciousActivityWindow)
	kept := m.history[tx.Source][:0]
	for _, t := range m.history[tx.Source] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.history[tx.Source] = kept
	count := len(kept)
	m.mu.Unlock()

	if count <= m.cfg.MaxTransactionsPerWindow {
		return
	}
	m.raiseAlert(types.AlertSuspiciousActivity,
		fmt.Sprintf("%d transactions from %s within %s", count, tx.Source, m.cfg.SuspiciousActivityWindow),
		types.SeverityCritical,
		map[string]string{
			"source": tx.Source,
			"count":  strconv.Itoa(count),
			"window": m.cfg.SuspiciousActivityWindow.String(),
		})
}

// checkLowBalance reloads the account and alerts when the native balance
// dips below the threshold, escalating below half of it.
func (m *Monitor) checkLowBalance(ctx context.Context) {
	account, err := m.loadAccount(ctx)
	if err != nil {
		m.logger.Warnf("Balance reload failed: %v", err)
		return
	}
	m.evaluateBalance(account)
}

func (m *Monitor) evaluateBalance(account *ledger.Account) {
	balance, err := strconv.ParseFloat(account.NativeBalance(), 64)
	if err != nil {
		m.logger.Warnf("Unparseable native balance %q", account.NativeBalance())
		return
	}
	if balance >= m.cfg.LowBalanceThreshold {
		return
	}

	severity := types.SeverityWarning
	if balance < m.cfg.LowBalanceThreshold/2 {
		severity = types.SeverityCritical
	}
	m.raiseAlert(types.AlertLowBalance,
		fmt.Sprintf("native balance %g below threshold %g", balance, m.cfg.LowBalanceThreshold),
		severity,
		map[string]string{"balance": account.NativeBalance()})
}

func (m *Monitor) raiseAlert(alertType types.AlertType, message string, severity types.Severity, metadata map[string]string) {
	m.mu.Lock()
	m.alertSeq++
	alert := types.Alert{
		ID:        fmt.Sprintf("alert-%d", m.alertSeq),
		Type:      alertType,
		Message:   message,
		Timestamp: m.now(),
		Severity:  severity,
		Metadata:  metadata,
	}
	m.alerts = append(m.alerts, alert)
	subs := make([]func(types.Alert), len(m.alertSubs))
	copy(subs, m.alertSubs)
	forward := m.cfg.EnableNotifications
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"type":     alertType,
		"severity": severity,
	}).Warn(message)

	for i, fn := range subs {
		m.deliverAlert(i, fn, alert)
	}

	if forward {
		m.sendNotification(alert)
	}
}

func (m *Monitor) deliverAlert(idx int, fn func(types.Alert), alert types.Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"subscriber": idx,
				"alert_id":   alert.ID,
				"panic":      r,
			}).Error("Alert subscriber panicked")
		}
	}()
	fn(alert)
}

func (m *Monitor) sendNotification(alert types.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := types.Notification{
		Title:    fmt.Sprintf("Security alert: %s", alert.Type),
		Body:     alert.Message,
		Severity: alert.Severity,
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warnf("Failed to forward alert %s to notifier: %v", alert.ID, err)
	}
}

// handleStreamError schedules a reconnect with exponential delay, or gives
// up with a critical alert once the attempt budget is spent.
func (m *Monitor) handleStreamError(err error) {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}

	// runStream has already returned; nothing else releases the failed
	// stream's context.
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}

	attempt := m.reconnectAttempt
	if attempt >= m.cfg.MaxReconnectAttempts {
		m.state = StateStopped
		m.mu.Unlock()

		m.logger.Errorf("Stream failed permanently after %d reconnect attempts: %v", attempt, err)
		m.raiseAlert(types.AlertUnusualPattern,
			fmt.Sprintf("account stream lost and not recovered after %d attempts", attempt),
			types.SeverityCritical,
			map[string]string{"last_error": err.Error()})
		return
	}

	m.reconnectAttempt = attempt + 1
	m.state = StateReconnecting
	delay := m.cfg.ReconnectBaseDelay << uint(attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
		"error":   err,
	}).Warn("Stream error, reconnect scheduled")
}

func (m *Monitor) reconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if m.cancelStream != nil {
		m.cancelStream()
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	m.cancelStream = cancel
	m.reconnectTimer = nil
	m.state = StateStreaming
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runStream(streamCtx)
}
