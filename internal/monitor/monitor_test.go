package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeSource stands in for the connection pool.
type fakeSource struct {
	mu           sync.Mutex
	balance      string
	loadErr      error
	subscribeErr error
	txCh         chan ledger.Transaction
}

func newFakeSource(balance string) *fakeSource {
	return &fakeSource{balance: balance, txCh: make(chan ledger.Transaction)}
}

func (f *fakeSource) setBalance(balance string) {
	f.mu.Lock()
	f.balance = balance
	f.mu.Unlock()
}

func (f *fakeSource) Execute(ctx context.Context, op func(ctx context.Context, client ledger.Client) error) error {
	f.mu.Lock()
	loadErr := f.loadErr
	balance := f.balance
	f.mu.Unlock()
	if loadErr != nil {
		return loadErr
	}
	return op(ctx, &stubClient{balance: balance})
}

func (f *fakeSource) Subscribe(ctx context.Context, accountID, cursor string, txCh chan<- ledger.Transaction) error {
	f.mu.Lock()
	subscribeErr := f.subscribeErr
	f.mu.Unlock()
	if subscribeErr != nil {
		return subscribeErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case tx := <-f.txCh:
			select {
			case txCh <- tx:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type stubClient struct {
	balance string
}

func (s *stubClient) LoadAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return &ledger.Account{
		ID:       accountID,
		Balances: []ledger.Balance{{Asset: ledger.NativeAsset, Amount: s.balance}},
	}, nil
}

func (s *stubClient) Transactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	return nil, nil
}

func (s *stubClient) SubscribeTransactions(ctx context.Context, accountID, cursor string, txCh chan<- ledger.Transaction) error {
	return nil
}

func (s *stubClient) Ping(ctx context.Context) error { return nil }

func (s *stubClient) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig("GWATCHED")
	cfg.ReconnectBaseDelay = time.Millisecond
	return cfg
}

func paymentTx(id, source, amount string) ledger.Transaction {
	return ledger.Transaction{
		ID:        id,
		Source:    source,
		CreatedAt: time.Now(),
		Operations: []ledger.Operation{{
			ID:     "1",
			Type:   ledger.OpPayment,
			From:   source,
			To:     "GWATCHED",
			Asset:  ledger.NativeAsset,
			Amount: amount,
		}},
	}
}

func alertsOfType(m *Monitor, alertType types.AlertType) []types.Alert {
	var out []types.Alert
	for _, a := range m.Alerts() {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func TestLargeTransactionThresholds(t *testing.T) {
	tests := []struct {
		name         string
		amount       string
		wantAlerts   int
		wantSeverity types.Severity
	}{
		{name: "BelowThreshold", amount: "999.99", wantAlerts: 0},
		{name: "AtThreshold", amount: "1000", wantAlerts: 1, wantSeverity: types.SeverityWarning},
		{name: "DoubleThreshold", amount: "2000", wantAlerts: 1, wantSeverity: types.SeverityCritical},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := New(testConfig(), newFakeSource("5000"), nil, testLogger())
			m.HandleTransaction(context.Background(), paymentTx("tx-1", "GSENDER", tc.amount))

			alerts := alertsOfType(m, types.AlertLargeTransaction)
			require.Len(t, alerts, tc.wantAlerts)
			if tc.wantAlerts > 0 {
				assert.Equal(t, tc.wantSeverity, alerts[0].Severity)
			}
		})
	}
}

func TestNonNativePaymentsIgnoredByLargeTransactionRule(t *testing.T) {
	m := New(testConfig(), newFakeSource("5000"), nil, testLogger())

	tx := paymentTx("tx-1", "GSENDER", "99999")
	tx.Operations[0].Asset = "USDQ"
	m.HandleTransaction(context.Background(), tx)

	assert.Empty(t, alertsOfType(m, types.AlertLargeTransaction))
}

func TestSuspiciousActivitySlidingWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactionsPerWindow = 10
	cfg.SuspiciousActivityWindow = 5 * time.Minute
	m := New(cfg, newFakeSource("5000"), nil, testLogger())

	current := time.Unix(1700000000, 0)
	m.now = func() time.Time { return current }

	for i := 0; i < 11; i++ {
		m.HandleTransaction(context.Background(), paymentTx(fmt.Sprintf("tx-%d", i), "GSENDER", "1"))
		current = current.Add(time.Second)
	}

	alerts := alertsOfType(m, types.AlertSuspiciousActivity)
	require.Len(t, alerts, 1, "exactly one alert on the 11th transaction")
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "11", alerts[0].Metadata["count"])
}

func TestSuspiciousActivityWindowSlides(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactionsPerWindow = 3
	cfg.SuspiciousActivityWindow = time.Minute
	m := New(cfg, newFakeSource("5000"), nil, testLogger())

	current := time.Unix(1700000000, 0)
	m.now = func() time.Time { return current }

	// Three transactions, then a gap longer than the window: the pruned
	// count never exceeds the limit.
	for i := 0; i < 3; i++ {
		m.HandleTransaction(context.Background(), paymentTx(fmt.Sprintf("tx-%d", i), "GSENDER", "1"))
	}
	current = current.Add(2 * time.Minute)
	for i := 3; i < 6; i++ {
		m.HandleTransaction(context.Background(), paymentTx(fmt.Sprintf("tx-%d", i), "GSENDER", "1"))
	}

	assert.Empty(t, alertsOfType(m, types.AlertSuspiciousActivity))
}

func TestLowBalanceAlerts(t *testing.T) {
	tests := []struct {
		name         string
		balance      string
		wantAlerts   int
		wantSeverity types.Severity
	}{
		{name: "Healthy", balance: "50", wantAlerts: 0},
		{name: "BelowThreshold", balance: "9", wantAlerts: 1, wantSeverity: types.SeverityWarning},
		{name: "BelowHalfThreshold", balance: "4.9", wantAlerts: 1, wantSeverity: types.SeverityCritical},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := New(testConfig(), newFakeSource(tc.balance), nil, testLogger())
			m.HandleTransaction(context.Background(), paymentTx("tx-1", "GSENDER", "1"))

			alerts := alertsOfType(m, types.AlertLowBalance)
			require.Len(t, alerts, tc.wantAlerts)
			if tc.wantAlerts > 0 {
				assert.Equal(t, tc.wantSeverity, alerts[0].Severity)
			}
		})
	}
}

func TestOperationClassification(t *testing.T) {
	tests := []struct {
		opType ledger.OperationType
		want   types.EventType
	}{
		{ledger.OpPayment, types.EventPayment},
		{ledger.OpPathPaymentStrictSend, types.EventPayment},
		{ledger.OpPathPaymentStrictRecv, types.EventPayment},
		{ledger.OpCreateAccount, types.EventAccountCreated},
		{ledger.OpChangeTrust, types.EventTrustline},
		{ledger.OpManageSellOffer, types.EventOffer},
		{ledger.OpManageBuyOffer, types.EventOffer},
		{ledger.OpManageData, types.EventData},
		{ledger.OperationType("inflation"), types.EventData}, // safe default
	}

	m := New(testConfig(), newFakeSource("5000"), nil, testLogger())
	for i, tc := range tests {
		tx := ledger.Transaction{
			ID:         fmt.Sprintf("tx-%d", i),
			Source:     "GSENDER",
			Operations: []ledger.Operation{{ID: "1", Type: tc.opType, Amount: "1", Asset: "USDQ"}},
		}
		m.HandleTransaction(context.Background(), tx)
	}

	events := m.Events()
	require.Len(t, events, len(tests))
	for i, tc := range tests {
		assert.Equal(t, tc.want, events[i].Type, "operation %s", tc.opType)
	}
}

func TestEventIDsAreUniqueAndBufferBounded(t *testing.T) {
	cfg := testConfig()
	cfg.EventBufferSize = 5
	m := New(cfg, newFakeSource("5000"), nil, testLogger())

	for i := 0; i < 20; i++ {
		m.HandleTransaction(context.Background(), paymentTx(fmt.Sprintf("tx-%d", i), "GSENDER", "1"))
	}

	events := m.Events()
	require.Len(t, events, 5)
	seen := map[string]bool{}
	for _, e := range events {
		assert.False(t, seen[e.ID], "duplicate event id %s", e.ID)
		seen[e.ID] = true
	}
	assert.Equal(t, "tx-19-1", events[4].ID, "most recent events are retained")
}

func TestSubscriberPanicIsolation(t *testing.T) {
	m := New(testConfig(), newFakeSource("5000"), nil, testLogger())

	var delivered []string
	m.OnEvent(func(e types.Event) { panic("bad handler") })
	m.OnEvent(func(e types.Event) { delivered = append(delivered, e.ID) })

	m.HandleTransaction(context.Background(), paymentTx("tx-1", "GSENDER", "1"))

	assert.Equal(t, []string{"tx-1-1"}, delivered)
}

func TestAcknowledge(t *testing.T) {
	m := New(testConfig(), newFakeSource("5000"), nil, testLogger())
	m.HandleTransaction(context.Background(), paymentTx("tx-1", "GSENDER", "5000"))

	alerts := m.UnacknowledgedAlerts()
	require.NotEmpty(t, alerts)

	assert.True(t, m.AcknowledgeAlert(alerts[0].ID))
	for _, a := range m.UnacknowledgedAlerts() {
		assert.NotEqual(t, alerts[0].ID, a.ID)
	}
	assert.False(t, m.AcknowledgeAlert("no-such-alert"))

	events := m.Events()
	require.NotEmpty(t, events)
	assert.True(t, m.AcknowledgeEvent(events[0].ID))
	assert.True(t, m.Events()[0].Acknowledged)
	assert.False(t, m.AcknowledgeEvent("no-such-event"))
}

func TestStartRejectsInvalidAccount(t *testing.T) {
	source := newFakeSource("100")
	source.loadErr = ledger.ErrAccountNotFound
	m := New(testConfig(), source, nil, testLogger())

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidAccount)
	assert.Equal(t, StateStopped, m.State())
}

func TestStartRunsInitialBalanceCheck(t *testing.T) {
	m := New(testConfig(), newFakeSource("3"), nil, testLogger())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	alerts := alertsOfType(m, types.AlertLowBalance)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)
}

func TestStartStopLifecycle(t *testing.T) {
	source := newFakeSource("100")
	m := New(testConfig(), source, nil, testLogger())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateStreaming, m.State())
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	// Deliver a transaction through the live stream.
	source.txCh <- paymentTx("tx-1", "GSENDER", "1")
	require.Eventually(t, func() bool {
		return len(m.Events()) == 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.Equal(t, StateStopped, m.State())
	assert.Len(t, m.Events(), 1, "history survives stop")

	// The monitor can be started again after a stop.
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}

func TestReconnectExhaustionRaisesCriticalAlert(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	source := newFakeSource("100")
	source.subscribeErr = errors.New("stream torn down")
	m := New(cfg, source, nil, testLogger())

	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(alertsOfType(m, types.AlertUnusualPattern)) == 1
	}, time.Second, 5*time.Millisecond)

	alert := alertsOfType(m, types.AlertUnusualPattern)[0]
	assert.Equal(t, types.SeverityCritical, alert.Severity)
	assert.Equal(t, StateStopped, m.State())
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Hour // reconnect must never fire
	source := newFakeSource("100")
	source.subscribeErr = errors.New("stream torn down")
	m := New(cfg, source, nil, testLogger())

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.Equal(t, StateStopped, m.State())
	assert.Empty(t, alertsOfType(m, types.AlertUnusualPattern))
}

// cancelTrackingSource fails every subscription and records a channel per
// stream that closes once that stream's context is cancelled.
type cancelTrackingSource struct {
	mu      sync.Mutex
	streams []chan struct{}
}

func (f *cancelTrackingSource) Execute(ctx context.Context, op func(ctx context.Context, client ledger.Client) error) error {
	return op(ctx, &stubClient{balance: "100"})
}

func (f *cancelTrackingSource) Subscribe(ctx context.Context, accountID, cursor string, txCh chan<- ledger.Transaction) error {
	cancelled := make(chan struct{})
	f.mu.Lock()
	f.streams = append(f.streams, cancelled)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(cancelled)
	}()
	return errors.New("stream torn down")
}

func TestFailedStreamContextsAreCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	source := &cancelTrackingSource{}
	m := New(cfg, source, nil, testLogger())

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return m.State() == StateStopped
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	source.mu.Lock()
	streams := append([]chan struct{}(nil), source.streams...)
	source.mu.Unlock()
	require.Len(t, streams, 3, "initial attempt plus two reconnects")

	for i, cancelled := range streams {
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatalf("stream %d context was never cancelled", i)
		}
	}
}
