package pool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/ledgerguard/internal/ledger"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeClient is a scriptable ledger client for pool tests.
type fakeClient struct {
	id       int
	pingErr  error
	pings    int32
	executed int32
}

func (f *fakeClient) LoadAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return &ledger.Account{ID: accountID}, nil
}

func (f *fakeClient) Transactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	return nil, nil
}

func (f *fakeClient) SubscribeTransactions(ctx context.Context, accountID, cursor string, txCh chan<- ledger.Transaction) error {
	<-ctx.Done()
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	atomic.AddInt32(&f.pings, 1)
	return f.pingErr
}

func (f *fakeClient) Close() error { return nil }

func newTestPool(t *testing.T, clients []*fakeClient, maxRetries int) *Pool {
	t.Helper()
	i := 0
	cfg := Config{
		Size:                len(clients),
		HealthCheckInterval: time.Hour, // driven manually via CheckNow
		MaxRetries:          maxRetries,
		MaxInFlight:         50,
	}
	p, err := New(cfg, func() (ledger.Client, error) {
		c := clients[i]
		i++
		return c, nil
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestExecuteFailsFastWithNoHealthyConnections(t *testing.T) {
	clients := []*fakeClient{{id: 0, pingErr: errors.New("down")}, {id: 1, pingErr: errors.New("down")}}
	p := newTestPool(t, clients, 3)
	p.CheckNow()

	called := false
	err := p.Execute(context.Background(), func(ctx context.Context, client ledger.Client) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrNoHealthyConnections)
	assert.False(t, called, "operation must not be attempted")
}

func TestConnectionDemotedAfterRepeatedErrors(t *testing.T) {
	clients := []*fakeClient{{id: 0}}
	p := newTestPool(t, clients, 3)

	failing := func(ctx context.Context, client ledger.Client) error {
		return errors.New("boom")
	}

	// Two exhausted executions push the error count past the demotion
	// threshold (3 attempts each).
	require.Error(t, p.Execute(context.Background(), failing))
	require.Error(t, p.Execute(context.Background(), failing))

	err := p.Execute(context.Background(), failing)
	require.ErrorIs(t, err, ErrNoHealthyConnections)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Healthy)
	assert.Greater(t, stats.Connections[0].Errors, uint64(errorDemotionThreshold))
}

func TestSelectionPrefersLeastLoaded(t *testing.T) {
	clients := []*fakeClient{{id: 0}, {id: 1}, {id: 2}}
	p := newTestPool(t, clients, 3)

	atomic.StoreInt64(&p.conns[0].activeRequests, 5)
	atomic.StoreInt64(&p.conns[2].activeRequests, 2)

	conn, err := p.next()
	require.NoError(t, err)
	assert.Equal(t, 1, conn.id)
}

func TestUnhealthyConnectionsExcludedFromRouting(t *testing.T) {
	clients := []*fakeClient{
		{id: 0, pingErr: errors.New("down")},
		{id: 1},
		{id: 2, pingErr: errors.New("down")},
	}
	p := newTestPool(t, clients, 3)
	p.CheckNow()

	for i := 0; i < 10; i++ {
		err := p.Execute(context.Background(), func(ctx context.Context, client ledger.Client) error {
			atomic.AddInt32(&client.(*fakeClient).executed, 1)
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(0), clients[0].executed)
	assert.Equal(t, int32(10), clients[1].executed)
	assert.Equal(t, int32(0), clients[2].executed)

	for _, cs := range p.Stats().Connections {
		assert.Equal(t, int64(0), cs.ActiveRequests, "load accounting must return to zero")
	}
}

func TestHealthCheckRestoresConnection(t *testing.T) {
	clients := []*fakeClient{{id: 0, pingErr: errors.New("down")}}
	p := newTestPool(t, clients, 3)

	p.CheckNow()
	assert.Equal(t, 0, p.Stats().Healthy)

	clients[0].pingErr = nil
	p.CheckNow()
	stats := p.Stats()
	assert.Equal(t, 1, stats.Healthy)
	assert.Equal(t, uint64(0), stats.Connections[0].Errors, "recovery resets the error count")
}

func TestExecuteRetriesOnAnotherConnection(t *testing.T) {
	clients := []*fakeClient{{id: 0}, {id: 1}}
	p := newTestPool(t, clients, 3)

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context, client ledger.Client) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPanickingOperationReleasesLoadAccounting(t *testing.T) {
	clients := []*fakeClient{{id: 0}}
	p := newTestPool(t, clients, 3)

	require.Panics(t, func() {
		_ = p.Execute(context.Background(), func(ctx context.Context, client ledger.Client) error {
			panic("handler blew up")
		})
	})

	assert.Equal(t, int64(0), p.Stats().Connections[0].ActiveRequests)

	// The connection keeps serving once the panic has unwound.
	require.NoError(t, p.Execute(context.Background(), func(ctx context.Context, client ledger.Client) error {
		return nil
	}))
}

func TestExecuteUpdatesStats(t *testing.T) {
	clients := []*fakeClient{{id: 0}}
	p := newTestPool(t, clients, 3)

	require.NoError(t, p.Execute(context.Background(), func(ctx context.Context, client ledger.Client) error {
		return nil
	}))

	cs := p.Stats().Connections[0]
	assert.Equal(t, uint64(1), cs.TotalRequests)
	assert.Equal(t, uint64(0), cs.Errors)
	assert.False(t, cs.LastUsed.IsZero())
}
