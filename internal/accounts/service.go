package accounts

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/cache"
	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/ratelimit"
	"github.com/quillhq/ledgerguard/internal/types"
)

// historyPageSize is how many transactions a history read fetches.
const historyPageSize = 20

// Executor is the slice of the connection pool the service needs.
type Executor interface {
	Execute(ctx context.Context, op func(ctx context.Context, client ledger.Client) error) error
}

// Service is the read path every feature goes through: cache first, then a
// rate-limited fetch through the connection pool, result cached on the way
// out.
type Service struct {
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	pool    Executor
	logger  *logrus.Logger
}

func NewService(c *cache.Cache, limiter *ratelimit.Limiter, pool Executor, logger *logrus.Logger) *Service {
	return &Service{cache: c, limiter: limiter, pool: pool, logger: logger}
}

// GetBalances returns the account's balances, served from cache when fresh.
func (s *Service) GetBalances(ctx context.Context, accountID string) ([]ledger.Balance, error) {
	if balances, ok := s.cache.GetBalances(accountID); ok {
		return balances, nil
	}

	var account *ledger.Account
	err := s.limiter.Do(ctx, types.CategoryAPICall, "accounts", func(ctx context.Context) error {
		return s.pool.Execute(ctx, func(ctx context.Context, client ledger.Client) error {
			var err error
			account, err = client.LoadAccount(ctx, accountID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.cache.SetBalances(accountID, account.Balances)
	return account.Balances, nil
}

// GetTransactions returns recent transaction history, cache first.
func (s *Service) GetTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	if txs, ok := s.cache.GetHistory(accountID); ok {
		return txs, nil
	}

	var txs []ledger.Transaction
	err := s.limiter.Do(ctx, types.CategoryAPICall, "transactions", func(ctx context.Context) error {
		return s.pool.Execute(ctx, func(ctx context.Context, client ledger.Client) error {
			var err error
			txs, err = client.Transactions(ctx, accountID, historyPageSize)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.cache.SetHistory(accountID, txs)
	return txs, nil
}

// OnBalanceChange invalidates cached balances and history for the account.
func (s *Service) OnBalanceChange(accountID string) {
	s.cache.OnBalanceChange(accountID)
}

// OnNewTransaction invalidates only the cached history for the account.
func (s *Service) OnNewTransaction(accountID string) {
	s.cache.OnNewTransaction(accountID)
}
