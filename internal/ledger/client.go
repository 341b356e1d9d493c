package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NativeAsset is the asset code of the network's native token.
const NativeAsset = "native"

// OperationType is the closed set of operation kinds the indexing service
// reports. Anything outside this set is carried through as OpManageData's
// sibling fallback by the monitor, never dropped.
type OperationType string

const (
	OpPayment               OperationType = "payment"
	OpCreateAccount         OperationType = "create_account"
	OpChangeTrust           OperationType = "change_trust"
	OpManageSellOffer       OperationType = "manage_sell_offer"
	OpManageBuyOffer        OperationType = "manage_buy_offer"
	OpPathPaymentStrictSend OperationType = "path_payment_strict_send"
	OpPathPaymentStrictRecv OperationType = "path_payment_strict_receive"
	OpManageData            OperationType = "manage_data"
)

// Balance is one asset line on an account.
type Balance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Account is the indexing service's view of a ledger account.
type Account struct {
	ID       string    `json:"id"`
	Sequence string    `json:"sequence"`
	Balances []Balance `json:"balances"`
}

// NativeBalance returns the native-asset amount, or "0" if the account
// holds no native line.
func (a *Account) NativeBalance() string {
	for _, b := range a.Balances {
		if b.Asset == NativeAsset {
			return b.Amount
		}
	}
	return "0"
}

// Operation is a single operation inside a transaction.
type Operation struct {
	ID     string        `json:"id"`
	Type   OperationType `json:"type"`
	From   string        `json:"from,omitempty"`
	To     string        `json:"to,omitempty"`
	Asset  string        `json:"asset,omitempty"`
	Amount string        `json:"amount,omitempty"`
	Name   string        `json:"name,omitempty"`
	Value  string        `json:"value,omitempty"`
}

// Transaction is a ledger transaction with its operations expanded.
type Transaction struct {
	ID         string      `json:"id"`
	Hash       string      `json:"hash"`
	Source     string      `json:"source_account"`
	CreatedAt  time.Time   `json:"created_at"`
	Operations []Operation `json:"operations"`
}

// Error is a typed failure from the indexing service.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger: status %d: %s", e.Status, e.Detail)
}

// ErrAccountNotFound indicates the requested account does not exist on the
// ledger (or is not yet funded).
var ErrAccountNotFound = errors.New("ledger: account not found")

// IsRateLimited reports whether err represents server-side throttling,
// either a 429 status or a throttle-flavoured message.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) && le.Status == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "throttle")
}

// Client is the read surface of the indexing service used by the pool,
// the accounts service and the event monitor.
type Client interface {
	// LoadAccount fetches an account with its balances. Returns
	// ErrAccountNotFound for unknown accounts.
	LoadAccount(ctx context.Context, accountID string) (*Account, error)

	// Transactions returns the most recent transactions for an account,
	// newest first, operations expanded.
	Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)

	// SubscribeTransactions opens a live stream of new transactions for an
	// account starting at the given cursor ("now" catches only new
	// activity). Blocks until the stream fails or ctx is cancelled;
	// returns nil on cancellation.
	SubscribeTransactions(ctx context.Context, accountID, cursor string, txCh chan<- Transaction) error

	// Ping issues a lightweight read to verify the connection is usable.
	Ping(ctx context.Context) error

	// Close releases the underlying transport.
	Close() error
}
