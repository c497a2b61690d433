package store

import (
	"context"

	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/store/schema"
)

// UserPosition is the assembled per-user view: one balance pair per market
// the user has touched.
type UserPosition struct {
	UserAddress string
	Balances    map[string]domain.BalancePair
}

// Store defines the interface for ledger persistence. Balance arithmetic is
// expressed inside the store so concurrent writers serialize at the storage
// layer instead of racing through application-level read-then-write.
type Store interface {
	// WithTransaction runs fn against a store view bound to a single storage
	// transaction. An error from fn rolls back every write made through that
	// view.
	WithTransaction(ctx context.Context, fn func(Store) error) error

	// AppendTransaction inserts a transaction record; a duplicate
	// (tx_hash, log_index) is a no-op. Returns whether a new row was created,
	// which callers use as the replay-detection gate for delta updates.
	AppendTransaction(ctx context.Context, event *domain.IndexedEvent) (bool, error)

	// ReadPosition retrieves the balance pairs for a user, or nil if the user
	// has never been touched
	ReadPosition(ctx context.Context, userAddress string) (*UserPosition, error)

	// SetBorrowed overwrites the borrowed side of a (user, token) pair with a
	// protocol-reported absolute total, creating the row if absent
	SetBorrowed(ctx context.Context, userAddress, tokenSymbol, borrowed string) error

	// CreditSupplied atomically adds to the supplied side of a (user, token)
	// pair, creating the row if absent
	CreditSupplied(ctx context.Context, userAddress, tokenSymbol, amount string) error

	// DebitSupplied atomically subtracts from the supplied side, clamping at
	// zero. Returns whether the clamp fired (requested amount exceeded the
	// stored balance).
	DebitSupplied(ctx context.Context, userAddress, tokenSymbol, amount string) (bool, error)

	// TransferSupplied moves supplied balance between two users in a single
	// storage transaction: debit (clamped) on the sender, unconditional credit
	// on the receiver. Returns whether the sender clamp fired.
	TransferSupplied(ctx context.Context, fromAddress, toAddress, tokenSymbol, amount string) (bool, error)

	// DebitBorrowed atomically subtracts from the borrowed side, clamping at
	// zero. Returns whether the clamp fired.
	DebitBorrowed(ctx context.Context, userAddress, tokenSymbol, amount string) (bool, error)

	// LinkAddress records that a user has interacted with a market;
	// insert-or-ignore per (user, token) pair
	LinkAddress(ctx context.Context, userAddress, tokenSymbol, tokenAddress string) error

	// RecordFault appends a processing-anomaly record
	RecordFault(ctx context.Context, fault schema.FaultRecord) error

	// GetBlockCursor retrieves the last processed block number for a market
	GetBlockCursor(ctx context.Context, market string) (uint64, error)
	// SetBlockCursor stores the last processed block number for a market
	SetBlockCursor(ctx context.Context, market string, blockNumber uint64) error
}
