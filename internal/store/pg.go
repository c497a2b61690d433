package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection by accessing the underlying *sql.DB.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings
// into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
//
// Notes:
//   - database/sql treats MaxOpenConns=0 as "unlimited"
//   - database/sql treats MaxIdleConns=0 as "no idle connections"
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// WithTransaction runs fn against a store bound to a single database
// transaction. Nested balance operations reuse the transaction through
// gorm's savepoint handling.
func (s *pgStore) WithTransaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgStore{db: tx})
	})
}

// AppendTransaction inserts a transaction record with ON CONFLICT DO NOTHING
// on (tx_hash, log_index). A zero ID after the insert means the row already
// existed, which is expected when the same chain log is redelivered.
func (s *pgStore) AppendTransaction(ctx context.Context, event *domain.IndexedEvent) (bool, error) {
	record := schema.TransactionRecord{
		TxHash:          event.TxHash,
		LogIndex:        event.LogIndex,
		EventKind:       string(event.Kind),
		UserAddress:     event.User,
		TokenSymbol:     event.TokenSymbol,
		TokenAddress:    event.TokenAddress,
		Amount:          event.Amount,
		SecondaryAmount: event.SecondaryAmount,
		AccountBorrows:  event.AccountBorrows,
		RelatedAddress:  event.RelatedAddress,
		BlockNumber:     event.BlockNumber,
		Timestamp:       event.Timestamp,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Clauses(clause.Returning{Columns: []clause.Column{}}).
		Create(&record).Error
	if err != nil {
		return false, fmt.Errorf("failed to append transaction record: %w", err)
	}

	return record.ID != 0, nil
}

// ReadPosition retrieves all balance pairs for a user
func (s *pgStore) ReadPosition(ctx context.Context, userAddress string) (*UserPosition, error) {
	var rows []schema.Position
	err := s.db.WithContext(ctx).
		Where("user_address = ?", userAddress).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	position := &UserPosition{
		UserAddress: userAddress,
		Balances:    make(map[string]domain.BalancePair, len(rows)),
	}
	for _, row := range rows {
		position.Balances[row.TokenSymbol] = domain.BalancePair{
			Supplied: row.Supplied,
			Borrowed: row.Borrowed,
		}
	}

	return position, nil
}

// SetBorrowed overwrites the borrowed side with a protocol-reported absolute
// total. Overwrite semantics make replays of the same Borrow/RepayBorrow
// event converge on the same value.
func (s *pgStore) SetBorrowed(ctx context.Context, userAddress, tokenSymbol, borrowed string) error {
	row := schema.Position{
		UserAddress: userAddress,
		TokenSymbol: tokenSymbol,
		Supplied:    "0",
		Borrowed:    borrowed,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_address"}, {Name: "token_symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"borrowed", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to set borrowed balance: %w", err)
	}

	return nil
}

// CreditSupplied adds to the supplied side in a single atomic statement; the
// arithmetic runs inside the upsert so concurrent credits cannot lose updates.
func (s *pgStore) CreditSupplied(ctx context.Context, userAddress, tokenSymbol, amount string) error {
	return s.creditSupplied(s.db.WithContext(ctx), userAddress, tokenSymbol, amount)
}

func (s *pgStore) creditSupplied(tx *gorm.DB, userAddress, tokenSymbol, amount string) error {
	row := schema.Position{
		UserAddress: userAddress,
		TokenSymbol: tokenSymbol,
		Supplied:    amount,
		Borrowed:    "0",
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_address"}, {Name: "token_symbol"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"supplied":   gorm.Expr("positions.supplied + EXCLUDED.supplied"),
			"updated_at": gorm.Expr("now()"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to credit supplied balance: %w", err)
	}

	return nil
}

// DebitSupplied subtracts from the supplied side, clamping at zero
func (s *pgStore) DebitSupplied(ctx context.Context, userAddress, tokenSymbol, amount string) (bool, error) {
	var clamped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		clamped, err = s.debitColumn(tx, userAddress, tokenSymbol, "supplied", amount)
		return err
	})
	return clamped, err
}

// DebitBorrowed subtracts from the borrowed side, clamping at zero. Used by
// the liquidation path, where the protocol reports no absolute total.
func (s *pgStore) DebitBorrowed(ctx context.Context, userAddress, tokenSymbol, amount string) (bool, error) {
	var clamped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		clamped, err = s.debitColumn(tx, userAddress, tokenSymbol, "borrowed", amount)
		return err
	})
	return clamped, err
}

// TransferSupplied applies both sides of an ordinary transfer in one storage
// transaction: clamped debit on the sender, unconditional credit on the
// receiver. Both position rows are seeded and locked in canonical address
// order, so concurrent opposite-direction transfers between the same pair
// acquire the two row locks in the same sequence and cannot deadlock.
func (s *pgStore) TransferSupplied(ctx context.Context, fromAddress, toAddress, tokenSymbol, amount string) (bool, error) {
	var clamped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ordered := []string{fromAddress, toAddress}
		if ordered[1] < ordered[0] {
			ordered[0], ordered[1] = ordered[1], ordered[0]
		}

		for _, address := range ordered {
			seed := schema.Position{
				UserAddress: address,
				TokenSymbol: tokenSymbol,
				Supplied:    "0",
				Borrowed:    "0",
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_address"}, {Name: "token_symbol"}},
				DoNothing: true,
			}).Create(&seed).Error; err != nil {
				return fmt.Errorf("failed to seed position row: %w", err)
			}
		}

		var rows []schema.Position
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_address IN ? AND token_symbol = ?", ordered, tokenSymbol).
			Order("user_address").
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to lock position rows: %w", err)
		}

		var senderSupplied string
		for _, row := range rows {
			if row.UserAddress == fromAddress {
				senderSupplied = row.Supplied
			}
		}
		clamped, err = lessThan(senderSupplied, amount)
		if err != nil {
			return err
		}

		err = tx.Model(&schema.Position{}).
			Where("user_address = ? AND token_symbol = ?", fromAddress, tokenSymbol).
			Updates(map[string]interface{}{
				"supplied":   gorm.Expr("GREATEST(supplied - ?::numeric, 0)", amount),
				"updated_at": gorm.Expr("now()"),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to debit supplied balance: %w", err)
		}

		err = tx.Model(&schema.Position{}).
			Where("user_address = ? AND token_symbol = ?", toAddress, tokenSymbol).
			Updates(map[string]interface{}{
				"supplied":   gorm.Expr("supplied + ?::numeric", amount),
				"updated_at": gorm.Expr("now()"),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to credit supplied balance: %w", err)
		}

		return nil
	})
	return clamped, err
}

// debitColumn locks the (user, token) row, detects underflow against the
// locked value, then applies GREATEST(column - amount, 0). The row lock
// serializes concurrent writers on the same pair; the caller must run this
// inside a transaction.
func (s *pgStore) debitColumn(tx *gorm.DB, userAddress, tokenSymbol, column, amount string) (bool, error) {
	// Create the zero row if this is the first touch
	seed := schema.Position{
		UserAddress: userAddress,
		TokenSymbol: tokenSymbol,
		Supplied:    "0",
		Borrowed:    "0",
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_address"}, {Name: "token_symbol"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return false, fmt.Errorf("failed to seed position row: %w", err)
	}

	var row schema.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_address = ? AND token_symbol = ?", userAddress, tokenSymbol).
		First(&row).Error
	if err != nil {
		return false, fmt.Errorf("failed to lock position row: %w", err)
	}

	current := row.Supplied
	if column == "borrowed" {
		current = row.Borrowed
	}
	clamped, err := lessThan(current, amount)
	if err != nil {
		return false, err
	}

	err = tx.Model(&schema.Position{}).
		Where("user_address = ? AND token_symbol = ?", userAddress, tokenSymbol).
		Updates(map[string]interface{}{
			column:       gorm.Expr(fmt.Sprintf("GREATEST(%s - ?::numeric, 0)", column), amount),
			"updated_at": gorm.Expr("now()"),
		}).Error
	if err != nil {
		return false, fmt.Errorf("failed to debit %s balance: %w", column, err)
	}

	return clamped, nil
}

// LinkAddress records a (user, market) membership row; duplicates are ignored
func (s *pgStore) LinkAddress(ctx context.Context, userAddress, tokenSymbol, tokenAddress string) error {
	link := schema.AddressLink{
		UserAddress:  userAddress,
		TokenSymbol:  tokenSymbol,
		TokenAddress: tokenAddress,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_address"}, {Name: "token_symbol"}},
		DoNothing: true,
	}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("failed to link address: %w", err)
	}

	return nil
}

// RecordFault appends a fault record
func (s *pgStore) RecordFault(ctx context.Context, fault schema.FaultRecord) error {
	if err := s.db.WithContext(ctx).Create(&fault).Error; err != nil {
		return fmt.Errorf("failed to record fault: %w", err)
	}
	return nil
}

// GetBlockCursor retrieves the last processed block number for a market
func (s *pgStore) GetBlockCursor(ctx context.Context, market string) (uint64, error) {
	key := fmt.Sprintf("block_cursor:%s", market)

	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}

	blockNumber, err := strconv.ParseUint(kv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block cursor: %w", err)
	}

	return blockNumber, nil
}

// SetBlockCursor stores the last processed block number for a market
func (s *pgStore) SetBlockCursor(ctx context.Context, market string, blockNumber uint64) error {
	kv := schema.KeyValueStore{
		Key:   fmt.Sprintf("block_cursor:%s", market),
		Value: strconv.FormatUint(blockNumber, 10),
	}

	err := s.db.WithContext(ctx).Save(&kv).Error
	if err != nil {
		return fmt.Errorf("failed to set block cursor: %w", err)
	}

	return nil
}

// lessThan compares two decimal-string encoded unsigned integers
func lessThan(a, b string) (bool, error) {
	av, ok := new(big.Int).SetString(a, 10)
	if !ok {
		return false, fmt.Errorf("invalid stored balance: %q", a)
	}
	bv, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return false, fmt.Errorf("invalid amount: %q", b)
	}
	return av.Cmp(bv) < 0, nil
}
