package schema

import (
	"time"
)

// TransactionRecord represents the transaction_records table - the immutable
// append-only history of canonical events. (tx_hash, log_index) uniquely
// identifies an event instance; duplicate delivery of the same chain log must
// not create a second row.
type TransactionRecord struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// TxHash and LogIndex together identify the chain log this row was derived from
	TxHash   string `gorm:"column:tx_hash;not null;type:text;uniqueIndex:idx_tx_records_hash_index,priority:1"`
	LogIndex uint   `gorm:"column:log_index;not null;uniqueIndex:idx_tx_records_hash_index,priority:2"`

	EventKind       string  `gorm:"column:event_kind;not null;type:text"`
	UserAddress     string  `gorm:"column:user_address;not null;type:text;index:idx_tx_records_user"`
	TokenSymbol     string  `gorm:"column:token_symbol;not null;type:text"`
	TokenAddress    string  `gorm:"column:token_address;not null;type:text"`
	Amount          string  `gorm:"column:amount;not null;type:numeric(78,0)"`
	SecondaryAmount *string `gorm:"column:secondary_amount;type:numeric(78,0)"`
	AccountBorrows  *string `gorm:"column:account_borrows;type:numeric(78,0)"`
	RelatedAddress  *string `gorm:"column:related_address;type:text"`
	BlockNumber     uint64  `gorm:"column:block_number;not null"`

	// Timestamp is the block timestamp, not the insert time
	Timestamp time.Time `gorm:"column:timestamp;not null;type:timestamptz"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the TransactionRecord model
func (TransactionRecord) TableName() string {
	return "transaction_records"
}
