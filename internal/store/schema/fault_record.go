package schema

import (
	"time"
)

// FaultRecord represents the fault_records table - the append-only log of
// processing anomalies: caught errors, balance-underflow clamps, and
// protocol-state divergence. Rows are never updated or deleted.
type FaultRecord struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventKind   string    `gorm:"column:event_kind;type:text"`
	UserAddress string    `gorm:"column:user_address;type:text"`
	TokenSymbol string    `gorm:"column:token_symbol;type:text"`
	Detail      string    `gorm:"column:detail;not null;type:text"`
	OccurredAt  time.Time `gorm:"column:occurred_at;not null;type:timestamptz"`
}

// TableName specifies the table name for the FaultRecord model
func (FaultRecord) TableName() string {
	return "fault_records"
}
