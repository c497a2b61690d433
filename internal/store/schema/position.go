package schema

import (
	"time"
)

// Position represents the positions table - one row per (user, token) pair,
// holding the market tokens supplied and underlying borrowed for that market.
// Rows are zero-initialized on first touch and never deleted.
type Position struct {
	// ID is the internal database primary key
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// UserAddress is the blockchain address of the position owner
	UserAddress string `gorm:"column:user_address;not null;type:text;uniqueIndex:idx_positions_user_token,priority:1"`
	// TokenSymbol identifies the market this pair belongs to
	TokenSymbol string `gorm:"column:token_symbol;not null;type:text;uniqueIndex:idx_positions_user_token,priority:2"`
	// Supplied is the market-token balance (stored as string to support up to 78 digits)
	Supplied string `gorm:"column:supplied;not null;default:0;type:numeric(78,0)"`
	// Borrowed is the underlying borrowed balance
	Borrowed string `gorm:"column:borrowed;not null;default:0;type:numeric(78,0)"`
	// CreatedAt is the timestamp when this position was first touched
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when this position was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the Position model
func (Position) TableName() string {
	return "positions"
}
