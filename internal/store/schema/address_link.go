package schema

import (
	"time"
)

// AddressLink represents the address_links table - membership records
// relating a user address to a market it has interacted with. Write-once per
// (address, token) pair.
type AddressLink struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserAddress  string    `gorm:"column:user_address;not null;type:text;uniqueIndex:idx_address_links_user_token,priority:1"`
	TokenSymbol  string    `gorm:"column:token_symbol;not null;type:text;uniqueIndex:idx_address_links_user_token,priority:2"`
	TokenAddress string    `gorm:"column:token_address;not null;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the AddressLink model
func (AddressLink) TableName() string {
	return "address_links"
}
