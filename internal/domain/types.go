package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind represents the type of lending protocol event
type EventKind string

const (
	EventKindBorrow          EventKind = "borrow"
	EventKindRepayBorrow     EventKind = "repay_borrow"
	EventKindMint            EventKind = "mint"
	EventKindRedeem          EventKind = "redeem"
	EventKindLiquidateBorrow EventKind = "liquidate_borrow"
	EventKindTransfer        EventKind = "transfer"
)

// IsValidEventKind checks if a kind is one of the six tracked kinds
func IsValidEventKind(kind EventKind) bool {
	switch kind {
	case EventKindBorrow, EventKindRepayBorrow, EventKindMint,
		EventKindRedeem, EventKindLiquidateBorrow, EventKindTransfer:
		return true
	}
	return false
}

// Token describes one tracked market: the interest-bearing token contract and
// the precision of its underlying asset. Loaded once at startup, never mutated.
type Token struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Address  string `json:"address" mapstructure:"address"`
	Decimals uint8  `json:"decimals" mapstructure:"decimals"`
}

// LogLocation ties a decoded protocol event to its position on chain.
// (TxHash, LogIndex) uniquely identifies an event instance; replays of the
// same chain log reproduce the same pair.
type LogLocation struct {
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
}

// Raw decoded protocol events, one struct per cToken event. Amounts are kept
// as *big.Int straight out of ABI decoding; the normalizer converts them to
// the canonical decimal-string form.

// BorrowEvent is the decoded Borrow(address,uint256,uint256,uint256) event
type BorrowEvent struct {
	Borrower       string
	BorrowAmount   *big.Int
	AccountBorrows *big.Int
	TotalBorrows   *big.Int
}

// RepayBorrowEvent is the decoded RepayBorrow(address,address,uint256,uint256,uint256) event
type RepayBorrowEvent struct {
	Payer          string
	Borrower       string
	RepayAmount    *big.Int
	AccountBorrows *big.Int
	TotalBorrows   *big.Int
}

// MintEvent is the decoded Mint(address,uint256,uint256) event
type MintEvent struct {
	Minter     string
	MintAmount *big.Int
	MintTokens *big.Int
}

// RedeemEvent is the decoded Redeem(address,uint256,uint256) event
type RedeemEvent struct {
	Redeemer     string
	RedeemAmount *big.Int
	RedeemTokens *big.Int
}

// LiquidateBorrowEvent is the decoded
// LiquidateBorrow(address,address,uint256,address,uint256) event
type LiquidateBorrowEvent struct {
	Liquidator       string
	Borrower         string
	RepayAmount      *big.Int
	CollateralMarket string
	SeizeTokens      *big.Int
}

// TransferEvent is the decoded Transfer(address,address,uint256) event on the
// market token itself
type TransferEvent struct {
	From   string
	To     string
	Amount *big.Int
}

// MarketLog is the tagged union a market contract log decodes into.
// Exactly one of the event pointers is set.
type MarketLog struct {
	Location        LogLocation
	ContractAddress string

	Borrow          *BorrowEvent
	RepayBorrow     *RepayBorrowEvent
	Mint            *MintEvent
	Redeem          *RedeemEvent
	LiquidateBorrow *LiquidateBorrowEvent
	Transfer        *TransferEvent
}

// IndexedEvent is the canonical event format: one per protocol log, published
// to the message stream and denormalized into the transaction log. Amounts
// are decimal-string encoded unsigned big integers (numeric(78,0) compatible).
type IndexedEvent struct {
	Kind            EventKind `json:"kind"`
	User            string    `json:"user"`
	TokenSymbol     string    `json:"token_symbol"`
	TokenAddress    string    `json:"token_address"`
	Amount          string    `json:"amount"`
	SecondaryAmount *string   `json:"secondary_amount,omitempty"`
	AccountBorrows  *string   `json:"account_borrows,omitempty"`
	RelatedAddress  *string   `json:"related_address,omitempty"`
	BlockNumber     uint64    `json:"block_number"`
	Timestamp       time.Time `json:"timestamp"`
	TxHash          string    `json:"tx_hash"`
	LogIndex        uint      `json:"log_index"`
}

// EventID returns the unique identity of this event instance
func (e *IndexedEvent) EventID() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// Valid checks structural validity of a canonical event
func (e *IndexedEvent) Valid() bool {
	if !IsValidEventKind(e.Kind) {
		return false
	}
	if e.User == "" || e.TokenSymbol == "" || e.TxHash == "" {
		return false
	}
	if !common.IsHexAddress(e.TokenAddress) {
		return false
	}
	if !validAmount(e.Amount) {
		return false
	}
	if e.SecondaryAmount != nil && !validAmount(*e.SecondaryAmount) {
		return false
	}
	if e.AccountBorrows != nil && !validAmount(*e.AccountBorrows) {
		return false
	}

	// Per-kind field requirements
	switch e.Kind {
	case EventKindBorrow, EventKindRepayBorrow:
		if e.AccountBorrows == nil {
			return false
		}
	case EventKindLiquidateBorrow:
		// Borrower rides in RelatedAddress; a liquidation always has one
		if e.RelatedAddress == nil || *e.RelatedAddress == "" {
			return false
		}
	}

	return true
}

// AmountInt parses the principal amount. The event must have passed Valid.
func (e *IndexedEvent) AmountInt() *big.Int {
	v, _ := new(big.Int).SetString(e.Amount, 10)
	return v
}

// BalancePair is the per-(user, token) position: market tokens supplied and
// underlying borrowed, decimal-string encoded.
type BalancePair struct {
	Supplied string `json:"supplied"`
	Borrowed string `json:"borrowed"`
}

// ZeroBalancePair returns the zero-initialized position pair
func ZeroBalancePair() BalancePair {
	return BalancePair{Supplied: "0", Borrowed: "0"}
}

// NormalizeAddress normalizes a hex address to its EIP-55 checksummed form
func NormalizeAddress(address string) string {
	return common.HexToAddress(address).String()
}

// validAmount checks a decimal-string encoded unsigned integer
func validAmount(s string) bool {
	v, ok := new(big.Int).SetString(s, 10)
	return ok && v.Sign() >= 0
}
