// Package normalizer converts raw decoded protocol events into canonical
// IndexedEvents. All functions are pure: one raw event plus its chain
// location and market descriptor in, exactly one canonical event out.
// A missing required field is an integration bug and fails fast to the
// caller instead of being defaulted away.
package normalizer

import (
	"fmt"
	"math/big"

	"github.com/lendscan/lending-indexer/internal/domain"
)

// Normalize converts a decoded market log into its canonical event
func Normalize(token domain.Token, log *domain.MarketLog) (*domain.IndexedEvent, error) {
	switch {
	case log.Borrow != nil:
		return Borrow(token, log.Borrow, log.Location)
	case log.RepayBorrow != nil:
		return RepayBorrow(token, log.RepayBorrow, log.Location)
	case log.Mint != nil:
		return Mint(token, log.Mint, log.Location)
	case log.Redeem != nil:
		return Redeem(token, log.Redeem, log.Location)
	case log.LiquidateBorrow != nil:
		return LiquidateBorrow(token, log.LiquidateBorrow, log.Location)
	case log.Transfer != nil:
		return Transfer(token, log.Transfer, log.Location)
	default:
		return nil, fmt.Errorf("%w: market log carries no event", domain.ErrMalformedEvent)
	}
}

// Borrow maps a Borrow event: user is the borrower, amount is the borrowed
// principal, and the protocol-reported post-event borrowed total rides along
// as AccountBorrows.
func Borrow(token domain.Token, ev *domain.BorrowEvent, loc domain.LogLocation) (*domain.IndexedEvent, error) {
	if err := requireAddress("borrower", ev.Borrower); err != nil {
		return nil, err
	}
	if err := requireAmounts("borrow", ev.BorrowAmount, ev.AccountBorrows); err != nil {
		return nil, err
	}

	accountBorrows := ev.AccountBorrows.String()
	return &domain.IndexedEvent{
		Kind:           domain.EventKindBorrow,
		User:           domain.NormalizeAddress(ev.Borrower),
		TokenSymbol:    token.Symbol,
		TokenAddress:   token.Address,
		Amount:         ev.BorrowAmount.String(),
		AccountBorrows: &accountBorrows,
		BlockNumber:    loc.BlockNumber,
		Timestamp:      loc.Timestamp,
		TxHash:         loc.TxHash,
		LogIndex:       loc.LogIndex,
	}, nil
}

// RepayBorrow maps a RepayBorrow event. The payer becomes the related
// address when it differs from the borrower (third-party repayment).
func RepayBorrow(token domain.Token, ev *domain.RepayBorrowEvent, loc domain.LogLocation) (*domain.IndexedEvent, error) {
	if err := requireAddress("borrower", ev.Borrower); err != nil {
		return nil, err
	}
	if err := requireAmounts("repay_borrow", ev.RepayAmount, ev.AccountBorrows); err != nil {
		return nil, err
	}

	accountBorrows := ev.AccountBorrows.String()
	out := &domain.IndexedEvent{
		Kind:           domain.EventKindRepayBorrow,
		User:           domain.NormalizeAddress(ev.Borrower),
		TokenSymbol:    token.Symbol,
		TokenAddress:   token.Address,
		Amount:         ev.RepayAmount.String(),
		AccountBorrows: &accountBorrows,
		BlockNumber:    loc.BlockNumber,
		Timestamp:      loc.Timestamp,
		TxHash:         loc.TxHash,
		LogIndex:       loc.LogIndex,
	}

	if ev.Payer != "" {
		payer := domain.NormalizeAddress(ev.Payer)
		if payer != out.User {
			out.RelatedAddress = &payer
		}
	}

	return out, nil
}

// Mint maps a Mint event. Mint does not mutate balances: the market-token
// issuance is also observed as a paired Transfer from the zero address, and
// the reconciler credits supply there to avoid double counting.
func Mint(token domain.Token, ev *domain.MintEvent, loc domain.LogLocation) (*domain.IndexedEvent, error) {
	if err := requireAddress("minter", ev.Minter); err != nil {
		return nil, err
	}
	if err := requireAmounts("mint", ev.MintAmount, ev.MintTokens); err != nil {
		return nil, err
	}

	mintTokens := ev.MintTokens.String()
	return &domain.IndexedEvent{
		Kind:            domain.EventKindMint,
		User:            domain.NormalizeAddress(ev.Minter),
		TokenSymbol:     token.Symbol,
		TokenAddress:    token.Address,
		Amount:          ev.MintAmount.String(),
		SecondaryAmount: &mintTokens,
		BlockNumber:     loc.BlockNumber,
		Timestamp:       loc.Timestamp,
		TxHash:          loc.TxHash,
		LogIndex:        loc.LogIndex,
	}, nil
}

// Redeem maps a Redeem event. Like Mint, it is recorded to the transaction
// log only; the paired burn Transfer carries the balance change.
func Redeem(token domain.Token, ev *domain.RedeemEvent, loc domain.LogLocation) (*domain.IndexedEvent, error) {
	if err := requireAddress("redeemer", ev.Redeemer); err != nil {
		return nil, err
	}
	if err := requireAmounts("redeem", ev.RedeemAmount, ev.RedeemTokens); err != nil {
		return nil, err
	}

	redeemTokens := ev.RedeemTokens.String()
	return &domain.IndexedEvent{
		Kind:            domain.EventKindRedeem,
		User:            domain.NormalizeAddress(ev.Redeemer),
		TokenSymbol:     token.Symbol,
		TokenAddress:    token.Address,
		Amount:          ev.RedeemAmount.String(),
		SecondaryAmount: &redeemTokens,
		BlockNumber:     loc.BlockNumber,
		Timestamp:       loc.Timestamp,
		TxHash:          loc.TxHash,
		LogIndex:        loc.LogIndex,
	}, nil
}

// LiquidateBorrow maps a LiquidateBorrow event: user is the liquidator, the
// borrower rides in RelatedAddress. The protocol reports no post-event
// borrowed total here, so the reconciler applies a delta instead of a
// snapshot.
func LiquidateBorrow(token domain.Token, ev *domain.LiquidateBorrowEvent, loc domain.LogLocation) (*domain.IndexedEvent, error) {
	if err := requireAddress("liquidator", ev.Liquidator); err != nil {
		return nil, err
	}
	if err := requireAddress("borrower", ev.Borrower); err != nil {
		return nil, err
	}
	if err := requireAmounts("liquidate_borrow", ev.RepayAmount, ev.SeizeTokens); err != nil {
		return nil, err
	}

	borrower := domain.NormalizeAddress(ev.Borrower)
	seizeTokens := ev.SeizeTokens.String()
	return &domain.IndexedEvent{
		Kind:            domain.EventKindLiquidateBorrow,
		User:            domain.NormalizeAddress(ev.Liquidator),
		TokenSymbol:     token.Symbol,
		TokenAddress:    token.Address,
		Amount:          ev.RepayAmount.String(),
		SecondaryAmount: &seizeTokens,
		RelatedAddress:  &borrower,
		BlockNumber:     loc.BlockNumber,
		Timestamp:       loc.Timestamp,
		TxHash:          loc.TxHash,
		LogIndex:        loc.LogIndex,
	}, nil
}

// Transfer maps a market-token Transfer event: user is the sender, the
// recipient rides in RelatedAddress when it differs from the sender.
// The zero address stays as-is on either side; the reconciler keys its
// mint/burn handling off the sentinel.
func Transfer(token domain.Token, ev *domain.TransferEvent, loc domain.LogLocation) (*domain.IndexedEvent, error) {
	if err := requireAddress("from", ev.From); err != nil {
		return nil, err
	}
	if err := requireAddress("to", ev.To); err != nil {
		return nil, err
	}
	if ev.Amount == nil {
		return nil, fmt.Errorf("%w: transfer event missing amount", domain.ErrMalformedEvent)
	}

	from := domain.NormalizeAddress(ev.From)
	out := &domain.IndexedEvent{
		Kind:         domain.EventKindTransfer,
		User:         from,
		TokenSymbol:  token.Symbol,
		TokenAddress: token.Address,
		Amount:       ev.Amount.String(),
		BlockNumber:  loc.BlockNumber,
		Timestamp:    loc.Timestamp,
		TxHash:       loc.TxHash,
		LogIndex:     loc.LogIndex,
	}

	to := domain.NormalizeAddress(ev.To)
	if to != from {
		out.RelatedAddress = &to
	}

	return out, nil
}

func requireAddress(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing %s address", domain.ErrMalformedEvent, field)
	}
	return nil
}

func requireAmounts(kind string, amounts ...*big.Int) error {
	for _, a := range amounts {
		if a == nil {
			return fmt.Errorf("%w: %s event missing amount field", domain.ErrMalformedEvent, kind)
		}
	}
	return nil
}
