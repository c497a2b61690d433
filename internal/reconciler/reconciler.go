package reconciler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/faults"
	"github.com/lendscan/lending-indexer/internal/logger"
	"github.com/lendscan/lending-indexer/internal/store"
)

// Reconciler applies normalized market events to the position ledger. Each
// event is journaled and its balance mutation applied inside one storage
// transaction: redelivered events hit the existing journal row and skip the
// mutation, while a failed mutation rolls the journal row back so the next
// delivery retries the whole event.
type Reconciler struct {
	store   store.Store
	sidecar *faults.Sidecar
}

// New creates a reconciler backed by the given store
func New(s store.Store, sidecar *faults.Sidecar) *Reconciler {
	return &Reconciler{
		store:   s,
		sidecar: sidecar,
	}
}

// Process applies a single event. Anomalies that are part of normal operation
// (malformed payloads, underflow clamps) are recorded as faults and do not
// fail the call; only storage errors propagate so the caller can retry.
func (r *Reconciler) Process(ctx context.Context, event *domain.IndexedEvent) error {
	if !event.Valid() {
		r.sidecar.Record(ctx, faults.Entry{
			Kind:        string(event.Kind),
			User:        event.User,
			TokenSymbol: event.TokenSymbol,
			Detail:      fmt.Sprintf("dropped malformed event %s", event.EventID()),
		})
		return nil
	}

	return r.store.WithTransaction(ctx, func(tx store.Store) error {
		created, err := tx.AppendTransaction(ctx, event)
		if err != nil {
			return fmt.Errorf("failed to journal event %s: %w", event.EventID(), err)
		}
		if !created {
			logger.DebugCtx(ctx, "skipping already-journaled event",
				zap.String("eventID", event.EventID()),
				zap.String("kind", string(event.Kind)))
			return nil
		}

		if err := r.linkAddresses(ctx, tx, event); err != nil {
			return err
		}

		switch event.Kind {
		case domain.EventKindBorrow, domain.EventKindRepayBorrow:
			return r.applyBorrowSnapshot(ctx, tx, event)
		case domain.EventKindMint, domain.EventKindRedeem:
			// Supply movement arrives through the market's own transfer events;
			// mint and redeem are journaled for the transaction history only.
			logger.DebugCtx(ctx, "journaled supply event without balance mutation",
				zap.String("eventID", event.EventID()),
				zap.String("kind", string(event.Kind)))
			return nil
		case domain.EventKindLiquidateBorrow:
			return r.applyLiquidation(ctx, tx, event)
		case domain.EventKindTransfer:
			return r.applyTransfer(ctx, tx, event)
		default:
			return fmt.Errorf("%w: %s", domain.ErrUnknownEventKind, event.Kind)
		}
	})
}

func (r *Reconciler) linkAddresses(ctx context.Context, tx store.Store, event *domain.IndexedEvent) error {
	addresses := []string{event.User}
	if event.RelatedAddress != nil {
		addresses = append(addresses, *event.RelatedAddress)
	}

	for _, address := range addresses {
		if address == domain.ETHEREUM_ZERO_ADDRESS {
			continue
		}
		if err := tx.LinkAddress(ctx, address, event.TokenSymbol, event.TokenAddress); err != nil {
			return fmt.Errorf("failed to link address %s: %w", address, err)
		}
	}

	return nil
}

// applyBorrowSnapshot overwrites the borrowed side with the absolute total
// the protocol emits alongside Borrow and RepayBorrow. Snapshots are
// self-correcting: whatever the prior state, the stored value ends up equal
// to the chain's accountBorrows.
func (r *Reconciler) applyBorrowSnapshot(ctx context.Context, tx store.Store, event *domain.IndexedEvent) error {
	if err := tx.SetBorrowed(ctx, event.User, event.TokenSymbol, *event.AccountBorrows); err != nil {
		return fmt.Errorf("failed to apply borrow snapshot for %s: %w", event.EventID(), err)
	}
	return nil
}

// applyLiquidation subtracts the repaid amount from the borrower's debt. The
// event carries no absolute total, so this is a delta update guarded by the
// journal gate.
func (r *Reconciler) applyLiquidation(ctx context.Context, tx store.Store, event *domain.IndexedEvent) error {
	borrower := *event.RelatedAddress
	clamped, err := tx.DebitBorrowed(ctx, borrower, event.TokenSymbol, event.Amount)
	if err != nil {
		return fmt.Errorf("failed to apply liquidation for %s: %w", event.EventID(), err)
	}
	if clamped {
		r.recordClamp(ctx, event, borrower, "borrowed")
	}
	return nil
}

func (r *Reconciler) applyTransfer(ctx context.Context, tx store.Store, event *domain.IndexedEvent) error {
	if event.RelatedAddress == nil {
		// Self-transfer; net balance change is zero
		return nil
	}

	from := event.User
	to := *event.RelatedAddress

	switch {
	case from == domain.ETHEREUM_ZERO_ADDRESS:
		// Mint pattern: tokens enter circulation on the receiver's side
		if err := tx.CreditSupplied(ctx, to, event.TokenSymbol, event.Amount); err != nil {
			return fmt.Errorf("failed to credit minted supply for %s: %w", event.EventID(), err)
		}
		return nil
	case to == domain.ETHEREUM_ZERO_ADDRESS:
		// Burn pattern: tokens leave circulation from the sender's side
		clamped, err := tx.DebitSupplied(ctx, from, event.TokenSymbol, event.Amount)
		if err != nil {
			return fmt.Errorf("failed to debit burned supply for %s: %w", event.EventID(), err)
		}
		if clamped {
			r.recordClamp(ctx, event, from, "supplied")
		}
		return nil
	default:
		clamped, err := tx.TransferSupplied(ctx, from, to, event.TokenSymbol, event.Amount)
		if err != nil {
			return fmt.Errorf("failed to transfer supply for %s: %w", event.EventID(), err)
		}
		if clamped {
			r.recordClamp(ctx, event, from, "supplied")
		}
		return nil
	}
}

func (r *Reconciler) recordClamp(ctx context.Context, event *domain.IndexedEvent, user, side string) {
	r.sidecar.Record(ctx, faults.Entry{
		Kind:        string(event.Kind),
		User:        user,
		TokenSymbol: event.TokenSymbol,
		Detail: fmt.Sprintf("event %s debited %s by %s beyond the stored balance; clamped at zero",
			event.EventID(), side, event.Amount),
	})
}
