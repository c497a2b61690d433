package emitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lendscan/lending-indexer/internal/adapter"
	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/logger"
	"github.com/lendscan/lending-indexer/internal/messaging"
	"github.com/lendscan/lending-indexer/internal/store"
)

// Config holds the configuration for the event emitter
type Config struct {
	ChainName       string        // Cursor namespace, e.g. "ethereum"
	StartBlock      uint64        // Explicit starting block (0 = resume from cursor)
	CursorSaveFreq  uint64        // Save cursor every N blocks
	CursorSaveDelay time.Duration // Or save cursor every N seconds
}

// Emitter defines the interface for the event emitter
type Emitter interface {
	// Run starts the event emitter
	Run(ctx context.Context) error
	// Close closes the emitter and cleans up resources
	Close()
}

// emitter subscribes to market events on chain and publishes them to NATS,
// persisting a block cursor so a restart resumes where it left off
type emitter struct {
	subscriber messaging.Subscriber
	publisher  messaging.Publisher
	store      store.Store
	config     Config
	clock      adapter.Clock
}

// NewEmitter creates a new event emitter
func NewEmitter(
	sub messaging.Subscriber,
	pub messaging.Publisher,
	st store.Store,
	cfg Config,
	clock adapter.Clock,
) Emitter {
	return &emitter{
		subscriber: sub,
		publisher:  pub,
		store:      st,
		config:     cfg,
		clock:      clock,
	}
}

// Run starts the event emitter
func (e *emitter) Run(ctx context.Context) error {
	// Determine starting block
	startBlock := e.config.StartBlock
	if startBlock == 0 {
		// Get last processed block from store
		lastBlock, err := e.store.GetBlockCursor(ctx, e.config.ChainName)
		if err != nil {
			return fmt.Errorf("failed to get block cursor: %w", err)
		}

		if lastBlock > 0 {
			startBlock = lastBlock + 1
			logger.Info("Resuming from last processed block", zap.String("chain", e.config.ChainName), zap.Uint64("block", startBlock))
		} else {
			// Start from latest block
			latestBlock, err := e.subscriber.GetLatestBlock(ctx)
			if err != nil {
				return fmt.Errorf("failed to get latest block number: %w", err)
			}
			startBlock = latestBlock
			logger.Info("Starting from latest block", zap.String("chain", e.config.ChainName), zap.Uint64("block", startBlock))
		}
	} else {
		logger.Info("Starting from configured block", zap.String("chain", e.config.ChainName), zap.Uint64("block", startBlock))
	}

	errCh := make(chan error, 1)

	// Start subscribing to events
	go func() {
		logger.Info("Starting event subscription", zap.String("chain", e.config.ChainName))

		lastSavedBlock := uint64(0)
		lastSaveTime := e.clock.Now()

		handler := func(event *domain.IndexedEvent) error {
			// Publish to NATS. Publish failures are not retryable at this
			// level; the cursor stays behind the failed event so a restart
			// backfills it.
			if err := e.publisher.PublishEvent(ctx, event); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to publish event %s: %w", event.EventID(), err))
			}

			// Logs stream in order, so every block below the current event is
			// fully drained. The event's own block may still have logs queued
			// behind this one, so the cursor never advances into it; a restart
			// at cursor+1 re-covers the open block and the journal drops the
			// replayed events.
			if event.BlockNumber == 0 {
				return nil
			}
			safeBlock := event.BlockNumber - 1

			// Save cursor periodically (every N blocks or N seconds)
			shouldSave := safeBlock > lastSavedBlock &&
				(safeBlock-lastSavedBlock >= e.config.CursorSaveFreq ||
					e.clock.Since(lastSaveTime) >= e.config.CursorSaveDelay)

			if shouldSave {
				if err := e.store.SetBlockCursor(ctx, e.config.ChainName, safeBlock); err != nil {
					logger.Warn("Failed to save block cursor", zap.Error(err), zap.Uint64("block", safeBlock))
				} else {
					lastSavedBlock = safeBlock
					lastSaveTime = e.clock.Now()
				}
			}

			return nil
		}

		operation := func() error {
			err := e.subscriber.SubscribeEvents(ctx, startBlock, handler)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return backoff.Permanent(err)
				}
				// Resume the next attempt from the last saved cursor
				if lastSavedBlock > 0 {
					startBlock = lastSavedBlock + 1
				}
				return err
			}
			return nil
		}

		// Configure exponential backoff for subscription drops
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Second
		b.MaxInterval = 1 * time.Minute
		b.MaxElapsedTime = 0 // Retry until the context is canceled
		b.Multiplier = 2.0
		b.RandomizationFactor = 0.5 // Add jitter to prevent thundering herd

		notifyOnError := func(err error, duration time.Duration) {
			logger.Warn("Event subscription dropped, retrying",
				zap.Error(err),
				zap.Duration("next_retry_in", duration),
			)
		}

		if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notifyOnError); err != nil {
			errCh <- err
		}
	}()

	// Wait for error or context cancellation
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the emitter and cleans up resources
func (e *emitter) Close() {
	e.subscriber.Close()
}
