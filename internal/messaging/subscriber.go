package messaging

import (
	"context"

	"github.com/lendscan/lending-indexer/internal/domain"
)

// EventHandler is called when a new market event is received
type EventHandler func(event *domain.IndexedEvent) error

// Subscriber defines the interface for subscribing to market events from the
// chain
type Subscriber interface {
	// SubscribeEvents subscribes to market events across all configured
	// markets
	// fromBlock: starting point for subscription (0 for latest)
	// handler: callback function to process each event
	SubscribeEvents(ctx context.Context, fromBlock uint64, handler EventHandler) error

	// GetLatestBlock returns the latest block number
	GetLatestBlock(ctx context.Context) (uint64, error)

	// Close closes the connection and cleans up resources
	Close()
}
