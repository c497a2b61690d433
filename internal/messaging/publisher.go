package messaging

import (
	"context"

	"github.com/lendscan/lending-indexer/internal/domain"
)

// Publisher defines the interface for publishing events to the message stream
type Publisher interface {
	// PublishEvent publishes a normalized market event to the message broker
	PublishEvent(ctx context.Context, event *domain.IndexedEvent) error
	// Close closes the connection
	Close()
	// CloseChan returns a channel that is closed when the publisher is closed
	CloseChan() <-chan struct{}
}
