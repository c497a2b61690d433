package faults

import (
	"context"

	"go.uber.org/zap"

	"github.com/lendscan/lending-indexer/internal/adapter"
	"github.com/lendscan/lending-indexer/internal/logger"
	"github.com/lendscan/lending-indexer/internal/store/schema"
)

// Writer is the narrow persistence surface the sidecar needs
type Writer interface {
	RecordFault(ctx context.Context, fault schema.FaultRecord) error
}

// Entry describes a single processing anomaly
type Entry struct {
	Kind        string
	User        string
	TokenSymbol string
	Detail      string
}

// Sidecar records processing anomalies without ever failing the caller.
// Reconciliation must keep moving even when the fault log itself is
// unavailable, so write failures are logged and swallowed.
type Sidecar struct {
	writer Writer
	clock  adapter.Clock
}

// NewSidecar creates a fault sidecar backed by the given writer
func NewSidecar(writer Writer, clock adapter.Clock) *Sidecar {
	return &Sidecar{
		writer: writer,
		clock:  clock,
	}
}

// Record persists a fault entry. Never returns an error.
func (s *Sidecar) Record(ctx context.Context, entry Entry) {
	record := schema.FaultRecord{
		EventKind:   entry.Kind,
		UserAddress: entry.User,
		TokenSymbol: entry.TokenSymbol,
		Detail:      entry.Detail,
		OccurredAt:  s.clock.Now(),
	}

	if err := s.writer.RecordFault(ctx, record); err != nil {
		logger.WarnCtx(ctx, "failed to record fault",
			zap.String("eventKind", entry.Kind),
			zap.String("userAddress", entry.User),
			zap.String("detail", entry.Detail),
			zap.Error(err))
	}
}
