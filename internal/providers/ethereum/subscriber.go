package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/lendscan/lending-indexer/internal/logger"
	"github.com/lendscan/lending-indexer/internal/markets"
	"github.com/lendscan/lending-indexer/internal/messaging"
	"github.com/lendscan/lending-indexer/internal/normalizer"
)

// Config holds the configuration for market event subscription
type Config struct {
	WebSocketURL string // WebSocket URL (e.g., wss://mainnet.infura.io/ws/v3/YOUR_PROJECT_ID)
}

type marketSubscriber struct {
	client   MarketClient
	registry *markets.Registry
}

// NewSubscriber creates a new market event subscriber scoped to the
// configured market contracts
func NewSubscriber(client MarketClient, registry *markets.Registry) messaging.Subscriber {
	return &marketSubscriber{
		client:   client,
		registry: registry,
	}
}

// SubscribeEvents backfills historical market events from fromBlock, then
// follows the chain head via a live log subscription
func (s *marketSubscriber) SubscribeEvents(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
	liveFrom := fromBlock

	if fromBlock > 0 {
		latest, err := s.GetLatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("failed to get latest block for backfill: %w", err)
		}

		if fromBlock <= latest {
			if err := s.backfill(ctx, fromBlock, latest, handler); err != nil {
				return fmt.Errorf("failed to backfill blocks %d-%d: %w", fromBlock, latest, err)
			}
			liveFrom = latest + 1
		}
	}

	query := s.filterQuery()
	query.FromBlock = new(big.Int).SetUint64(liveFrom)

	logs := make(chan types.Log)
	sub, err := s.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to filter logs: %w", err)
	}
	defer func() {
		logger.InfoCtx(ctx, "Unsubscribing from market event logs")
		sub.Unsubscribe()
		logger.InfoCtx(ctx, "Unsubscribed from market event logs")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("subscription error: %w", err)
		case vLog := <-logs:
			s.handleLog(ctx, vLog, handler)
		}
	}
}

// backfill replays historical logs through the same handler the live
// subscription uses
func (s *marketSubscriber) backfill(ctx context.Context, fromBlock, toBlock uint64, handler messaging.EventHandler) error {
	logger.InfoCtx(ctx, "Backfilling market events",
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("toBlock", toBlock))

	query := s.filterQuery()
	query.FromBlock = new(big.Int).SetUint64(fromBlock)
	query.ToBlock = new(big.Int).SetUint64(toBlock)

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	for _, vLog := range logs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.handleLog(ctx, vLog, handler)
	}

	logger.InfoCtx(ctx, "Backfill complete", zap.Int("logs", len(logs)))
	return nil
}

// handleLog decodes, normalizes, and dispatches one market log. Parse
// failures are logged and skipped so a malformed log cannot stall the
// subscription.
func (s *marketSubscriber) handleLog(ctx context.Context, vLog types.Log, handler messaging.EventHandler) {
	marketLog, err := s.client.ParseMarketLog(ctx, vLog)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorCtx(ctx, err, zap.String("message", "Error parsing market log"))
		return
	}
	if marketLog == nil {
		return
	}

	token, ok := s.registry.ByAddress(marketLog.ContractAddress)
	if !ok {
		// Filter query is address-scoped, so this is a provider anomaly
		logger.WarnCtx(ctx, "Dropping log from untracked contract",
			zap.String("contract", marketLog.ContractAddress),
			zap.String("txHash", marketLog.Location.TxHash))
		return
	}

	event, err := normalizer.Normalize(token, marketLog)
	if err != nil {
		logger.ErrorCtx(ctx, err, zap.String("message", "Error normalizing market event"))
		return
	}

	if err := handler(event); err != nil {
		logger.ErrorCtx(ctx, err, zap.String("message", "Error handling event"))
	}
}

// filterQuery builds the base filter: tracked market contracts, tracked
// event signatures
func (s *marketSubscriber) filterQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: s.registry.Addresses(),
		Topics: [][]common.Hash{
			MarketEventSignatures(),
		},
	}
}

// GetLatestBlock returns the latest block number
func (s *marketSubscriber) GetLatestBlock(ctx context.Context) (uint64, error) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	return header.Number.Uint64(), nil
}

// Close closes the connection
func (s *marketSubscriber) Close() {
	if s.client == nil {
		return
	}

	s.client.Close()
	logger.Info("Ethereum WebSocket connection closed")
}
