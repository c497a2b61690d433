package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/lendscan/lending-indexer/internal/adapter"
	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/logger"
)

// Event signatures for the tracked market contract events
var (
	// Borrow(address borrower, uint256 borrowAmount, uint256 accountBorrows, uint256 totalBorrows)
	borrowEventSignature = crypto.Keccak256Hash([]byte("Borrow(address,uint256,uint256,uint256)"))

	// RepayBorrow(address payer, address borrower, uint256 repayAmount, uint256 accountBorrows, uint256 totalBorrows)
	repayBorrowEventSignature = crypto.Keccak256Hash([]byte("RepayBorrow(address,address,uint256,uint256,uint256)"))

	// Mint(address minter, uint256 mintAmount, uint256 mintTokens)
	mintEventSignature = crypto.Keccak256Hash([]byte("Mint(address,uint256,uint256)"))

	// Redeem(address redeemer, uint256 redeemAmount, uint256 redeemTokens)
	redeemEventSignature = crypto.Keccak256Hash([]byte("Redeem(address,uint256,uint256)"))

	// LiquidateBorrow(address liquidator, address borrower, uint256 repayAmount, address cTokenCollateral, uint256 seizeTokens)
	liquidateBorrowEventSignature = crypto.Keccak256Hash([]byte("LiquidateBorrow(address,address,uint256,address,uint256)"))

	// Transfer(address indexed from, address indexed to, uint256 amount)
	// On a market token this moves supplied balance between holders
	transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// MarketEventSignatures returns all tracked event signatures for log filtering
func MarketEventSignatures() []common.Hash {
	return []common.Hash{
		borrowEventSignature,
		repayBorrowEventSignature,
		mintEventSignature,
		redeemEventSignature,
		liquidateBorrowEventSignature,
		transferEventSignature,
	}
}

type MarketClient interface {
	// ParseMarketLog parses a market contract log into a decoded market event
	ParseMarketLog(ctx context.Context, vLog types.Log) (*domain.MarketLog, error)

	// SubscribeFilterLogs subscribes to filter logs
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)

	// FilterLogs retrieves historical logs, paginating around provider
	// response limits
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)

	// HeaderByNumber returns a header by number
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// Close closes the connection
	Close()
}

type marketClient struct {
	client adapter.EthClient
	clock  adapter.Clock
}

func NewClient(client adapter.EthClient, clock adapter.Clock) MarketClient {
	return &marketClient{client: client, clock: clock}
}

// SubscribeFilterLogs subscribes to filter logs
func (c *marketClient) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.client.SubscribeFilterLogs(ctx, query, ch)
}

// HeaderByNumber returns a header by number
func (c *marketClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.client.HeaderByNumber(ctx, number)
}

// FilterLogs retrieves logs for the query range, walking it in chunks so a
// single oversized range cannot blow the provider's per-response log limit
func (c *marketClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if query.BlockHash != nil {
		return c.client.FilterLogs(timeoutCtx, query)
	}

	var fromBlock, toBlock *big.Int
	if query.FromBlock != nil {
		fromBlock = query.FromBlock
	} else {
		fromBlock = big.NewInt(0)
	}

	if query.ToBlock != nil {
		toBlock = query.ToBlock
	} else {
		latestBlock, err := c.client.HeaderByNumber(timeoutCtx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest block: %w", err)
		}
		toBlock = latestBlock.Number
	}

	rangeQuery := query
	rangeQuery.FromBlock = new(big.Int).Set(fromBlock)
	rangeQuery.ToBlock = new(big.Int).Set(toBlock)

	return c.getLogsWithRetry(timeoutCtx, rangeQuery, 10000)
}

// getLogsWithRetry walks the query range in chunks, halving the step size
// whenever the provider rejects a chunk for returning too many results
func (c *marketClient) getLogsWithRetry(ctx context.Context, query ethereum.FilterQuery, stepSize uint64) ([]types.Log, error) {
	currentStepSize := stepSize

	var allLogs []types.Log
	currentFrom := new(big.Int).Set(query.FromBlock)

	for currentFrom.Cmp(query.ToBlock) <= 0 {
		currentTo := new(big.Int).Add(currentFrom, new(big.Int).SetUint64(currentStepSize-1))
		if currentTo.Cmp(query.ToBlock) > 0 {
			currentTo.Set(query.ToBlock)
		}

		queryCopy := query
		queryCopy.FromBlock = new(big.Int).Set(currentFrom)
		queryCopy.ToBlock = new(big.Int).Set(currentTo)

		logs, err := c.client.FilterLogs(ctx, queryCopy)
		if err == nil {
			allLogs = append(allLogs, logs...)
			currentFrom.SetUint64(currentTo.Uint64() + 1)
			continue
		}

		if !isTooManyResultsError(err) {
			return nil, err
		}

		if currentStepSize <= 1 {
			return nil, fmt.Errorf("provider rejected single-block range %d: %w", currentFrom.Uint64(), err)
		}
		currentStepSize = currentStepSize / 2

		logger.Warn("Too many results, reducing step size",
			zap.Uint64("oldStepSize", currentStepSize*2),
			zap.Uint64("newStepSize", currentStepSize),
			zap.Uint64("fromBlock", currentFrom.Uint64()),
			zap.Uint64("toBlock", currentTo.Uint64()))
	}

	return allLogs, nil
}

// isTooManyResultsError checks if the error is related to too many results
func isTooManyResultsError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "query returned more than 10000 results") ||
		strings.Contains(errStr, "query timeout exceeded") ||
		strings.Contains(errStr, "too many results") ||
		strings.Contains(errStr, "exceeded maximum")
}

// ParseMarketLog parses a market contract log into a decoded market event
func (c *marketClient) ParseMarketLog(ctx context.Context, vLog types.Log) (*domain.MarketLog, error) {
	if len(vLog.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", domain.ErrMalformedEvent)
	}

	// Get block to extract timestamp
	block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(vLog.BlockNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	out := &domain.MarketLog{
		Location: domain.LogLocation{
			BlockNumber: vLog.BlockNumber,
			Timestamp:   c.clock.Unix(int64(block.Time()), 0), //nolint:gosec,G115 // block.Time() returns a uint64 from geth which is safe to cast
			TxHash:      vLog.TxHash.Hex(),
			LogIndex:    vLog.Index,
		},
		ContractAddress: vLog.Address.Hex(),
	}

	switch vLog.Topics[0] {
	case borrowEventSignature:
		// All fields non-indexed: 4 data words
		if err := requireDataWords(vLog, 4); err != nil {
			return nil, err
		}
		out.Borrow = &domain.BorrowEvent{
			Borrower:       addressAt(vLog.Data, 0),
			BorrowAmount:   wordAt(vLog.Data, 1),
			AccountBorrows: wordAt(vLog.Data, 2),
			TotalBorrows:   wordAt(vLog.Data, 3),
		}

	case repayBorrowEventSignature:
		if err := requireDataWords(vLog, 5); err != nil {
			return nil, err
		}
		out.RepayBorrow = &domain.RepayBorrowEvent{
			Payer:          addressAt(vLog.Data, 0),
			Borrower:       addressAt(vLog.Data, 1),
			RepayAmount:    wordAt(vLog.Data, 2),
			AccountBorrows: wordAt(vLog.Data, 3),
			TotalBorrows:   wordAt(vLog.Data, 4),
		}

	case mintEventSignature:
		if err := requireDataWords(vLog, 3); err != nil {
			return nil, err
		}
		out.Mint = &domain.MintEvent{
			Minter:     addressAt(vLog.Data, 0),
			MintAmount: wordAt(vLog.Data, 1),
			MintTokens: wordAt(vLog.Data, 2),
		}

	case redeemEventSignature:
		if err := requireDataWords(vLog, 3); err != nil {
			return nil, err
		}
		out.Redeem = &domain.RedeemEvent{
			Redeemer:     addressAt(vLog.Data, 0),
			RedeemAmount: wordAt(vLog.Data, 1),
			RedeemTokens: wordAt(vLog.Data, 2),
		}

	case liquidateBorrowEventSignature:
		if err := requireDataWords(vLog, 5); err != nil {
			return nil, err
		}
		out.LiquidateBorrow = &domain.LiquidateBorrowEvent{
			Liquidator:       addressAt(vLog.Data, 0),
			Borrower:         addressAt(vLog.Data, 1),
			RepayAmount:      wordAt(vLog.Data, 2),
			CollateralMarket: addressAt(vLog.Data, 3),
			SeizeTokens:      wordAt(vLog.Data, 4),
		}

	case transferEventSignature:
		// ERC20-shaped: from and to indexed, amount in data
		if len(vLog.Topics) != 3 {
			return nil, fmt.Errorf("%w: Transfer event expected 3 topics, got %d", domain.ErrMalformedEvent, len(vLog.Topics))
		}
		if err := requireDataWords(vLog, 1); err != nil {
			return nil, err
		}
		out.Transfer = &domain.TransferEvent{
			From:   common.BytesToAddress(vLog.Topics[1].Bytes()).Hex(),
			To:     common.BytesToAddress(vLog.Topics[2].Bytes()).Hex(),
			Amount: wordAt(vLog.Data, 0),
		}

	default:
		return nil, fmt.Errorf("%w: unknown event signature %s", domain.ErrUnknownEventKind, vLog.Topics[0].Hex())
	}

	return out, nil
}

// Close closes the connection
func (c *marketClient) Close() {
	c.client.Close()
}

func requireDataWords(vLog types.Log, words int) error {
	if len(vLog.Data) < words*32 {
		return fmt.Errorf("%w: %s event expected %d data words, got %d bytes",
			domain.ErrMalformedEvent, vLog.Topics[0].Hex(), words, len(vLog.Data))
	}
	return nil
}

// wordAt reads the i-th 32-byte ABI word as an unsigned integer
func wordAt(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32])
}

// addressAt reads the i-th 32-byte ABI word as a right-aligned address
func addressAt(data []byte, i int) string {
	return common.BytesToAddress(data[i*32 : (i+1)*32]).Hex()
}
