package emitter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/emitter"
	"github.com/lendscan/lending-indexer/internal/logger"
	"github.com/lendscan/lending-indexer/internal/messaging"
	"github.com/lendscan/lending-indexer/internal/store"
	"github.com/lendscan/lending-indexer/internal/store/schema"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

// fakeSubscriber drives the emitter's handler from the test body
type fakeSubscriber struct {
	subscribeFn func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error
	latestBlock uint64
	latestErr   error
	closed      bool
}

func (f *fakeSubscriber) SubscribeEvents(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
	return f.subscribeFn(ctx, fromBlock, handler)
}

func (f *fakeSubscriber) GetLatestBlock(ctx context.Context) (uint64, error) {
	return f.latestBlock, f.latestErr
}

func (f *fakeSubscriber) Close() {
	f.closed = true
}

type fakePublisher struct {
	published []*domain.IndexedEvent
	err       error
	closeCh   chan struct{}
}

func (f *fakePublisher) PublishEvent(_ context.Context, event *domain.IndexedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, event)
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) CloseChan() <-chan struct{} {
	if f.closeCh == nil {
		f.closeCh = make(chan struct{})
	}
	return f.closeCh
}

// cursorStore implements store.Store for the cursor operations the emitter
// uses; the balance operations are never reached from here
type cursorStore struct {
	cursors   map[string]uint64
	getErr    error
	setCalls  []uint64
	setFailed bool
}

func newCursorStore() *cursorStore {
	return &cursorStore{cursors: make(map[string]uint64)}
}

func (c *cursorStore) GetBlockCursor(_ context.Context, market string) (uint64, error) {
	return c.cursors[market], c.getErr
}

func (c *cursorStore) SetBlockCursor(_ context.Context, market string, blockNumber uint64) error {
	if c.setFailed {
		return assert.AnError
	}
	c.cursors[market] = blockNumber
	c.setCalls = append(c.setCalls, blockNumber)
	return nil
}

func (c *cursorStore) WithTransaction(_ context.Context, fn func(store.Store) error) error {
	return fn(c)
}
func (c *cursorStore) AppendTransaction(context.Context, *domain.IndexedEvent) (bool, error) {
	return false, nil
}
func (c *cursorStore) ReadPosition(context.Context, string) (*store.UserPosition, error) {
	return nil, nil
}
func (c *cursorStore) SetBorrowed(context.Context, string, string, string) error    { return nil }
func (c *cursorStore) CreditSupplied(context.Context, string, string, string) error { return nil }
func (c *cursorStore) DebitSupplied(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (c *cursorStore) TransferSupplied(context.Context, string, string, string, string) (bool, error) {
	return false, nil
}
func (c *cursorStore) DebitBorrowed(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (c *cursorStore) LinkAddress(context.Context, string, string, string) error { return nil }
func (c *cursorStore) RecordFault(context.Context, schema.FaultRecord) error     { return nil }

var _ store.Store = (*cursorStore)(nil)

// fakeClock keeps Since below the save delay so only block frequency
// triggers cursor saves
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                 { return f.now }
func (f *fakeClock) Since(time.Time) time.Duration  { return 0 }
func (f *fakeClock) Sleep(time.Duration)            {}
func (f *fakeClock) Unix(sec, nsec int64) time.Time { return time.Unix(sec, nsec) }

func testEvent(blockNumber uint64) *domain.IndexedEvent {
	return &domain.IndexedEvent{
		Kind:         domain.EventKindTransfer,
		User:         "0x1111111111111111111111111111111111111111",
		TokenSymbol:  "cDAI",
		TokenAddress: "0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643",
		Amount:       "100",
		BlockNumber:  blockNumber,
		Timestamp:    time.Now(),
		TxHash:       "0xtx",
		LogIndex:     1,
	}
}

func testConfig(startBlock uint64) emitter.Config {
	return emitter.Config{
		ChainName:       "ethereum",
		StartBlock:      startBlock,
		CursorSaveFreq:  10,
		CursorSaveDelay: 5 * time.Second,
	}
}

func TestEmitter_Run_WithStartBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{}
	st := newCursorStore()

	sub := &fakeSubscriber{
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			assert.Equal(t, uint64(1000), fromBlock)
			require.NoError(t, handler(testEvent(1001)))
			cancel()
			return nil
		},
	}

	e := emitter.NewEmitter(sub, pub, st, testConfig(1000), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, pub.published, 1)
	assert.Equal(t, uint64(1001), pub.published[0].BlockNumber)
	// The cursor saves at the last fully drained block, one below the event
	assert.Equal(t, []uint64{1000}, st.setCalls)
}

func TestEmitter_Run_ResumesFromCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{}
	st := newCursorStore()
	st.cursors["ethereum"] = 500

	sub := &fakeSubscriber{
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			assert.Equal(t, uint64(501), fromBlock)
			cancel()
			return nil
		},
	}

	e := emitter.NewEmitter(sub, pub, st, testConfig(0), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitter_Run_StartsFromLatestWithoutCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{}
	st := newCursorStore()

	sub := &fakeSubscriber{
		latestBlock: 1000,
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			assert.Equal(t, uint64(1000), fromBlock)
			cancel()
			return nil
		},
	}

	e := emitter.NewEmitter(sub, pub, st, testConfig(0), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitter_Run_CursorSaveByBlockFrequency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{}
	st := newCursorStore()

	cfg := testConfig(1000)
	cfg.CursorSaveFreq = 5

	sub := &fakeSubscriber{
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			for _, blockNum := range []uint64{1000, 1002, 1005, 1010} {
				require.NoError(t, handler(testEvent(blockNum)))
			}
			cancel()
			return nil
		},
	}

	e := emitter.NewEmitter(sub, pub, st, cfg, &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, pub.published, 4)
	// Saves trail the events by one block: 999 - 0 >= 5 saves;
	// 1001 - 999 < 5 skips; 1004 and 1009 save
	assert.Equal(t, []uint64{999, 1004, 1009}, st.setCalls)
}

func TestEmitter_Run_CursorStaysBehindOpenBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{}
	st := newCursorStore()

	cfg := testConfig(1000)
	cfg.CursorSaveFreq = 1

	sub := &fakeSubscriber{
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			// Two logs in block 1000; the cursor must not reach 1000 while
			// the second log is still undelivered, or a crash in between
			// would skip it on restart
			require.NoError(t, handler(testEvent(1000)))
			require.NoError(t, handler(testEvent(1000)))
			require.NoError(t, handler(testEvent(1005)))
			cancel()
			return nil
		},
	}

	e := emitter.NewEmitter(sub, pub, st, cfg, &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, pub.published, 3)
	assert.Equal(t, []uint64{999, 1004}, st.setCalls)
}

func TestEmitter_Run_ResubscribesAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{}
	st := newCursorStore()

	attempts := 0
	sub := &fakeSubscriber{
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			attempts++
			if attempts == 1 {
				// Publish one event so the cursor advances to 999, then drop
				require.NoError(t, handler(testEvent(1000)))
				return assert.AnError
			}

			// Second attempt resumes after the saved cursor
			assert.Equal(t, uint64(1000), fromBlock)
			cancel()
			return nil
		},
	}

	e := emitter.NewEmitter(sub, pub, st, testConfig(1000), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, attempts)
}

func TestEmitter_Run_GetBlockCursorError(t *testing.T) {
	ctx := context.Background()

	st := newCursorStore()
	st.getErr = assert.AnError

	e := emitter.NewEmitter(&fakeSubscriber{}, &fakePublisher{}, st, testConfig(0), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get block cursor")
}

func TestEmitter_Run_GetLatestBlockError(t *testing.T) {
	ctx := context.Background()

	sub := &fakeSubscriber{latestErr: assert.AnError}
	e := emitter.NewEmitter(sub, &fakePublisher{}, newCursorStore(), testConfig(0), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get latest block number")
}

func TestEmitter_Run_PublishEventError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{err: assert.AnError}
	st := newCursorStore()

	sub := &fakeSubscriber{
		subscribeFn: func(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
			return handler(testEvent(1001))
		},
	}

	e := emitter.NewEmitter(sub, pub, st, testConfig(1000), &fakeClock{now: time.Now()})

	err := e.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}

func TestEmitter_Close(t *testing.T) {
	sub := &fakeSubscriber{}
	e := emitter.NewEmitter(sub, &fakePublisher{}, newCursorStore(), testConfig(0), &fakeClock{now: time.Now()})

	e.Close()
	assert.True(t, sub.closed)
}
