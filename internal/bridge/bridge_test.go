package bridge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendscan/lending-indexer/internal/adapter"
	"github.com/lendscan/lending-indexer/internal/domain"
	"github.com/lendscan/lending-indexer/internal/faults"
	"github.com/lendscan/lending-indexer/internal/logger"
	"github.com/lendscan/lending-indexer/internal/reconciler"
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

// recordingStore counts mutations; appendErr and snapshotErr drive the
// retry paths
type recordingStore struct {
	journal        map[string]bool
	snapshots      int
	borrowedValues []string
	appendErr      error
	snapshotErr    error

	// Stalls the first snapshot to surface out-of-order commits
	firstSnapshotDelay time.Duration
}

func newRecordingStore() *recordingStore {
	return &recordingStore{journal: make(map[string]bool)}
}

// WithTransaction restores the journal when fn fails, mirroring a rollback
func (r *recordingStore) WithTransaction(_ context.Context, fn func(store.Store) error) error {
	journal := make(map[string]bool, len(r.journal))
	for k, v := range r.journal {
		journal[k] = v
	}
	if err := fn(r); err != nil {
		r.journal = journal
		return err
	}
	return nil
}

func (r *recordingStore) AppendTransaction(_ context.Context, event *domain.IndexedEvent) (bool, error) {
	if r.appendErr != nil {
		return false, r.appendErr
	}
	if r.journal[event.EventID()] {
		return false, nil
	}
	r.journal[event.EventID()] = true
	return true, nil
}

func (r *recordingStore) ReadPosition(context.Context, string) (*store.UserPosition, error) {
	return nil, nil
}

func (r *recordingStore) SetBorrowed(_ context.Context, _, _, borrowed string) error {
	if r.snapshotErr != nil {
		return r.snapshotErr
	}
	if r.snapshots == 0 && r.firstSnapshotDelay > 0 {
		time.Sleep(r.firstSnapshotDelay)
	}
	r.snapshots++
	r.borrowedValues = append(r.borrowedValues, borrowed)
	return nil
}

func (r *recordingStore) CreditSupplied(context.Context, string, string, string) error { return nil }
func (r *recordingStore) DebitSupplied(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (r *recordingStore) TransferSupplied(context.Context, string, string, string, string) (bool, error) {
	return false, nil
}
func (r *recordingStore) DebitBorrowed(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (r *recordingStore) LinkAddress(context.Context, string, string, string) error { return nil }
func (r *recordingStore) RecordFault(context.Context, schema.FaultRecord) error     { return nil }
func (r *recordingStore) GetBlockCursor(context.Context, string) (uint64, error)    { return 0, nil }
func (r *recordingStore) SetBlockCursor(context.Context, string, uint64) error      { return nil }

var _ store.Store = (*recordingStore)(nil)

// fakeMessage records the ack disposition
type fakeMessage struct {
	data    []byte
	acked   bool
	naked   bool
	termed  bool
	ackedCh chan struct{}
}

func (f *fakeMessage) Data() []byte { return f.data }

func (f *fakeMessage) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: 1}, nil
}

func (f *fakeMessage) Ack() error {
	f.acked = true
	if f.ackedCh != nil {
		close(f.ackedCh)
	}
	return nil
}
func (f *fakeMessage) Nak() error  { f.naked = true; return nil }
func (f *fakeMessage) Term() error { f.termed = true; return nil }

var _ adapter.Message = (*fakeMessage)(nil)

// Fakes for driving the full Run loop through NewBridge

type fakeNatsJetStream struct {
	js adapter.JetStream
}

func (f *fakeNatsJetStream) Connect(string, ...nats.Option) (adapter.NatsConn, adapter.JetStream, error) {
	return &fakeConn{}, f.js, nil
}

type fakeConn struct{}

func (f *fakeConn) Close()               {}
func (f *fakeConn) LastError() error     { return nil }
func (f *fakeConn) ConnectedUrl() string { return "" }

type fakeJetStream struct {
	consumer adapter.Consumer
}

func (f *fakeJetStream) Publish(context.Context, string, []byte, ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return &jetstream.PubAck{}, nil
}

func (f *fakeJetStream) CreateOrUpdateConsumer(context.Context, string, jetstream.ConsumerConfig) (adapter.Consumer, error) {
	return f.consumer, nil
}

type fakeConsumer struct {
	msgs []adapter.Message
}

func (f *fakeConsumer) Consume(handler adapter.MessageHandler, _ ...jetstream.PullConsumeOpt) (adapter.ConsumeContext, error) {
	go func() {
		for _, msg := range f.msgs {
			handler(msg)
		}
	}()
	return &fakeConsumeContext{}, nil
}

func (f *fakeConsumer) Info(context.Context) (*jetstream.ConsumerInfo, error) {
	return &jetstream.ConsumerInfo{Name: "reconciler"}, nil
}

type fakeConsumeContext struct{}

func (f *fakeConsumeContext) Stop()                   {}
func (f *fakeConsumeContext) Drain()                  {}
func (f *fakeConsumeContext) Closed() <-chan struct{} { return nil }

func newTestBridge(st store.Store) *bridge {
	sidecar := faults.NewSidecar(st, adapter.NewClock())
	return &bridge{
		reconciler: reconciler.New(st, sidecar),
		json:       adapter.NewJSON(),
		config: Config{
			StreamName:   "LENDING_EVENTS",
			ConsumerName: "reconciler",
		},
	}
}

func snapshotPayload(t *testing.T, kind domain.EventKind, accountBorrows string, logIndex uint) []byte {
	t.Helper()
	event := &domain.IndexedEvent{
		Kind:           kind,
		User:           "0x1111111111111111111111111111111111111111",
		TokenSymbol:    "cDAI",
		TokenAddress:   "0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643",
		Amount:         "1000",
		AccountBorrows: &accountBorrows,
		BlockNumber:    17_500_000,
		Timestamp:      time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC),
		TxHash:         "0xabc",
		LogIndex:       logIndex,
	}

	data, err := adapter.NewJSON().Marshal(event)
	require.NoError(t, err)
	return data
}

func eventPayload(t *testing.T) []byte {
	t.Helper()
	return snapshotPayload(t, domain.EventKindBorrow, "2500", 1)
}

func TestHandleMessage_AcksAfterProcessing(t *testing.T) {
	st := newRecordingStore()
	b := newTestBridge(st)

	msg := &fakeMessage{data: eventPayload(t)}
	b.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.False(t, msg.termed)
	assert.Equal(t, 1, st.snapshots)
}

func TestHandleMessage_TermsUnparseablePayload(t *testing.T) {
	st := newRecordingStore()
	b := newTestBridge(st)

	msg := &fakeMessage{data: []byte("not json")}
	b.handleMessage(context.Background(), msg)

	assert.True(t, msg.termed)
	assert.False(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Empty(t, st.journal)
}

func TestHandleMessage_NaksOnStorageError(t *testing.T) {
	st := newRecordingStore()
	st.appendErr = assert.AnError
	b := newTestBridge(st)

	msg := &fakeMessage{data: eventPayload(t)}
	b.handleMessage(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.False(t, msg.acked)
}

func TestHandleMessage_NaksFailedMutationThenAcksRedelivery(t *testing.T) {
	st := newRecordingStore()
	b := newTestBridge(st)

	// The snapshot fails after the journal insert; the rollback must leave
	// no journal row behind
	st.snapshotErr = assert.AnError
	first := &fakeMessage{data: eventPayload(t)}
	b.handleMessage(context.Background(), first)

	assert.True(t, first.naked)
	assert.False(t, first.acked)
	assert.Empty(t, st.journal)

	// Redelivery after the outage applies the event for real
	st.snapshotErr = nil
	second := &fakeMessage{data: eventPayload(t)}
	b.handleMessage(context.Background(), second)

	assert.True(t, second.acked)
	assert.Equal(t, 1, st.snapshots)
	assert.Len(t, st.journal, 1)
}

func TestRun_AppliesSnapshotsInDeliveryOrder(t *testing.T) {
	st := newRecordingStore()
	st.firstSnapshotDelay = 50 * time.Millisecond

	first := &fakeMessage{
		data:    snapshotPayload(t, domain.EventKindBorrow, "100", 1),
		ackedCh: make(chan struct{}),
	}
	second := &fakeMessage{
		data:    snapshotPayload(t, domain.EventKindRepayBorrow, "60", 2),
		ackedCh: make(chan struct{}),
	}

	natsJS := &fakeNatsJetStream{
		js: &fakeJetStream{consumer: &fakeConsumer{msgs: []adapter.Message{first, second}}},
	}
	sidecar := faults.NewSidecar(st, adapter.NewClock())
	b, err := NewBridge(
		Config{StreamName: "LENDING_EVENTS", ConsumerName: "reconciler"},
		natsJS,
		reconciler.New(st, sidecar),
		adapter.NewJSON(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	waitAcked(t, first)
	waitAcked(t, second)
	cancel()
	require.ErrorIs(t, <-runErr, context.Canceled)

	// Both deliveries target the same account, and the first one commits
	// slowly; the later repay snapshot must still win
	assert.Equal(t, []string{"100", "60"}, st.borrowedValues)
}

func waitAcked(t *testing.T, msg *fakeMessage) {
	t.Helper()
	select {
	case <-msg.ackedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not acked in time")
	}
}

func TestHandleMessage_AcksRedeliveredDuplicate(t *testing.T) {
	st := newRecordingStore()
	b := newTestBridge(st)

	first := &fakeMessage{data: eventPayload(t)}
	b.handleMessage(context.Background(), first)
	require.True(t, first.acked)

	// Same event delivered again must ack without touching balances twice
	second := &fakeMessage{data: eventPayload(t)}
	b.handleMessage(context.Background(), second)

	assert.True(t, second.acked)
	assert.Equal(t, 1, st.snapshots)
}
