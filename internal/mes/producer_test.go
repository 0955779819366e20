package mes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	pulseclients "github.com/leafscale/aps/internal/clients/pulse"
	"github.com/leafscale/aps/internal/plan"
	"github.com/leafscale/aps/internal/sequence"
)

// fakePulse implements the pulse client wrapper over a single in-memory
// stream: Add feeds the sink channel, so producer and dispatcher can be
// tested end to end without Redis.
type fakePulse struct {
	stream *fakeStream
}

func newFakePulse() *fakePulse {
	return &fakePulse{stream: &fakeStream{ch: make(chan *streaming.Event, 100)}}
}

func (f *fakePulse) Name() string { return "fake-pulse" }

func (f *fakePulse) Ping(context.Context) error { return nil }

func (f *fakePulse) Close(context.Context) error { return nil }

func (f *fakePulse) Stream(name string, _ ...streamopts.Stream) (pulseclients.Stream, error) {
	f.stream.mu.Lock()
	f.stream.name = name
	f.stream.mu.Unlock()
	return f.stream, nil
}

type streamEntry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu    sync.Mutex
	name  string
	added []streamEntry
	ch    chan *streaming.Event
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, streamEntry{event: event, payload: payload})
	ev := &streaming.Event{Payload: payload}
	select {
	case s.ch <- ev:
	default:
	}
	return fmt.Sprintf("%d-0", len(s.added)), nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulseclients.Sink, error) {
	return &fakeSink{ch: s.ch}, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) entries() []streamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]streamEntry, len(s.added))
	copy(out, s.added)
	return out
}

type fakeSink struct {
	ch    chan *streaming.Event
	mu    sync.Mutex
	acked []*streaming.Event
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ev)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func newTestProducer(t *testing.T) (*Producer, *MemoryStore, *fakePulse) {
	t.Helper()
	st := NewMemoryStore()
	alloc, err := sequence.NewAllocator(sequence.NewMemoryStore(), sequence.Options{})
	require.NoError(t, err)
	pulse := newFakePulse()
	p, err := NewProducer(ProducerOptions{Client: pulse, Store: st, Sequences: alloc})
	require.NoError(t, err)
	return p, st, pulse
}

func decodeEnvelope(t *testing.T, payload []byte) DispatchRecord {
	t.Helper()
	var rec DispatchRecord
	require.NoError(t, json.Unmarshal(payload, &rec))
	return rec
}

func TestProducerEnqueuesFeedersBeforeMakers(t *testing.T) {
	p, st, pulse := newTestProducer(t)

	n, err := p.EnqueueBatch(context.Background(), "batch-1", "task-1",
		[]plan.MakerOrder{testMakerOrder()}, []plan.FeederOrder{testFeederOrder()})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entries := pulse.stream.entries()
	require.Len(t, entries, 2)
	require.Equal(t, "dispatch", entries[0].event)

	feeder := decodeEnvelope(t, entries[0].payload)
	require.Equal(t, OrderTypeFeeder, feeder.OrderType)
	require.Equal(t, "HWS000000001", feeder.PlanID)
	require.Equal(t, StatusPending, feeder.Status)

	maker := decodeEnvelope(t, entries[1].payload)
	require.Equal(t, OrderTypeMaker, maker.OrderType)
	require.Equal(t, "HJB000000001", maker.PlanID)
	require.Len(t, maker.Record.InputBatch, 1)
	require.Equal(t, "HWS000000001", maker.Record.InputBatch[0].InputPlanID)

	stored, err := st.Get(context.Background(), "HJB000000001")
	require.NoError(t, err)
	require.Equal(t, "batch-1", stored.BatchID)
	require.Equal(t, "task-1", stored.TaskID)
	require.Equal(t, testMakerOrder().ID, stored.OrderID)
	require.False(t, stored.EnqueuedAt.IsZero())
}

func TestProducerHoldsBackupOrders(t *testing.T) {
	p, st, pulse := newTestProducer(t)

	backup := testMakerOrder()
	backup.ID = "HJB202511010002"
	backup.IsBackup = true
	backup.FeederOrderID = ""

	n, err := p.EnqueueBatch(context.Background(), "batch-1", "task-1",
		[]plan.MakerOrder{testMakerOrder(), backup}, []plan.FeederOrder{testFeederOrder()})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// The backup is persisted but never hits the queue.
	require.Len(t, pulse.stream.entries(), 2)

	held, err := st.Get(context.Background(), "HJB000000002")
	require.NoError(t, err)
	require.Equal(t, StatusHeld, held.Status)
	require.True(t, held.Record.IsBackup)
	require.Empty(t, held.Record.InputBatch)
}

func TestProducerValidatesBeforePersisting(t *testing.T) {
	p, st, pulse := newTestProducer(t)

	bad := testFeederOrder()
	bad.Quantity = 0

	_, err := p.EnqueueBatch(context.Background(), "batch-1", "task-1", nil, []plan.FeederOrder{bad})
	require.Error(t, err)
	require.ErrorContains(t, err, "dispatch record")

	recs, err := st.ListBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Empty(t, pulse.stream.entries())
}

func TestProducerReleaseRequeuesHeldRecord(t *testing.T) {
	p, st, pulse := newTestProducer(t)

	backup := testMakerOrder()
	backup.IsBackup = true
	backup.FeederOrderID = ""
	_, err := p.EnqueueBatch(context.Background(), "batch-1", "task-1",
		[]plan.MakerOrder{backup}, nil)
	require.NoError(t, err)
	require.Empty(t, pulse.stream.entries())

	require.NoError(t, p.Release(context.Background(), "HJB000000001"))

	rec, err := st.Get(context.Background(), "HJB000000001")
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)

	entries := pulse.stream.entries()
	require.Len(t, entries, 1)
	require.Equal(t, "HJB000000001", decodeEnvelope(t, entries[0].payload).PlanID)
}

func TestProducerReleaseRejectsPendingAndSent(t *testing.T) {
	p, st, _ := newTestProducer(t)

	_, err := p.EnqueueBatch(context.Background(), "batch-1", "task-1",
		nil, []plan.FeederOrder{testFeederOrder()})
	require.NoError(t, err)

	err = p.Release(context.Background(), "HWS000000001")
	require.ErrorContains(t, err, "only held or failed")

	require.NoError(t, st.MarkSent(context.Background(), "HWS000000001", 1, testMakerOrder().Start))
	err = p.Release(context.Background(), "HWS000000001")
	require.ErrorContains(t, err, "only held or failed")
}

func TestProducerRequiresDependencies(t *testing.T) {
	alloc, err := sequence.NewAllocator(sequence.NewMemoryStore(), sequence.Options{})
	require.NoError(t, err)

	_, err = NewProducer(ProducerOptions{Store: NewMemoryStore(), Sequences: alloc})
	require.ErrorContains(t, err, "pulse client")

	_, err = NewProducer(ProducerOptions{Client: newFakePulse(), Sequences: alloc})
	require.ErrorContains(t, err, "dispatch store")

	_, err = NewProducer(ProducerOptions{Client: newFakePulse(), Store: NewMemoryStore()})
	require.ErrorContains(t, err, "sequence allocator")
}
