package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageCodeDone))
	hub.Emit(sampleEvent(StageNameDone))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: "r", TS: time.Now(), Stage: StageNameDone})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageRunDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	// Emit after close is ignored and a second Close only waits.
	hub.Emit(sampleEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	Nop{}.Emit(sampleEvent(StageRunStart))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"run start", Event{RunID: "r", TS: now, Stage: StageRunStart}, true},
		{"name done", Event{RunID: "r", TS: now, Stage: StageNameDone, Item: "Widget"}, true},
		{"missing run", Event{TS: now, Stage: StageRunStart}, false},
		{"missing ts", Event{RunID: "r", Stage: StageRunStart}, false},
		{"missing item", Event{RunID: "r", TS: now, Stage: StageCodeError}, false},
		{"unknown stage", Event{RunID: "r", TS: now, Stage: "NOPE"}, false},
		{"negative dur", Event{RunID: "r", TS: now, Stage: StageRunDone, Dur: -1}, false},
	}
	for _, tc := range cases {
		err := tc.evt.Validate()
		if tc.ok {
			require.NoError(t, err, tc.name)
		} else {
			require.Error(t, err, tc.name)
		}
	}
}

func TestStageClassification(t *testing.T) {
	t.Parallel()

	require.True(t, StageNameError.Failed())
	require.False(t, StageNameDone.Failed())
	require.True(t, StageRunCutoff.Terminal())
	require.False(t, StageFileSaved.Terminal())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID: "0192f0e4-run",
		TS:    time.Now(),
		Stage: stage,
		Item:  "Widget",
	}
}
