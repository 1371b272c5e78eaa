package statsrecorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/testutil"
)

type fakeStore struct {
	mu       sync.Mutex
	counters map[endpoint.CounterKind]int
	daily    map[string]endpoint.DailyStat
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters: make(map[endpoint.CounterKind]int),
		daily:    make(map[string]endpoint.DailyStat),
	}
}

func (s *fakeStore) BumpCounter(ctx context.Context, endpointID string, kind endpoint.CounterKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[kind]++
	return nil
}

func (s *fakeStore) UpsertDaily(ctx context.Context, endpointID, modelID, date string, delta endpoint.DailyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.daily[date]
	row.TotalRequests += delta.TotalRequests
	row.SuccessfulRequests += delta.SuccessfulRequests
	row.FailedRequests += delta.FailedRequests
	row.TotalOutputTokens += delta.TotalOutputTokens
	s.daily[date] = row
	return nil
}

func (s *fakeStore) counter(kind endpoint.CounterKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[kind]
}

func (s *fakeStore) dailyRow(date string) endpoint.DailyStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[date]
}

func TestRecord_SuccessUpdatesTotalsAndDailyStat(t *testing.T) {
	store := newFakeStore()
	r := New(store, nil)
	defer r.Stop()

	r.Record(Outcome{EndpointID: "ep1", ModelID: "m1", Success: true, OutputTokens: 40, WallTime: 2 * time.Second})

	require.True(t, testutil.WaitFor(func() bool { return store.counter(endpoint.CounterTotal) == 1 }, time.Second))
	require.Equal(t, 1, store.counter(endpoint.CounterSuccessful))
	require.Equal(t, 0, store.counter(endpoint.CounterFailed))

	date := time.Now().Format("2006-01-02")
	row := store.dailyRow(date)
	require.EqualValues(t, 1, row.TotalRequests)
	require.EqualValues(t, 1, row.SuccessfulRequests)
	require.EqualValues(t, 40, row.TotalOutputTokens)
}

func TestRecord_FailureIncrementsFailedNotSuccessful(t *testing.T) {
	store := newFakeStore()
	r := New(store, nil)
	defer r.Stop()

	r.Record(Outcome{EndpointID: "ep1", ModelID: "m1", Success: false})

	require.True(t, testutil.WaitFor(func() bool { return store.counter(endpoint.CounterFailed) == 1 }, time.Second))
	require.Equal(t, 0, store.counter(endpoint.CounterSuccessful))
}

func TestTPS_UpdatesAsExponentialMovingAverage(t *testing.T) {
	store := newFakeStore()
	r := New(store, nil)
	defer r.Stop()

	r.Record(Outcome{EndpointID: "ep1", ModelID: "m1", Success: true, OutputTokens: 10, WallTime: time.Second})
	require.True(t, testutil.WaitFor(func() bool { return r.TPS("ep1", "m1") != 0 }, time.Second))
	require.InDelta(t, 10.0, r.TPS("ep1", "m1"), 0.01)

	r.Record(Outcome{EndpointID: "ep1", ModelID: "m1", Success: true, OutputTokens: 20, WallTime: time.Second})
	require.True(t, testutil.WaitFor(func() bool { return r.TPS("ep1", "m1") > 10.01 }, time.Second))
	// beta=0.3: 0.3*20 + 0.7*10 = 13
	require.InDelta(t, 13.0, r.TPS("ep1", "m1"), 0.01)
}

func TestTPS_UnknownPairIsZero(t *testing.T) {
	store := newFakeStore()
	r := New(store, nil)
	defer r.Stop()
	require.Equal(t, 0.0, r.TPS("missing", "missing"))
}

func TestEstimateTokens_FallsBackToByteHeuristic(t *testing.T) {
	// "unrecognized-model" has no registered tokenizer, so EstimateTokens
	// falls back to the byte/4 heuristic.
	n := EstimateTokens("unrecognized-model", "abcdefgh") // 8 bytes
	require.Equal(t, 2, n)
}

func TestEstimateTokens_EmptyTextIsZero(t *testing.T) {
	require.Equal(t, 0, EstimateTokens("m1", ""))
}
