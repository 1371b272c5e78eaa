package proxycore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/inflight"
	"github.com/llmlb/llmlb/internal/errs"
	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/selector"
	"github.com/llmlb/llmlb/statsrecorder"
	"github.com/llmlb/llmlb/testutil"
)

// fakeSelector returns a fixed Result (or error) regardless of input,
// letting each test wire its own candidate list without a live registry.
type fakeSelector struct {
	result selector.Result
	err    error
}

func (f *fakeSelector) Select(modelID string, cap endpoint.Capability) (selector.Result, error) {
	return f.result, f.err
}

// fakeStore is an in-memory stand-in for endpoint.Store's counter and
// daily-stat writes, letting statsrecorder.Recorder run against
// something other than a database in tests.
type fakeStore struct {
	mu       sync.Mutex
	counters map[string]map[endpoint.CounterKind]int64
	daily    map[string]endpoint.DailyStat
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters: make(map[string]map[endpoint.CounterKind]int64),
		daily:    make(map[string]endpoint.DailyStat),
	}
}

func (s *fakeStore) BumpCounter(ctx context.Context, endpointID string, kind endpoint.CounterKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[endpointID] == nil {
		s.counters[endpointID] = make(map[endpoint.CounterKind]int64)
	}
	s.counters[endpointID][kind]++
	return nil
}

func (s *fakeStore) UpsertDaily(ctx context.Context, endpointID, modelID, date string, delta endpoint.DailyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := endpointID + "/" + modelID + "/" + date
	row := s.daily[key]
	row.TotalRequests += delta.TotalRequests
	row.SuccessfulRequests += delta.SuccessfulRequests
	row.FailedRequests += delta.FailedRequests
	row.TotalOutputTokens += delta.TotalOutputTokens
	s.daily[key] = row
	return nil
}

func (s *fakeStore) get(endpointID string, kind endpoint.CounterKind) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[endpointID][kind]
}

func newCoreForTest(t *testing.T, sel Selector) (*Core, *fakeStore, *inflight.Tracker) {
	t.Helper()
	store := newFakeStore()
	stats := statsrecorder.New(store, nil)
	t.Cleanup(stats.Stop)
	tracker := inflight.New()
	return New(sel, tracker, nil, stats, nil), store, tracker
}

func candidateFor(baseURL, id string) *registry.Entry {
	return &registry.Entry{ID: id, BaseURL: baseURL, InferenceTimeoutS: 5}
}

func postRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func waitForCounter(t *testing.T, store *fakeStore, endpointID string, kind endpoint.CounterKind, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.get(endpointID, kind) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter %s/%s never reached %d (got %d)", endpointID, kind, want, store.get(endpointID, kind))
}

func TestForward_BufferedSuccessRelaysBodyAndRecordsStats(t *testing.T) {
	up := testutil.NewFakeUpstream(testutil.FakeUpstreamScript{
		Status: http.StatusOK,
		Body:   `{"choices":[{"message":{"content":"hello world"}}],"usage":{"completion_tokens":3}}`,
	})
	defer up.Close()

	sel := &fakeSelector{result: selector.Result{Candidates: []*registry.Entry{candidateFor(up.URL(), "ep-1")}}}
	core, store, tracker := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"model":"m1","stream":false}`), KindChatCompletions)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "hello world")
	require.Equal(t, int64(1), up.Calls())

	waitForCounter(t, store, "ep-1", endpoint.CounterSuccessful, 1)
	require.Equal(t, int64(0), tracker.Count("ep-1"))
}

func TestForward_FailoverRetriesNextCandidateBeforeAnyResponseByte(t *testing.T) {
	// A connection to a closed listener is refused immediately, before
	// any response bytes reach the client, so ProxyCore must retry the
	// next candidate.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close() // now guaranteed connection-refused

	up := testutil.NewFakeUpstream(testutil.FakeUpstreamScript{Status: http.StatusOK, Body: `{"ok":true}`})
	defer up.Close()

	sel := &fakeSelector{result: selector.Result{Candidates: []*registry.Entry{
		candidateFor(deadURL, "dead-ep"),
		candidateFor(up.URL(), "live-ep"),
	}}}
	core, store, tracker := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"model":"m1"}`), KindChatCompletions)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ok":true`)
	require.Equal(t, int64(1), up.Calls())

	waitForCounter(t, store, "live-ep", endpoint.CounterSuccessful, 1)
	waitForCounter(t, store, "dead-ep", endpoint.CounterFailed, 1)
	require.Equal(t, int64(0), tracker.Count("dead-ep"))
	require.Equal(t, int64(0), tracker.Count("live-ep"))
}

func TestForward_CommittedUpstreamErrorIsNotRetried(t *testing.T) {
	up := testutil.NewFakeUpstream(testutil.FakeUpstreamScript{Status: http.StatusInternalServerError, Body: `{"error":"boom"}`})
	defer up.Close()

	// A second candidate that would succeed if it were ever tried.
	fallback := testutil.NewFakeUpstream(testutil.FakeUpstreamScript{Status: http.StatusOK, Body: `{"ok":true}`})
	defer fallback.Close()

	sel := &fakeSelector{result: selector.Result{Candidates: []*registry.Entry{
		candidateFor(up.URL(), "primary"),
		candidateFor(fallback.URL(), "secondary"),
	}}}
	core, _, _ := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"model":"m1"}`), KindChatCompletions)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "boom")
	require.Equal(t, int64(1), up.Calls())
	require.Equal(t, int64(0), fallback.Calls())
}

func TestForward_StreamingRelaysEventsByteExactAndExtractsUsage(t *testing.T) {
	up := testutil.NewFakeUpstream(testutil.FakeUpstreamScript{
		Status: http.StatusOK,
		SSE:    true,
		Chunks: []string{
			`{"choices":[{"delta":{"content":"a"}}]}`,
			`{"choices":[{"delta":{"content":"b"}}]}`,
			`{"choices":[{"delta":{}}],"usage":{"completion_tokens":7}}`,
		},
	})
	defer up.Close()

	sel := &fakeSelector{result: selector.Result{Candidates: []*registry.Entry{candidateFor(up.URL(), "ep-1")}}}
	core, store, _ := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"model":"m1","stream":true}`), KindChatCompletions)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, `data: {"choices":[{"delta":{"content":"a"}}]}`))
	require.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
	require.Contains(t, body, `"completion_tokens":7`)

	waitForCounter(t, store, "ep-1", endpoint.CounterSuccessful, 1)
}

func TestForward_EmptyCandidateListNeverDispatches(t *testing.T) {
	sel := &fakeSelector{err: errs.New(errs.Unavailable, "no online endpoint currently serves model \"m1\"")}
	core, _, _ := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"model":"m1"}`), KindChatCompletions)
	require.Error(t, err)
	require.Equal(t, errs.Unavailable, errs.GetCode(err))
	require.Equal(t, 0, w.Body.Len())
}

func TestForward_MissingModelFieldIsInvalidInput(t *testing.T) {
	sel := &fakeSelector{}
	core, _, _ := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"stream":false}`), KindChatCompletions)
	require.Error(t, err)
	require.Equal(t, errs.InvalidInput, errs.GetCode(err))
}

func TestForward_FailoverBudgetStopsAfterThreeCandidates(t *testing.T) {
	deadURL := func() string {
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		u := s.URL
		s.Close()
		return u
	}

	candidates := []*registry.Entry{
		candidateFor(deadURL(), "dead-1"),
		candidateFor(deadURL(), "dead-2"),
		candidateFor(deadURL(), "dead-3"),
		candidateFor(deadURL(), "dead-4"),
		candidateFor(deadURL(), "dead-5"),
	}
	sel := &fakeSelector{result: selector.Result{Candidates: candidates}}
	core, store, _ := newCoreForTest(t, sel)

	w := httptest.NewRecorder()
	err := core.Forward(context.Background(), w, postRequest(`{"model":"m1"}`), KindChatCompletions)
	require.Error(t, err)
	require.Equal(t, errs.UpstreamTransport, errs.GetCode(err))

	waitForCounter(t, store, "dead-1", endpoint.CounterFailed, 1)
	waitForCounter(t, store, "dead-2", endpoint.CounterFailed, 1)
	waitForCounter(t, store, "dead-3", endpoint.CounterFailed, 1)
	require.Equal(t, int64(0), store.get("dead-4", endpoint.CounterFailed),
		"the fourth candidate is past the failover budget and must never be dialed")
	require.Equal(t, int64(0), store.get("dead-5", endpoint.CounterFailed))
}
