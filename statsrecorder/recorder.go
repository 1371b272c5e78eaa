// Package statsrecorder applies completed-request outcomes to the
// endpoint store and an in-memory tokens-per-second EMA without ever
// blocking the request path that produced them.
package statsrecorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/endpoint"
	"github.com/llmlb/llmlb/internal/channel"
	"github.com/llmlb/llmlb/tokenizer"
)

// tpsBeta weights the newest tokens-per-second sample against the
// running average.
const tpsBeta = 0.3

// minDuration floors the elapsed time used to compute a TPS sample so
// a near-instant response (e.g. a cached or tiny completion) can't
// produce a spike that swamps the EMA.
const minDuration = 10 * time.Millisecond

// bytesPerToken is the fallback estimate used when no tokenizer is
// registered for a model and no usage field was available upstream.
const bytesPerToken = 4

// queueCapacity bounds the pending-record queue; once full, Record
// drops the oldest pending entry to make room rather than blocking
// the caller, incrementing Dropped().
const queueCapacity = 2048

// Store is the subset of endpoint.Store the recorder writes through.
type Store interface {
	BumpCounter(ctx context.Context, endpointID string, kind endpoint.CounterKind) error
	UpsertDaily(ctx context.Context, endpointID, modelID, date string, delta endpoint.DailyStat) error
}

// Outcome is one completed request's stats contribution, enqueued by
// ProxyCore on every termination path of a local-endpoint attempt.
// Cloud-routed requests are not recorded.
type Outcome struct {
	EndpointID   string
	ModelID      string
	Success      bool
	OutputTokens int
	WallTime     time.Duration
}

type tpsState struct {
	mu  sync.Mutex
	ema float64
}

// Recorder is a fire-and-forget stats writer. A
// single background goroutine drains the queue so concurrent
// producers never contend on the store directly.
type Recorder struct {
	store  Store
	logger *zap.Logger
	queue  *channel.TunableChannel[Outcome]

	tps   sync.Map // "endpointID/modelID" -> *tpsState
	drops atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Recorder and starts its drain loop. Call Stop to shut
// it down; records still queued when Stop is called are not applied. store may
// be nil, in which case only the in-memory TPS EMA is maintained.
func New(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := channel.DefaultTunableConfig()
	cfg.InitialSize = queueCapacity
	cfg.MinSize = queueCapacity
	cfg.MaxSize = queueCapacity

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:  store,
		logger: logger.With(zap.String("component", "stats_recorder")),
		queue:  channel.NewTunableChannel[Outcome](cfg),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.drain(ctx)
	return r
}

// Record enqueues one outcome without blocking. If the queue is full
// the oldest pending record is dropped to make room.
func (r *Recorder) Record(o Outcome) {
	if r.queue.TrySend(o) {
		return
	}
	if _, ok := r.queue.TryReceive(); ok {
		r.drops.Add(1)
	}
	if !r.queue.TrySend(o) {
		r.drops.Add(1)
	}
}

// Dropped returns how many records have been discarded because the
// queue was full: each oldest record evicted to make room, plus any new
// record that still found the queue full after the eviction.
func (r *Recorder) Dropped() int64 {
	return r.drops.Load()
}

// TPS returns the current tokens-per-second EMA for (endpointID,
// modelID), or 0 if no sample has landed yet.
func (r *Recorder) TPS(endpointID, modelID string) float64 {
	v, ok := r.tps.Load(tpsKey(endpointID, modelID))
	if !ok {
		return 0
	}
	st := v.(*tpsState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ema
}

// EstimateTokens approximates the output token count for text when no
// upstream usage field is available. It uses a tokenizer registered
// for the model in the tokenizer package when there is one, and
// otherwise the byte/4 heuristic. llmlb registers no tokenizers, so in
// practice the byte/4 heuristic applies.
func EstimateTokens(modelID, text string) int {
	if text == "" {
		return 0
	}
	if tk, err := tokenizer.GetTokenizer(modelID); err == nil {
		if n, err := tk.CountTokens(text); err == nil {
			return n
		}
	}
	n := len(text) / bytesPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// Stop ends the drain loop, letting the record currently in flight (if
// any) finish.
func (r *Recorder) Stop() {
	r.cancel()
	<-r.done
}

func (r *Recorder) drain(ctx context.Context) {
	defer close(r.done)
	for {
		o, err := r.queue.Receive(ctx)
		if err != nil {
			return
		}
		r.apply(o)
	}
}

func (r *Recorder) apply(o Outcome) {
	if r.store == nil {
		// No database configured: keep the TPS EMA current so routing
		// telemetry still works, skip the durable counters.
		r.updateTPS(o)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.BumpCounter(ctx, o.EndpointID, endpoint.CounterTotal); err != nil {
		r.logger.Warn("bump total counter failed", zap.String("endpoint_id", o.EndpointID), zap.Error(err))
	}
	kind := endpoint.CounterFailed
	if o.Success {
		kind = endpoint.CounterSuccessful
	}
	if err := r.store.BumpCounter(ctx, o.EndpointID, kind); err != nil {
		r.logger.Warn("bump outcome counter failed", zap.String("endpoint_id", o.EndpointID), zap.Error(err))
	}

	delta := endpoint.DailyStat{
		TotalRequests:     1,
		TotalOutputTokens: int64(o.OutputTokens),
		TotalOutputTimeMS: o.WallTime.Milliseconds(),
	}
	if o.Success {
		delta.SuccessfulRequests = 1
	} else {
		delta.FailedRequests = 1
	}
	date := time.Now().Format("2006-01-02")
	if err := r.store.UpsertDaily(ctx, o.EndpointID, o.ModelID, date, delta); err != nil {
		r.logger.Warn("upsert daily stat failed",
			zap.String("endpoint_id", o.EndpointID), zap.String("model_id", o.ModelID), zap.Error(err))
	}

	r.updateTPS(o)
}

func (r *Recorder) updateTPS(o Outcome) {
	if o.OutputTokens <= 0 {
		return
	}
	wall := o.WallTime
	if wall < minDuration {
		wall = minDuration
	}
	sample := float64(o.OutputTokens) / wall.Seconds()

	key := tpsKey(o.EndpointID, o.ModelID)
	v, _ := r.tps.LoadOrStore(key, &tpsState{})
	st := v.(*tpsState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ema == 0 {
		st.ema = sample
		return
	}
	st.ema = tpsBeta*sample + (1-tpsBeta)*st.ema
}

func tpsKey(endpointID, modelID string) string {
	return endpointID + "/" + modelID
}
