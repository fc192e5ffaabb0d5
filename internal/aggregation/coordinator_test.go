package aggregation

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvallis/helmsman/internal/events"
)

// recordingDispatcher captures dispatched jobs without executing them, so
// tests drive OnPartialResult by hand.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []StrategyJob
}

func (d *recordingDispatcher) Dispatch(job StrategyJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *recordingDispatcher) all() []StrategyJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]StrategyJob(nil), d.jobs...)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.EventData
}

func (p *capturingPublisher) Publish(data events.EventData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data)
}

func (p *capturingPublisher) ofType(t events.EventType) []events.EventData {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []events.EventData
	for _, e := range p.events {
		if e.EventType() == t {
			matched = append(matched, e)
		}
	}
	return matched
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       Store
	dispatcher  *recordingDispatcher
	publisher   *capturingPublisher
}

func newCoordinatorFixture(t *testing.T, cfg Config) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		store:      NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
		publisher:  &capturingPublisher{},
	}
	f.coordinator = NewCoordinator(f.store, f.dispatcher, f.publisher, cfg, zerolog.Nop())
	return f
}

func TestStartFanoutValidation(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	tests := []struct {
		name string
		req  FanoutRequest
	}{
		{"no strategies", FanoutRequest{}},
		{"empty id", FanoutRequest{Strategies: []StrategySpec{{ID: "", Source: "(weight-equal \"SPY\")"}}}},
		{"empty source", FanoutRequest{Strategies: []StrategySpec{{ID: "a", Source: ""}}}},
		{"negative share", FanoutRequest{Strategies: []StrategySpec{{ID: "a", Source: "(weight-equal \"SPY\")", Share: -1}}}},
		{"duplicate ids", FanoutRequest{Strategies: []StrategySpec{
			{ID: "a", Source: "(weight-equal \"SPY\")"},
			{ID: "a", Source: "(weight-equal \"QQQ\")"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coordinator.StartFanout(tt.req)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, f.dispatcher.all())
}

func TestStartFanoutDispatchesOneJobPerStrategy(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\" \"MSFT\")"},
			{ID: "meanrev", Source: "(weight-equal \"SPY\")"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, session.Status)
	assert.Equal(t, 2, session.TotalExpected)
	assert.NotEmpty(t, session.CorrelationID)

	jobs := f.dispatcher.all()
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, session.ID, job.SessionID)
		assert.Equal(t, session.CorrelationID, job.CorrelationID)
		assert.False(t, job.AsOf.IsZero())
	}
	assert.Equal(t, "momentum", jobs[0].StrategyID)
	assert.Equal(t, "meanrev", jobs[1].StrategyID)
}

func TestSessionCompletesAndMerges(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\")"},
			{ID: "meanrev", Source: "(weight-equal \"MSFT\")"},
			{ID: "carry", Source: "(weight-equal \"SPY\")"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("momentum", map[string]float64{"AAPL": 1.0})))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("meanrev", map[string]float64{"MSFT": 0.5, "AAPL": 0.5})))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("carry", map[string]float64{"SPY": 1.0})))

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Completed)

	emitted := f.publisher.ofType(events.PortfolioAggregated)
	require.Len(t, emitted, 1)
	data := emitted[0].(*events.PortfolioAggregatedData)
	assert.Equal(t, session.ID, data.SessionID)
	assert.Equal(t, []string{"carry", "meanrev", "momentum"}, data.Strategies)

	// Equal shares: AAPL gets 1.0 + 0.5 of 3 units.
	assert.InDelta(t, 0.5, data.Weights["AAPL"], 1e-9)
	assert.InDelta(t, 1.0/6.0, data.Weights["MSFT"], 1e-9)
	assert.InDelta(t, 1.0/3.0, data.Weights["SPY"], 1e-9)

	sum := 0.0
	for _, w := range data.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	assert.Empty(t, f.publisher.ofType(events.AggregationFailed))
}

func TestExcludePolicyDegradesGracefully(t *testing.T) {
	f := newCoordinatorFixture(t, Config{FailurePolicy: PolicyExclude})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\")"},
			{ID: "meanrev", Source: "(weight-equal \"MSFT\")"},
			{ID: "carry", Source: "(weight-equal \"SPY\")"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("momentum", map[string]float64{"AAPL": 1.0})))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		failureResult("meanrev", "insufficient data: no RSI for MSFT")))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("carry", map[string]float64{"SPY": 1.0})))

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	emitted := f.publisher.ofType(events.PortfolioAggregated)
	require.Len(t, emitted, 1)
	data := emitted[0].(*events.PortfolioAggregatedData)
	assert.Equal(t, []string{"carry", "momentum"}, data.Strategies)
	assert.InDelta(t, 0.5, data.Weights["AAPL"], 1e-9)
	assert.InDelta(t, 0.5, data.Weights["SPY"], 1e-9)
	assert.NotContains(t, data.Weights, "MSFT")
}

func TestAllStrategiesFailedFailsSession(t *testing.T) {
	f := newCoordinatorFixture(t, Config{FailurePolicy: PolicyExclude})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\")"},
			{ID: "meanrev", Source: "(weight-equal \"MSFT\")"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		failureResult("momentum", "boom")))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		failureResult("meanrev", "boom")))

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)

	failures := f.publisher.ofType(events.AggregationFailed)
	require.Len(t, failures, 1)
	data := failures[0].(*events.AggregationFailedData)
	assert.Equal(t, 2, data.Completed)
	assert.Contains(t, data.Reason, "no successful partial allocations")
	assert.Empty(t, f.publisher.ofType(events.PortfolioAggregated))
}

func TestFailFastPolicyFailsOnFirstError(t *testing.T) {
	f := newCoordinatorFixture(t, Config{FailurePolicy: PolicyFailFast})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\")"},
			{ID: "meanrev", Source: "(weight-equal \"MSFT\")"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		failureResult("momentum", "boom")))

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)

	failures := f.publisher.ofType(events.AggregationFailed)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].(*events.AggregationFailedData).Reason, "momentum")

	// The surviving strategy's late result is absorbed without effect.
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("meanrev", map[string]float64{"MSFT": 1.0})))
	final, err = f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 1, final.Completed)
	assert.Len(t, f.publisher.ofType(events.AggregationFailed), 1)
}

func TestReplayedResultDoesNotDoubleCount(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\")"},
			{ID: "meanrev", Source: "(weight-equal \"MSFT\")"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("momentum", map[string]float64{"AAPL": 1.0})))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("momentum", map[string]float64{"AAPL": 1.0})))

	current, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
	assert.Equal(t, 1, current.Completed)
	assert.Empty(t, f.publisher.ofType(events.PortfolioAggregated))
}

func TestShareWeightedMerge(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "core", Source: "(weight-equal \"SPY\")", Share: 3},
			{ID: "satellite", Source: "(weight-equal \"GLD\")", Share: 1},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("core", map[string]float64{"SPY": 1.0})))
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("satellite", map[string]float64{"GLD": 1.0})))

	emitted := f.publisher.ofType(events.PortfolioAggregated)
	require.Len(t, emitted, 1)
	data := emitted[0].(*events.PortfolioAggregatedData)
	assert.InDelta(t, 0.75, data.Weights["SPY"], 1e-9)
	assert.InDelta(t, 0.25, data.Weights["GLD"], 1e-9)
}

func TestTimeoutScanFailsStaleSessions(t *testing.T) {
	f := newCoordinatorFixture(t, Config{SessionDeadline: time.Minute})

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	f.coordinator.now = func() time.Time { return base }

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{
			{ID: "momentum", Source: "(weight-equal \"AAPL\")"},
			{ID: "meanrev", Source: "(weight-equal \"MSFT\")"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("momentum", map[string]float64{"AAPL": 1.0})))

	// Before the deadline the scanner does nothing.
	require.NoError(t, f.coordinator.ScanForTimeouts())
	assert.Empty(t, f.publisher.ofType(events.AggregationFailed))

	f.coordinator.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, f.coordinator.ScanForTimeouts())

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, final.Status)

	failures := f.publisher.ofType(events.AggregationFailed)
	require.Len(t, failures, 1)
	data := failures[0].(*events.AggregationFailedData)
	assert.Equal(t, session.ID, data.SessionID)
	assert.Contains(t, data.Reason, "timeout")
	assert.Equal(t, 1, data.Completed)
	assert.Equal(t, 2, data.TotalExpected)

	// A straggler after the timeout is absorbed, and a second scan emits
	// nothing new.
	require.NoError(t, f.coordinator.OnPartialResult(session.ID,
		successResult("meanrev", map[string]float64{"MSFT": 1.0})))
	require.NoError(t, f.coordinator.ScanForTimeouts())
	assert.Len(t, f.publisher.ofType(events.AggregationFailed), 1)
	assert.Empty(t, f.publisher.ofType(events.PortfolioAggregated))
}

func TestCancelFailsPendingSession(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	session, err := f.coordinator.StartFanout(FanoutRequest{
		Strategies: []StrategySpec{{ID: "momentum", Source: "(weight-equal \"AAPL\")"}},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Cancel(session.ID, "operator request"))

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)

	failures := f.publisher.ofType(events.AggregationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "operator request", failures[0].(*events.AggregationFailedData).Reason)

	// Cancelling a terminal session is a no-op.
	require.NoError(t, f.coordinator.Cancel(session.ID, "again"))
	assert.Len(t, f.publisher.ofType(events.AggregationFailed), 1)
}

func TestConcurrentResultsCompleteExactlyOnce(t *testing.T) {
	f := newCoordinatorFixture(t, Config{})

	strategies := []StrategySpec{
		{ID: "s0", Source: "(weight-equal \"A\")"},
		{ID: "s1", Source: "(weight-equal \"B\")"},
		{ID: "s2", Source: "(weight-equal \"C\")"},
		{ID: "s3", Source: "(weight-equal \"D\")"},
		{ID: "s4", Source: "(weight-equal \"E\")"},
	}
	session, err := f.coordinator.StartFanout(FanoutRequest{Strategies: strategies})
	require.NoError(t, err)

	symbols := []string{"A", "B", "C", "D", "E"}
	var wg sync.WaitGroup
	for i, s := range strategies {
		wg.Add(1)
		go func(id, symbol string) {
			defer wg.Done()
			assert.NoError(t, f.coordinator.OnPartialResult(session.ID,
				successResult(id, map[string]float64{symbol: 1.0})))
		}(s.ID, symbols[i])
	}
	wg.Wait()

	final, err := f.coordinator.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 5, final.Completed)

	emitted := f.publisher.ofType(events.PortfolioAggregated)
	require.Len(t, emitted, 1)
	data := emitted[0].(*events.PortfolioAggregatedData)
	for _, symbol := range symbols {
		assert.InDelta(t, 0.2, data.Weights[symbol], 1e-9)
	}
}
