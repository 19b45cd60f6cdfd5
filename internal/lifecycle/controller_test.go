package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmcouncil/internal/council"
	"llmcouncil/internal/history"
	"llmcouncil/internal/metrics"
	"llmcouncil/internal/stage"
)

type fakeQuerier struct {
	mu      sync.Mutex
	queries []string
	submit  func(ctx context.Context, query string) (*council.Result, error)
	health  func(ctx context.Context) (*council.Health, error)
}

func (f *fakeQuerier) SubmitQuery(ctx context.Context, query string) (*council.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.submit(ctx, query)
}

func (f *fakeQuerier) CheckHealth(ctx context.Context) (*council.Health, error) {
	return f.health(ctx)
}

func (f *fakeQuerier) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func answering(result *council.Result) *fakeQuerier {
	return &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		return result, nil
	}}
}

func failing(err error) *fakeQuerier {
	return &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		return nil, err
	}}
}

// blocking answers only once release is closed, whatever ctx does.
func blocking(release <-chan struct{}, result *council.Result) *fakeQuerier {
	return &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		<-release
		return result, nil
	}}
}

type tickerStub struct {
	ch chan time.Time
}

func (t *tickerStub) C() <-chan time.Time { return t.ch }
func (t *tickerStub) Stop()               {}

func manualSim() (*stage.Simulator, chan time.Time) {
	ch := make(chan time.Time)
	sim := stage.New(time.Second, stage.WithTicker(func(time.Duration) stage.Ticker {
		return &tickerStub{ch: ch}
	}))
	return sim, ch
}

// idleSim never ticks past the initial stage within a test.
func idleSim() *stage.Simulator {
	return stage.New(time.Hour)
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) stages() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.SimulatedStage)
	}
	return out
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func quantumResult() *council.Result {
	return &council.Result{
		Query: "What is quantum computing?",
		Stage1Responses: []council.ModelResponse{
			{ModelID: "A", ModelName: "meta-llama/Llama-3.3-70B-Instruct:groq", Response: "Qubits in superposition."},
			{ModelID: "B", ModelName: "Qwen/Qwen2.5-72B-Instruct", Response: "Computation with quantum states."},
		},
		Stage2Reviews: []council.Review{
			{ReviewerModel: "Qwen/Qwen2.5-72B-Instruct", Rankings: []council.Ranking{
				{ResponseID: "A", Rank: 1, Reasoning: "clearer"},
				{ResponseID: "B", Rank: 2, Reasoning: "thin"},
			}},
		},
		Stage3Final: &council.FinalAnswer{
			ChairmanModel: "meta-llama/Llama-3.3-70B-Instruct:groq",
			Content:       "Quantum computing uses qubits...",
		},
		ProcessingTimeSeconds: 12.84,
	}
}

func newStore() *history.Store {
	return history.NewStore(history.NewMemoryBackend())
}

func await(t *testing.T, ch <-chan Resolution) Resolution {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "resolution channel closed without a value")
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("submission never resolved")
		return Resolution{}
	}
}

func TestSubmitSuccessAppendsAnswerAndPersists(t *testing.T) {
	store := newStore()
	client := answering(quantumResult())
	ctrl := New(context.Background(), client, store, idleSim())

	ch, err := ctrl.Submit(context.Background(), "  What is quantum computing?  ")
	require.NoError(t, err)
	res := await(t, ch)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Assistant)

	snap := ctrl.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, history.RoleUser, snap.History[0].Role)
	assert.Equal(t, "What is quantum computing?", snap.History[0].Content)
	assert.Equal(t, history.RoleAssistant, snap.History[1].Role)
	assert.Equal(t, "Quantum computing uses qubits...", snap.History[1].Content)
	require.NotNil(t, snap.History[1].Result)
	assert.Len(t, snap.History[1].Result.Stage1Responses, 2)
	assert.False(t, snap.IsSubmitting)
	assert.Equal(t, stage.None, snap.SimulatedStage)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, []string{"What is quantum computing?"}, client.seen())

	persisted := store.Load(context.Background())
	require.Len(t, persisted, 2)
	assert.Equal(t, snap.History[1].ID, persisted[1].ID)

	_, open := <-ch
	assert.False(t, open)
}

func TestSubmitFailureRecordsErrorTurn(t *testing.T) {
	store := newStore()
	ctrl := New(context.Background(), failing(&council.RequestError{StatusCode: 500, Message: "model timeout"}), store, idleSim())

	ch, err := ctrl.Submit(context.Background(), "hello")
	require.NoError(t, err)
	res := await(t, ch)

	var reqErr *council.RequestError
	require.ErrorAs(t, res.Err, &reqErr)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Error: model timeout", res.Assistant.Content)
	assert.Nil(t, res.Assistant.Result)

	snap := ctrl.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, "Error: model timeout", snap.History[1].Content)
	assert.Equal(t, "model timeout", snap.LastError)
	assert.False(t, snap.IsSubmitting)
	assert.Equal(t, stage.None, snap.SimulatedStage)
	assert.Len(t, store.Load(context.Background()), 2)
}

func TestFailureWithoutDetailUsesDefaultMessage(t *testing.T) {
	ctrl := New(context.Background(), failing(&council.RequestError{Err: errors.New("connection refused")}), newStore(), idleSim())

	ch, err := ctrl.Submit(context.Background(), "hello")
	require.NoError(t, err)
	await(t, ch)

	snap := ctrl.Snapshot()
	assert.Equal(t, DefaultFailureMessage, snap.LastError)
	assert.Equal(t, ErrorPrefix+DefaultFailureMessage, snap.History[1].Content)
}

func TestNextSuccessClearsLastError(t *testing.T) {
	fail := true
	client := &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		if fail {
			return nil, &council.RequestError{StatusCode: 500, Message: "model timeout"}
		}
		return quantumResult(), nil
	}}
	ctrl := New(context.Background(), client, newStore(), idleSim())

	ch, err := ctrl.Submit(context.Background(), "first")
	require.NoError(t, err)
	await(t, ch)
	require.Equal(t, "model timeout", ctrl.Snapshot().LastError)

	fail = false
	ch, err = ctrl.Submit(context.Background(), "second")
	require.NoError(t, err)
	await(t, ch)

	snap := ctrl.Snapshot()
	assert.Empty(t, snap.LastError)
	assert.Len(t, snap.History, 4)
}

func TestSubmitStartClearsPreviousError(t *testing.T) {
	release := make(chan struct{})
	fail := true
	client := &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		if fail {
			return nil, &council.RequestError{StatusCode: 500, Message: "model timeout"}
		}
		<-release
		return quantumResult(), nil
	}}
	ctrl := New(context.Background(), client, newStore(), idleSim())

	ch, err := ctrl.Submit(context.Background(), "first")
	require.NoError(t, err)
	await(t, ch)
	require.Equal(t, "model timeout", ctrl.Snapshot().LastError)

	fail = false
	ch, err = ctrl.Submit(context.Background(), "second")
	require.NoError(t, err)

	snap := ctrl.Snapshot()
	assert.True(t, snap.IsSubmitting)
	assert.Empty(t, snap.LastError)

	close(release)
	res := await(t, ch)
	require.NoError(t, res.Err)
	assert.Empty(t, ctrl.Snapshot().LastError)
}

func TestSubmitRejectsBlankWithoutSideEffects(t *testing.T) {
	store := newStore()
	client := answering(quantumResult())
	rec := &recorder{}
	ctrl := New(context.Background(), client, store, idleSim(), WithObserver(rec.observe))

	for _, text := range []string{"", "   ", "\n\t "} {
		ch, err := ctrl.Submit(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyQuery)
		assert.Nil(t, ch)
	}
	assert.Empty(t, ctrl.Snapshot().History)
	assert.Empty(t, client.seen())
	assert.Empty(t, store.Load(context.Background()))
	assert.Empty(t, rec.stages())
}

func TestSubmitRejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	client := blocking(release, quantumResult())
	ctrl := New(context.Background(), client, newStore(), idleSim())

	ch, err := ctrl.Submit(context.Background(), "first")
	require.NoError(t, err)
	require.True(t, ctrl.Snapshot().IsSubmitting)

	second, err := ctrl.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrSubmitInFlight)
	assert.Nil(t, second)
	assert.Len(t, ctrl.Snapshot().History, 1)

	close(release)
	await(t, ch)

	assert.Len(t, ctrl.Snapshot().History, 2)
	assert.Equal(t, []string{"first"}, client.seen())
}

func TestEverySubmissionAddsExactlyTwoTurns(t *testing.T) {
	outcomes := []error{nil, &council.RequestError{StatusCode: 502}, nil}
	i := 0
	client := &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		err := outcomes[i]
		i++
		if err != nil {
			return nil, err
		}
		return quantumResult(), nil
	}}
	ctrl := New(context.Background(), client, newStore(), idleSim())

	for n := range outcomes {
		ch, err := ctrl.Submit(context.Background(), "question")
		require.NoError(t, err)
		await(t, ch)

		turns := ctrl.Snapshot().History
		require.Len(t, turns, 2*(n+1))
		assert.Equal(t, history.RoleUser, turns[2*n].Role)
		assert.Equal(t, history.RoleAssistant, turns[2*n+1].Role)
	}
}

func TestStageRisesMonotonicallyAndResets(t *testing.T) {
	sim, ticks := manualSim()
	release := make(chan struct{})
	rec := &recorder{}
	m := metrics.New()
	ctrl := New(context.Background(), blocking(release, quantumResult()), newStore(), sim,
		WithObserver(rec.observe), WithMetrics(m))

	ch, err := ctrl.Submit(context.Background(), "question")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ctrl.Snapshot().SimulatedStage == stage.Initial }, time.Second, time.Millisecond)

	ticks <- time.Now()
	require.Eventually(t, func() bool { return ctrl.Snapshot().SimulatedStage == stage.Review }, time.Second, time.Millisecond)
	ticks <- time.Now()
	require.Eventually(t, func() bool { return ctrl.Snapshot().SimulatedStage == stage.Synthesis }, time.Second, time.Millisecond)

	close(release)
	await(t, ch)

	stages := rec.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, stage.None, stages[len(stages)-1])
	for i := 1; i < len(stages)-1; i++ {
		assert.GreaterOrEqual(t, stages[i], stages[i-1], "stage went backwards: %v", stages)
	}
	assert.Contains(t, stages, stage.Review)
	assert.Contains(t, stages, stage.Synthesis)
	assert.False(t, rec.last().IsSubmitting)
	assert.Len(t, rec.last().History, 2)
}

func TestSuccessForcesFinalStageBeforeIdle(t *testing.T) {
	rec := &recorder{}
	ctrl := New(context.Background(), answering(quantumResult()), newStore(), idleSim(), WithObserver(rec.observe))

	ch, err := ctrl.Submit(context.Background(), "question")
	require.NoError(t, err)
	await(t, ch)

	stages := rec.stages()
	require.GreaterOrEqual(t, len(stages), 2)
	assert.Equal(t, stage.Synthesis, stages[len(stages)-2])
	assert.Equal(t, stage.None, stages[len(stages)-1])
}

func TestStaleTicksAreIgnored(t *testing.T) {
	ctrl := New(context.Background(), answering(quantumResult()), newStore(), idleSim())

	ch, err := ctrl.Submit(context.Background(), "question")
	require.NoError(t, err)
	await(t, ch)

	ctrl.advance(1, stage.Review)
	ctrl.advance(0, stage.Synthesis)
	assert.Equal(t, stage.None, ctrl.Snapshot().SimulatedStage)
}

func TestAbandonedSubmissionLeavesNotice(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	store := newStore()
	m := metrics.New()
	ctrl := New(context.Background(), blocking(release, quantumResult()), store, idleSim(), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := ctrl.Submit(ctx, "question")
	require.NoError(t, err)
	cancel()

	res := await(t, ch)
	assert.True(t, res.Abandoned)
	assert.Nil(t, res.Assistant)
	assert.ErrorIs(t, res.Err, context.Canceled)

	snap := ctrl.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, InterruptedNotice, snap.History[1].Content)
	assert.Nil(t, snap.History[1].Result)
	assert.False(t, snap.IsSubmitting)
	assert.Empty(t, snap.LastError)
	assert.Len(t, store.Load(context.Background()), 2)
}

func TestFailureBeforeCancelIsNotAbandoned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var answered atomic.Bool
	client := &fakeQuerier{submit: func(context.Context, string) (*council.Result, error) {
		answered.Store(true)
		return nil, &council.RequestError{StatusCode: 502, Message: "upstream unavailable"}
	}}
	// the caller cancels once the failure is already in hand
	clock := func() time.Time {
		if answered.Load() {
			cancel()
		}
		return time.Now()
	}
	ctrl := New(context.Background(), client, newStore(), idleSim(), WithClock(clock))

	ch, err := ctrl.Submit(ctx, "question")
	require.NoError(t, err)
	res := await(t, ch)

	assert.False(t, res.Abandoned)
	var reqErr *council.RequestError
	require.ErrorAs(t, res.Err, &reqErr)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Error: upstream unavailable", res.Assistant.Content)
	assert.Equal(t, "upstream unavailable", ctrl.Snapshot().LastError)
}

func TestNewRepairsTrailingUserTurn(t *testing.T) {
	store := newStore()
	store.Save(context.Background(), []history.Turn{
		history.NewTurn(history.RoleUser, "asked before a crash", nil, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})

	ctrl := New(context.Background(), answering(quantumResult()), store, idleSim())

	snap := ctrl.Snapshot()
	require.Len(t, snap.History, 2)
	assert.Equal(t, history.RoleAssistant, snap.History[1].Role)
	assert.Equal(t, InterruptedNotice, snap.History[1].Content)
	assert.Len(t, store.Load(context.Background()), 2)
}

func TestNewKeepsCompleteHistory(t *testing.T) {
	store := newStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.Save(context.Background(), []history.Turn{
		history.NewTurn(history.RoleUser, "q", nil, at),
		history.NewTurn(history.RoleAssistant, "a", quantumResult(), at),
	})

	ctrl := New(context.Background(), answering(quantumResult()), store, idleSim())
	assert.Len(t, ctrl.Snapshot().History, 2)
}

func TestClearHistoryNeedsConfirmation(t *testing.T) {
	store := newStore()
	ctrl := New(context.Background(), answering(quantumResult()), store, idleSim())

	ch, err := ctrl.Submit(context.Background(), "question")
	require.NoError(t, err)
	await(t, ch)

	assert.False(t, ctrl.ClearHistory(context.Background(), false))
	assert.Len(t, ctrl.Snapshot().History, 2)
	assert.Len(t, store.Load(context.Background()), 2)

	assert.True(t, ctrl.ClearHistory(context.Background(), true))
	assert.Empty(t, ctrl.Snapshot().History)
	assert.Empty(t, store.Load(context.Background()))

	assert.False(t, ctrl.ClearHistory(context.Background(), true))
}

func TestClearHistoryRefusedWhileSubmitting(t *testing.T) {
	release := make(chan struct{})
	ctrl := New(context.Background(), blocking(release, quantumResult()), newStore(), idleSim())

	ch, err := ctrl.Submit(context.Background(), "question")
	require.NoError(t, err)
	assert.False(t, ctrl.ClearHistory(context.Background(), true))
	assert.Len(t, ctrl.Snapshot().History, 1)

	close(release)
	await(t, ch)
	assert.Len(t, ctrl.Snapshot().History, 2)
}

func TestRefreshHealth(t *testing.T) {
	healthy := true
	client := answering(quantumResult())
	client.health = func(context.Context) (*council.Health, error) {
		if healthy {
			return &council.Health{Status: "healthy", ModelsConfigured: 3, TokenConfigured: true}, nil
		}
		return nil, &council.RequestError{StatusCode: 503}
	}
	ctrl := New(context.Background(), client, newStore(), idleSim())

	require.NoError(t, ctrl.RefreshHealth(context.Background()))
	snap := ctrl.Snapshot()
	require.NotNil(t, snap.Health)
	assert.Equal(t, 3, snap.Health.ModelsConfigured)

	healthy = false
	assert.Error(t, ctrl.RefreshHealth(context.Background()))
	assert.Nil(t, ctrl.Snapshot().Health)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "model timeout", FailureMessage(&council.RequestError{StatusCode: 500, Message: " model timeout "}))
	assert.Equal(t, DefaultFailureMessage, FailureMessage(&council.RequestError{StatusCode: 500}))
	assert.Equal(t, DefaultFailureMessage, FailureMessage(errors.New("boom")))
}
