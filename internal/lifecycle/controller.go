// Package lifecycle owns the conversation and the state of the one query that may be in
// flight. The presentation layer only reads Snapshots and calls Submit, ClearHistory and
// RefreshHealth; everything else happens here.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llmcouncil/internal/council"
	"llmcouncil/internal/history"
	"llmcouncil/internal/metrics"
	"llmcouncil/internal/stage"
)

const (
	DefaultFailureMessage = "Failed to process query. Please try again."
	ErrorPrefix           = "Error: "
	InterruptedNotice     = ErrorPrefix + "Request interrupted before the council answered."
)

var (
	ErrEmptyQuery     = errors.New("lifecycle: query is empty")
	ErrSubmitInFlight = errors.New("lifecycle: a query is already in flight")
)

type Querier interface {
	SubmitQuery(ctx context.Context, query string) (*council.Result, error)
	CheckHealth(ctx context.Context) (*council.Health, error)
}

// HistoryStore never fails; storage errors are its own business.
type HistoryStore interface {
	Load(ctx context.Context) []history.Turn
	Save(ctx context.Context, turns []history.Turn)
	Clear(ctx context.Context)
}

type Simulator interface {
	Start(onTick func(int)) *stage.Handle
}

// Snapshot is a copy of controller state; callers may keep it.
type Snapshot struct {
	History        []history.Turn
	IsSubmitting   bool
	SimulatedStage int
	LastError      string
	Health         *council.Health
}

// Resolution reports how one accepted submission ended. Assistant is nil only when the
// submission was abandoned.
type Resolution struct {
	User      history.Turn
	Assistant *history.Turn
	Err       error
	Abandoned bool
}

type Controller struct {
	client  Querier
	store   HistoryStore
	sim     Simulator
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	observer func(Snapshot)
	notifyMu sync.Mutex

	mu         sync.Mutex
	turns      []history.Turn
	submitting bool
	stage      int
	lastError  string
	health     *council.Health
	generation uint64
}

type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With().Str("component", "lifecycle").Logger()
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithObserver registers fn to receive a Snapshot after every state change. Calls are
// serialized and fn must not call back into the Controller.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// New loads the persisted conversation. A history that ends on a user turn belongs to a
// request that never resolved, so an interruption notice is appended and saved.
func New(ctx context.Context, client Querier, store HistoryStore, sim Simulator, opts ...Option) *Controller {
	c := &Controller{
		client: client,
		store:  store,
		sim:    sim,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("llmcouncil/lifecycle"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.turns = store.Load(ctx)
	if n := len(c.turns); n > 0 && c.turns[n-1].Role == history.RoleUser {
		c.turns = append(c.turns, history.NewTurn(history.RoleAssistant, InterruptedNotice, nil, c.now()))
		store.Save(ctx, history.Clone(c.turns))
		c.logger.Warn().Int("turns", len(c.turns)).Msg("repaired history ending on an unanswered question")
	}
	c.metrics.SetHistoryTurns(len(c.turns))
	c.metrics.SetStage(stage.None)
	return c
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		History:        history.Clone(c.turns),
		IsSubmitting:   c.submitting,
		SimulatedStage: c.stage,
		LastError:      c.lastError,
	}
	if c.health != nil {
		h := *c.health
		snap.Health = &h
	}
	return snap
}

// Submit appends the question and starts the council request. It returns at once; the
// channel yields exactly one Resolution and is then closed. Cancelling ctx abandons the
// request.
func (c *Controller) Submit(ctx context.Context, text string) (<-chan Resolution, error) {
	query := strings.TrimSpace(text)
	if query == "" {
		c.metrics.ObserveRejection("empty")
		return nil, ErrEmptyQuery
	}

	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		c.metrics.ObserveRejection("in_flight")
		return nil, ErrSubmitInFlight
	}
	user := history.NewTurn(history.RoleUser, query, nil, c.now())
	c.turns = append(c.turns, user)
	c.submitting = true
	c.stage = stage.None
	c.lastError = ""
	c.generation++
	gen := c.generation
	saved := history.Clone(c.turns)
	c.mu.Unlock()

	c.store.Save(context.WithoutCancel(ctx), saved)
	c.metrics.SetHistoryTurns(len(saved))
	c.notify()

	out := make(chan Resolution, 1)
	go func() {
		defer close(out)
		out <- c.run(ctx, gen, user)
	}()
	return out, nil
}

type outcome struct {
	result *council.Result
	err    error
}

func (c *Controller) run(ctx context.Context, gen uint64, user history.Turn) Resolution {
	started := c.now()
	ctx, span := c.tracer.Start(ctx, "council.submit", trace.WithAttributes(
		attribute.Int64("council.generation", int64(gen)),
		attribute.Int("council.query_length", len(user.Content)),
	))
	defer span.End()

	handle := c.sim.Start(func(s int) { c.advance(gen, s) })
	defer handle.Stop()

	done := make(chan outcome, 1)
	go func() {
		result, err := c.client.SubmitQuery(ctx, user.Content)
		done <- outcome{result: result, err: err}
	}()

	var got outcome
	abandoned := false
	select {
	case got = <-done:
	case <-ctx.Done():
		abandoned = true
	}
	handle.Stop()

	persistCtx := context.WithoutCancel(ctx)
	elapsed := c.now().Sub(started)
	switch {
	case abandoned:
		span.SetStatus(codes.Error, "abandoned")
		span.RecordError(ctx.Err())
		c.metrics.ObserveSubmission(metrics.OutcomeAbandoned, elapsed)
		return c.abandon(persistCtx, user, ctx.Err())
	case got.err != nil:
		span.SetStatus(codes.Error, "council request failed")
		span.RecordError(got.err)
		c.metrics.ObserveSubmission(metrics.OutcomeFailure, elapsed)
		return c.fail(persistCtx, user, got.err, elapsed)
	default:
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(
			attribute.Int("council.responses", len(got.result.Stage1Responses)),
			attribute.Int("council.reviews", len(got.result.Stage2Reviews)),
		)
		c.metrics.ObserveSubmission(metrics.OutcomeSuccess, elapsed)
		return c.succeed(persistCtx, user, got.result, elapsed)
	}
}

// advance only ever raises the stage of the submission it was started for.
func (c *Controller) advance(gen uint64, s int) {
	c.mu.Lock()
	if !c.submitting || c.generation != gen || s <= c.stage || s > stage.Max {
		c.mu.Unlock()
		return
	}
	c.stage = s
	c.mu.Unlock()
	c.metrics.SetStage(s)
	c.notify()
}

func (c *Controller) succeed(ctx context.Context, user history.Turn, result *council.Result, elapsed time.Duration) Resolution {
	c.mu.Lock()
	c.stage = stage.Max
	c.mu.Unlock()
	c.metrics.SetStage(stage.Max)
	c.notify()

	assistant := history.NewTurn(history.RoleAssistant, result.FinalContent(), result, c.now())
	saved := c.finish(ctx, assistant, "")
	c.logger.Info().
		Str("turn", assistant.ID).
		Dur("elapsed", elapsed).
		Int("turns", len(saved)).
		Msg("council answered")
	return Resolution{User: user, Assistant: &assistant}
}

func (c *Controller) fail(ctx context.Context, user history.Turn, err error, elapsed time.Duration) Resolution {
	message := FailureMessage(err)
	assistant := history.NewTurn(history.RoleAssistant, ErrorPrefix+message, nil, c.now())
	c.finish(ctx, assistant, message)
	c.logger.Error().Err(err).Dur("elapsed", elapsed).Msg("council query failed")
	return Resolution{User: user, Assistant: &assistant, Err: err}
}

func (c *Controller) abandon(ctx context.Context, user history.Turn, err error) Resolution {
	notice := history.NewTurn(history.RoleAssistant, InterruptedNotice, nil, c.now())
	c.finish(ctx, notice, "")
	c.logger.Warn().Err(err).Str("turn", user.ID).Msg("council query abandoned")
	return Resolution{User: user, Err: err, Abandoned: true}
}

// finish appends the closing turn, persists, and returns to idle in one published step.
func (c *Controller) finish(ctx context.Context, turn history.Turn, lastError string) []history.Turn {
	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.lastError = lastError
	c.submitting = false
	c.stage = stage.None
	saved := history.Clone(c.turns)
	c.mu.Unlock()

	c.store.Save(ctx, saved)
	c.metrics.SetHistoryTurns(len(saved))
	c.metrics.SetStage(stage.None)
	c.notify()
	return saved
}

// FailureMessage is the text shown for a failed query: the backend's detail when it sent
// one, a generic sentence otherwise.
func FailureMessage(err error) string {
	var reqErr *council.RequestError
	if errors.As(err, &reqErr) && strings.TrimSpace(reqErr.Message) != "" {
		return strings.TrimSpace(reqErr.Message)
	}
	return DefaultFailureMessage
}

// ClearHistory empties the conversation and its storage. It does nothing unless confirmed,
// and nothing while a query is in flight or the history is already empty.
func (c *Controller) ClearHistory(ctx context.Context, confirmed bool) bool {
	if !confirmed {
		return false
	}
	c.mu.Lock()
	if c.submitting || len(c.turns) == 0 {
		c.mu.Unlock()
		return false
	}
	cleared := len(c.turns)
	c.turns = []history.Turn{}
	c.lastError = ""
	c.mu.Unlock()

	c.store.Clear(ctx)
	c.metrics.SetHistoryTurns(0)
	c.logger.Info().Int("turns", cleared).Msg("conversation cleared")
	c.notify()
	return true
}

// RefreshHealth probes the backend. A failed probe forgets the previous health info and is
// returned for display only.
func (c *Controller) RefreshHealth(ctx context.Context) error {
	health, err := c.client.CheckHealth(ctx)
	c.metrics.ObserveHealth(err == nil)
	c.mu.Lock()
	if err != nil {
		c.health = nil
	} else {
		c.health = health
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("health check failed")
	} else {
		c.logger.Debug().
			Str("status", health.Status).
			Int("models", health.ModelsConfigured).
			Msg("health check ok")
	}
	c.notify()
	return err
}

// notify reads state at delivery time, so the last call always carries the latest state.
func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.observer(c.Snapshot())
}
