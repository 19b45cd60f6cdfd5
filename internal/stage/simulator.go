// Package stage estimates council progress while a query is outstanding. The backend
// reports nothing until it is done, so the simulator just walks 1 -> 2 -> 3 on a timer.
package stage

import (
	"sync"
	"time"
)

const (
	None      = 0
	Initial   = 1
	Review    = 2
	Synthesis = 3
	Max       = Synthesis

	DefaultInterval = 3 * time.Second
)

type Info struct {
	ID          int
	Name        string
	Description string
}

var Stages = []Info{
	{ID: Initial, Name: "Initial Responses", Description: "Consulting all LLMs..."},
	{ID: Review, Name: "Cross Review", Description: "LLMs reviewing each other..."},
	{ID: Synthesis, Name: "Synthesis", Description: "Chairman preparing final answer..."},
}

// Ticker is the part of *time.Ticker the simulator needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

type Simulator struct {
	interval  time.Duration
	newTicker func(time.Duration) Ticker
}

type Option func(*Simulator)

// WithTicker swaps the clock; tests drive ticks by hand.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Simulator) {
		if fn != nil {
			s.newTicker = fn
		}
	}
}

func New(interval time.Duration, opts ...Option) *Simulator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Simulator{
		interval: interval,
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{t: time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Interval() time.Duration {
	return s.interval
}

// Start reports Initial synchronously, then one step per interval until Synthesis. onTick
// runs on the simulator goroutine and never after the handle's Stop has returned.
func (s *Simulator) Start(onTick func(stage int)) *Handle {
	h := &Handle{
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	onTick(Initial)
	ticker := s.newTicker(s.interval)
	go func() {
		defer close(h.stopped)
		defer ticker.Stop()
		current := Initial
		for current < Max {
			select {
			case <-h.done:
				return
			case <-ticker.C():
			}
			select {
			case <-h.done:
				return
			default:
			}
			current++
			onTick(current)
		}
	}()
	return h
}

// Handle owns one running simulation.
type Handle struct {
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

// Stop ends the simulation and waits for its goroutine. Calling it again, or on a nil or
// zero Handle, does nothing.
func (h *Handle) Stop() {
	if h == nil || h.done == nil {
		return
	}
	h.once.Do(func() {
		close(h.done)
	})
	<-h.stopped
}
