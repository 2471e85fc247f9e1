package watchdog

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Finished is the step id a watchdog sits on after Finish.
const Finished = -1

var (
	ErrStepTooLong  = errors.New("step took too long")
	ErrStepFinished = errors.New("step checked after finish")
)

// StepState is a copy of the watchdog's bookkeeping for the current step.
type StepState struct {
	Step         int
	StartedAt    time.Time
	Tries        int
	LastDuration time.Duration
	Finished     bool
}

// Watchdog guards a single poll-driven state machine against sitting on one
// step for longer than the critical duration.
type Watchdog struct {
	mu sync.Mutex

	name     string
	critical time.Duration
	now      func() time.Time
	stepName func(int) string
	state    StepState
	neverRun bool
}

type Option func(*Watchdog)

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithStepNames makes error messages carry a readable name for each step id.
func WithStepNames(fn func(int) string) Option {
	return func(w *Watchdog) { w.stepName = fn }
}

func New(name string, critical time.Duration, opts ...Option) *Watchdog {
	w := &Watchdog{
		name:     name,
		critical: critical,
		now:      time.Now,
		stepName: strconv.Itoa,
		neverRun: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.reset()
	return w
}

// SetStep moves to step and restarts the clock and the try counter.
func (w *Watchdog) SetStep(step int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Step = step
	w.reset()
}

func (w *Watchdog) Step() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Step
}

// Finish parks the watchdog on the Finished step. It cannot be undone.
func (w *Watchdog) Finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Step = Finished
	w.state.Finished = true
	w.reset()
}

func (w *Watchdog) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Finished
}

func (w *Watchdog) Snapshot() StepState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Check counts one attempt on the current step and fails once the step has
// been running for longer than the critical duration. The first Check of a
// fresh watchdog starts the clock instead of measuring from construction.
func (w *Watchdog) Check() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Step == Finished {
		return nil
	}
	if w.state.Finished {
		return fmt.Errorf("%w: %s moved to step %s", ErrStepFinished, w.name, w.stepName(w.state.Step))
	}
	if w.neverRun {
		w.neverRun = false
		w.reset()
	}

	elapsed := w.now().Sub(w.state.StartedAt)
	w.state.Tries++
	w.state.LastDuration = elapsed

	if elapsed > w.critical {
		return fmt.Errorf("%w: %s stuck on step %s (%d), tries: %d, duration: %s",
			ErrStepTooLong, w.name, w.stepName(w.state.Step), w.state.Step, w.state.Tries, elapsed)
	}
	return nil
}

func (w *Watchdog) reset() {
	w.state.StartedAt = w.now()
	w.state.Tries = 0
	w.state.LastDuration = 0
}
