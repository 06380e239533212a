// Package progress drives a UI progress indicator from begin/report/end
// notifications sent by the background executor, with a timeout that clears
// the indicator if the executor stalls or crashes mid-pass.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timeout is how long the coordinator stays Active without a report.
const Timeout = 60 * time.Second

// UI creates progress indicators.
type UI interface {
	// Begin shows a new indicator.
	Begin() Handle
}

// Handle is a live progress indicator.
type Handle interface {
	Report(message string)
	// Done removes the indicator. It is called exactly once per handle.
	Done()
}

// State is the coordinator state.
type State int

// Coordinator states.
const (
	StateIdle State = iota
	StateActive
)

// String returns the state name.
func (s State) String() string {
	if s == StateActive {
		return "active"
	}

	return "idle"
}

// Coordinator is the Idle/Active progress state machine. It is safe for
// concurrent use; UI callbacks are invoked with the coordinator locked and
// must not call back into it.
type Coordinator struct {
	ui      UI
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	handle     Handle
	message    string
	deadline   time.Time
	timer      *clock.Timer
	generation uint64
	disposed   bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for the timeout.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

// WithTimeout overrides Timeout.
func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(co *Coordinator) {
		if logger != nil {
			co.logger = logger
		}
	}
}

// NewCoordinator creates an idle coordinator over ui.
func NewCoordinator(ui UI, opts ...Option) *Coordinator {
	c := &Coordinator{
		ui:      ui,
		clock:   clock.New(),
		timeout: Timeout,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BeginProgress opens a new indicator and arms the timeout. An indicator that
// is still open is released first so that no handle is ever leaked.
func (c *Coordinator) BeginProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return
	}

	if c.state == StateActive {
		c.logger.Debug("progress: begin while active, replacing indicator")
		c.release()
	}

	c.handle = c.ui.Begin()
	c.state = StateActive
	c.arm()
}

// ReportProgress updates the indicator and re-arms the timeout. It is
// ignored while Idle so that a late or duplicate report cannot resurrect a
// stale indicator.
func (c *Coordinator) ReportProgress(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		c.logger.Debug("progress: report while idle ignored", "message", message)

		return
	}

	c.message = message
	c.handle.Report(message)
	c.arm()
}

// EndProgress releases the indicator. It is a no-op while Idle.
func (c *Coordinator) EndProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.release()
}

// Dispose forces Idle and rejects later begins.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disposed = true
	c.release()
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Message returns the last reported message while Active.
func (c *Coordinator) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.message
}

// Deadline returns when the indicator will be cleared if no report arrives.
// It is zero while Idle.
func (c *Coordinator) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deadline
}

func (c *Coordinator) arm() {
	if c.timer != nil {
		c.timer.Stop()
	}

	c.generation++
	gen := c.generation
	c.deadline = c.clock.Now().Add(c.timeout)
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(gen) })
}

// expire handles the timeout of generation gen. A timer superseded by a
// report, an end or a new begin carries a stale generation and does nothing.
func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != StateActive {
		return
	}

	c.logger.Warn("progress: no update from executor, clearing indicator",
		"timeout", c.timeout, "message", c.message)
	c.release()
}

func (c *Coordinator) release() {
	if c.state == StateIdle {
		return
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.generation++

	handle := c.handle
	c.handle = nil
	c.state = StateIdle
	c.message = ""
	c.deadline = time.Time{}

	handle.Done()
}
