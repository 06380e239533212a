package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler consumes inbound messages. It runs on the host's dispatch goroutine.
type Handler func(msg Message)

type hostState int

const (
	hostIdle hostState = iota
	hostRunning
	hostClosed
)

// Host owns exactly one background execution context and relays messages
// between it and the controller.
type Host struct {
	logger *slog.Logger

	mu         sync.Mutex
	state      hostState
	channel    Channel
	handler    Handler
	onClose    func(error)
	shutdown   bool
	dispatched chan struct{}
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHost creates an idle host.
func NewHost(opts ...Option) *Host {
	h := &Host{
		logger:     slog.Default(),
		dispatched: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// OnMessage registers the sole consumer of inbound messages, replacing any
// previous one. Messages are delivered in the order the background context
// sent them.
func (h *Host) OnMessage(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// OnClose registers a callback invoked once when the channel closes without
// a Shutdown, for example because the background context crashed.
func (h *Host) OnClose(fn func(error)) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

// Start launches the background context. It may succeed only once per host.
func (h *Host) Start(ctx context.Context, entry EntryPoint, init InitializationData) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != hostIdle {
		return ErrAlreadyStarted
	}

	ch, err := entry.Launch(ctx, init)
	if err != nil {
		return fmt.Errorf("launch executor: %w", err)
	}

	h.channel = ch
	h.state = hostRunning

	go h.dispatch(ch)

	h.logger.Debug("executor: started", "root", init.RootDirectory)

	return nil
}

// Send enqueues msg for the background context without waiting for it.
func (h *Host) Send(msg Message) error {
	h.mu.Lock()
	state, ch := h.state, h.channel
	h.mu.Unlock()

	switch state {
	case hostIdle:
		return ErrNotStarted
	case hostClosed:
		return ErrChannelClosed
	}

	err := ch.Send(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Method, err)
	}

	return nil
}

// Running reports whether the channel is open.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state == hostRunning
}

// Done is closed once the dispatch goroutine has delivered the last message.
func (h *Host) Done() <-chan struct{} {
	return h.dispatched
}

// Shutdown closes the channel, terminates the background context and waits
// for the last message to be dispatched. It is idempotent.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()

	if h.shutdown {
		h.mu.Unlock()

		return nil
	}

	h.shutdown = true
	ch := h.channel
	wasIdle := h.state == hostIdle
	h.state = hostClosed
	h.mu.Unlock()

	if wasIdle {
		close(h.dispatched)

		return nil
	}

	termErr := ch.Terminate(ctx)

	select {
	case <-h.dispatched:
	case <-ctx.Done():
		return errors.Join(termErr, fmt.Errorf("executor dispatch: %w", ctx.Err()))
	}

	return termErr
}

func (h *Host) dispatch(ch Channel) {
	defer close(h.dispatched)

	for {
		msg, err := ch.Receive(context.Background())
		if err != nil {
			h.closed(err)

			return
		}

		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()

		if handler == nil {
			h.logger.Warn("executor: dropping message without handler", "kind", msg.Kind, "method", msg.Method)

			continue
		}

		handler(msg)
	}
}

func (h *Host) closed(reason error) {
	h.mu.Lock()
	h.state = hostClosed
	deliberate := h.shutdown
	callback := h.onClose
	h.mu.Unlock()

	if deliberate {
		return
	}

	err := ErrChannelClosed
	if reason != nil && !errors.Is(reason, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrChannelClosed, reason)
	}

	h.logger.Warn("executor: channel closed", "error", err)

	if callback != nil {
		callback(err)
	}
}
