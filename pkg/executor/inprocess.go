package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrBackgroundPanic wraps a panic recovered from an in-process BackgroundFunc.
var ErrBackgroundPanic = errors.New("background context panicked")

// InProcess runs fn on a dedicated goroutine of the controller process.
func InProcess(fn BackgroundFunc) EntryPoint {
	return inProcessEntry{fn: fn}
}

type inProcessEntry struct {
	fn BackgroundFunc
}

// Launch implements EntryPoint.
func (e inProcessEntry) Launch(ctx context.Context, init InitializationData) (Channel, error) {
	if e.fn == nil {
		return nil, errors.New("in-process entry point has no background func")
	}

	err := init.Validate()
	if err != nil {
		return nil, err
	}

	toBackground := newMailbox()
	toHost := newMailbox()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ch := &pipeChannel{
		pipeConn: pipeConn{in: toHost, out: toBackground},
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	background := &pipeConn{in: toBackground, out: toHost}

	go func() {
		defer close(ch.done)

		runErr := runGuarded(runCtx, e.fn, init, background)
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}

		ch.setExitErr(runErr)
		toHost.closeWithError(runErr)
	}()

	return ch, nil
}

func runGuarded(ctx context.Context, fn BackgroundFunc, init InitializationData, conn Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrBackgroundPanic, r, debug.Stack())
		}
	}()

	return fn(ctx, init, conn)
}

// pipeConn is one end of an in-memory channel built from two mailboxes.
type pipeConn struct {
	in  *mailbox
	out *mailbox
}

func (c *pipeConn) Send(msg Message) error {
	return c.out.put(msg)
}

func (c *pipeConn) Receive(ctx context.Context) (Message, error) {
	return c.in.take(ctx)
}

func (c *pipeConn) Close() error {
	c.out.close()

	return nil
}

type pipeChannel struct {
	pipeConn

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (c *pipeChannel) setExitErr(err error) {
	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
}

// Terminate closes both directions, cancels the goroutine context and waits
// for the background func to return.
func (c *pipeChannel) Terminate(ctx context.Context) error {
	c.out.close()
	c.cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("terminate in-process executor: %w", ctx.Err())
	}

	c.in.close()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exitErr
}
