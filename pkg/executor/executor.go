// Package executor hosts exactly one background execution context (a
// goroutine or a child process) per controller and connects it to the
// controller through an ordered, bidirectional message channel.
//
// The background context is selected by an explicit [EntryPoint]:
// [InProcess] runs a [BackgroundFunc] on a goroutine, [Subprocess] starts a
// binary that calls [RunBackground] from its background-role command. The
// same BackgroundFunc serves both, so one build artifact can run either role.
package executor

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrAlreadyStarted is returned when Start is called more than once on a Host.
	ErrAlreadyStarted = errors.New("executor already started")
	// ErrNotStarted is returned when sending before Start.
	ErrNotStarted = errors.New("executor not started")
	// ErrChannelClosed is returned once the executor channel is closed, and is
	// the reason passed to close callbacks when the background context exits.
	ErrChannelClosed = errors.New("executor channel closed")
	// ErrMissingInitData is returned by RunBackground when no initialization data was passed.
	ErrMissingInitData = errors.New("executor initialization data missing")
	// ErrInvalidInitData is returned when initialization data fails validation.
	ErrInvalidInitData = errors.New("executor initialization data invalid")
)

// Conn is one end of the executor channel. Messages are delivered in send
// order. Send never blocks on the peer.
type Conn interface {
	// Send enqueues msg for the peer.
	Send(msg Message) error
	// Receive blocks until the next message arrives. It returns io.EOF after
	// the peer closed its end and all queued messages were delivered, or the
	// error that terminated the peer.
	Receive(ctx context.Context) (Message, error)
	// Close closes this end for sending.
	Close() error
}

// Channel is the controller's end of a launched background context.
type Channel interface {
	Conn

	// Terminate closes the channel, stops the background context and waits
	// for it to exit or ctx to expire.
	Terminate(ctx context.Context) error
}

// BackgroundFunc is the background role: it receives the initialization data
// exactly once and serves the channel until ctx is cancelled or conn closes.
type BackgroundFunc func(ctx context.Context, init InitializationData, conn Conn) error

// EntryPoint launches a background execution context.
type EntryPoint interface {
	Launch(ctx context.Context, init InitializationData) (Channel, error)
}
