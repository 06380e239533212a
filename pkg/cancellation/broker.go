// Package cancellation provides advisory, polled cancellation tokens that
// work whether the analysis executor is a goroutine in the same process or a
// separate child process.
//
// A [Broker] allocates tokens on the controller side. The background loop
// never blocks on a token: it calls [Checker.IsCancelled] between discrete
// units of work and stops cooperatively.
package cancellation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// ErrCancelled is returned by [Watcher.Err] once the token was cancelled.
var ErrCancelled = errors.New("request cancelled")

// ErrUnknownTransport is returned by [ParseTransport] for unsupported names.
var ErrUnknownTransport = errors.New("unknown cancellation transport")

// RequestID identifies one outstanding request within a cancellation folder.
// IDs are allocated monotonically per broker and never reused.
type RequestID uint64

// Token names one cancellable request.
type Token struct {
	Folder string
	ID     RequestID
}

// String implements fmt.Stringer.
func (t Token) String() string {
	return fmt.Sprintf("%s#%d", t.Folder, t.ID)
}

// CancelFunc requests cancellation of a token. It never fails from the
// caller's perspective: when the transport is unavailable, cancellation
// degrades to a no-op and the request runs to completion.
type CancelFunc func()

// Checker answers whether a token was cancelled. Implementations must be
// cheap enough to call once per unit of work.
type Checker interface {
	IsCancelled(folder string, id RequestID) bool
}

// Broker allocates, observes and disposes cancellation tokens.
type Broker interface {
	Checker

	// NewToken allocates a fresh request id scoped to folder.
	NewToken(folder string) (Token, CancelFunc)

	// Dispose forgets the token once its request resolved.
	Dispose(folder string, id RequestID)
}

// sequence hands out monotonically increasing request ids.
type sequence struct {
	last atomic.Uint64
}

func (s *sequence) next() RequestID {
	return RequestID(s.last.Add(1))
}

// Watcher binds a checker to one token for the background loop.
type Watcher struct {
	checker Checker
	token   Token
}

// NewWatcher creates a watcher for token. A nil checker never reports cancellation.
func NewWatcher(checker Checker, token Token) Watcher {
	return Watcher{checker: checker, token: token}
}

// Token returns the watched token.
func (w Watcher) Token() Token {
	return w.token
}

// Cancelled reports whether cancellation was requested.
func (w Watcher) Cancelled() bool {
	if w.checker == nil {
		return false
	}

	return w.checker.IsCancelled(w.token.Folder, w.token.ID)
}

// Err returns ErrCancelled (wrapped with the token) once cancelled, nil otherwise.
func (w Watcher) Err() error {
	if !w.Cancelled() {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrCancelled, w.token)
}

// AnyChecker reports a token as cancelled when any of the checkers does.
// Executors use it to honor file markers and relayed control messages alike.
func AnyChecker(checkers ...Checker) Checker {
	return anyChecker(checkers)
}

type anyChecker []Checker

func (a anyChecker) IsCancelled(folder string, id RequestID) bool {
	for _, c := range a {
		if c != nil && c.IsCancelled(folder, id) {
			return true
		}
	}

	return false
}

// Transport selects how cancellation reaches the executor.
type Transport string

// Supported transports.
const (
	// TransportFile uses marker files in a shared folder (threads or processes).
	TransportFile Transport = "file"
	// TransportFlag uses in-memory atomic flags (goroutine executors only).
	TransportFlag Transport = "flag"
	// TransportMessage relays a control message over the executor channel.
	TransportMessage Transport = "message"
)

// ParseTransport converts a configuration value into a Transport.
func ParseTransport(raw string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(raw))); t {
	case TransportFile, TransportFlag, TransportMessage:
		return t, nil
	case "":
		return TransportFile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, raw)
	}
}

// Select builds the broker for transport. root is used by TransportFile and
// relay by TransportMessage.
func Select(transport Transport, root string, relay RelayFunc, logger *slog.Logger) (Broker, error) {
	switch transport {
	case TransportFile:
		return NewFileBroker(root, logger), nil
	case TransportFlag:
		return NewFlagBroker(), nil
	case TransportMessage:
		return NewRelayBroker(relay, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, string(transport))
	}
}
