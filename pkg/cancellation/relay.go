package cancellation

import "log/slog"

// RelayFunc delivers a cancel for token to a remote executor, typically as a
// control message on the executor channel.
type RelayFunc func(token Token) error

// RelayBroker records cancellation locally and relays it to an executor that
// can be reached only through a message channel (socket or pipe).
type RelayBroker struct {
	local  *FlagBroker
	relay  RelayFunc
	logger *slog.Logger
}

// NewRelayBroker creates a broker that relays cancels through relay.
func NewRelayBroker(relay RelayFunc, logger *slog.Logger) *RelayBroker {
	if logger == nil {
		logger = slog.Default()
	}

	return &RelayBroker{local: NewFlagBroker(), relay: relay, logger: logger}
}

// NewToken implements Broker.
func (b *RelayBroker) NewToken(folder string) (Token, CancelFunc) {
	token, cancelLocal := b.local.NewToken(folder)

	return token, func() {
		cancelLocal()

		if b.relay == nil {
			return
		}

		err := b.relay(token)
		if err != nil {
			b.logger.Debug("cancellation: relay failed, request will run to completion",
				"token", token.String(), "error", err)
		}
	}
}

// IsCancelled implements Checker using the local record.
func (b *RelayBroker) IsCancelled(folder string, id RequestID) bool {
	return b.local.IsCancelled(folder, id)
}

// Dispose implements Broker.
func (b *RelayBroker) Dispose(folder string, id RequestID) {
	b.local.Dispose(folder, id)
}
