package cancellation

import "sync"

type flagKey struct {
	folder string
	id     RequestID
}

// FlagBroker keeps cancellation state in memory. It only works when the
// executor shares the address space (goroutine executors) or when cancels are
// fed in explicitly through [FlagBroker.Cancel].
type FlagBroker struct {
	seq       sequence
	cancelled sync.Map // flagKey -> struct{}
}

// NewFlagBroker creates an in-memory broker.
func NewFlagBroker() *FlagBroker {
	return &FlagBroker{}
}

// NewToken implements Broker.
func (b *FlagBroker) NewToken(folder string) (Token, CancelFunc) {
	token := Token{Folder: folder, ID: b.seq.next()}

	return token, func() { b.Cancel(token.Folder, token.ID) }
}

// Cancel marks a token cancelled. Executors call it when a relayed cancel
// control message arrives.
func (b *FlagBroker) Cancel(folder string, id RequestID) {
	b.cancelled.Store(flagKey{folder: folder, id: id}, struct{}{})
}

// IsCancelled implements Checker with a single map load.
func (b *FlagBroker) IsCancelled(folder string, id RequestID) bool {
	_, ok := b.cancelled.Load(flagKey{folder: folder, id: id})

	return ok
}

// Dispose implements Broker.
func (b *FlagBroker) Dispose(folder string, id RequestID) {
	b.cancelled.Delete(flagKey{folder: folder, id: id})
}
