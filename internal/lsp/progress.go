package lsp

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
)

const (
	progressKindBegin  = "begin"
	progressKindReport = "report"
	progressKindEnd    = "end"

	progressTokenPrefix = "offload-progress-"
)

// WorkDoneUI renders progress as LSP server-initiated work-done progress:
// window/workDoneProgress/create followed by $/progress begin/report/end.
// Messages go out on a background goroutine in call order, so Begin never
// waits for the client to answer the create request.
type WorkDoneUI struct {
	Notify glsp.NotifyFunc
	Call   glsp.CallFunc
	Title  string
	// Enabled mirrors the client's window.workDoneProgress capability. A
	// disabled UI sends nothing.
	Enabled bool

	seq atomic.Uint64
	out outbox
}

// Begin implements progress.UI.
func (u *WorkDoneUI) Begin() progress.Handle {
	if !u.Enabled {
		return nopHandle{}
	}

	token := protocol.ProgressToken{Value: progressTokenPrefix + strconv.FormatUint(u.seq.Add(1), 10)}

	u.out.post(func() {
		if u.Call != nil {
			u.Call(protocol.ServerWindowWorkDoneProgressCreate, protocol.WorkDoneProgressCreateParams{Token: token}, nil)
		}

		u.Notify(protocol.MethodProgress, protocol.ProgressParams{
			Token: token,
			Value: protocol.WorkDoneProgressBegin{Kind: progressKindBegin, Title: u.Title},
		})
	})

	return &workDoneHandle{ui: u, token: token}
}

type workDoneHandle struct {
	ui    *WorkDoneUI
	token protocol.ProgressToken
}

func (h *workDoneHandle) Report(message string) {
	h.ui.out.post(func() {
		h.ui.Notify(protocol.MethodProgress, protocol.ProgressParams{
			Token: h.token,
			Value: protocol.WorkDoneProgressReport{Kind: progressKindReport, Message: &message},
		})
	})
}

func (h *workDoneHandle) Done() {
	h.ui.out.post(func() {
		h.ui.Notify(protocol.MethodProgress, protocol.ProgressParams{
			Token: h.token,
			Value: protocol.WorkDoneProgressEnd{Kind: progressKindEnd},
		})
	})
}

type nopHandle struct{}

func (nopHandle) Report(string) {}
func (nopHandle) Done()         {}

// outbox runs posted funcs one at a time, in order, on a goroutine that
// exits once the queue drains.
type outbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (o *outbox) post(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queue = append(o.queue, fn)
	if o.running {
		return
	}

	o.running = true

	go o.drain()
}

func (o *outbox) drain() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()

			return
		}

		fn := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		fn()
	}
}

// EventSink forwards telemetry events to the client as telemetry/event.
type EventSink struct {
	Notify glsp.NotifyFunc
}

// Send implements telemetry.Sink.
func (s EventSink) Send(event telemetry.Event) {
	if s.Notify == nil {
		return
	}

	s.Notify(protocol.ServerTelemetryEvent, event)
}
