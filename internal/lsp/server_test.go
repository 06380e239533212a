package lsp_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/Sumatoshi-tech/offload/internal/lsp"
	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/cancellation"
	"github.com/Sumatoshi-tech/offload/pkg/controller"
	"github.com/Sumatoshi-tech/offload/pkg/executor"
	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
)

var discard = slog.New(slog.DiscardHandler)

type note struct {
	method string
	params any
}

// client records what the server sends to the editor.
type client struct {
	mu    sync.Mutex
	notes []note
	calls []string
}

func (c *client) context() *glsp.Context {
	return &glsp.Context{Notify: c.notify, Call: c.call}
}

func (c *client) notify(method string, params any) {
	c.mu.Lock()
	c.notes = append(c.notes, note{method: method, params: params})
	c.mu.Unlock()
}

func (c *client) call(method string, _ any, _ any) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	c.mu.Unlock()
}

func (c *client) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.calls)
}

// initParams decodes the request the way it arrives on the wire.
func initParams(t *testing.T, root string, workDone bool) *protocol.InitializeParams {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"rootUri":      "file://" + filepath.ToSlash(root),
		"capabilities": map[string]any{"window": map[string]any{"workDoneProgress": workDone}},
	})
	require.NoError(t, err)

	var params protocol.InitializeParams
	require.NoError(t, json.Unmarshal(raw, &params))

	return &params
}

func (c *client) byMethod(method string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []any

	for _, n := range c.notes {
		if n.method == method {
			out = append(out, n.params)
		}
	}

	return out
}

func (c *client) jobDone(t *testing.T, job int) lsp.JobDone {
	t.Helper()

	var done lsp.JobDone

	require.Eventually(t, func() bool {
		for _, p := range c.byMethod(lsp.NotificationJobDone) {
			if d, ok := p.(lsp.JobDone); ok && d.Job == job {
				done = d

				return true
			}
		}

		return false
	}, 5*time.Second, 2*time.Millisecond)

	return done
}

func launcher(root *string) lsp.Launcher {
	return func(ctx context.Context, workspace string, ui progress.UI, sink telemetry.Sink) (*controller.Controller, error) {
		if root != nil {
			*root = workspace
		}

		broker := cancellation.NewFlagBroker()

		ctrl, err := controller.New(controller.Deps{
			Host:          executor.NewHost(executor.WithLogger(discard)),
			Broker:        broker,
			UI:            ui,
			Sink:          sink,
			Logger:        discard,
			RootDirectory: workspace,
			Sampler:       telemetry.SamplerFunc(func() telemetry.MemorySample { return telemetry.MemorySample{} }),
		})
		if err != nil {
			return nil, err
		}

		entry := executor.InProcess(analysis.Background(analysis.Options{Checker: broker, Logger: discard}))

		return ctrl, ctrl.Start(ctx, entry)
	}
}

func workspace(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib.py"), []byte("x = 1\n"), 0o600))

	return root
}

func start(t *testing.T, root string, launch lsp.Launcher) (*lsp.Server, *client) {
	t.Helper()

	srv := lsp.NewServer("1.0.0", launch, discard)
	c := &client{}
	h := srv.Handler()

	res, err := h.Initialize(c.context(), initParams(t, root, true))
	require.NoError(t, err)

	result, ok := res.(protocol.InitializeResult)
	require.True(t, ok)
	require.NotNil(t, result.Capabilities.ExecuteCommandProvider)
	assert.ElementsMatch(t,
		[]string{lsp.CommandAnalyze, lsp.CommandCancel, lsp.CommandStatus},
		result.Capabilities.ExecuteCommandProvider.Commands)

	require.NoError(t, h.Initialized(c.context(), &protocol.InitializedParams{}))

	t.Cleanup(func() { _ = h.Shutdown(c.context()) })

	return srv, c
}

func TestServer_InitializedRunsFirstAnalysis(t *testing.T) {
	t.Parallel()

	var seenRoot string

	root := workspace(t)
	_, c := start(t, root, launcher(&seenRoot))

	assert.Equal(t, root, seenRoot)

	done := c.jobDone(t, 1)
	require.Empty(t, done.Error)
	require.NotNil(t, done.Result)
	assert.Equal(t, 2, done.Result.FilesAnalyzed)

	require.Eventually(t, func() bool {
		notes := c.byMethod(protocol.MethodProgress)
		if len(notes) < 2 {
			return false
		}

		last, ok := notes[len(notes)-1].(protocol.ProgressParams)

		return ok && isEnd(last.Value)
	}, 5*time.Second, 2*time.Millisecond)

	c.mu.Lock()
	assert.Contains(t, c.calls, protocol.ServerWindowWorkDoneProgressCreate)
	c.mu.Unlock()

	progressNotes := c.byMethod(protocol.MethodProgress)

	first, ok := progressNotes[0].(protocol.ProgressParams)
	require.True(t, ok)
	assert.IsType(t, protocol.WorkDoneProgressBegin{}, first.Value)

	last, ok := progressNotes[len(progressNotes)-1].(protocol.ProgressParams)
	require.True(t, ok)
	assert.IsType(t, protocol.WorkDoneProgressEnd{}, last.Value)

	events := c.byMethod(protocol.ServerTelemetryEvent)
	require.Len(t, events, 1)

	event, ok := events[0].(telemetry.Event)
	require.True(t, ok)
	assert.Equal(t, telemetry.EventPrefix+telemetry.EventAnalysisComplete, event.EventName)
}

func isEnd(value any) bool {
	_, ok := value.(protocol.WorkDoneProgressEnd)

	return ok
}

func TestServer_ClientWithoutWorkDoneProgress(t *testing.T) {
	t.Parallel()

	root := workspace(t)
	srv := lsp.NewServer("1.0.0", launcher(nil), discard)
	c := &client{}
	h := srv.Handler()

	_, err := h.Initialize(c.context(), initParams(t, root, false))
	require.NoError(t, err)
	require.NoError(t, h.Initialized(c.context(), &protocol.InitializedParams{}))

	t.Cleanup(func() { _ = h.Shutdown(c.context()) })

	done := c.jobDone(t, 1)
	require.Empty(t, done.Error)

	assert.Empty(t, c.byMethod(protocol.MethodProgress))
	assert.Zero(t, c.callCount())
}

func TestServer_AnalyzeCommandAndStatus(t *testing.T) {
	t.Parallel()

	srv, c := start(t, workspace(t), launcher(nil))
	h := srv.Handler()

	c.jobDone(t, 1)

	res, err := h.WorkspaceExecuteCommand(c.context(), &protocol.ExecuteCommandParams{
		Command:   lsp.CommandAnalyze,
		Arguments: []any{"main.go"},
	})
	require.NoError(t, err)

	started, ok := res.(lsp.JobStarted)
	require.True(t, ok)
	assert.Equal(t, 2, started.Job)

	done := c.jobDone(t, 2)
	require.Empty(t, done.Error)

	res, err = h.WorkspaceExecuteCommand(c.context(), &protocol.ExecuteCommandParams{Command: lsp.CommandStatus})
	require.NoError(t, err)

	status, ok := res.(controller.Status)
	require.True(t, ok)
	assert.True(t, status.Available)
}

func TestServer_CommandErrors(t *testing.T) {
	t.Parallel()

	srv, c := start(t, workspace(t), launcher(nil))
	h := srv.Handler()

	_, err := h.WorkspaceExecuteCommand(c.context(), &protocol.ExecuteCommandParams{Command: "offload.format"})
	require.ErrorIs(t, err, lsp.ErrUnknownCommand)

	_, err = h.WorkspaceExecuteCommand(c.context(), &protocol.ExecuteCommandParams{
		Command:   lsp.CommandCancel,
		Arguments: []any{float64(99)},
	})
	require.ErrorIs(t, err, lsp.ErrUnknownJob)

	_, err = h.WorkspaceExecuteCommand(c.context(), &protocol.ExecuteCommandParams{Command: lsp.CommandCancel})
	require.ErrorIs(t, err, lsp.ErrUnknownJob)
}

func TestServer_CommandBeforeInitialized(t *testing.T) {
	t.Parallel()

	srv := lsp.NewServer("1.0.0", launcher(nil), discard)
	c := &client{}

	_, err := srv.Handler().WorkspaceExecuteCommand(c.context(), &protocol.ExecuteCommandParams{Command: lsp.CommandStatus})
	require.ErrorIs(t, err, lsp.ErrNotInitialized)
}

func TestServer_LaunchFailureShowsMessage(t *testing.T) {
	t.Parallel()

	failing := func(context.Context, string, progress.UI, telemetry.Sink) (*controller.Controller, error) {
		return nil, errors.New("no executor binary")
	}

	srv := lsp.NewServer("1.0.0", failing, discard)
	c := &client{}
	h := srv.Handler()

	_, err := h.Initialize(c.context(), &protocol.InitializeParams{})
	require.NoError(t, err)
	require.NoError(t, h.Initialized(c.context(), &protocol.InitializedParams{}))

	messages := c.byMethod(protocol.ServerWindowShowMessage)
	require.Len(t, messages, 1)

	msg, ok := messages[0].(protocol.ShowMessageParams)
	require.True(t, ok)
	assert.Equal(t, protocol.MessageTypeError, msg.Type)
	assert.Contains(t, msg.Message, "no executor binary")
}

func TestServer_DidSaveMarksDirty(t *testing.T) {
	t.Parallel()

	root := workspace(t)
	srv, c := start(t, root, launcher(nil))
	h := srv.Handler()

	c.jobDone(t, 1)

	before := len(c.byMethod(protocol.MethodProgress))

	require.NoError(t, h.TextDocumentDidSave(c.context(), &protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file://" + filepath.ToSlash(filepath.Join(root, "main.go"))},
	}))

	// The incremental pass opens and closes progress again.
	require.Eventually(t, func() bool {
		return len(c.byMethod(protocol.MethodProgress)) >= before+2
	}, 5*time.Second, 2*time.Millisecond)
}

func TestWorkDoneUI_TokensAndKinds(t *testing.T) {
	t.Parallel()

	c := &client{}
	ui := &lsp.WorkDoneUI{Notify: c.notify, Call: c.call, Title: "Analyzing", Enabled: true}

	handle := ui.Begin()
	handle.Report("3 files to analyze")
	handle.Done()

	second := ui.Begin()
	second.Done()

	ui.Flush()

	notes := c.byMethod(protocol.MethodProgress)
	require.Len(t, notes, 5)

	begin := notes[0].(protocol.ProgressParams)
	report := notes[1].(protocol.ProgressParams)
	end := notes[2].(protocol.ProgressParams)
	next := notes[3].(protocol.ProgressParams)

	assert.Equal(t, begin.Token, report.Token)
	assert.Equal(t, begin.Token, end.Token)
	assert.NotEqual(t, begin.Token, next.Token)

	beginValue := begin.Value.(protocol.WorkDoneProgressBegin)
	assert.Equal(t, "Analyzing", beginValue.Title)

	reportValue := report.Value.(protocol.WorkDoneProgressReport)
	require.NotNil(t, reportValue.Message)
	assert.Equal(t, "3 files to analyze", *reportValue.Message)

	assert.Len(t, c.calls, 2)
}

func TestWorkDoneUI_BeginDoesNotWaitForClient(t *testing.T) {
	t.Parallel()

	c := &client{}
	release := make(chan struct{})
	blocked := func(method string, params any, result any) {
		<-release
		c.call(method, params, result)
	}

	ui := &lsp.WorkDoneUI{Notify: c.notify, Call: blocked, Title: "Analyzing", Enabled: true}

	returned := make(chan struct{})

	go func() {
		handle := ui.Begin()
		handle.Report("queued")
		handle.Done()
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Begin waited for the create request to be answered")
	}

	assert.Empty(t, c.byMethod(protocol.MethodProgress))

	close(release)
	ui.Flush()

	notes := c.byMethod(protocol.MethodProgress)
	require.Len(t, notes, 3)
	assert.IsType(t, protocol.WorkDoneProgressBegin{}, notes[0].(protocol.ProgressParams).Value)
	assert.IsType(t, protocol.WorkDoneProgressReport{}, notes[1].(protocol.ProgressParams).Value)
	assert.IsType(t, protocol.WorkDoneProgressEnd{}, notes[2].(protocol.ProgressParams).Value)
	assert.Equal(t, 1, c.callCount())
}

func TestWorkDoneUI_DisabledSendsNothing(t *testing.T) {
	t.Parallel()

	c := &client{}
	ui := &lsp.WorkDoneUI{Notify: c.notify, Call: c.call, Title: "Analyzing"}

	handle := ui.Begin()
	handle.Report("ignored")
	handle.Done()

	ui.Flush()

	assert.Empty(t, c.byMethod(protocol.MethodProgress))
	assert.Zero(t, c.callCount())
}

func TestEventSink_Forwards(t *testing.T) {
	t.Parallel()

	c := &client{}
	lsp.EventSink{Notify: c.notify}.Send(telemetry.NewEvent("x"))
	lsp.EventSink{}.Send(telemetry.NewEvent("dropped"))

	assert.Len(t, c.byMethod(protocol.ServerTelemetryEvent), 1)
}
