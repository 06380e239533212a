// Package lsp is the language-server front end. It runs a controller for the
// client's workspace, turns executor progress into LSP work-done progress and
// forwards analysis telemetry as telemetry/event notifications.
package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/controller"
	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
)

// Commands served through workspace/executeCommand.
const (
	// CommandAnalyze starts an analysis job. Arguments are optional file
	// paths or URIs. Returns JobStarted.
	CommandAnalyze = "offload.analyze"
	// CommandCancel cancels the job whose id is the first argument.
	CommandCancel = "offload.cancel"
	// CommandStatus returns controller.Status.
	CommandStatus = "offload.status"
)

// NotificationJobDone reports the outcome of an analysis job.
const NotificationJobDone = "offload/jobDone"

const (
	serverName      = "offload"
	progressTitle   = "Analyzing"
	shutdownTimeout = 10 * time.Second
)

var (
	// ErrNotInitialized is returned for commands received before initialized.
	ErrNotInitialized = errors.New("server not initialized")
	// ErrUnknownCommand is returned for unsupported commands.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownJob is returned when cancelling a job that is not running.
	ErrUnknownJob = errors.New("unknown job")
)

// Launcher creates and starts a controller for the workspace root, rendering
// progress on ui and sending telemetry to sink.
type Launcher func(ctx context.Context, root string, ui progress.UI, sink telemetry.Sink) (*controller.Controller, error)

// JobStarted is the executeCommand result of CommandAnalyze.
type JobStarted struct {
	Job int `json:"job"`
}

// JobDone is the payload of NotificationJobDone.
type JobDone struct {
	Job    int              `json:"job"`
	Result *analysis.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Server implements the offload language server.
type Server struct {
	version string
	launch  Launcher
	logger  *slog.Logger
	handler protocol.Handler

	mu       sync.Mutex
	root     string
	workDone bool
	notify   glsp.NotifyFunc
	ctrl     *controller.Controller
	jobs     map[int]context.CancelFunc
	nextJob  int
	running  sync.WaitGroup
}

// NewServer creates a language server that starts its controller with launch.
func NewServer(version string, launch Launcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{version: version, launch: launch, logger: logger, jobs: map[int]context.CancelFunc{}}

	srv.handler = protocol.Handler{
		Initialize:                     srv.initialize,
		Initialized:                    srv.initialized,
		Shutdown:                       srv.shutdown,
		SetTrace:                       srv.setTrace,
		CancelRequest:                  srv.cancelRequest,
		TextDocumentDidSave:            srv.didSave,
		WorkspaceDidChangeWatchedFiles: srv.didChangeWatchedFiles,
		WorkspaceExecuteCommand:        srv.executeCommand,
	}

	return srv
}

// Handler exposes the protocol handler, mainly for tests.
func (srv *Server) Handler() *protocol.Handler {
	return &srv.handler
}

// Run serves LSP on stdio until the client disconnects.
func (srv *Server) Run() error {
	lspServer := server.NewServer(&srv.handler, serverName, false)

	err := lspServer.RunStdio()
	if err != nil {
		return fmt.Errorf("lsp server: %w", err)
	}

	return nil
}

func (srv *Server) initialize(_ *glsp.Context, params *protocol.InitializeParams) (any, error) {
	root := workspaceRoot(params)

	srv.mu.Lock()
	srv.root = root
	srv.workDone = workDoneSupported(params.Capabilities)
	srv.mu.Unlock()

	capabilities := srv.handler.CreateServerCapabilities()
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{CommandAnalyze, CommandCancel, CommandStatus},
	}

	version := srv.version

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    serverName,
			Version: &version,
		},
	}, nil
}

// initialized starts the controller and a first full analysis.
func (srv *Server) initialized(ctx *glsp.Context, _ *protocol.InitializedParams) error {
	srv.mu.Lock()
	root := srv.root
	workDone := srv.workDone
	srv.mu.Unlock()

	ui := &WorkDoneUI{Notify: ctx.Notify, Call: ctx.Call, Title: progressTitle, Enabled: workDone}
	if !workDone {
		srv.logger.Debug("lsp: client does not support work-done progress")
	}

	ctrl, err := srv.launch(context.Background(), root, ui, EventSink{Notify: ctx.Notify})
	if err != nil {
		srv.logger.Error("lsp: controller failed to start", "root", root, "error", err)
		showError(ctx.Notify, "offload: analysis service failed to start: "+err.Error())

		return nil
	}

	srv.mu.Lock()
	srv.ctrl = ctrl
	srv.notify = ctx.Notify
	srv.mu.Unlock()

	srv.logger.Info("lsp: workspace ready", "root", root)
	srv.startJob(nil)

	return nil
}

func (srv *Server) shutdown(_ *glsp.Context) error {
	protocol.SetTraceValue(protocol.TraceValueOff)

	srv.mu.Lock()
	ctrl := srv.ctrl
	srv.ctrl = nil

	for _, cancel := range srv.jobs {
		cancel()
	}
	srv.mu.Unlock()

	if ctrl == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := ctrl.Shutdown(ctx)
	srv.running.Wait()

	return err
}

func (srv *Server) setTrace(_ *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)

	return nil
}

// cancelRequest is a no-op: every request is answered synchronously, long
// work runs as jobs cancelled through CommandCancel.
func (srv *Server) cancelRequest(_ *glsp.Context, params *protocol.CancelParams) error {
	srv.logger.Debug("lsp: ignoring $/cancelRequest", "id", params.ID.Value)

	return nil
}

func (srv *Server) didSave(_ *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	srv.markDirty([]string{uriToPath(params.TextDocument.URI)})

	return nil
}

func (srv *Server) didChangeWatchedFiles(_ *glsp.Context, params *protocol.DidChangeWatchedFilesParams) error {
	paths := make([]string, 0, len(params.Changes))
	for _, change := range params.Changes {
		paths = append(paths, uriToPath(change.URI))
	}

	if len(paths) > 0 {
		srv.markDirty(paths)
	}

	return nil
}

func (srv *Server) markDirty(paths []string) {
	ctrl := srv.controller()
	if ctrl == nil {
		return
	}

	err := ctrl.MarkDirty(context.Background(), paths)
	if err != nil {
		srv.logger.Warn("lsp: markDirty failed", "error", err)
	}
}

func (srv *Server) executeCommand(_ *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	ctrl := srv.controller()
	if ctrl == nil {
		return nil, ErrNotInitialized
	}

	switch params.Command {
	case CommandAnalyze:
		paths := make([]string, 0, len(params.Arguments))

		for _, arg := range params.Arguments {
			if s, ok := arg.(string); ok {
				paths = append(paths, uriToPath(s))
			}
		}

		return JobStarted{Job: srv.startJob(paths)}, nil
	case CommandCancel:
		return nil, srv.cancelJob(params.Arguments)
	case CommandStatus:
		return ctrl.Status(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, params.Command)
	}
}

func (srv *Server) controller() *controller.Controller {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return srv.ctrl
}

// startJob runs an analyze request in the background and reports its
// outcome with NotificationJobDone.
func (srv *Server) startJob(paths []string) int {
	ctx, cancel := context.WithCancel(context.Background())

	srv.mu.Lock()
	srv.nextJob++
	job := srv.nextJob
	ctrl := srv.ctrl
	notify := srv.notify

	if ctrl == nil {
		srv.mu.Unlock()
		cancel()

		return job
	}

	srv.jobs[job] = cancel
	srv.mu.Unlock()

	srv.running.Add(1)

	go func() {
		defer srv.running.Done()
		defer cancel()

		result, err := ctrl.Analyze(ctx, paths)

		srv.mu.Lock()
		delete(srv.jobs, job)
		srv.mu.Unlock()

		done := JobDone{Job: job}
		if err != nil {
			done.Error = err.Error()

			if errors.Is(err, controller.ErrServiceUnavailable) {
				showError(notify, "offload: analysis service unavailable")
			}
		} else {
			done.Result = &result
		}

		if notify != nil {
			notify(NotificationJobDone, done)
		}
	}()

	return job
}

func (srv *Server) cancelJob(args []any) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing job id", ErrUnknownJob)
	}

	// JSON numbers decode as float64.
	id, ok := args[0].(float64)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownJob, args[0])
	}

	srv.mu.Lock()
	cancel, found := srv.jobs[int(id)]
	srv.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownJob, int(id))
	}

	cancel()

	return nil
}

func showError(notify glsp.NotifyFunc, message string) {
	if notify == nil {
		return
	}

	notify(protocol.ServerWindowShowMessage, protocol.ShowMessageParams{
		Type:    protocol.MessageTypeError,
		Message: message,
	})
}

func workspaceRoot(params *protocol.InitializeParams) string {
	if params.RootURI != nil && *params.RootURI != "" {
		return uriToPath(*params.RootURI)
	}

	if len(params.WorkspaceFolders) > 0 {
		return uriToPath(params.WorkspaceFolders[0].URI)
	}

	if params.RootPath != nil {
		return *params.RootPath
	}

	return "."
}

func workDoneSupported(caps protocol.ClientCapabilities) bool {
	return caps.Window != nil && caps.Window.WorkDoneProgress != nil && *caps.Window.WorkDoneProgress
}

// uriToPath converts file:// URIs to local paths; anything else is returned
// unchanged.
func uriToPath(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "file" {
		return uri
	}

	return filepath.FromSlash(parsed.Path)
}
