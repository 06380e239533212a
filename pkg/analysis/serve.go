package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/offload/pkg/cancellation"
	"github.com/Sumatoshi-tech/offload/pkg/executor"
	"github.com/Sumatoshi-tech/offload/pkg/gitlib"
)

// DefaultSlice is how long the runner analyzes before publishing a snapshot.
const DefaultSlice = 250 * time.Millisecond

// ErrUnknownMethod answers requests the runner does not implement.
var ErrUnknownMethod = errors.New("unknown method")

// errPeerClosed stops the worker once the controller closed the channel.
var errPeerClosed = errors.New("controller closed the channel")

// Options configures the background runner.
type Options struct {
	// Slice is the time between two snapshots of a running pass.
	Slice time.Duration
	// MaxFileSize is passed to the default WorkspaceEngine.
	MaxFileSize int64
	// GitIgnore makes the default WorkspaceEngine skip files matched by the
	// .gitignore rules of the repository containing the root.
	GitIgnore bool
	// NewEngine builds the engine for the workspace root. Nil uses WorkspaceEngine.
	NewEngine func(root string, logger *slog.Logger) (Engine, error)
	// Checker is consulted in addition to file markers and relayed cancels.
	// In-process executors pass the controller's FlagBroker here.
	Checker cancellation.Checker
	Logger  *slog.Logger
}

// Background returns the executor entry function running Serve with opts.
func Background(opts Options) executor.BackgroundFunc {
	return func(ctx context.Context, init executor.InitializationData, conn executor.Conn) error {
		return Serve(ctx, init, conn, opts)
	}
}

// Serve is the background role: it reads requests and notifications from
// conn and runs them on one worker goroutine. The reader never waits on the
// worker, so cancel notifications take effect while a pass is running.
func Serve(ctx context.Context, init executor.InitializationData, conn executor.Conn, opts Options) error {
	if opts.Slice <= 0 {
		opts.Slice = DefaultSlice
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		engine Engine
		err    error
	)

	if opts.NewEngine != nil {
		engine, err = opts.NewEngine(init.RootDirectory, logger)
	} else {
		var release func()

		engine, release = defaultEngine(init.RootDirectory, opts, logger)
		defer release()
	}

	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	flags := cancellation.NewFlagBroker()

	checkers := []cancellation.Checker{cancellation.NewFileBroker("", logger), flags}
	if opts.Checker != nil {
		checkers = append(checkers, opts.Checker)
	}

	r := &runner{
		conn:    conn,
		engine:  engine,
		folder:  init.CancellationFolderName,
		flags:   flags,
		checker: cancellation.AnyChecker(checkers...),
		slice:   opts.Slice,
		logger:  logger,
		jobs:    newJobQueue(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.read(gctx) })
	g.Go(func() error { return r.work(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errPeerClosed) {
		return nil
	}

	return err
}

// defaultEngine builds the WorkspaceEngine for root. The returned func
// releases the git repository backing the ignore rules.
func defaultEngine(root string, opts Options, logger *slog.Logger) (Engine, func()) {
	engineOpts := []EngineOption{WithMaxFileSize(opts.MaxFileSize), WithEngineLogger(logger)}
	release := func() {}

	if opts.GitIgnore {
		repo, err := gitlib.OpenRepository(root)
		if err != nil {
			logger.Debug("analysis: .gitignore not applied", "root", root, "error", err)
		} else {
			engineOpts = append(engineOpts, WithIgnore(repo.Ignorer(root)))
			release = repo.Free
		}
	}

	return NewWorkspaceEngine(root, engineOpts...), release
}

type runner struct {
	conn    executor.Conn
	engine  Engine
	folder  string
	flags   *cancellation.FlagBroker
	checker cancellation.Checker
	slice   time.Duration
	logger  *slog.Logger
	jobs    *jobQueue
}

type job struct {
	dirty   []string
	request *executor.Message
}

func (r *runner) read(ctx context.Context) error {
	defer r.jobs.close()

	for {
		msg, err := r.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errPeerClosed
			}

			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("receive: %w", err)
		}

		r.route(msg)
	}
}

func (r *runner) route(msg executor.Message) {
	switch msg.Method {
	case MethodCancelRequest:
		var params CancelParams

		err := msg.Decode(&params)
		if err != nil {
			r.logger.Debug("analysis: bad cancel notification", "error", err)

			return
		}

		r.flags.Cancel(r.folder, cancellation.RequestID(params.ID))
	case MethodMarkDirty:
		var params PathsParams

		err := msg.Decode(&params)
		if err != nil {
			r.logger.Debug("analysis: bad markDirty notification", "error", err)

			return
		}

		r.jobs.push(job{dirty: params.Paths})
	case MethodAnalyze:
		r.jobs.push(job{request: &msg})
	default:
		if msg.Kind == executor.KindRequest {
			r.respond(msg.ID, nil, fmt.Errorf("%w: %s", ErrUnknownMethod, msg.Method))
		}
	}
}

func (r *runner) work(ctx context.Context) error {
	for {
		next, ok := r.jobs.pop(ctx)
		if !ok {
			return nil
		}

		if next.request == nil {
			r.engine.MarkDirty(next.dirty)
			r.pass(ctx, nil)

			continue
		}

		r.analyze(ctx, *next.request)
	}
}

func (r *runner) analyze(ctx context.Context, msg executor.Message) {
	id := cancellation.RequestID(msg.ID)
	defer r.flags.Dispose(r.folder, id)

	var params AnalyzeParams

	err := msg.Decode(&params)
	if err != nil {
		r.respond(msg.ID, nil, err)

		return
	}

	watch := cancellation.NewWatcher(r.checker, cancellation.Token{Folder: r.folder, ID: id})
	if watch.Cancelled() {
		r.respond(msg.ID, nil, cancellation.ErrCancelled)

		return
	}

	r.engine.MarkDirty(params.Paths)

	result, err := r.pass(ctx, &watch)
	r.respond(msg.ID, result, err)
}

// pass analyzes queued files until the queue drains, the request is
// cancelled or the engine fails. Progress is always closed at the end.
func (r *runner) pass(ctx context.Context, watch *cancellation.Watcher) (Result, error) {
	var result Result

	err := r.engine.Err()
	if err != nil {
		r.logger.Error("analysis: engine unavailable", "error", err)
		r.publish(time.Now(), true)

		return result, err
	}

	if r.engine.Pending() == 0 {
		r.notify(MethodAnalysisResult, Snapshot{FilesInProgram: r.engine.FilesInProgram()})

		return result, nil
	}

	r.notify(MethodBeginProgress, nil)
	defer r.notify(MethodEndProgress, nil)

	sliceStart := time.Now()

	// Opening snapshot: the controller starts a telemetry cycle on it.
	r.publish(sliceStart, false)

	for r.engine.Pending() > 0 {
		if watch != nil && watch.Cancelled() {
			r.publish(sliceStart, false)

			return result, cancellation.ErrCancelled
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		report, ok, nextErr := r.engine.AnalyzeNext()
		if nextErr != nil {
			r.logger.Error("analysis: engine failed", "error", nextErr)
			r.publish(sliceStart, true)

			return result, nextErr
		}

		if !ok {
			break
		}

		result.add(report)

		if time.Since(sliceStart) >= r.slice && r.engine.Pending() > 0 {
			r.publish(sliceStart, false)
			r.notify(MethodReportProgress, ReportParams{Message: ProgressMessage(r.engine.Pending())})

			sliceStart = time.Now()
		}
	}

	r.publish(sliceStart, false)

	return result, nil
}

func (r *runner) publish(sliceStart time.Time, fatal bool) {
	r.notify(MethodAnalysisResult, Snapshot{
		FilesRequiringAnalysis: r.engine.Pending(),
		ElapsedTime:            time.Since(sliceStart).Seconds(),
		FilesInProgram:         r.engine.FilesInProgram(),
		FatalErrorOccurred:     fatal,
	})
}

func (r *runner) notify(method string, params any) {
	msg, err := executor.NewNotification(method, params)
	if err != nil {
		r.logger.Error("analysis: encode notification", "method", method, "error", err)

		return
	}

	err = r.conn.Send(msg)
	if err != nil {
		r.logger.Debug("analysis: send notification", "method", method, "error", err)
	}
}

func (r *runner) respond(id uint64, result any, failure error) {
	msg, err := executor.NewResponse(id, result, failure)
	if err != nil {
		msg, _ = executor.NewResponse(id, nil, err)
	}

	err = r.conn.Send(msg)
	if err != nil {
		r.logger.Debug("analysis: send response", "id", id, "error", err)
	}
}

// jobQueue is an unbounded FIFO between the reader and the worker.
type jobQueue struct {
	mu     sync.Mutex
	items  []job
	ready  chan struct{}
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{ready: make(chan struct{}, 1)}
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, j)
	q.signal()
}

func (q *jobQueue) pop(ctx context.Context) (job, bool) {
	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()

			return job{}, false
		}

		if len(q.items) > 0 {
			j := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			return j, true
		}

		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return job{}, false
		}
	}
}

func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()
}

func (q *jobQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
