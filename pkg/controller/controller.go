// Package controller keeps the front end responsive while analysis runs in a
// background executor. It owns the executor host, hands out cancellation
// tokens, feeds progress notifications to the progress coordinator and
// analysis snapshots to the telemetry tracker.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/cancellation"
	"github.com/Sumatoshi-tech/offload/pkg/executor"
	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
)

// SlowAnalyzeThreshold is the duration above which a successful analyze
// request is reported as slow.
const SlowAnalyzeThreshold = 10 * time.Second

const (
	tracerName = "offload"

	opAnalyze   = "analyze"
	opMarkDirty = "markDirty"

	spanAnalyze = "offload.controller.analyze"
)

var (
	// ErrServiceUnavailable is returned once the executor channel closed.
	ErrServiceUnavailable = errors.New("analysis service unavailable")

	// ErrRequestFailed wraps an error response from the executor.
	ErrRequestFailed = errors.New("analysis request failed")
)

// Deps are the collaborators of a Controller. Host, Broker and UI are required.
type Deps struct {
	Host   *executor.Host
	Broker cancellation.Broker
	UI     progress.UI

	// Sink receives analysis telemetry. Nil drops events.
	Sink    telemetry.Sink
	Logger  *slog.Logger
	Metrics *observability.REDMetrics
	Tracer  trace.Tracer
	Clock   clock.Clock
	Sampler telemetry.MemorySampler

	// RootDirectory is the workspace the executor analyzes.
	RootDirectory string
	// Folder is the cancellation folder. Empty creates a session folder when
	// Broker is a FileBroker, or a random name otherwise.
	Folder string
}

// Status is a point-in-time view of the controller.
type Status struct {
	Available       bool           `json:"available"`
	Progress        progress.State `json:"-"`
	ProgressState   string         `json:"progress"`
	ProgressMessage string         `json:"progressMessage,omitempty"`
	PendingRequests int            `json:"pendingRequests"`
	Folder          string         `json:"cancellationFolder"`
}

// Controller is the front-end side of the executor channel.
type Controller struct {
	host     *executor.Host
	broker   cancellation.Broker
	coord    *progress.Coordinator
	tracker  *telemetry.Tracker
	sink     telemetry.Sink
	logger   *slog.Logger
	metrics  *observability.REDMetrics
	tracer   trace.Tracer
	clock    clock.Clock
	root     string
	folder   string
	ownsDir  bool
	shutdown sync.Once

	mu       sync.Mutex
	pending  map[uint64]*request
	closeErr error
}

// New wires a controller. The host's message and close handlers are
// installed here, so the host must not be shared.
func New(deps Deps) (*Controller, error) {
	if deps.Host == nil || deps.Broker == nil || deps.UI == nil {
		return nil, errors.New("controller: host, broker and UI are required")
	}

	c := &Controller{
		host:    deps.Host,
		broker:  deps.Broker,
		sink:    deps.Sink,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		clock:   deps.Clock,
		root:    deps.RootDirectory,
		folder:  deps.Folder,
		pending: map[uint64]*request{},
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.clock == nil {
		c.clock = clock.New()
	}

	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	err := c.ensureFolder()
	if err != nil {
		return nil, err
	}

	c.coord = progress.NewCoordinator(deps.UI, progress.WithClock(c.clock), progress.WithLogger(c.logger))

	trackerOpts := []telemetry.TrackerOption{telemetry.WithClock(c.clock), telemetry.WithLogger(c.logger)}
	if deps.Sampler != nil {
		trackerOpts = append(trackerOpts, telemetry.WithSampler(deps.Sampler))
	}

	c.tracker = telemetry.NewTracker(c.sink, trackerOpts...)

	c.host.OnMessage(c.handle)
	c.host.OnClose(c.onClosed)

	return c, nil
}

func (c *Controller) ensureFolder() error {
	if c.folder != "" {
		return nil
	}

	files, ok := c.broker.(*cancellation.FileBroker)
	if !ok {
		c.folder = "offload-session-" + uuid.NewString()

		return nil
	}

	folder, err := files.NewFolder()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	c.folder = folder
	c.ownsDir = true

	return nil
}

// Folder returns the cancellation folder shared with the executor.
func (c *Controller) Folder() string {
	return c.folder
}

// Start builds the initialization data once and launches the executor.
func (c *Controller) Start(ctx context.Context, entry executor.EntryPoint) error {
	init := executor.InitializationData{
		RootDirectory:          c.root,
		CancellationFolderName: c.folder,
	}

	err := c.host.Start(ctx, entry, init)
	if err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	c.logger.Info("executor started", "root", c.root, "folder", c.folder)

	return nil
}

// Analyze asks the executor to analyze paths (all files when empty) and
// waits for the result. When ctx ends first the request is cancelled and
// ctx.Err() is returned; a result arriving later is discarded.
func (c *Controller) Analyze(ctx context.Context, paths []string) (analysis.Result, error) {
	ctx, span := c.tracer.Start(ctx, spanAnalyze, trace.WithAttributes(attribute.Int("paths", len(paths))))
	defer span.End()

	defer c.metrics.TrackInflight(ctx, opAnalyze)()

	start := c.clock.Now()

	result, err := telemetry.TrackPerf(c.sink, c.clock, telemetry.EventAnalyzeSlow, SlowAnalyzeThreshold,
		func(m *telemetry.Measures) (analysis.Result, error) {
			res, reqErr := c.analyze(ctx, paths)
			if reqErr == nil {
				m.Add("filesAnalyzed", float64(res.FilesAnalyzed))
				m.Add("filesSkipped", float64(res.FilesSkipped))
			}

			return res, reqErr
		})

	c.metrics.RecordRequest(ctx, opAnalyze, requestStatus(err), c.clock.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return analysis.Result{}, err
	}

	span.SetAttributes(attribute.Int("files.analyzed", result.FilesAnalyzed))

	return result, nil
}

// analyze owns the token until the request resolves. A request cancelled by
// the caller stays pending so the marker or flag outlives the executor's next
// check; the token is disposed when the late response or a channel close
// settles it.
func (c *Controller) analyze(ctx context.Context, paths []string) (analysis.Result, error) {
	token, cancel := c.broker.NewToken(c.folder)
	id := uint64(token.ID)

	req, err := executor.NewRequest(id, analysis.MethodAnalyze, analysis.AnalyzeParams{Paths: paths})
	if err != nil {
		c.dispose(token)

		return analysis.Result{}, err
	}

	replies, err := c.register(token)
	if err != nil {
		c.dispose(token)

		return analysis.Result{}, err
	}

	err = c.host.Send(req)
	if err != nil {
		c.unregister(id)
		c.dispose(token)

		return analysis.Result{}, c.sendError(err)
	}

	select {
	case r := <-replies:
		c.dispose(token)

		if r.err != nil {
			return analysis.Result{}, r.err
		}

		return decodeResult(r.msg)
	case <-ctx.Done():
		cancel()

		if !c.abandon(id) {
			// The response won the race and sits unread in replies.
			c.dispose(token)
		}

		c.logger.Debug("analyze cancelled by caller", "token", token.String())

		return analysis.Result{}, ctx.Err()
	}
}

// MarkDirty tells the executor that paths changed. No paths means every file.
func (c *Controller) MarkDirty(ctx context.Context, paths []string) error {
	start := c.clock.Now()

	msg, err := executor.NewNotification(analysis.MethodMarkDirty, analysis.PathsParams{Paths: paths})
	if err == nil {
		err = c.host.Send(msg)
		if err != nil {
			err = c.sendError(err)
		}
	}

	c.metrics.RecordRequest(ctx, opMarkDirty, requestStatus(err), c.clock.Since(start))

	return err
}

// Status reports progress, pending requests and availability.
func (c *Controller) Status() Status {
	c.mu.Lock()

	var pending int

	for _, req := range c.pending {
		if !req.abandoned {
			pending++
		}
	}

	available := c.closeErr == nil && c.host.Running()
	c.mu.Unlock()

	state := c.coord.State()

	return Status{
		Available:       available,
		Progress:        state,
		ProgressState:   state.String(),
		ProgressMessage: c.coord.Message(),
		PendingRequests: pending,
		Folder:          c.folder,
	}
}

// Ready reports ErrServiceUnavailable unless the executor is running.
func (c *Controller) Ready(context.Context) error {
	if !c.Status().Available {
		return ErrServiceUnavailable
	}

	return nil
}

// Shutdown disposes the progress coordinator, stops the executor and removes
// the cancellation folder this controller created. Pending requests fail
// with ErrServiceUnavailable.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error

	c.shutdown.Do(func() {
		c.coord.Dispose()

		hostErr := c.host.Shutdown(ctx)
		c.failPending(ErrServiceUnavailable)

		var folderErr error

		if files, ok := c.broker.(*cancellation.FileBroker); ok && c.ownsDir {
			folderErr = files.RemoveFolder(c.folder)
		}

		err = errors.Join(hostErr, folderErr)
	})

	return err
}

// reply resolves a pending request with a response or a local failure.
type reply struct {
	msg executor.Message
	err error
}

// request is an analyze call awaiting its response. An abandoned request was
// cancelled by its caller; its response is dropped when it arrives.
type request struct {
	token     cancellation.Token
	replies   chan reply
	abandoned bool
}

func (c *Controller) register(token cancellation.Token) (chan reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return nil, c.closeErr
	}

	replies := make(chan reply, 1)
	c.pending[uint64(token.ID)] = &request{token: token, replies: replies}

	return replies, nil
}

// abandon marks a pending request as cancelled by its caller. It returns false
// when the request already resolved.
func (c *Controller) abandon(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[id]
	if !ok {
		return false
	}

	req.abandoned = true

	return true
}

func (c *Controller) dispose(token cancellation.Token) {
	c.broker.Dispose(token.Folder, token.ID)
}

func (c *Controller) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Controller) sendError(err error) error {
	if errors.Is(err, executor.ErrChannelClosed) || errors.Is(err, executor.ErrNotStarted) {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	return err
}

// handle runs on the host dispatch goroutine, in executor send order.
func (c *Controller) handle(msg executor.Message) {
	_, span := c.tracer.Start(context.Background(), observability.SpanExecutorMessage,
		trace.WithAttributes(attribute.String("kind", string(msg.Kind)), attribute.String("method", msg.Method)))
	defer span.End()

	if msg.Kind == executor.KindResponse {
		c.resolve(msg)

		return
	}

	switch msg.Method {
	case analysis.MethodBeginProgress:
		c.coord.BeginProgress()
	case analysis.MethodReportProgress:
		var params analysis.ReportParams

		err := msg.Decode(&params)
		if err != nil {
			c.logger.Warn("malformed progress report", "error", err)

			return
		}

		c.coord.ReportProgress(params.Message)
	case analysis.MethodEndProgress:
		c.coord.EndProgress()
	case analysis.MethodAnalysisResult:
		var snapshot analysis.Snapshot

		err := msg.Decode(&snapshot)
		if err != nil {
			c.logger.Warn("malformed analysis snapshot", "error", err)

			return
		}

		c.tracker.Update(snapshot)
	default:
		c.logger.Debug("ignoring executor message", "kind", msg.Kind, "method", msg.Method)
	}
}

func (c *Controller) resolve(msg executor.Message) {
	c.mu.Lock()
	req, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding unknown response", "id", msg.ID, "error", msg.Error)

		return
	}

	if req.abandoned {
		c.dispose(req.token)
		c.logger.Debug("discarding late response", "id", msg.ID, "error", msg.Error)

		return
	}

	req.replies <- reply{msg: msg}
}

func (c *Controller) onClosed(err error) {
	c.logger.Error("executor channel closed", "error", err)
	c.coord.EndProgress()
	c.failPending(fmt.Errorf("%w: %w", ErrServiceUnavailable, err))
}

func (c *Controller) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr == nil {
		c.closeErr = err
	}

	for id, req := range c.pending {
		if req.abandoned {
			c.dispose(req.token)
		} else {
			req.replies <- reply{err: c.closeErr}
		}

		delete(c.pending, id)
	}
}

func decodeResult(msg executor.Message) (analysis.Result, error) {
	err := msg.Err()
	if err != nil {
		return analysis.Result{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	var result analysis.Result

	err = msg.Decode(&result)
	if err != nil {
		return analysis.Result{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	return result, nil
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return observability.StatusOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.StatusCancelled
	default:
		return observability.StatusError
	}
}
