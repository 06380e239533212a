package progress_test

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/offload/pkg/progress"
)

// fakeUI records every handle it hands out.
type fakeUI struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (u *fakeUI) Begin() progress.Handle {
	u.mu.Lock()
	defer u.mu.Unlock()

	h := &fakeHandle{}
	u.handles = append(u.handles, h)

	return h
}

func (u *fakeUI) all() []*fakeHandle {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]*fakeHandle(nil), u.handles...)
}

func (u *fakeUI) open() int {
	n := 0

	for _, h := range u.all() {
		if !h.isDone() {
			n++
		}
	}

	return n
}

type fakeHandle struct {
	mu       sync.Mutex
	messages []string
	done     int
}

func (h *fakeHandle) Report(message string) {
	h.mu.Lock()
	h.messages = append(h.messages, message)
	h.mu.Unlock()
}

func (h *fakeHandle) Done() {
	h.mu.Lock()
	h.done++
	h.mu.Unlock()
}

func (h *fakeHandle) isDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.done > 0
}

func (h *fakeHandle) doneCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.done
}

func newCoordinator(t *testing.T) (*progress.Coordinator, *fakeUI, *clock.Mock) {
	t.Helper()

	ui := &fakeUI{}
	mock := clock.NewMock()

	return progress.NewCoordinator(ui, progress.WithClock(mock)), ui, mock
}

func TestCoordinator_BeginEnd(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)
	assert.Equal(t, progress.StateIdle, c.State())

	c.BeginProgress()
	assert.Equal(t, progress.StateActive, c.State())
	assert.Equal(t, mock.Now().Add(progress.Timeout), c.Deadline())

	c.ReportProgress("3 files to analyze")
	assert.Equal(t, "3 files to analyze", c.Message())

	c.EndProgress()
	assert.Equal(t, progress.StateIdle, c.State())
	assert.Empty(t, c.Message())
	assert.True(t, c.Deadline().IsZero())

	handles := ui.all()
	require.Len(t, handles, 1)
	assert.Equal(t, []string{"3 files to analyze"}, handles[0].messages)
	assert.Equal(t, 1, handles[0].doneCount())
}

func TestCoordinator_TimeoutReleasesHandle(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)

	c.BeginProgress()
	mock.Add(progress.Timeout - time.Second)
	assert.Equal(t, progress.StateActive, c.State())

	mock.Add(time.Second)

	require.Eventually(t, func() bool { return c.State() == progress.StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, 0, ui.open())
}

func TestCoordinator_ReportRearmsTimer(t *testing.T) {
	t.Parallel()

	c, _, mock := newCoordinator(t)

	c.BeginProgress()

	for range 5 {
		mock.Add(progress.Timeout - time.Second)
		c.ReportProgress("working")
	}

	assert.Equal(t, progress.StateActive, c.State())

	mock.Add(progress.Timeout)

	require.Eventually(t, func() bool { return c.State() == progress.StateIdle }, time.Second, time.Millisecond)
}

func TestCoordinator_ReportWhileIdleIgnored(t *testing.T) {
	t.Parallel()

	c, ui, _ := newCoordinator(t)

	c.ReportProgress("stale")
	assert.Equal(t, progress.StateIdle, c.State())
	assert.Empty(t, ui.all())

	c.BeginProgress()
	c.EndProgress()
	c.ReportProgress("late")

	assert.Equal(t, progress.StateIdle, c.State())
	assert.Empty(t, ui.all()[0].messages)
}

func TestCoordinator_EndAndTimeoutAreIdempotent(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)

	c.BeginProgress()
	c.EndProgress()
	c.EndProgress()
	mock.Add(2 * progress.Timeout)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, ui.all()[0].doneCount())

	c.BeginProgress()
	mock.Add(progress.Timeout)
	require.Eventually(t, func() bool { return c.State() == progress.StateIdle }, time.Second, time.Millisecond)

	c.EndProgress()
	assert.Equal(t, 1, ui.all()[1].doneCount())
}

func TestCoordinator_BeginWhileActiveReplacesHandle(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)

	c.BeginProgress()
	mock.Add(progress.Timeout / 2)
	c.BeginProgress()

	handles := ui.all()
	require.Len(t, handles, 2)
	assert.Equal(t, 1, handles[0].doneCount())
	assert.False(t, handles[1].isDone())

	// The first timer must not clear the second indicator.
	mock.Add(progress.Timeout/2 + time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, progress.StateActive, c.State())
}

func TestCoordinator_DisposeForcesIdle(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)

	c.BeginProgress()
	c.Dispose()

	assert.Equal(t, progress.StateIdle, c.State())
	assert.Equal(t, 0, ui.open())

	c.BeginProgress()
	assert.Equal(t, progress.StateIdle, c.State())
	assert.Len(t, ui.all(), 1)

	mock.Add(2 * progress.Timeout)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, ui.all()[0].doneCount())
}

func TestCoordinator_WithTimeout(t *testing.T) {
	t.Parallel()

	ui := &fakeUI{}
	c := progress.NewCoordinator(ui, progress.WithTimeout(20*time.Millisecond))

	c.BeginProgress()

	require.Eventually(t, func() bool { return c.State() == progress.StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ui.open())
}

// A handle is never leaked whatever the interleaving of notifications,
// timeouts and disposal.
func TestCoordinator_NoHandleLeaks(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)

	steps := []func(){
		c.BeginProgress,
		func() { c.ReportProgress("a") },
		c.BeginProgress,
		func() { mock.Add(progress.Timeout) },
		c.BeginProgress,
		c.EndProgress,
		c.BeginProgress,
		func() { c.ReportProgress("b") },
	}

	for _, step := range steps {
		step()
	}

	c.Dispose()

	require.Eventually(t, func() bool { return ui.open() == 0 }, time.Second, time.Millisecond)

	for _, h := range ui.all() {
		assert.Equal(t, 1, h.doneCount())
	}
}

func TestLogUI(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ui := &progress.LogUI{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Title: "Analyzing"}

	h := ui.Begin()
	h.Report("2 files to analyze")
	h.Done()

	out := buf.String()
	assert.Contains(t, out, "progress: begin")
	assert.Contains(t, out, "2 files to analyze")
	assert.Contains(t, out, "progress: done")
}

func TestTerminalUI(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ui := &progress.TerminalUI{Out: &buf, Title: "Analyzing"}

	h := ui.Begin()
	h.Report("1 file to analyze")
	h.Done()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "1 file to analyze")
	assert.Contains(t, lines[2], "Analyzing done")
}

func TestCoordinator_ReportAtTMinusOneKeepsActivePastT(t *testing.T) {
	t.Parallel()

	c, ui, mock := newCoordinator(t)

	c.BeginProgress()
	mock.Add(progress.Timeout - time.Second)
	c.ReportProgress("still going")

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, progress.StateActive, c.State())

	mock.Add(progress.Timeout - time.Second)

	require.Eventually(t, func() bool { return c.State() == progress.StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, 1, ui.all()[0].doneCount())
}
