package progress

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
)

// LogUI reports progress through a structured logger.
type LogUI struct {
	Logger *slog.Logger
	Title  string

	seq atomic.Uint64
}

// Begin implements UI.
func (u *LogUI) Begin() Handle {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := u.seq.Add(1)
	logger.Info("progress: begin", "title", u.Title, "id", id)

	return &logHandle{logger: logger, id: id}
}

type logHandle struct {
	logger *slog.Logger
	id     uint64
}

func (h *logHandle) Report(message string) {
	h.logger.Info("progress: report", "id", h.id, "message", message)
}

func (h *logHandle) Done() {
	h.logger.Info("progress: done", "id", h.id)
}

// TerminalUI renders a single colored status line per indicator.
type TerminalUI struct {
	Out   io.Writer
	Title string

	mu sync.Mutex
}

// Begin implements UI.
func (u *TerminalUI) Begin() Handle {
	u.print(color.New(color.FgCyan, color.Bold), "%s...", u.Title)

	return &terminalHandle{ui: u}
}

func (u *TerminalUI) print(c *color.Color, format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()

	_, _ = c.Fprintf(u.Out, format+"\n", args...)
}

type terminalHandle struct {
	ui *TerminalUI
}

func (h *terminalHandle) Report(message string) {
	h.ui.print(color.New(color.FgYellow), "  %s", message)
}

func (h *terminalHandle) Done() {
	h.ui.print(color.New(color.FgGreen), "%s done", h.ui.Title)
}
