package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool name constants.
const (
	ToolNameAnalyze   = "offload_analyze"
	ToolNameMarkDirty = "offload_mark_dirty"
	ToolNameCancel    = "offload_cancel"
	ToolNameStatus    = "offload_status"
)

// MaxPaths bounds the number of paths accepted by one call.
const MaxPaths = 10000

// ErrTooManyPaths indicates a path list above MaxPaths.
var ErrTooManyPaths = errors.New("too many paths")

// PathsInput is the input schema of the analyze and mark-dirty tools.
type PathsInput struct {
	Paths []string `json:"paths,omitempty" jsonschema:"workspace-relative or absolute file paths (default: every file)"`
}

// EmptyInput is the input schema of tools without parameters.
type EmptyInput struct{}

// CancelOutput reports how many analyze calls were cancelled.
type CancelOutput struct {
	Cancelled int `json:"cancelled"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

func (s *Server) handleAnalyze(ctx context.Context, _ *mcpsdk.CallToolRequest, input PathsInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validatePaths(input.Paths)
	if err != nil {
		return errorResult(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer s.track(cancel)()

	result, err := s.service.Analyze(ctx, input.Paths)
	if err != nil {
		s.logger.DebugContext(ctx, "mcp: analyze failed", "error", err)

		return errorResult(err)
	}

	return jsonResult(result)
}

func (s *Server) handleMarkDirty(ctx context.Context, _ *mcpsdk.CallToolRequest, input PathsInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validatePaths(input.Paths)
	if err != nil {
		return errorResult(err)
	}

	err = s.service.MarkDirty(ctx, input.Paths)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(s.service.Status())
}

func (s *Server) handleCancel(_ context.Context, _ *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return jsonResult(CancelOutput{Cancelled: s.cancelAll()})
}

func (s *Server) handleStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return jsonResult(s.service.Status())
}

func validatePaths(paths []string) error {
	if len(paths) > MaxPaths {
		return fmt.Errorf("%w: %d (max %d)", ErrTooManyPaths, len(paths), MaxPaths)
	}

	return nil
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

// Tool description constants.
const (
	analyzeToolDescription = "Analyze workspace files in the background executor and return " +
		"files analyzed, skipped, line count and languages. Cancelling the call cancels the analysis."

	markDirtyToolDescription = "Mark files as changed so the background executor re-analyzes them incrementally."

	cancelToolDescription = "Cancel every analyze call currently running through this server."

	statusToolDescription = "Report executor availability, progress state and pending requests."
)
