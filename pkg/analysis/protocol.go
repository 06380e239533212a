// Package analysis defines the controller/executor protocol, the opaque
// analysis Engine contract and the background runner that drives an Engine
// in incremental, cancellable passes.
package analysis

import "strconv"

// Methods exchanged on the executor channel.
const (
	// MethodAnalyze is a request carrying AnalyzeParams, answered with Result.
	MethodAnalyze = "analyze"
	// MethodMarkDirty is a notification carrying PathsParams.
	MethodMarkDirty = "markDirty"
	// MethodCancelRequest is a notification carrying CancelParams.
	MethodCancelRequest = "$/cancelRequest"

	// MethodBeginProgress opens the progress indicator.
	MethodBeginProgress = "$/beginProgress"
	// MethodReportProgress carries ReportParams.
	MethodReportProgress = "$/reportProgress"
	// MethodEndProgress closes the progress indicator.
	MethodEndProgress = "$/endProgress"
	// MethodAnalysisResult carries a Snapshot after every incremental pass.
	MethodAnalysisResult = "$/analysisResult"
)

// Snapshot is the state of the analysis after one incremental pass.
type Snapshot struct {
	FilesRequiringAnalysis int `json:"filesRequiringAnalysis"`
	// ElapsedTime is the duration of the pass in seconds.
	ElapsedTime        float64 `json:"elapsedTime"`
	FilesInProgram     int     `json:"filesInProgram"`
	FatalErrorOccurred bool    `json:"fatalErrorOccurred,omitempty"`
}

// AnalyzeParams selects the files an analyze request covers. No paths
// means the whole workspace.
type AnalyzeParams struct {
	Paths []string `json:"paths,omitempty"`
}

// PathsParams lists changed files.
type PathsParams struct {
	Paths []string `json:"paths"`
}

// CancelParams identifies the request to cancel.
type CancelParams struct {
	ID uint64 `json:"id"`
}

// ReportParams is the progress message.
type ReportParams struct {
	Message string `json:"message"`
}

// Result summarizes an analyze request.
type Result struct {
	FilesAnalyzed int            `json:"filesAnalyzed"`
	FilesSkipped  int            `json:"filesSkipped"`
	Lines         int            `json:"lines"`
	Languages     map[string]int `json:"languages"`
	Functions     int            `json:"functions"`
	// Churn sums the line diffs of re-analyzed files.
	Churn LineStats `json:"churn"`
}

func (r *Result) add(report FileReport) {
	if report.Skipped {
		r.FilesSkipped++

		return
	}

	r.FilesAnalyzed++
	r.Lines += report.Lines
	r.Functions += report.Functions
	r.Churn.Added += report.Churn.Added
	r.Churn.Removed += report.Churn.Removed
	r.Churn.Changed += report.Churn.Changed

	if report.Language != "" {
		if r.Languages == nil {
			r.Languages = map[string]int{}
		}

		r.Languages[report.Language]++
	}
}

// ProgressMessage renders the remaining work for the progress indicator.
func ProgressMessage(pending int) string {
	if pending == 1 {
		return "1 file to analyze"
	}

	return strconv.Itoa(pending) + " files to analyze"
}
