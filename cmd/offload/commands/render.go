package commands

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
	"github.com/Sumatoshi-tech/offload/pkg/units"
)

// Output formats of the analyze command.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatHTML  = "html"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown output format")

// Report is the output of the analyze command.
type Report struct {
	Root      string        `json:"root"                yaml:"root"`
	Elapsed   time.Duration `json:"elapsedNs"           yaml:"elapsed"`
	Result    ResultView    `json:"result"              yaml:"result"`
	Telemetry []EventView   `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// ResultView mirrors analysis.Result with stable field names in every format.
type ResultView struct {
	FilesAnalyzed int            `json:"filesAnalyzed" yaml:"filesAnalyzed"`
	FilesSkipped  int            `json:"filesSkipped"  yaml:"filesSkipped"`
	Lines         int            `json:"lines"         yaml:"lines"`
	Languages     map[string]int `json:"languages"     yaml:"languages"`
	Functions     int            `json:"functions"     yaml:"functions"`
	Churn         ChurnView      `json:"churn"         yaml:"churn"`
}

// ChurnView is the line churn of re-analyzed files.
type ChurnView struct {
	Added   int `json:"added"   yaml:"added"`
	Removed int `json:"removed" yaml:"removed"`
	Changed int `json:"changed" yaml:"changed"`
}

// EventView is a telemetry event as printed by the analyze command.
type EventView struct {
	Name         string             `json:"name"         yaml:"name"`
	Properties   map[string]string  `json:"properties"   yaml:"properties"`
	Measurements map[string]float64 `json:"measurements" yaml:"measurements"`
}

// NewReport assembles a Report from an analysis result and the telemetry
// events collected while it ran.
func NewReport(root string, elapsed time.Duration, result analysis.Result, events []telemetry.Event) Report {
	rep := Report{
		Root:    root,
		Elapsed: elapsed,
		Result: ResultView{
			FilesAnalyzed: result.FilesAnalyzed,
			FilesSkipped:  result.FilesSkipped,
			Lines:         result.Lines,
			Languages:     result.Languages,
			Functions:     result.Functions,
			Churn: ChurnView{
				Added:   result.Churn.Added,
				Removed: result.Churn.Removed,
				Changed: result.Churn.Changed,
			},
		},
	}

	for _, e := range events {
		rep.Telemetry = append(rep.Telemetry, EventView{
			Name:         e.EventName,
			Properties:   e.Properties,
			Measurements: e.Measurements,
		})
	}

	return rep
}

// Render writes rep to w in format.
func Render(w io.Writer, format string, rep Report) error {
	switch strings.ToLower(format) {
	case FormatTable, "":
		return renderTable(w, rep)
	case FormatJSON:
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}

		_, err = fmt.Fprintln(w, string(data))

		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		err := enc.Encode(rep)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	case FormatHTML:
		return renderHTML(w, rep)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func checkFormat(format string) error {
	switch strings.ToLower(format) {
	case FormatTable, FormatJSON, FormatYAML, FormatHTML, "":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type languageRow struct {
	name  string
	files int
}

func renderTable(w io.Writer, rep Report) error {
	header := color.New(color.FgCyan, color.Bold)

	_, err := header.Fprintf(w, "%s\n", rep.Root)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Analyzed %s files (%s skipped), %s lines, %s functions in %s\n",
		humanize.Comma(int64(rep.Result.FilesAnalyzed)),
		humanize.Comma(int64(rep.Result.FilesSkipped)),
		humanize.Comma(int64(rep.Result.Lines)),
		humanize.Comma(int64(rep.Result.Functions)),
		rep.Elapsed.Round(time.Millisecond))

	if churn := rep.Result.Churn; churn != (ChurnView{}) {
		fmt.Fprintf(w, "Churn: %s added, %s removed, %s changed\n",
			color.GreenString("+%d", churn.Added),
			color.RedString("-%d", churn.Removed),
			color.YellowString("~%d", churn.Changed))
	}

	rows := languageRows(rep.Result.Languages)
	if len(rows) > 0 {
		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.Style().Options.DrawBorder = false
		tbl.Style().Options.SeparateColumns = false
		tbl.AppendHeader(table.Row{"Language", "Files"})

		for _, row := range rows {
			tbl.AppendRow(table.Row{row.name, row.files})
		}

		tbl.AppendFooter(table.Row{"Total", rep.Result.FilesAnalyzed})

		fmt.Fprintln(w, tbl.Render())
	}

	for _, e := range rep.Telemetry {
		fmt.Fprintln(w, describeEvent(e))
	}

	return nil
}

// languageRows orders languages by file count, then name.
func languageRows(languages map[string]int) []languageRow {
	rows := make([]languageRow, 0, len(languages))
	for name, files := range languages {
		rows = append(rows, languageRow{name: name, files: files})
	}

	slices.SortFunc(rows, func(a, b languageRow) int {
		return cmp.Or(cmp.Compare(b.files, a.files), cmp.Compare(a.name, b.name))
	})

	return rows
}

func describeEvent(e EventView) string {
	name := strings.TrimPrefix(e.Name, telemetry.EventPrefix)
	if name != telemetry.EventAnalysisComplete {
		return color.New(color.FgYellow).Sprintf("telemetry: %s", name)
	}

	peak := humanize.IBytes(units.MBToBytes(e.Measurements["peakRssMB"]))
	elapsed := time.Duration(e.Measurements["elapsedMs"] * float64(time.Millisecond)).Round(time.Millisecond)

	return fmt.Sprintf("telemetry: %s files in %s, peak RSS %s",
		humanize.Comma(int64(e.Measurements["numFilesAnalyzed"])), elapsed, peak)
}
