package commands

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const (
	chartHeight    = "420px"
	chartPieRadius = "60%"
)

// renderHTML writes rep as a standalone HTML page with a language bar chart
// and, when files were re-analyzed, a churn pie chart.
func renderHTML(w io.Writer, rep Report) error {
	page := components.NewPage()
	page.PageTitle = "offload: " + rep.Root
	page.AddCharts(languageChart(rep))

	if rep.Result.Churn != (ChurnView{}) {
		page.AddCharts(churnChart(rep.Result.Churn))
	}

	err := page.Render(w)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	return nil
}

func languageChart(rep Report) *charts.Bar {
	rows := languageRows(rep.Result.Languages)

	labels := make([]string, len(rows))
	data := make([]opts.BarData, len(rows))

	for i, row := range rows {
		labels[i] = row.name
		data[i] = opts.BarData{Value: row.files}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Files per language",
			Subtitle: fmt.Sprintf("%d files, %d lines", rep.Result.FilesAnalyzed, rep.Result.Lines),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("Files", data)

	return bar
}

func churnChart(churn ChurnView) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Line churn"}),
	)

	pie.AddSeries("Churn", []opts.PieData{
		{Name: "added", Value: churn.Added},
		{Name: "removed", Value: churn.Removed},
		{Name: "changed", Value: churn.Changed},
	}).SetSeriesOptions(
		charts.WithPieChartOpts(opts.PieChart{Radius: chartPieRadius}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)

	return pie
}
