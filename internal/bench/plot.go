package bench

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const (
	plotWidth  = "100%"
	plotHeight = "500px"
	plotTitle  = "Taint map chain lengths"
)

// WritePlot renders the chain-length distribution of r as an HTML bar chart.
func WritePlot(w io.Writer, r Result) error {
	if err := buildChainChart(r).Render(w); err != nil {
		return fmt.Errorf("render chain chart: %w", err)
	}

	return nil
}

func buildChainChart(r Result) *charts.Bar {
	lengths := slices.Sorted(maps.Keys(r.Statistics.Chains))

	labels := make([]string, len(lengths))
	data := make([]opts.BarData, len(lengths))

	for i, length := range lengths {
		labels[i] = strconv.Itoa(length)
		data[i] = opts.BarData{Value: r.Statistics.Chains[length]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: plotTitle,
			Width:     plotWidth,
			Height:    plotHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    plotTitle,
			Subtitle: fmt.Sprintf("capacity %d, %d entries, %s mode", r.Statistics.Capacity, r.Count, modeName(r.Flat)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Chain length"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Buckets"}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("Buckets", data)

	return bar
}

func modeName(flat bool) string {
	if flat {
		return "flat"
	}

	return "chained"
}
