// Command report renders an offline HTML report from a wagonmon database:
// per-camera wagon counts, processing latency percentiles, and recent alerts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/railsight/railsight/internal/sinkdb"
)

var (
	dbFile  = flag.String("db", "wagon_monitoring.db", "Path to the SQLite database file")
	outFile = flag.String("out", "wagon_report.html", "Output HTML file")
)

func main() {
	flag.Parse()

	db, err := sinkdb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	counts, err := db.CameraCounts()
	if err != nil {
		log.Fatalf("Failed to query camera counts: %v", err)
	}
	if len(counts) == 0 {
		log.Fatal("No pipeline results in database; nothing to report")
	}

	page := components.NewPage()
	page.SetPageTitle("Wagon Monitoring Report")
	page.AddCharts(countsChart(counts), latencyChart(db, counts))
	if alerts, err := db.RecentAlerts(50); err == nil && len(alerts) > 0 {
		page.AddCharts(alertsChart(alerts))
	}

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("Failed to render report: %v", err)
	}
	log.Printf("Report written to %s (%d cameras)", *outFile, len(counts))
}

func countsChart(counts []sinkdb.CameraCount) components.Charter {
	x := make([]string, 0, len(counts))
	wagons := make([]opts.BarData, 0, len(counts))
	frames := make([]opts.BarData, 0, len(counts))
	degraded := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		x = append(x, c.CameraID)
		wagons = append(wagons, opts.BarData{Value: c.WagonCount})
		frames = append(frames, opts.BarData{Value: c.Frames})
		degraded = append(degraded, opts.BarData{Value: c.DegradedFrames})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Per-Camera Totals", Subtitle: time.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("wagons", wagons).
		AddSeries("frames", frames).
		AddSeries("degraded frames", degraded,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

// latencyChart plots p50/p90/p99 processing time per camera in milliseconds.
func latencyChart(db *sinkdb.DB, counts []sinkdb.CameraCount) components.Charter {
	x := make([]string, 0, len(counts))
	p50 := make([]opts.BarData, 0, len(counts))
	p90 := make([]opts.BarData, 0, len(counts))
	p99 := make([]opts.BarData, 0, len(counts))

	for _, c := range counts {
		times, err := db.ProcessingTimes(c.CameraID)
		if err != nil || len(times) == 0 {
			continue
		}
		ms := make([]float64, len(times))
		for i, d := range times {
			ms[i] = float64(d) / float64(time.Millisecond)
		}
		sort.Float64s(ms)

		x = append(x, c.CameraID)
		p50 = append(p50, opts.BarData{Value: round2(stat.Quantile(0.50, stat.Empirical, ms, nil))})
		p90 = append(p90, opts.BarData{Value: round2(stat.Quantile(0.90, stat.Empirical, ms, nil))})
		p99 = append(p99, opts.BarData{Value: round2(stat.Quantile(0.99, stat.Empirical, ms, nil))})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Processing Latency (ms)", Subtitle: "per-frame percentiles by camera"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("p50", p50).
		AddSeries("p90", p90).
		AddSeries("p99", p99)
	return bar
}

// alertsChart shows degraded-streak alerts over time as a scatter per camera.
func alertsChart(alerts []sinkdb.AlertRow) components.Charter {
	byCamera := make(map[string][]opts.ScatterData)
	for _, a := range alerts {
		raised := time.Unix(0, a.RaisedAtNs).UTC()
		byCamera[a.CameraID] = append(byCamera[a.CameraID], opts.ScatterData{
			Value: []interface{}{raised.Format(time.RFC3339), a.Streak},
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Camera Alerts", Subtitle: fmt.Sprintf("last %d alerts", len(alerts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "raised at"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "degraded streak"}),
	)
	for camera, pts := range byCamera {
		scatter.AddSeries(camera, pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))
	}
	return scatter
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
