package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/units"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// showChart renders the recent records of a run as two line charts: the
// longitudinal and lateral velocity estimates, and the measured and filtered
// yaw rates.
// Query params:
//   - run_id (optional; defaults to the current run)
//   - limit (optional; default 500)
//   - units (optional; speed units)
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runID, limit, ok := s.recordQuery(w, r)
	if !ok {
		return
	}
	recs, err := s.db.RecentRecords(runID, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to retrieve records: %v", err), http.StatusInternalServerError)
		return
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.PageTitle = "Vehicle state " + runID
	page.AddCharts(velocityChart(recs, u), yawRateChart(recs, units.RateUnitForSpeed(u)))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func timeAxis(recs []estimation.Record) []string {
	x := make([]string, len(recs))
	for i, r := range recs {
		x[i] = strconv.FormatFloat(r.T, 'f', 2, 64)
	}
	return x
}

func newLineChart(title, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	return line
}

func velocityChart(recs []estimation.Record, speedUnits string) *charts.Line {
	vx := make([]opts.LineData, len(recs))
	vy := make([]opts.LineData, len(recs))
	for i, r := range recs {
		vx[i] = opts.LineData{Value: units.ConvertSpeed(r.VX, speedUnits)}
		vy[i] = opts.LineData{Value: units.ConvertSpeed(r.VY, speedUnits)}
	}
	line := newLineChart("Velocity", speedUnits)
	line.SetXAxis(timeAxis(recs)).
		AddSeries("vhat_x", vx).
		AddSeries("vhat_y", vy).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func yawRateChart(recs []estimation.Record, rateUnits string) *charts.Line {
	measured := make([]opts.LineData, len(recs))
	filtered := make([]opts.LineData, len(recs))
	for i, r := range recs {
		measured[i] = opts.LineData{Value: units.ConvertYawRate(r.WZ, rateUnits)}
		filtered[i] = opts.LineData{Value: units.ConvertYawRate(r.YawRate, rateUnits)}
	}
	line := newLineChart("Yaw rate", rateUnits)
	line.SetXAxis(timeAxis(recs)).
		AddSeries("w_z", measured).
		AddSeries("what_z", filtered).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}
