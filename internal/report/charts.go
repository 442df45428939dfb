package report

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/flightline-data/figure.report/internal/flightdb"
	"github.com/flightline-data/figure.report/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleSessionChart renders an HTML dashboard for one session using
// go-echarts: a top-down scatter of the reconstructed track colored by
// altitude, plus a bar chart of per-figure compliance scores.
// Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (s *Server) handleSessionChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	sessionID, _ := parseSessionPath(r.URL.Path, "/charts/sessions/")
	if sessionID == "" {
		httputil.BadRequest(w, "missing session_id in path")
		return
	}

	session, err := s.db.GetSession(sessionID)
	if err == flightdb.ErrSessionNotFound {
		httputil.NotFound(w, "session not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to load session")
		return
	}

	points, err := s.db.TrackPoints(sessionID)
	if err != nil {
		httputil.InternalServerError(w, "failed to load track")
		return
	}
	if len(points) == 0 {
		httputil.NotFound(w, "no track points recorded for session")
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(points) > maxPoints {
		stride = int(math.Ceil(float64(len(points)) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(points)/stride+1)
	maxAbs := 0.0
	maxZ := 0.0
	for i := 0; i < len(points); i += stride {
		p := points[i].Pos
		if math.Abs(p.X) > maxAbs {
			maxAbs = math.Abs(p.X)
		}
		if math.Abs(p.Y) > maxAbs {
			maxAbs = math.Abs(p.Y)
		}
		if p.Z > maxZ {
			maxZ = p.Z
		}
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Z}})
	}

	// Add a small padding so points at the hemisphere edge are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = session.FlightRadiusM
	}
	if maxZ == 0 {
		maxZ = 1
	}

	// Force a square plot by using equal width/height and symmetric axis ranges
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Flight Track (Top Down)", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Reconstructed Flight Track", Subtitle: fmt.Sprintf("session=%s points=%d stride=%d radius=%.1fm", sessionID, len(data), stride, session.FlightRadiusM)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("track", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(scatter)

	if bar := s.scoreBarChart(sessionID); bar != nil {
		page.AddCharts(bar)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// scoreBarChart builds the per-figure compliance bar chart, or nil when the
// session has no scored figures.
func (s *Server) scoreBarChart(sessionID string) *charts.Bar {
	results, err := s.db.Results(sessionID)
	if err != nil || len(results) == 0 {
		return nil
	}

	x := make([]string, 0, len(results))
	y := make([]opts.BarData, 0, len(results))
	for i, res := range results {
		label := string(res.Template)
		if !res.Matched {
			label = "unmatched"
		}
		x = append(x, fmt.Sprintf("#%d %s", i+1, label))
		value := res.Score
		if !res.Matched {
			value = 0
		}
		y = append(y, opts.BarData{Value: value})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "480px", Theme: "dark", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Figure Compliance Scores", Subtitle: "worst-case normalized deviation per matched figure (lower is better)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("score", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
