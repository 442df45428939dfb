package report

import (
	"fmt"
	"image/color"
	"math"
	"net/http"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/flightline-data/figure.report/internal/flightdb"
	"github.com/flightline-data/figure.report/internal/geom"
	"github.com/flightline-data/figure.report/internal/httputil"
)

// handleSessionPlot renders a top-down PNG of the reconstructed track, with
// the hemisphere base circle and the ideal curves of matched figures
// overlaid for visual comparison.
func (s *Server) handleSessionPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	sessionID, _ := parseSessionPath(r.URL.Path, "/plots/sessions/")
	sessionID = strings.TrimSuffix(sessionID, ".png")
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

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s - Top-Down Track", sessionID)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	radius := session.FlightRadiusM

	// Hemisphere base circle as the frame of reference.
	base, err := plotter.NewLine(circleXYs(radius, 256))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	base.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	base.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(base)
	p.Legend.Add("base circle", base)

	trackPts := make(plotter.XYs, len(points))
	for i, tp := range points {
		trackPts[i] = plotter.XY{X: tp.Pos.X, Y: tp.Pos.Y}
	}
	track, err := plotter.NewLine(trackPts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	track.Color = color.RGBA{R: 31, G: 158, B: 137, A: 255}
	track.Width = vg.Points(1)
	p.Add(track)
	p.Legend.Add("track", track)

	s.addTemplateOverlays(p, sessionID, radius)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	// Symmetric square range so the circle is not distorted.
	pad := radius * 1.1
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to write plot response")
	}
}

// addTemplateOverlays draws the ideal curve of each matched figure at its
// fitted yaw, scaled to the session's flight radius.
func (s *Server) addTemplateOverlays(p *plot.Plot, sessionID string, radius float64) {
	results, err := s.db.Results(sessionID)
	if err != nil {
		return
	}

	overlayColor := color.RGBA{R: 253, G: 231, B: 37, A: 255}
	for _, res := range results {
		if !res.Matched {
			continue
		}
		tmpl := s.lib.Get(res.Template)
		if tmpl == nil {
			continue
		}

		ideal := tmpl.SamplePath(geom.Radians(res.YawDeg), 128)
		pts := make(plotter.XYs, len(ideal))
		for i, u := range ideal {
			pts[i] = plotter.XY{X: u.X * radius, Y: u.Y * radius}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			continue
		}
		sc.GlyphStyle.Color = overlayColor
		sc.GlyphStyle.Radius = vg.Points(1)
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("ideal %s", res.Template), sc)
	}
}

// circleXYs samples a circle of the given radius in the Z=0 plane.
func circleXYs(radius float64, n int) plotter.XYs {
	pts := make(plotter.XYs, n+1)
	for i := 0; i <= n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = plotter.XY{X: radius * math.Cos(theta), Y: radius * math.Sin(theta)}
	}
	return pts
}
