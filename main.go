// figure.report analyzes control-line stunt flights: it replays a detection
// log through the reconstruction pipeline into a session database and can
// serve the recorded results over HTTP.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/flightline-data/figure.report/internal/config"
	"github.com/flightline-data/figure.report/internal/flight"
	"github.com/flightline-data/figure.report/internal/flightdb"
	"github.com/flightline-data/figure.report/internal/geom"
	"github.com/flightline-data/figure.report/internal/logging"
	"github.com/flightline-data/figure.report/internal/report"
)

var (
	configDir    = flag.String("config-dir", ".", "Directory containing the optional config file")
	detections   = flag.String("detections", "", "Detection log to analyze (JSONL, one observation per line)")
	markersFile  = flag.String("markers", "", "Camera calibration file (JSON: intrinsics + locating markers)")
	dbPath       = flag.String("db", "", "Path to the session database (overrides config)")
	sessionLabel = flag.String("label", "", "Label for the recorded session")
	tuningFile   = flag.String("tuning", "", "Pipeline tuning overrides (JSON, overrides config)")
	serve        = flag.Bool("serve", false, "Serve the report API after analysis")
	listen       = flag.String("listen", "", "HTTP listen address (overrides config)")
	runMigrate   = flag.Bool("migrate", false, "Apply schema migrations from the migrations dir instead of the embedded schema")
)

// calibrationFile is the on-disk camera calibration: pinhole intrinsics
// plus the locating markers. A marker with a zero world position and a
// canonical name gets its world position from the standard field geometry.
type calibrationFile struct {
	Intrinsics    flight.Intrinsics `json:"intrinsics"`
	Markers       []flight.Marker   `json:"markers"`
	FlightRadiusM float64           `json:"flight_radius_m,omitempty"`
	MarkerRadiusM float64           `json:"marker_radius_m,omitempty"`
	MarkerHeightM float64           `json:"marker_height_m,omitempty"`
	SphereOffset  geom.Vec3         `json:"sphere_offset,omitempty"`
}

func loadCalibration(path string) (*flight.CalibrationModel, *calibrationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	var cf calibrationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse calibration file: %w", err)
	}

	if cf.FlightRadiusM == 0 {
		cf.FlightRadiusM = config.GetFloat64("site.flightRadiusM")
	}
	if cf.MarkerRadiusM == 0 {
		cf.MarkerRadiusM = config.GetFloat64("site.markerRadiusM")
	}
	if cf.MarkerHeightM == 0 {
		cf.MarkerHeightM = config.GetFloat64("site.markerHeightM")
	}

	worlds := flight.StandardMarkerWorlds(cf.MarkerRadiusM, cf.MarkerHeightM)
	for i, m := range cf.Markers {
		if m.World == (geom.Vec3{}) {
			if w, ok := worlds[m.Name]; ok {
				cf.Markers[i].World = w
			}
		}
	}

	model, err := flight.Calibrate(flight.CalibrationInput{
		Intrinsics: cf.Intrinsics,
		Markers:    cf.Markers,
		Radius:     cf.FlightRadiusM,
		Center:     cf.SphereOffset,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("calibration failed: %w", err)
	}
	return model, &cf, nil
}

// analyze replays the detection log through the pipeline, recording track
// points, segments and compliance results into a new session.
func analyze(ctx context.Context, log zerolog.Logger, db *flightdb.DB) error {
	model, cf, err := loadCalibration(*markersFile)
	if err != nil {
		return err
	}
	log.Info().
		Float64("radius_m", cf.FlightRadiusM).
		Int("markers", len(cf.Markers)).
		Msg("camera calibrated")

	f, err := os.Open(*detections)
	if err != nil {
		return fmt.Errorf("failed to open detection log: %w", err)
	}
	defer f.Close()

	pipeCfg := flight.DefaultPipelineConfig()
	pipeCfg.QueueSize = config.GetInt("analyze.queueSize")
	tuningPath := *tuningFile
	if tuningPath == "" {
		tuningPath = config.GetString("analyze.tuningFile")
	}
	if tuningPath != "" {
		tuning, err := flight.LoadTuningConfig(tuningPath)
		if err != nil {
			return err
		}
		if err := tuning.Apply(&pipeCfg); err != nil {
			return err
		}
		log.Info().Str("file", tuningPath).Msg("applied tuning overrides")
	}

	session := &flightdb.Session{
		Label:         *sessionLabel,
		FlightRadiusM: cf.FlightRadiusM,
		MarkerRadiusM: cf.MarkerRadiusM,
		MarkerHeightM: cf.MarkerHeightM,
	}
	if err := db.CreateSession(session); err != nil {
		return err
	}
	log.Info().Str("session", session.ID).Msg("session created")

	recorder := flightdb.NewRecorder(db, session.ID, log)
	pipe := flight.NewPipeline(model, flight.DefaultLibrary(), pipeCfg, log, recorder)

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = pipe.Run(ctx)
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var submitted, malformed int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obs flight.Observation
		if err := json.Unmarshal(line, &obs); err != nil {
			malformed++
			log.Warn().Err(err).Int("line", submitted+malformed).Msg("skipping malformed observation")
			continue
		}
		if err := pipe.Submit(ctx, obs); err != nil {
			pipe.Close()
			wg.Wait()
			return fmt.Errorf("failed to submit observation: %w", err)
		}
		submitted++
	}
	if err := scanner.Err(); err != nil {
		pipe.Close()
		wg.Wait()
		return fmt.Errorf("failed to read detection log: %w", err)
	}

	pipe.Close()
	wg.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if err := recorder.Flush(); err != nil {
		return err
	}
	// Incomplete segments never reach the sinks; persist them so the
	// report surface can show what was cut off.
	for _, seg := range pipe.Segments() {
		if !seg.Incomplete {
			continue
		}
		if err := db.InsertSegment(session.ID, seg); err != nil {
			return err
		}
	}

	store := pipe.Store()
	if store.Len() > 0 {
		startNanos := store.At(0).Detection.UnixNanos
		if err := db.UpdateSessionStart(session.ID, startNanos); err != nil {
			return err
		}
	}

	results := pipe.Results()
	matched := 0
	for _, res := range results {
		if res.Matched {
			matched++
		}
	}
	log.Info().
		Str("session", session.ID).
		Int("observations", submitted).
		Int("points", store.Len()).
		Int64("gaps", store.Gaps()).
		Int64("dropped", pipe.Dropped()).
		Int("figures", len(results)).
		Int("matched", matched).
		Msg("analysis complete")
	return nil
}

func main() {
	flag.Parse()

	if err := config.Load(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(config.GetString("logLevel"), os.Stdout)

	path := *dbPath
	if path == "" {
		path = config.GetString("db.path")
	}
	db, err := flightdb.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session database")
	}
	defer db.Close()

	if *runMigrate {
		if err := db.MigrateUp(config.GetString("db.migrationsDir")); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
	} else if err := db.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *detections != "" {
		if *markersFile == "" {
			log.Fatal().Msg("-markers is required with -detections")
		}
		if err := analyze(ctx, log, db); err != nil {
			log.Fatal().Err(err).Msg("analysis failed")
		}
	} else if !*serve {
		flag.Usage()
		os.Exit(2)
	}

	if *serve {
		addr := *listen
		if addr == "" {
			addr = config.GetString("server.address")
		}
		srv := report.NewServer(report.ServerConfig{
			Address: addr,
			DB:      db,
			Library: flight.DefaultLibrary(),
			Log:     log,
		})
		if err := srv.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("report server failed")
		}
	}
}
