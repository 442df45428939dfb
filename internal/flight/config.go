package flight

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig carries the pipeline's domain-tuned parameters as optional
// overrides. Every field is a pointer so partial JSON files are safe:
// omitted fields keep their defaults. The thresholds here are empirical,
// validated against reference footage, not rules-defined values.
type TuningConfig struct {
	// Projector params
	MinDetectionConfidence *float64 `json:"min_detection_confidence,omitempty"`
	MissSoftening          *float64 `json:"miss_softening_m,omitempty"`

	// Segmenter params
	WindowSize        *int     `json:"window_size,omitempty"`
	StartTurnRateDegS *float64 `json:"start_turn_rate_deg_s,omitempty"`
	StopTurnRateDegS  *float64 `json:"stop_turn_rate_deg_s,omitempty"`
	ConfirmPoints     *int     `json:"confirm_points,omitempty"`
	MinFigurePoints   *int     `json:"min_figure_points,omitempty"`
	ChildMinPoints    *int     `json:"child_min_points,omitempty"`
	MaxFigureDuration *string  `json:"max_figure_duration,omitempty"` // duration string like "45s"
	GapReset          *string  `json:"gap_reset,omitempty"`           // duration string like "1s"

	// Scorer params
	YawSearchStepDeg   *float64 `json:"yaw_search_step_deg,omitempty"`
	YawRefineStepDeg   *float64 `json:"yaw_refine_step_deg,omitempty"`
	MinPointsToScore   *int     `json:"min_points_to_score,omitempty"`
	HypothesisTieBreak *float64 `json:"hypothesis_tie_break,omitempty"`

	// Pipeline params
	QueueSize *int `json:"queue_size,omitempty"`
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("tuning file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	var cfg TuningConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file: %w", err)
	}
	return &cfg, nil
}

// Apply overlays the overrides onto a pipeline configuration.
func (t *TuningConfig) Apply(cfg *PipelineConfig) error {
	if t == nil {
		return nil
	}
	if t.MinDetectionConfidence != nil {
		cfg.Projector.MinDetectionConfidence = *t.MinDetectionConfidence
	}
	if t.MissSoftening != nil {
		cfg.Projector.MissSoftening = *t.MissSoftening
	}

	if t.WindowSize != nil {
		cfg.Segmenter.WindowSize = *t.WindowSize
	}
	if t.StartTurnRateDegS != nil {
		cfg.Segmenter.StartTurnRateDegS = *t.StartTurnRateDegS
	}
	if t.StopTurnRateDegS != nil {
		cfg.Segmenter.StopTurnRateDegS = *t.StopTurnRateDegS
	}
	if t.ConfirmPoints != nil {
		cfg.Segmenter.ConfirmPoints = *t.ConfirmPoints
	}
	if t.MinFigurePoints != nil {
		cfg.Segmenter.MinFigurePoints = *t.MinFigurePoints
	}
	if t.ChildMinPoints != nil {
		cfg.Segmenter.ChildMinPoints = *t.ChildMinPoints
	}
	if t.MaxFigureDuration != nil {
		d, err := time.ParseDuration(*t.MaxFigureDuration)
		if err != nil {
			return fmt.Errorf("invalid max_figure_duration: %w", err)
		}
		cfg.Segmenter.MaxFigureDuration = d
	}
	if t.GapReset != nil {
		d, err := time.ParseDuration(*t.GapReset)
		if err != nil {
			return fmt.Errorf("invalid gap_reset: %w", err)
		}
		cfg.Segmenter.GapReset = d
	}

	if t.YawSearchStepDeg != nil {
		cfg.Scorer.YawSearchStepDeg = *t.YawSearchStepDeg
	}
	if t.YawRefineStepDeg != nil {
		cfg.Scorer.YawRefineStepDeg = *t.YawRefineStepDeg
	}
	if t.MinPointsToScore != nil {
		cfg.Scorer.MinPointsToScore = *t.MinPointsToScore
	}
	if t.HypothesisTieBreak != nil {
		cfg.Scorer.HypothesisTieBreak = *t.HypothesisTieBreak
	}

	if t.QueueSize != nil {
		cfg.QueueSize = *t.QueueSize
	}
	return nil
}
