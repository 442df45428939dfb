package flight

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTuning(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write tuning file: %v", err)
	}
	return path
}

func TestLoadTuningConfigPartialOverride(t *testing.T) {
	path := writeTuning(t, "tuning.json", `{
		"start_turn_rate_deg_s": 30.0,
		"confirm_points": 6,
		"max_figure_duration": "60s",
		"queue_size": 256
	}`)

	tuning, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig: %v", err)
	}

	cfg := DefaultPipelineConfig()
	if err := tuning.Apply(&cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if cfg.Segmenter.StartTurnRateDegS != 30.0 {
		t.Errorf("StartTurnRateDegS = %g", cfg.Segmenter.StartTurnRateDegS)
	}
	if cfg.Segmenter.ConfirmPoints != 6 {
		t.Errorf("ConfirmPoints = %d", cfg.Segmenter.ConfirmPoints)
	}
	if cfg.Segmenter.MaxFigureDuration != 60*time.Second {
		t.Errorf("MaxFigureDuration = %v", cfg.Segmenter.MaxFigureDuration)
	}
	if cfg.QueueSize != 256 {
		t.Errorf("QueueSize = %d", cfg.QueueSize)
	}

	// Untouched fields keep their defaults.
	def := DefaultPipelineConfig()
	if cfg.Segmenter.StopTurnRateDegS != def.Segmenter.StopTurnRateDegS {
		t.Errorf("StopTurnRateDegS changed: %g", cfg.Segmenter.StopTurnRateDegS)
	}
	if cfg.Projector.MinDetectionConfidence != def.Projector.MinDetectionConfidence {
		t.Errorf("MinDetectionConfidence changed: %g", cfg.Projector.MinDetectionConfidence)
	}
	if cfg.Scorer.YawSearchStepDeg != def.Scorer.YawSearchStepDeg {
		t.Errorf("YawSearchStepDeg changed: %g", cfg.Scorer.YawSearchStepDeg)
	}
}

func TestLoadTuningConfigRejectsBadInput(t *testing.T) {
	if _, err := LoadTuningConfig(writeTuning(t, "tuning.yaml", "{}")); err == nil {
		t.Error("expected error for non-json extension")
	}
	if _, err := LoadTuningConfig(writeTuning(t, "bad.json", "{nope")); err == nil {
		t.Error("expected error for malformed json")
	}
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTuningConfigBadDuration(t *testing.T) {
	tuning, err := LoadTuningConfig(writeTuning(t, "t.json", `{"gap_reset": "soon"}`))
	if err != nil {
		t.Fatalf("LoadTuningConfig: %v", err)
	}
	cfg := DefaultPipelineConfig()
	if err := tuning.Apply(&cfg); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestTuningConfigNilApply(t *testing.T) {
	cfg := DefaultPipelineConfig()
	var tuning *TuningConfig
	if err := tuning.Apply(&cfg); err != nil {
		t.Errorf("nil tuning must be a no-op, got %v", err)
	}
}
