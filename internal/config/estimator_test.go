package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullConfigJSON = `{
  "distance_front": 0.125,
  "distance_rear": 0.125,
  "mass": 1.98,
  "yaw_inertia": 0.24,
  "front_tire": [1.0, 1.25, 0.8],
  "rear_tire": [1.1, 1.3, 0.7],
  "observer_gain": 5.0,
  "process_noise": 0.05,
  "measurement_noise": 0.1,
  "min_velocity": 1.0
}`

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "estimator.json")
	if err := os.WriteFile(configPath, []byte(fullConfigJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	v := cfg.Vehicle()
	if v.DistanceFront != 0.125 || v.DistanceRear != 0.125 {
		t.Errorf("unexpected axle distances: %+v", v)
	}
	if v.Wheelbase() != 0.25 {
		t.Errorf("Wheelbase() = %f, want 0.25", v.Wheelbase())
	}
	if v.RearTire != (TireCoefficients{B: 1.1, C: 1.3, Mu: 0.7}) {
		t.Errorf("unexpected rear tire: %+v", v.RearTire)
	}

	f := cfg.Filter()
	if f.ObserverGain != 5 || f.ProcessNoise != 0.05 || f.MeasurementNoise != 0.1 || f.MinVelocity != 1 {
		t.Errorf("unexpected filter tuning: %+v", f)
	}

	// Optional fields fall back to the reference tuning.
	enc := cfg.Encoder()
	if enc.MinInterval != 200*time.Millisecond {
		t.Errorf("MinInterval = %v, want 200ms", enc.MinInterval)
	}
	wantDist := 2 * math.Pi * 0.0319 / 4
	if math.Abs(enc.DistancePerPulse()-wantDist) > 1e-12 {
		t.Errorf("DistancePerPulse() = %f, want %f", enc.DistancePerPulse(), wantDist)
	}
	if cfg.GetLoopRateHz() != 50 {
		t.Errorf("GetLoopRateHz() = %f, want 50", cfg.GetLoopRateHz())
	}
	if cfg.GetLoopPeriod() != 20*time.Millisecond {
		t.Errorf("GetLoopPeriod() = %v, want 20ms", cfg.GetLoopPeriod())
	}
}

func TestMissingRequiredFieldIsFatal(t *testing.T) {
	for _, field := range []string{
		"distance_front", "distance_rear", "mass", "yaw_inertia",
		"front_tire", "rear_tire", "observer_gain",
		"process_noise", "measurement_noise", "min_velocity",
	} {
		t.Run(field, func(t *testing.T) {
			var kept []string
			for _, line := range strings.Split(fullConfigJSON, "\n") {
				if strings.Contains(line, `"`+field+`"`) {
					continue
				}
				kept = append(kept, line)
			}
			// min_velocity is the last entry; drop the dangling comma it leaves.
			data := strings.Join(kept, "\n")
			data = strings.Replace(data, "0.1,\n}", "0.1\n}", 1)

			_, err := Parse([]byte(data))
			if err == nil {
				t.Fatalf("expected error for missing %s", field)
			}
			if !errors.Is(err, ErrMissingField) {
				t.Errorf("expected ErrMissingField, got %v", err)
			}
			if !strings.Contains(err.Error(), field) {
				t.Errorf("error %q does not name the field %q", err, field)
			}
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		patch func(c *EstimatorConfig)
	}{
		{"negative mass", func(c *EstimatorConfig) { v := -1.0; c.Mass = &v }},
		{"NaN inertia", func(c *EstimatorConfig) { v := math.NaN(); c.YawInertia = &v }},
		{"short tire", func(c *EstimatorConfig) { c.FrontTire = []float64{1, 2} }},
		{"zero tire coefficient", func(c *EstimatorConfig) { c.RearTire = []float64{1, 0, 1} }},
		{"negative gain", func(c *EstimatorConfig) { v := -0.1; c.ObserverGain = &v }},
		{"zero min velocity", func(c *EstimatorConfig) { v := 0.0; c.MinVelocity = &v }},
		{"bad interval", func(c *EstimatorConfig) { s := "soon"; c.EncoderInterval = &s }},
		{"zero magnets", func(c *EstimatorConfig) { n := 0; c.MagnetsPerWheel = &n }},
		{"zero steering gain", func(c *EstimatorConfig) { v := 0.0; c.SteeringGain = &v }},
		{"zero loop rate", func(c *EstimatorConfig) { v := 0.0; c.LoopRateHz = &v }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(fullConfigJSON))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tt.patch(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "estimator.yaml")
	if err := os.WriteFile(configPath, []byte(fullConfigJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected error for non-.json extension")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.Filter().MinVelocity <= 0 {
		t.Errorf("default min_velocity must be positive, got %f", cfg.Filter().MinVelocity)
	}
	if cfg.GetEncoderInterval() != 200*time.Millisecond {
		t.Errorf("default encoder interval = %v, want 200ms", cfg.GetEncoderInterval())
	}
}
