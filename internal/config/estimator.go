package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical estimator parameter file.
const DefaultConfigPath = "config/estimator.defaults.json"

// ErrMissingField is returned by Validate when a required parameter is absent.
// The estimator must not start with an incomplete vehicle or filter model.
var ErrMissingField = errors.New("missing required field")

// EstimatorConfig is the on-disk parameter set read once at startup.
//
// Vehicle, tire and filter fields are required; encoder, actuation and loop
// fields fall back to the reference tuning when omitted.
type EstimatorConfig struct {
	// Vehicle geometry and inertia (required). The IMU is mounted on the
	// front axle, DistanceFront metres ahead of the CoG.
	DistanceFront *float64 `json:"distance_front,omitempty"` // L_a, m
	DistanceRear  *float64 `json:"distance_rear,omitempty"`  // L_b, m
	Mass          *float64 `json:"mass,omitempty"`           // kg
	YawInertia    *float64 `json:"yaw_inertia,omitempty"`    // I_z, kg·m²

	// Tire models as [B, C, mu] (required)
	FrontTire []float64 `json:"front_tire,omitempty"`
	RearTire  []float64 `json:"rear_tire,omitempty"`

	// Observer and EKF tuning (required)
	ObserverGain     *float64 `json:"observer_gain,omitempty"`     // aph, 1/s
	ProcessNoise     *float64 `json:"process_noise,omitempty"`     // q, std
	MeasurementNoise *float64 `json:"measurement_noise,omitempty"` // r, std
	MinVelocity      *float64 `json:"min_velocity,omitempty"`      // v_x_min, m/s

	// Encoder params
	TireRadius      *float64 `json:"tire_radius,omitempty"`      // m, centre to magnet ring
	MagnetsPerWheel *int     `json:"magnets_per_wheel,omitempty"` // pulses per revolution
	EncoderInterval *string  `json:"encoder_interval,omitempty"` // duration string like "200ms"

	// Steering actuation map
	SteeringNeutral *float64 `json:"steering_neutral,omitempty"` // actuation value for straight ahead
	SteeringGain    *float64 `json:"steering_gain,omitempty"`    // degrees per actuation unit

	// Loop params
	LoopRateHz *float64 `json:"loop_rate_hz,omitempty"`
}

// TireCoefficients parameterise the simplified magic-formula tire curve
// Fy = -Mu·Fz·sin(C·atan(B·α)).
type TireCoefficients struct {
	B  float64
	C  float64
	Mu float64
}

// VehicleParameters is the immutable vehicle model used by the frame
// transform and the bicycle model.
type VehicleParameters struct {
	DistanceFront float64
	DistanceRear  float64
	Mass          float64
	YawInertia    float64
	FrontTire     TireCoefficients
	RearTire      TireCoefficients
}

// Wheelbase returns L_a + L_b.
func (v VehicleParameters) Wheelbase() float64 {
	return v.DistanceFront + v.DistanceRear
}

// FilterTuning holds the observer and EKF tuning constants.
type FilterTuning struct {
	ObserverGain     float64
	ProcessNoise     float64
	MeasurementNoise float64
	MinVelocity      float64
}

// EncoderConfig describes the wheel encoder geometry and sampling limit.
type EncoderConfig struct {
	TireRadius      float64
	MagnetsPerWheel int
	MinInterval     time.Duration
}

// DistancePerPulse returns the arc length between two magnets.
func (e EncoderConfig) DistancePerPulse() float64 {
	if e.MagnetsPerWheel <= 0 {
		return 0
	}
	return 2 * math.Pi * e.TireRadius / float64(e.MagnetsPerWheel)
}

// ActuationConfig describes the linear steering actuation map.
type ActuationConfig struct {
	SteeringNeutral float64
	SteeringGainDeg float64
}

// Load reads and validates an EstimatorConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func Load(path string) (*EstimatorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates an EstimatorConfig from JSON bytes.
func Parse(data []byte) (*EstimatorConfig, error) {
	cfg := &EstimatorConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *EstimatorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ or deeper packages
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func requirePositive(name string, v *float64) error {
	if v == nil {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	if !(*v > 0) || math.IsInf(*v, 0) {
		return fmt.Errorf("%s must be positive and finite, got %v", name, *v)
	}
	return nil
}

func validateTire(name string, coeffs []float64) error {
	if coeffs == nil {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	if len(coeffs) != 3 {
		return fmt.Errorf("%s must be [B, C, mu], got %d values", name, len(coeffs))
	}
	for i, c := range coeffs {
		if !(c > 0) || math.IsInf(c, 0) {
			return fmt.Errorf("%s[%d] must be positive and finite, got %v", name, i, c)
		}
	}
	return nil
}

// Validate checks that every required field is present and all values are
// in range.
func (c *EstimatorConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"distance_front", c.DistanceFront},
		{"distance_rear", c.DistanceRear},
		{"mass", c.Mass},
		{"yaw_inertia", c.YawInertia},
		{"process_noise", c.ProcessNoise},
		{"measurement_noise", c.MeasurementNoise},
		{"min_velocity", c.MinVelocity},
	} {
		if err := requirePositive(f.name, f.v); err != nil {
			return err
		}
	}

	if err := validateTire("front_tire", c.FrontTire); err != nil {
		return err
	}
	if err := validateTire("rear_tire", c.RearTire); err != nil {
		return err
	}

	// A zero gain is allowed: the observer then integrates open loop.
	if c.ObserverGain == nil {
		return fmt.Errorf("%w: observer_gain", ErrMissingField)
	}
	if *c.ObserverGain < 0 || math.IsNaN(*c.ObserverGain) || math.IsInf(*c.ObserverGain, 0) {
		return fmt.Errorf("observer_gain must be non-negative and finite, got %v", *c.ObserverGain)
	}

	if c.TireRadius != nil && !(*c.TireRadius > 0) {
		return fmt.Errorf("tire_radius must be positive, got %v", *c.TireRadius)
	}
	if c.MagnetsPerWheel != nil && *c.MagnetsPerWheel <= 0 {
		return fmt.Errorf("magnets_per_wheel must be positive, got %d", *c.MagnetsPerWheel)
	}
	if c.EncoderInterval != nil && *c.EncoderInterval != "" {
		d, err := time.ParseDuration(*c.EncoderInterval)
		if err != nil {
			return fmt.Errorf("invalid encoder_interval '%s': %w", *c.EncoderInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("encoder_interval must be positive, got %s", d)
		}
	}
	if c.SteeringGain != nil && *c.SteeringGain == 0 {
		return fmt.Errorf("steering_gain must be non-zero for a monotonic steering map")
	}
	if c.LoopRateHz != nil && !(*c.LoopRateHz > 0) {
		return fmt.Errorf("loop_rate_hz must be positive, got %v", *c.LoopRateHz)
	}

	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func tireFrom(coeffs []float64) TireCoefficients {
	if len(coeffs) != 3 {
		return TireCoefficients{}
	}
	return TireCoefficients{B: coeffs[0], C: coeffs[1], Mu: coeffs[2]}
}

// Vehicle returns the vehicle parameters. The config must have passed Validate.
func (c *EstimatorConfig) Vehicle() VehicleParameters {
	return VehicleParameters{
		DistanceFront: deref(c.DistanceFront),
		DistanceRear:  deref(c.DistanceRear),
		Mass:          deref(c.Mass),
		YawInertia:    deref(c.YawInertia),
		FrontTire:     tireFrom(c.FrontTire),
		RearTire:      tireFrom(c.RearTire),
	}
}

// Filter returns the observer/EKF tuning. The config must have passed Validate.
func (c *EstimatorConfig) Filter() FilterTuning {
	return FilterTuning{
		ObserverGain:     deref(c.ObserverGain),
		ProcessNoise:     deref(c.ProcessNoise),
		MeasurementNoise: deref(c.MeasurementNoise),
		MinVelocity:      deref(c.MinVelocity),
	}
}

// Encoder returns the encoder configuration with defaults applied.
func (c *EstimatorConfig) Encoder() EncoderConfig {
	return EncoderConfig{
		TireRadius:      c.GetTireRadius(),
		MagnetsPerWheel: c.GetMagnetsPerWheel(),
		MinInterval:     c.GetEncoderInterval(),
	}
}

// Actuation returns the steering map configuration with defaults applied.
func (c *EstimatorConfig) Actuation() ActuationConfig {
	return ActuationConfig{
		SteeringNeutral: c.GetSteeringNeutral(),
		SteeringGainDeg: c.GetSteeringGain(),
	}
}

// GetTireRadius returns the tire_radius value or the default.
func (c *EstimatorConfig) GetTireRadius() float64 {
	if c.TireRadius == nil {
		return 0.0319
	}
	return *c.TireRadius
}

// GetMagnetsPerWheel returns the magnets_per_wheel value or the default.
func (c *EstimatorConfig) GetMagnetsPerWheel() int {
	if c.MagnetsPerWheel == nil {
		return 4
	}
	return *c.MagnetsPerWheel
}

// GetEncoderInterval parses and returns the EncoderInterval as a time.Duration.
func (c *EstimatorConfig) GetEncoderInterval() time.Duration {
	if c.EncoderInterval == nil || *c.EncoderInterval == "" {
		return 200 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.EncoderInterval)
	if err != nil {
		return 200 * time.Millisecond // default on parse error
	}
	return d
}

// GetSteeringNeutral returns the steering_neutral value or the default.
func (c *EstimatorConfig) GetSteeringNeutral() float64 {
	if c.SteeringNeutral == nil {
		return 90
	}
	return *c.SteeringNeutral
}

// GetSteeringGain returns the steering_gain value or the default.
func (c *EstimatorConfig) GetSteeringGain() float64 {
	if c.SteeringGain == nil {
		return 0.5
	}
	return *c.SteeringGain
}

// GetLoopRateHz returns the loop_rate_hz value or the default.
func (c *EstimatorConfig) GetLoopRateHz() float64 {
	if c.LoopRateHz == nil {
		return 50
	}
	return *c.LoopRateHz
}

// GetLoopPeriod returns the loop period derived from loop_rate_hz.
func (c *EstimatorConfig) GetLoopPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetLoopRateHz())
}
