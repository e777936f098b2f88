package jogarm

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

const (
	commandInSpeedUnits = "speed_units"
	commandInUnitless   = "unitless"

	defaultPublishPeriodSec          = 0.01
	defaultIncomingCommandTimeoutSec = 2.0
	defaultZeroCommandEpsilon        = 1e-4
	defaultSingularityThreshold      = 0.05
	defaultMaxDamping                = 0.1
	defaultJointVelocityLimit        = 1.0
	defaultMaxConsecutiveFailures    = 10
	defaultStatePollRateHz           = 100
	defaultBaseFrame                 = "world"
	defaultEndEffectorFrame          = "end_effector"
)

// Config is the jog service configuration.
type Config struct {
	Arm string `json:"arm"` // Required: arm component to jog

	// Timing
	PublishPeriodSec          float64 `json:"publish_period_sec,omitempty"`           // Control period (default: 0.01)
	IncomingCommandTimeoutSec float64 `json:"incoming_command_timeout_sec,omitempty"` // Stale timeout (default: 2.0)
	SettleTimeSec             float64 `json:"settle_time_sec,omitempty"`              // No output until this long after start

	// Resolution
	ZeroCommandEpsilon      float64 `json:"zero_command_epsilon,omitempty"`       // Magnitude below which a command is zero (default: 1e-4)
	SingularityThreshold    float64 `json:"singularity_threshold,omitempty"`      // Smallest singular value where damping starts (default: 0.05)
	MaxDamping              float64 `json:"max_damping,omitempty"`                // Damping at a singular configuration (default: 0.1)
	HardStopConditionNumber float64 `json:"hard_stop_condition_number,omitempty"` // Halt above this Jacobian condition number, 0 disables
	CommandInType           string  `json:"command_in_type,omitempty"`            // "speed_units" or "unitless"
	LinearScale             float64 `json:"linear_scale,omitempty"`               // Unitless linear scale, m/s (default: 1)
	RotationalScale         float64 `json:"rotational_scale,omitempty"`           // Unitless angular scale, rad/s (default: 1)
	JointScale              float64 `json:"joint_scale,omitempty"`                // Unitless joint scale, rad/s (default: 1)
	LowPassFilterCoeff      float64 `json:"low_pass_filter_coeff,omitempty"`      // Output smoothing, 0 disables

	// Joints
	JointNames                []string  `json:"joint_names,omitempty"`                          // Defaults to joint_0..joint_{n-1}
	JointVelocityLimits       []float64 `json:"joint_velocity_limits_rad_per_sec,omitempty"`    // Per joint, in joint_names order
	DefaultJointVelocityLimit float64   `json:"default_joint_velocity_limit_rad_per_sec,omitempty"` // (default: 1.0)
	JointLimitMarginRad       float64   `json:"joint_limit_margin_rad,omitempty"`               // Kept clear of position limits

	// Output
	PublishJointPositions     *bool `json:"publish_joint_positions,omitempty"`     // (default: true)
	PublishJointVelocities    *bool `json:"publish_joint_velocities,omitempty"`    // (default: true)
	PublishJointAccelerations *bool `json:"publish_joint_accelerations,omitempty"` // (default: false)

	// Failure handling and state feed
	MaxConsecutiveFailures int     `json:"max_consecutive_failures,omitempty"` // Negative disables (default: 10)
	StatePollRateHz        float64 `json:"state_poll_rate_hz,omitempty"`       // Arm joint state poll rate (default: 100)

	// Frames
	BaseFrame        string `json:"base_frame,omitempty"`         // (default: "world")
	EndEffectorFrame string `json:"end_effector_frame,omitempty"` // (default: "end_effector")
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, utils.NewConfigValidationFieldRequiredError(path, "arm")
	}
	if err := cfg.validateJogParameters(); err != nil {
		return nil, nil, utils.NewConfigValidationError(path, err)
	}
	return []string{cfg.Arm}, nil, nil
}

// validateJogParameters checks everything except the arm dependency. It is idempotent.
func (cfg *Config) validateJogParameters() error {
	for name, v := range map[string]float64{
		"publish_period_sec":                       cfg.PublishPeriodSec,
		"incoming_command_timeout_sec":             cfg.IncomingCommandTimeoutSec,
		"settle_time_sec":                          cfg.SettleTimeSec,
		"zero_command_epsilon":                     cfg.ZeroCommandEpsilon,
		"singularity_threshold":                    cfg.SingularityThreshold,
		"max_damping":                              cfg.MaxDamping,
		"hard_stop_condition_number":               cfg.HardStopConditionNumber,
		"linear_scale":                             cfg.LinearScale,
		"rotational_scale":                         cfg.RotationalScale,
		"joint_scale":                              cfg.JointScale,
		"low_pass_filter_coeff":                    cfg.LowPassFilterCoeff,
		"default_joint_velocity_limit_rad_per_sec": cfg.DefaultJointVelocityLimit,
		"joint_limit_margin_rad":                   cfg.JointLimitMarginRad,
		"state_poll_rate_hz":                       cfg.StatePollRateHz,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be a finite non-negative number, got %v", name, v)
		}
	}

	if cfg.PublishPeriodSec == 0 {
		cfg.PublishPeriodSec = defaultPublishPeriodSec
	}
	if cfg.IncomingCommandTimeoutSec == 0 {
		cfg.IncomingCommandTimeoutSec = defaultIncomingCommandTimeoutSec
	}
	if cfg.ZeroCommandEpsilon == 0 {
		cfg.ZeroCommandEpsilon = defaultZeroCommandEpsilon
	}
	if cfg.SingularityThreshold == 0 {
		cfg.SingularityThreshold = defaultSingularityThreshold
	}
	if cfg.MaxDamping == 0 {
		cfg.MaxDamping = defaultMaxDamping
	}
	if cfg.LinearScale == 0 {
		cfg.LinearScale = 1
	}
	if cfg.RotationalScale == 0 {
		cfg.RotationalScale = 1
	}
	if cfg.JointScale == 0 {
		cfg.JointScale = 1
	}
	if cfg.DefaultJointVelocityLimit == 0 {
		cfg.DefaultJointVelocityLimit = defaultJointVelocityLimit
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if cfg.StatePollRateHz == 0 {
		cfg.StatePollRateHz = defaultStatePollRateHz
	}
	if cfg.BaseFrame == "" {
		cfg.BaseFrame = defaultBaseFrame
	}
	if cfg.EndEffectorFrame == "" {
		cfg.EndEffectorFrame = defaultEndEffectorFrame
	}
	if err := cfg.validateDurations(); err != nil {
		return err
	}
	if cfg.BaseFrame == cfg.EndEffectorFrame {
		return fmt.Errorf("base_frame and end_effector_frame must differ, both are %q", cfg.BaseFrame)
	}

	switch cfg.CommandInType {
	case "":
		cfg.CommandInType = commandInSpeedUnits
	case commandInSpeedUnits, commandInUnitless:
	default:
		return fmt.Errorf("command_in_type must be %q or %q, got %q", commandInSpeedUnits, commandInUnitless, cfg.CommandInType)
	}

	if !cfg.publishPositions() && !cfg.publishVelocities() && !cfg.publishAccelerations() {
		return errors.New("at least one of publish_joint_positions, publish_joint_velocities, publish_joint_accelerations must be true")
	}

	seen := make(map[string]bool, len(cfg.JointNames))
	for _, name := range cfg.JointNames {
		if name == "" {
			return errors.New("joint_names must not contain empty names")
		}
		if seen[name] {
			return fmt.Errorf("duplicate joint name %q", name)
		}
		seen[name] = true
	}
	if len(cfg.JointNames) > 0 && len(cfg.JointVelocityLimits) > 0 && len(cfg.JointNames) != len(cfg.JointVelocityLimits) {
		return fmt.Errorf("joint_velocity_limits_rad_per_sec has %d entries but joint_names has %d",
			len(cfg.JointVelocityLimits), len(cfg.JointNames))
	}
	for i, v := range cfg.JointVelocityLimits {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("joint velocity limit %d must be positive and finite, got %v", i, v)
		}
	}
	return nil
}

// maxDurationSec is the longest time.Duration, in seconds.
const maxDurationSec = float64(math.MaxInt64) / float64(time.Second)

// validateDurations rejects periods that round to zero or overflow time.Duration.
func (cfg *Config) validateDurations() error {
	durations := []struct {
		field string
		sec   float64
		dur   func() time.Duration
	}{
		{"publish_period_sec", cfg.PublishPeriodSec, cfg.PublishPeriod},
		{"incoming_command_timeout_sec", cfg.IncomingCommandTimeoutSec, cfg.IncomingCommandTimeout},
		{"state_poll_rate_hz", 1 / cfg.StatePollRateHz, cfg.StatePollInterval},
		{"settle_time_sec", cfg.SettleTimeSec, nil},
	}
	for _, d := range durations {
		if d.sec > maxDurationSec {
			return fmt.Errorf("%s is out of range, got %v", d.field, d.sec)
		}
		if d.dur != nil && d.dur() <= 0 {
			return fmt.Errorf("%s gives a period shorter than 1ns", d.field)
		}
	}
	return nil
}

// jointNamesFor returns the configured joint names, or generated ones, for an arm with dof joints.
func (cfg *Config) jointNamesFor(dof int) ([]string, error) {
	if len(cfg.JointNames) == 0 {
		names := make([]string, dof)
		for i := range names {
			names[i] = fmt.Sprintf("joint_%d", i)
		}
		return names, nil
	}
	if len(cfg.JointNames) != dof {
		return nil, fmt.Errorf("joint_names has %d entries but the arm has %d joints", len(cfg.JointNames), dof)
	}
	return append([]string(nil), cfg.JointNames...), nil
}

func (cfg *Config) velocityLimitsFor(dof int) ([]float64, error) {
	if len(cfg.JointVelocityLimits) == 0 {
		limits := make([]float64, dof)
		for i := range limits {
			limits[i] = cfg.DefaultJointVelocityLimit
		}
		return limits, nil
	}
	if len(cfg.JointVelocityLimits) != dof {
		return nil, fmt.Errorf("joint_velocity_limits_rad_per_sec has %d entries but the arm has %d joints",
			len(cfg.JointVelocityLimits), dof)
	}
	return append([]float64(nil), cfg.JointVelocityLimits...), nil
}

func (cfg *Config) publishPositions() bool     { return boolOr(cfg.PublishJointPositions, true) }
func (cfg *Config) publishVelocities() bool    { return boolOr(cfg.PublishJointVelocities, true) }
func (cfg *Config) publishAccelerations() bool { return boolOr(cfg.PublishJointAccelerations, false) }

func (cfg *Config) unitless() bool { return cfg.CommandInType == commandInUnitless }

// PublishPeriod is the control-loop period.
func (cfg *Config) PublishPeriod() time.Duration { return seconds(cfg.PublishPeriodSec) }

// IncomingCommandTimeout is the stale-command timeout.
func (cfg *Config) IncomingCommandTimeout() time.Duration {
	return seconds(cfg.IncomingCommandTimeoutSec)
}

// SettleTime is the startup grace period during which nothing is published.
func (cfg *Config) SettleTime() time.Duration { return seconds(cfg.SettleTimeSec) }

// StatePollInterval is the period of the arm joint state feed.
func (cfg *Config) StatePollInterval() time.Duration { return seconds(1 / cfg.StatePollRateHz) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
