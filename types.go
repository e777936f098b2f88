package jogarm

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

var (
	// ErrKinematicsUnavailable is returned when joint state or the Jacobian cannot be obtained.
	ErrKinematicsUnavailable = errors.New("kinematics unavailable")
	// ErrMalformedCommand is returned when a submitted command is rejected.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrServerClosed is returned by operations on a closed server or publisher.
	ErrServerClosed = errors.New("jog server closed")
)

// TwistCommand is a Cartesian velocity request. Linear is in metres per second and
// Angular in radians per second, expressed in Frame.
type TwistCommand struct {
	Linear  r3.Vector
	Angular r3.Vector
	Frame   string    // empty means the base frame
	Stamp   time.Time // arrival time, set on submit
}

// JointDeltaCommand is a joint-space velocity request, one value per named joint.
type JointDeltaCommand struct {
	JointNames []string
	Deltas     []float64
	Stamp      time.Time // arrival time, set on submit
}

// JointState is a sample of the arm's joints in joint-name order.
type JointState struct {
	Names      []string
	Positions  []float64
	Velocities []float64
	Stamp      time.Time
}

func (s JointState) copy() JointState {
	return JointState{
		Names:      append([]string(nil), s.Names...),
		Positions:  append([]float64(nil), s.Positions...),
		Velocities: append([]float64(nil), s.Velocities...),
		Stamp:      s.Stamp,
	}
}

// JointLimit holds a joint's position bounds in radians and its velocity bound in radians per second.
type JointLimit struct {
	Min         float64
	Max         float64
	MaxVelocity float64
}

// TrajectoryPoint is the single point published per jogging tick. Fields disabled by
// configuration are left nil.
type TrajectoryPoint struct {
	JointNames    []string
	Positions     []float64
	Velocities    []float64
	Accelerations []float64
	TimeFromStart time.Duration
	Stamp         time.Time
}

// WatchdogStatus classifies the incoming command stream.
type WatchdogStatus int

const (
	Stale WatchdogStatus = iota
	Fresh
)

func (s WatchdogStatus) String() string {
	if s == Fresh {
		return "fresh"
	}
	return "stale"
}

// State is the integrator's classification of a tick.
type State int

const (
	Idle State = iota
	Jogging
)

func (s State) String() string {
	if s == Jogging {
		return "jogging"
	}
	return "idle"
}

// Mode is the command kind driving a tick.
type Mode int

const (
	ModeNone Mode = iota
	ModeCartesian
	ModeJoint
)

func (m Mode) String() string {
	switch m {
	case ModeCartesian:
		return "cartesian"
	case ModeJoint:
		return "joint"
	default:
		return "none"
	}
}
