package jogarm

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Ingress holds the latest twist and the latest joint delta, each stamped with its arrival time.
// Submitting overwrites; nothing is queued.
type Ingress struct {
	clk        clock.Clock
	logger     logging.Logger
	jointIndex map[string]int
	frames     map[string]bool

	mu       sync.Mutex
	seq      uint64
	twist    TwistCommand
	twistSeq uint64
	hasTwist bool
	joint    JointDeltaCommand
	jointSeq uint64
	hasJoint bool
}

// Snapshot is a consistent copy of both latest-value slots.
type Snapshot struct {
	Twist    TwistCommand
	HasTwist bool
	Joint    JointDeltaCommand
	HasJoint bool

	twistSeq uint64
	jointSeq uint64
}

// JointIsNewer reports whether the joint delta arrived after the twist. Arrival order is
// tracked independently of timestamps, so commands stamped in the same instant still order.
func (s Snapshot) JointIsNewer() bool {
	if !s.HasJoint {
		return false
	}
	return !s.HasTwist || s.jointSeq > s.twistSeq
}

// LastArrival returns the newest arrival time over both command kinds.
func (s Snapshot) LastArrival() (time.Time, bool) {
	switch {
	case s.JointIsNewer():
		return s.Joint.Stamp, true
	case s.HasTwist:
		return s.Twist.Stamp, true
	default:
		return time.Time{}, false
	}
}

// NewIngress returns an Ingress accepting joint deltas for jointNames and twists in the given frames.
// An empty twist frame is always accepted and means the base frame.
func NewIngress(clk clock.Clock, jointNames []string, frames []string, logger logging.Logger) *Ingress {
	in := &Ingress{
		clk:        clk,
		logger:     logger,
		jointIndex: make(map[string]int, len(jointNames)),
		frames:     map[string]bool{"": true},
	}
	for i, name := range jointNames {
		in.jointIndex[name] = i
	}
	for _, f := range frames {
		in.frames[f] = true
	}
	return in
}

// SubmitTwist stores cmd as the latest twist. A malformed twist is rejected and the previous one kept.
func (in *Ingress) SubmitTwist(cmd TwistCommand) error {
	if err := in.checkTwist(cmd); err != nil {
		in.logger.Warnf("discarding twist command: %v", err)
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	cmd.Stamp = in.clk.Now()
	in.seq++
	in.twist = cmd
	in.twistSeq = in.seq
	in.hasTwist = true
	return nil
}

// SubmitJointDelta stores a copy of cmd as the latest joint delta. A malformed command is rejected
// and the previous one kept.
func (in *Ingress) SubmitJointDelta(cmd JointDeltaCommand) error {
	if err := in.checkJointDelta(cmd); err != nil {
		in.logger.Warnf("discarding joint delta command: %v", err)
		return err
	}
	stored := JointDeltaCommand{
		JointNames: append([]string(nil), cmd.JointNames...),
		Deltas:     append([]float64(nil), cmd.Deltas...),
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	stored.Stamp = in.clk.Now()
	in.seq++
	in.joint = stored
	in.jointSeq = in.seq
	in.hasJoint = true
	return nil
}

// LatestTwist returns the most recent twist and its age at now.
func (in *Ingress) LatestTwist(now time.Time) (TwistCommand, time.Duration, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.hasTwist {
		return TwistCommand{}, 0, false
	}
	return in.twist, now.Sub(in.twist.Stamp), true
}

// LatestJointDelta returns the most recent joint delta and its age at now.
func (in *Ingress) LatestJointDelta(now time.Time) (JointDeltaCommand, time.Duration, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.hasJoint {
		return JointDeltaCommand{}, 0, false
	}
	return in.joint, now.Sub(in.joint.Stamp), true
}

// Snapshot reads both slots in one critical section.
func (in *Ingress) Snapshot() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Snapshot{
		Twist:    in.twist,
		HasTwist: in.hasTwist,
		Joint:    in.joint,
		HasJoint: in.hasJoint,
		twistSeq: in.twistSeq,
		jointSeq: in.jointSeq,
	}
}

func (in *Ingress) checkTwist(cmd TwistCommand) error {
	if !finiteVector(cmd.Linear) || !finiteVector(cmd.Angular) {
		return errors.Wrap(ErrMalformedCommand, "twist has non-finite components")
	}
	if !in.frames[cmd.Frame] {
		return errors.Wrapf(ErrMalformedCommand, "unknown twist frame %q", cmd.Frame)
	}
	return nil
}

func (in *Ingress) checkJointDelta(cmd JointDeltaCommand) error {
	if len(cmd.JointNames) != len(cmd.Deltas) {
		return errors.Wrapf(ErrMalformedCommand, "%d joint names but %d deltas", len(cmd.JointNames), len(cmd.Deltas))
	}
	seen := make(map[string]bool, len(cmd.JointNames))
	for i, name := range cmd.JointNames {
		if _, ok := in.jointIndex[name]; !ok {
			return errors.Wrapf(ErrMalformedCommand, "unknown joint %q", name)
		}
		if seen[name] {
			return errors.Wrapf(ErrMalformedCommand, "joint %q given twice", name)
		}
		seen[name] = true
		if math.IsNaN(cmd.Deltas[i]) || math.IsInf(cmd.Deltas[i], 0) {
			return errors.Wrapf(ErrMalformedCommand, "non-finite delta for joint %q", name)
		}
	}
	return nil
}

func finiteVector(v r3.Vector) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
