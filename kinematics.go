package jogarm

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// jacobianStep is the joint perturbation, in radians, for the central-difference Jacobian.
const jacobianStep = 1e-6

// Kinematics is what the resolver and integrator need from the arm model.
type Kinematics interface {
	// CurrentJointState returns the latest sample, or ErrKinematicsUnavailable before the first one.
	CurrentJointState() (JointState, error)
	// JacobianAt returns the 6xN Jacobian. Rows are vx, vy, vz in metres and wx, wy, wz in radians,
	// all in the base frame, per radian of joint motion.
	JacobianAt(state JointState) (*mat.Dense, error)
	// EndEffectorPose returns the end-effector pose in the base frame.
	EndEffectorPose(state JointState) (spatialmath.Pose, error)
	JointLimits() []JointLimit
	JointNames() []string
}

// KinematicModel is the part of a referenceframe.Model used here.
type KinematicModel interface {
	Transform([]referenceframe.Input) (spatialmath.Pose, error)
	DoF() []referenceframe.Limit
}

// ModelKinematics implements Kinematics over a KinematicModel with joint state pushed in by Update.
type ModelKinematics struct {
	model  KinematicModel
	names  []string
	limits []JointLimit

	mu    sync.RWMutex
	state JointState
	have  bool
}

// NewModelKinematics builds the adapter. Position limits come from model.DoF(); velocityLimits has
// one entry per joint.
func NewModelKinematics(model KinematicModel, names []string, velocityLimits []float64) (*ModelKinematics, error) {
	dof := model.DoF()
	if len(names) != len(dof) {
		return nil, fmt.Errorf("model has %d joints but %d joint names were given", len(dof), len(names))
	}
	if len(velocityLimits) != len(dof) {
		return nil, fmt.Errorf("model has %d joints but %d velocity limits were given", len(dof), len(velocityLimits))
	}
	limits := make([]JointLimit, len(dof))
	for i, l := range dof {
		limits[i] = JointLimit{Min: l.Min, Max: l.Max, MaxVelocity: velocityLimits[i]}
	}
	return &ModelKinematics{
		model:  model,
		names:  append([]string(nil), names...),
		limits: limits,
	}, nil
}

// Update records a joint position sample. Velocities are the finite difference to the previous sample.
func (k *ModelKinematics) Update(positions []float64, stamp time.Time) error {
	if len(positions) != len(k.names) {
		return fmt.Errorf("expected %d joint positions, got %d", len(k.names), len(positions))
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	velocities := make([]float64, len(positions))
	if k.have {
		if dt := stamp.Sub(k.state.Stamp).Seconds(); dt > 0 {
			for i, p := range positions {
				velocities[i] = (p - k.state.Positions[i]) / dt
			}
		}
	}
	k.state = JointState{
		Names:      k.names,
		Positions:  append([]float64(nil), positions...),
		Velocities: velocities,
		Stamp:      stamp,
	}
	k.have = true
	return nil
}

// CurrentJointState returns a copy of the latest sample.
func (k *ModelKinematics) CurrentJointState() (JointState, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.have {
		return JointState{}, errors.Wrap(ErrKinematicsUnavailable, "no joint state received yet")
	}
	return k.state.copy(), nil
}

// JointLimits returns a copy of the per-joint limits.
func (k *ModelKinematics) JointLimits() []JointLimit {
	return append([]JointLimit(nil), k.limits...)
}

// JointNames returns a copy of the joint names in model order.
func (k *ModelKinematics) JointNames() []string {
	return append([]string(nil), k.names...)
}

// EndEffectorPose runs forward kinematics at state.
func (k *ModelKinematics) EndEffectorPose(state JointState) (spatialmath.Pose, error) {
	if len(state.Positions) != len(k.names) {
		return nil, errors.Wrapf(ErrKinematicsUnavailable, "joint state has %d positions, model has %d joints",
			len(state.Positions), len(k.names))
	}
	pose, err := k.model.Transform(toInputs(state.Positions))
	if err != nil {
		return nil, errors.Wrap(ErrKinematicsUnavailable, err.Error())
	}
	return pose, nil
}

// JacobianAt computes the Jacobian by central differences of the model's forward kinematics.
func (k *ModelKinematics) JacobianAt(state JointState) (*mat.Dense, error) {
	n := len(k.names)
	if len(state.Positions) != n {
		return nil, errors.Wrapf(ErrKinematicsUnavailable, "joint state has %d positions, model has %d joints",
			len(state.Positions), n)
	}

	j := mat.NewDense(6, n, nil)
	q := append([]float64(nil), state.Positions...)
	for i := 0; i < n; i++ {
		q[i] = state.Positions[i] + jacobianStep
		plus, err := k.model.Transform(toInputs(q))
		if err != nil {
			return nil, errors.Wrap(ErrKinematicsUnavailable, err.Error())
		}
		q[i] = state.Positions[i] - jacobianStep
		minus, err := k.model.Transform(toInputs(q))
		if err != nil {
			return nil, errors.Wrap(ErrKinematicsUnavailable, err.Error())
		}
		q[i] = state.Positions[i]

		// Pose points are in millimetres.
		lin := plus.Point().Sub(minus.Point()).Mul(1 / (2 * jacobianStep * 1000))
		delta := quat.Mul(plus.Orientation().Quaternion(), quat.Conj(minus.Orientation().Quaternion()))
		ang := rotationVector(delta).Mul(1 / (2 * jacobianStep))

		j.Set(0, i, lin.X)
		j.Set(1, i, lin.Y)
		j.Set(2, i, lin.Z)
		j.Set(3, i, ang.X)
		j.Set(4, i, ang.Y)
		j.Set(5, i, ang.Z)
	}
	return j, nil
}

// rotationVector returns axis*angle for a unit quaternion, taking the short way round.
func rotationVector(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := v.Norm()
	if s < 1e-12 {
		return v.Mul(2)
	}
	angle := 2 * math.Atan2(s, q.Real)
	return v.Mul(angle / s)
}

// rotateVector rotates v by the unit quaternion q.
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func toInputs(positions []float64) []referenceframe.Input {
	inputs := make([]referenceframe.Input, len(positions))
	for i, p := range positions {
		inputs[i] = p
	}
	return inputs
}

func fromInputs(inputs []referenceframe.Input) []float64 {
	positions := make([]float64, len(inputs))
	for i, in := range inputs {
		positions[i] = in
	}
	return positions
}

// NewConfiguredKinematics builds a ModelKinematics with joint names and velocity limits taken from cfg.
func NewConfiguredKinematics(model KinematicModel, cfg *Config) (*ModelKinematics, error) {
	dof := len(model.DoF())
	names, err := cfg.jointNamesFor(dof)
	if err != nil {
		return nil, err
	}
	velocityLimits, err := cfg.velocityLimitsFor(dof)
	if err != nil {
		return nil, err
	}
	return NewModelKinematics(model, names, velocityLimits)
}

// JointPositionReader is the part of arm.Arm the state feed polls.
type JointPositionReader interface {
	JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error)
}

// ArmKinematics is a ModelKinematics fed by polling an arm's joint positions in the background.
type ArmKinematics struct {
	*ModelKinematics

	arm      JointPositionReader
	clk      clock.Clock
	logger   logging.Logger
	interval time.Duration
	workers  *utils.StoppableWorkers

	mu     sync.Mutex
	errors int
}

// NewArmKinematics starts polling a at cfg.StatePollInterval(). Call Close to stop.
func NewArmKinematics(
	a JointPositionReader,
	model KinematicModel,
	cfg *Config,
	clk clock.Clock,
	logger logging.Logger,
) (*ArmKinematics, error) {
	mk, err := NewConfiguredKinematics(model, cfg)
	if err != nil {
		return nil, err
	}

	ak := &ArmKinematics{
		ModelKinematics: mk,
		arm:             a,
		clk:             clk,
		logger:          logger,
		interval:        cfg.StatePollInterval(),
	}
	ak.workers = utils.NewBackgroundStoppableWorkers(ak.pollLoop)
	return ak, nil
}

func (ak *ArmKinematics) pollLoop(ctx context.Context) {
	ticker := ak.clk.Ticker(ak.interval)
	defer ticker.Stop()

	ak.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ak.poll(ctx)
		}
	}
}

// poll reads the arm once. Failures are logged on the first occurrence and on recovery only.
func (ak *ArmKinematics) poll(ctx context.Context) {
	inputs, err := ak.arm.JointPositions(ctx, nil)
	if err == nil {
		err = ak.Update(fromInputs(inputs), ak.clk.Now())
	}

	ak.mu.Lock()
	defer ak.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if ak.errors == 0 {
			ak.logger.CWarnw(ctx, "failed to read arm joint positions", "error", err)
		}
		ak.errors++
		return
	}
	if ak.errors > 0 {
		ak.logger.CInfof(ctx, "arm joint positions available again after %d failed reads", ak.errors)
		ak.errors = 0
	}
}

// Close stops the state feed.
func (ak *ArmKinematics) Close() {
	ak.workers.Stop()
}
