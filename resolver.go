package jogarm

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Resolution is the resolver's output for one tick.
type Resolution struct {
	Mode     Mode
	Velocity []float64 // rad/s per joint, zero when Trivial
	Trivial  bool      // nothing meaningful requested

	// Cartesian diagnostics, zero in joint mode.
	MinSingularValue float64
	ConditionNumber  float64
	Damping          float64
	Halted           bool // stopped by the condition-number hard stop
}

// Resolver turns the latest command into joint velocities.
type Resolver struct {
	cfg        *Config
	kin        Kinematics
	limits     []JointLimit
	jointIndex map[string]int
}

// NewResolver returns a resolver for kin using the tuning in cfg.
func NewResolver(cfg *Config, kin Kinematics) *Resolver {
	names := kin.JointNames()
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	return &Resolver{cfg: cfg, kin: kin, limits: kin.JointLimits(), jointIndex: index}
}

// Resolve resolves whichever command in snap arrived last against state. Joint mode does not need
// kinematics; Cartesian mode returns ErrKinematicsUnavailable when the Jacobian cannot be computed.
func (r *Resolver) Resolve(snap Snapshot, state JointState) (Resolution, error) {
	switch {
	case snap.JointIsNewer():
		return r.resolveJoint(snap.Joint), nil
	case snap.HasTwist:
		return r.resolveTwist(snap.Twist, state)
	default:
		return r.trivial(ModeNone), nil
	}
}

func (r *Resolver) trivial(mode Mode) Resolution {
	return Resolution{Mode: mode, Velocity: make([]float64, len(r.limits)), Trivial: true}
}

func (r *Resolver) resolveJoint(cmd JointDeltaCommand) Resolution {
	if floats.Norm(cmd.Deltas, 2) < r.cfg.ZeroCommandEpsilon {
		return r.trivial(ModeJoint)
	}
	scale := 1.0
	if r.cfg.unitless() {
		scale = r.cfg.JointScale
	}
	v := make([]float64, len(r.limits))
	for i, name := range cmd.JointNames {
		idx, ok := r.jointIndex[name]
		if !ok {
			continue
		}
		limit := r.limits[idx].MaxVelocity
		v[idx] = math.Max(-limit, math.Min(limit, cmd.Deltas[i]*scale))
	}
	return Resolution{Mode: ModeJoint, Velocity: v}
}

func (r *Resolver) resolveTwist(cmd TwistCommand, state JointState) (Resolution, error) {
	if math.Sqrt(cmd.Linear.Norm2()+cmd.Angular.Norm2()) < r.cfg.ZeroCommandEpsilon {
		return r.trivial(ModeCartesian), nil
	}

	lin, ang := cmd.Linear, cmd.Angular
	if r.cfg.unitless() {
		lin = lin.Mul(r.cfg.LinearScale)
		ang = ang.Mul(r.cfg.RotationalScale)
	}
	if cmd.Frame == r.cfg.EndEffectorFrame {
		pose, err := r.kin.EndEffectorPose(state)
		if err != nil {
			return Resolution{Mode: ModeCartesian}, err
		}
		q := pose.Orientation().Quaternion()
		lin = rotateVector(q, lin)
		ang = rotateVector(q, ang)
	}

	j, err := r.kin.JacobianAt(state)
	if err != nil {
		return Resolution{Mode: ModeCartesian}, err
	}
	qdot, sing, err := dampedLeastSquares(j, twistVector(lin, ang), r.cfg.SingularityThreshold, r.cfg.MaxDamping)
	if err != nil {
		return Resolution{Mode: ModeCartesian}, err
	}

	res := Resolution{
		Mode:             ModeCartesian,
		Velocity:         qdot,
		MinSingularValue: sing.minSingular,
		ConditionNumber:  sing.condition,
		Damping:          sing.damping,
	}
	if r.cfg.HardStopConditionNumber > 0 && sing.condition > r.cfg.HardStopConditionNumber {
		res.Velocity = make([]float64, len(qdot))
		res.Trivial = true
		res.Halted = true
		return res, nil
	}

	scaleToVelocityLimits(res.Velocity, r.limits)
	if floats.Norm(res.Velocity, 2) < r.cfg.ZeroCommandEpsilon {
		res.Velocity = make([]float64, len(qdot))
		res.Trivial = true
	}
	return res, nil
}

func twistVector(lin, ang r3.Vector) []float64 {
	return []float64{lin.X, lin.Y, lin.Z, ang.X, ang.Y, ang.Z}
}

type singularity struct {
	minSingular float64
	condition   float64
	damping     float64
}

// dampedLeastSquares solves J qdot = x as qdot = Σ σᵢ/(σᵢ²+λ²) (uᵢ·x) vᵢ. The damping λ is zero while
// the smallest singular value stays at or above threshold and grows smoothly to maxDamping as it
// approaches zero.
func dampedLeastSquares(j *mat.Dense, x []float64, threshold, maxDamping float64) ([]float64, singularity, error) {
	var svd mat.SVD
	if ok := svd.Factorize(j, mat.SVDThin); !ok {
		return nil, singularity{}, errors.Wrap(ErrKinematicsUnavailable, "jacobian SVD did not converge")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	sigmaMin := values[len(values)-1]
	sing := singularity{minSingular: sigmaMin, condition: math.Inf(1)}
	if sigmaMin > 0 {
		sing.condition = values[0] / sigmaMin
	}
	lambda2 := 0.0
	if sigmaMin < threshold {
		ratio := sigmaMin / threshold
		lambda2 = (1 - ratio*ratio) * maxDamping * maxDamping
	}
	sing.damping = math.Sqrt(lambda2)

	_, n := j.Dims()
	qdot := make([]float64, n)
	xv := mat.NewVecDense(len(x), x)
	for i, s := range values {
		denom := s*s + lambda2
		if denom == 0 {
			continue
		}
		proj := mat.Dot(u.ColView(i), xv) * s / denom
		for k := 0; k < n; k++ {
			qdot[k] += proj * v.At(k, i)
		}
	}
	return qdot, sing, nil
}

// scaleToVelocityLimits scales v uniformly so no joint exceeds its limit. Direction is preserved.
func scaleToVelocityLimits(v []float64, limits []JointLimit) {
	worst := 1.0
	for i, x := range v {
		if limits[i].MaxVelocity <= 0 {
			continue
		}
		if ratio := math.Abs(x) / limits[i].MaxVelocity; ratio > worst {
			worst = ratio
		}
	}
	if worst > 1 {
		floats.Scale(1/worst, v)
	}
}
