package jogarm

import (
	"math"
	"time"
)

// Integrator owns the integrated joint positions and advances them by one control period per
// jogging tick.
type Integrator struct {
	limits []JointLimit
	margin float64
	period time.Duration

	pose    []float64
	lastVel []float64
	seeded  bool
}

// NewIntegrator returns an unseeded integrator.
func NewIntegrator(limits []JointLimit, margin float64, period time.Duration) *Integrator {
	return &Integrator{
		limits:  append([]JointLimit(nil), limits...),
		margin:  margin,
		period:  period,
		pose:    make([]float64, len(limits)),
		lastVel: make([]float64, len(limits)),
	}
}

// Seed sets the integrated pose from measured positions.
func (in *Integrator) Seed(positions []float64) {
	copy(in.pose, positions)
	in.seeded = true
	in.Hold()
}

// Seeded reports whether the pose has been initialized.
func (in *Integrator) Seeded() bool {
	return in.seeded
}

// Pose returns a copy of the integrated positions.
func (in *Integrator) Pose() []float64 {
	return append([]float64(nil), in.pose...)
}

// Hold marks the arm as at rest so the next acceleration is measured from zero velocity.
func (in *Integrator) Hold() {
	for i := range in.lastVel {
		in.lastVel[i] = 0
	}
}

// Advance integrates v over one period, keeping each joint inside its margined position limits.
// A joint that would leave its range stops at the bound, or holds if it is already outside and
// still being pushed out, and its returned velocity reflects the motion actually taken.
func (in *Integrator) Advance(v []float64) (positions, velocities, accelerations []float64) {
	dt := in.period.Seconds()
	positions = make([]float64, len(in.pose))
	velocities = make([]float64, len(in.pose))
	accelerations = make([]float64, len(in.pose))

	for i, p := range in.pose {
		lo := in.limits[i].Min + in.margin
		hi := in.limits[i].Max - in.margin
		next := p + v[i]*dt
		switch {
		case v[i] > 0 && next > hi:
			next = math.Max(p, hi)
		case v[i] < 0 && next < lo:
			next = math.Min(p, lo)
		}
		velocities[i] = (next - p) / dt
		accelerations[i] = (velocities[i] - in.lastVel[i]) / dt
		positions[i] = next
	}
	copy(in.pose, positions)
	copy(in.lastVel, velocities)
	return positions, velocities, accelerations
}
