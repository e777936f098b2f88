package jogarm

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// PlanarArm is a serial arm whose revolute joints all turn about Z, with links along the local X
// axis. It implements KinematicModel and stands in for a real arm in the CLI and in tests.
type PlanarArm struct {
	LinkLengths []float64 // millimetres
	Limits      []referenceframe.Limit
}

// NewPlanarArm returns a planar arm with the given link lengths in millimetres and ±π joint limits.
func NewPlanarArm(linkLengths ...float64) *PlanarArm {
	limits := make([]referenceframe.Limit, len(linkLengths))
	for i := range limits {
		limits[i] = referenceframe.Limit{Min: -math.Pi, Max: math.Pi}
	}
	return &PlanarArm{LinkLengths: linkLengths, Limits: limits}
}

// DoF returns the joint position limits.
func (p *PlanarArm) DoF() []referenceframe.Limit {
	return p.Limits
}

// Transform returns the tool pose for the given joint angles.
func (p *PlanarArm) Transform(inputs []referenceframe.Input) (spatialmath.Pose, error) {
	if len(inputs) != len(p.LinkLengths) {
		return nil, fmt.Errorf("planar arm has %d joints, got %d inputs", len(p.LinkLengths), len(inputs))
	}
	var theta float64
	var pt r3.Vector
	for i, in := range inputs {
		theta += in
		pt.X += p.LinkLengths[i] * math.Cos(theta)
		pt.Y += p.LinkLengths[i] * math.Sin(theta)
	}
	return spatialmath.NewPose(pt, &spatialmath.R4AA{Theta: theta, RZ: 1}), nil
}
