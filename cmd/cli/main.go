// Package main runs the jog server against a simulated planar arm and logs the setpoints it
// publishes.
package main

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"

	"jogarm"
)

const (
	flagPeriod        = "period-sec"
	flagTimeout       = "timeout-sec"
	flagDuration      = "duration"
	flagSilence       = "silence"
	flagLinear        = "linear"
	flagAngular       = "angular"
	flagFrame         = "frame"
	flagJoint         = "joint"
	flagJointVelocity = "joint-velocity"
	flagLinks         = "links"
	flagStart         = "start"
	flagFilter        = "filter"
	flagPrintEvery    = "print-every"
	flagDebug         = "debug"
)

func main() {
	app := &cli.App{
		Name:  "jog-sim",
		Usage: "stream a jog command to a simulated planar arm",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: flagPeriod, Value: 0.01, Usage: "control period in seconds"},
			&cli.Float64Flag{Name: flagTimeout, Value: 0.5, Usage: "stale command timeout in seconds"},
			&cli.DurationFlag{Name: flagDuration, Value: 2 * time.Second, Usage: "how long to keep the command fresh"},
			&cli.DurationFlag{Name: flagSilence, Value: time.Second, Usage: "how long to keep running after the command stops"},
			&cli.Float64SliceFlag{Name: flagLinear, Usage: "linear velocity x,y,z in m/s"},
			&cli.Float64SliceFlag{Name: flagAngular, Usage: "angular velocity x,y,z in rad/s"},
			&cli.StringFlag{Name: flagFrame, Usage: "twist frame, world or end_effector"},
			&cli.StringFlag{Name: flagJoint, Usage: "jog this joint instead of sending a twist"},
			&cli.Float64Flag{Name: flagJointVelocity, Value: 0.2, Usage: "joint velocity in rad/s"},
			&cli.Float64SliceFlag{
				Name:  flagLinks,
				Value: cli.NewFloat64Slice(300, 250, 100),
				Usage: "link lengths in mm",
			},
			&cli.Float64SliceFlag{
				Name:  flagStart,
				Value: cli.NewFloat64Slice(0.1, 1.0, -0.5),
				Usage: "starting joint positions in rad",
			},
			&cli.Float64Flag{Name: flagFilter, Usage: "low pass filter coefficient, 0 disables"},
			&cli.IntFlag{Name: flagPrintEvery, Value: 10, Usage: "log every Nth published point"},
			&cli.BoolFlag{Name: flagDebug, Aliases: []string{"vvv"}, Usage: "enable debug logging"},
		},
		Action: realMain,
	}

	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func realMain(c *cli.Context) error {
	ctx := context.Background()
	logger := logging.NewLogger("jog-sim")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}

	sim := jogarm.NewPlanarArm(c.Float64Slice(flagLinks)...)
	start := c.Float64Slice(flagStart)
	if len(start) != len(sim.LinkLengths) {
		return errors.Errorf("%d start positions for %d links", len(start), len(sim.LinkLengths))
	}

	cfg := &jogarm.Config{
		Arm:                       "sim",
		PublishPeriodSec:          c.Float64(flagPeriod),
		IncomingCommandTimeoutSec: c.Float64(flagTimeout),
		LowPassFilterCoeff:        c.Float64(flagFilter),
	}
	if _, _, err := cfg.Validate("sim"); err != nil {
		return err
	}

	kin, err := jogarm.NewConfiguredKinematics(sim, cfg)
	if err != nil {
		return err
	}
	if err := kin.Update(start, time.Now()); err != nil {
		return err
	}

	// The simulated arm tracks every setpoint exactly.
	var count int64
	printEvery := int64(c.Int(flagPrintEvery))
	pub := jogarm.PublisherFunc(func(ctx context.Context, point jogarm.TrajectoryPoint) error {
		n := atomic.AddInt64(&count, 1)
		if printEvery > 0 && n%printEvery == 1 {
			logger.Infof("point %d: positions %.4f velocities %.4f", n, point.Positions, point.Velocities)
		}
		return kin.Update(point.Positions, point.Stamp)
	})

	server, err := jogarm.NewServer(cfg, kin, pub, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warnf("error closing jog server: %v", err)
		}
	}()
	if err := server.Start(); err != nil {
		return err
	}

	submit, err := commandFrom(c, server)
	if err != nil {
		return err
	}

	// Re-send well inside the stale timeout, as a joystick would.
	resend := time.NewTicker(cfg.IncomingCommandTimeout() / 4)
	defer resend.Stop()
	deadline := time.After(c.Duration(flagDuration))
	if err := submit(); err != nil {
		return err
	}
sending:
	for {
		select {
		case <-deadline:
			break sending
		case <-resend.C:
			if err := submit(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Info("command stopped, waiting for the watchdog")
	time.Sleep(c.Duration(flagSilence))

	st := server.Status()
	state, err := kin.CurrentJointState()
	if err != nil {
		return err
	}
	logger.Infof("published %d points, state %v, watchdog %v, final positions %.4f",
		st.Published, st.State, st.Watchdog, state.Positions)
	return nil
}

func commandFrom(c *cli.Context, server *jogarm.Server) (func() error, error) {
	if joint := c.String(flagJoint); joint != "" {
		velocity := c.Float64(flagJointVelocity)
		return func() error {
			return server.SubmitJointDelta(jogarm.JointDeltaCommand{
				JointNames: []string{joint},
				Deltas:     []float64{velocity},
			})
		}, nil
	}

	linear, err := vector(c, flagLinear)
	if err != nil {
		return nil, err
	}
	angular, err := vector(c, flagAngular)
	if err != nil {
		return nil, err
	}
	frame := c.String(flagFrame)
	return func() error {
		return server.SubmitTwist(jogarm.TwistCommand{Linear: linear, Angular: angular, Frame: frame})
	}, nil
}

func vector(c *cli.Context, name string) (r3.Vector, error) {
	values := c.Float64Slice(name)
	switch len(values) {
	case 0:
		return r3.Vector{}, nil
	case 3:
		return r3.Vector{X: values[0], Y: values[1], Z: values[2]}, nil
	default:
		return r3.Vector{}, errors.Errorf("--%s needs 3 values, got %d", name, len(values))
	}
}
