package jogarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Status is a point-in-time view of the server for callers and DoCommand.
type Status struct {
	State               State
	Watchdog            WatchdogStatus
	Mode                Mode
	Paused              bool
	Faulted             bool
	Halted              bool
	ConsecutiveFailures int
	Published           int64
	LastError           string
	MinSingularValue    float64
}

// TickResult describes what one control-loop tick did.
type TickResult struct {
	State    State
	Watchdog WatchdogStatus
	Mode     Mode
	Point    *TrajectoryPoint // the published point, nil when nothing was published
	Err      error
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clk = clk }
}

// Server runs the jog control loop: every period it snapshots the latest command, checks the
// watchdog, resolves joint velocities, integrates them and publishes one trajectory point, but only
// while commands are fresh and non-trivial.
type Server struct {
	cfg    *Config
	clk    clock.Clock
	logger logging.Logger
	kin    Kinematics
	pub    Publisher
	names  []string
	period time.Duration

	ingress    *Ingress
	watchdog   Watchdog
	resolver   *Resolver
	integrator *Integrator
	filter     *lowPassFilter

	stepMu   sync.Mutex
	started  time.Time
	failures int

	paused  atomic.Bool
	closed  atomic.Bool
	startMu sync.Mutex
	workers *utils.StoppableWorkers

	statusMu sync.Mutex
	status   Status
}

// NewServer builds a server. cfg is validated and defaulted; kin supplies joint names and limits.
func NewServer(cfg *Config, kin Kinematics, pub Publisher, logger logging.Logger, opts ...Option) (*Server, error) {
	if err := cfg.validateJogParameters(); err != nil {
		return nil, err
	}
	names := kin.JointNames()
	limits := kin.JointLimits()
	if len(names) == 0 || len(names) != len(limits) {
		return nil, fmt.Errorf("kinematics reports %d joint names and %d limits", len(names), len(limits))
	}
	for i, l := range limits {
		if l.Max-l.Min <= 2*cfg.JointLimitMarginRad {
			return nil, fmt.Errorf("joint %s range [%v, %v] is too small for joint_limit_margin_rad %v",
				names[i], l.Min, l.Max, cfg.JointLimitMarginRad)
		}
	}

	s := &Server{
		cfg:    cfg,
		clk:    clock.New(),
		logger: logger,
		kin:    kin,
		pub:    pub,
		names:  names,
		period: cfg.PublishPeriod(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ingress = NewIngress(s.clk, names, []string{cfg.BaseFrame, cfg.EndEffectorFrame}, logger)
	s.watchdog = NewWatchdog(cfg.IncomingCommandTimeout())
	s.resolver = NewResolver(cfg, kin)
	s.integrator = NewIntegrator(limits, cfg.JointLimitMarginRad, s.period)
	s.filter = newLowPassFilter(cfg.LowPassFilterCoeff, len(names))
	s.started = s.clk.Now()
	s.seedFromState()
	return s, nil
}

// Start launches the control loop. The settle time counts from here.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.workers != nil {
		return errors.New("jog server already started")
	}

	s.stepMu.Lock()
	s.started = s.clk.Now()
	s.seedFromState()
	s.stepMu.Unlock()

	s.workers = utils.NewBackgroundStoppableWorkers(s.loop)
	s.logger.Infof("jog server started: period %v, stale timeout %v, %d joints",
		s.period, s.cfg.IncomingCommandTimeout(), len(s.names))
	return nil
}

func (s *Server) loop(ctx context.Context) {
	ticker := s.clk.Ticker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		begin := s.clk.Now()
		s.Step(ctx)
		if elapsed := s.clk.Since(begin); elapsed > s.period {
			s.logger.CWarnf(ctx, "jog tick took %v, longer than the %v period", elapsed, s.period)
		}
	}
}

// SubmitTwist stores a Cartesian velocity command.
func (s *Server) SubmitTwist(cmd TwistCommand) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	return s.ingress.SubmitTwist(cmd)
}

// SubmitJointDelta stores a joint velocity command.
func (s *Server) SubmitJointDelta(cmd JointDeltaCommand) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	return s.ingress.SubmitJointDelta(cmd)
}

// SetPaused suspends or resumes output. Commands are still accepted while paused.
func (s *Server) SetPaused(paused bool) {
	if s.paused.Swap(paused) != paused {
		s.logger.Infof("jog output paused: %v", paused)
	}
}

// JointNames returns the joint order used in commands and output.
func (s *Server) JointNames() []string {
	return append([]string(nil), s.names...)
}

// Status returns the outcome of the most recent tick.
func (s *Server) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status
	st.Paused = s.paused.Load()
	return st
}

// Step runs one control-loop tick using a single snapshot of commands and joint state.
func (s *Server) Step(ctx context.Context) TickResult {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	now := s.clk.Now()
	snap := s.ingress.Snapshot()
	res := TickResult{Watchdog: s.watchdog.CheckSnapshot(now, snap)}

	switch {
	case s.closed.Load():
		return s.idle(res, nil)
	case s.paused.Load():
		return s.idle(res, nil)
	case now.Sub(s.started) < s.cfg.SettleTime():
		return s.idle(res, nil)
	case res.Watchdog == Stale:
		return s.idle(res, nil)
	}

	state, err := s.kin.CurrentJointState()
	if err != nil {
		return s.fail(ctx, res, err)
	}
	resolution, err := s.resolver.Resolve(snap, state)
	res.Mode = resolution.Mode
	if err != nil {
		return s.fail(ctx, res, err)
	}
	s.recover(ctx, state)
	if resolution.Trivial {
		s.statusMu.Lock()
		wasHalted := s.status.Halted
		s.statusMu.Unlock()
		res = s.idle(res, nil)
		s.statusMu.Lock()
		s.status.Halted = resolution.Halted
		s.status.MinSingularValue = resolution.MinSingularValue
		s.statusMu.Unlock()
		if resolution.Halted && !wasHalted {
			s.logger.CWarnf(ctx, "jog halted near singularity: condition number %.1f exceeds %.1f",
				resolution.ConditionNumber, s.cfg.HardStopConditionNumber)
		}
		return res
	}

	velocity := s.filter.Next(resolution.Velocity)
	positions, velocities, accelerations := s.integrator.Advance(velocity)
	point := TrajectoryPoint{
		JointNames:    append([]string(nil), s.names...),
		TimeFromStart: s.period,
		Stamp:         now,
	}
	if s.cfg.publishPositions() {
		point.Positions = positions
	}
	if s.cfg.publishVelocities() {
		point.Velocities = velocities
	}
	if s.cfg.publishAccelerations() {
		point.Accelerations = accelerations
	}

	res.State = Jogging
	res.Point = &point
	err = s.pub.Publish(ctx, point)
	if err != nil {
		res.Err = errors.Wrap(err, "publishing trajectory point")
		s.logger.CWarnw(ctx, "failed to publish trajectory point", "error", err)
	}
	s.setStatus(res, func(st *Status) {
		if err == nil {
			st.Published++
		}
		st.Halted = false
		st.MinSingularValue = resolution.MinSingularValue
	})
	return res
}

// seedFromState initializes the integrated pose from measured joint state if it is available.
func (s *Server) seedFromState() {
	if s.integrator.Seeded() {
		return
	}
	state, err := s.kin.CurrentJointState()
	if err != nil {
		return
	}
	s.integrator.Seed(state.Positions)
}

// recover clears the failure count after a good tick, re-seeding the pose if the server had faulted.
func (s *Server) recover(ctx context.Context, state JointState) {
	s.statusMu.Lock()
	faulted := s.status.Faulted
	s.status.Faulted = false
	s.status.ConsecutiveFailures = 0
	s.status.LastError = ""
	s.statusMu.Unlock()

	if faulted {
		s.logger.CInfof(ctx, "jog server recovered after %d failed ticks", s.failures)
		s.integrator.Seed(state.Positions)
		s.filter.Reset()
	} else if !s.integrator.Seeded() {
		s.integrator.Seed(state.Positions)
	}
	s.failures = 0
}

// fail suppresses the tick without advancing the integrated pose.
func (s *Server) fail(ctx context.Context, res TickResult, err error) TickResult {
	s.failures++
	limit := s.cfg.MaxConsecutiveFailures
	switch {
	case limit > 0 && s.failures == limit:
		s.logger.CErrorf(ctx, "jog server faulted after %d consecutive failed ticks: %v", s.failures, err)
	case s.failures == 1:
		s.logger.CWarnf(ctx, "skipping jog tick: %v", err)
	default:
		s.logger.CDebugf(ctx, "skipping jog tick: %v", err)
	}

	res = s.idle(res, err)
	s.statusMu.Lock()
	s.status.ConsecutiveFailures = s.failures
	s.status.LastError = err.Error()
	if limit > 0 && s.failures >= limit {
		s.status.Faulted = true
	}
	s.statusMu.Unlock()
	return res
}

// idle classifies the tick as idle. Nothing is published, the pose is frozen and any
// singularity halt is cleared.
func (s *Server) idle(res TickResult, err error) TickResult {
	res.State = Idle
	res.Err = err
	s.filter.Reset()
	s.integrator.Hold()
	s.setStatus(res, func(st *Status) { st.Halted = false })
	return res
}

func (s *Server) setStatus(res TickResult, update func(*Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.status.State != res.State {
		s.logger.Debugf("jog state %v -> %v (watchdog %v, mode %v)", s.status.State, res.State, res.Watchdog, res.Mode)
	}
	s.status.State = res.State
	s.status.Watchdog = res.Watchdog
	s.status.Mode = res.Mode
	if update != nil {
		update(&s.status)
	}
}

// Close stops the control loop at a tick boundary. Later submissions return ErrServerClosed.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.startMu.Lock()
	workers := s.workers
	s.startMu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	s.logger.Info("jog server stopped")
	return nil
}
