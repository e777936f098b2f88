package jogarm

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

const testPeriod = 10 * time.Millisecond

var testStart = []float64{0.1, 1.0, -0.5}

type recordingPublisher struct {
	mu     sync.Mutex
	points []TrajectoryPoint
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, point TrajectoryPoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.points = append(p.points, point)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.points)
}

func (p *recordingPublisher) last() TrajectoryPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.points[len(p.points)-1]
}

type testHarness struct {
	server *Server
	clk    *clock.Mock
	kin    *ModelKinematics
	pub    *recordingPublisher
}

func newHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()
	cfg := &Config{PublishPeriodSec: testPeriod.Seconds(), IncomingCommandTimeoutSec: 2}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.validateJogParameters())

	clk := clock.NewMock()
	limits, err := cfg.velocityLimitsFor(3)
	require.NoError(t, err)
	kin, err := NewModelKinematics(NewPlanarArm(testLinks...), []string{"joint_0", "joint_1", "joint_2"}, limits)
	require.NoError(t, err)
	require.NoError(t, kin.Update(testStart, clk.Now()))

	pub := &recordingPublisher{}
	s, err := NewServer(cfg, kin, pub, logging.NewTestLogger(t), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return &testHarness{server: s, clk: clk, kin: kin, pub: pub}
}

// run advances the mock clock one period at a time for d, stepping after each advance. before,
// if set, runs ahead of every step.
func (h *testHarness) run(t *testing.T, d time.Duration, before func()) []TickResult {
	t.Helper()
	var results []TickResult
	for elapsed := time.Duration(0); elapsed < d; elapsed += testPeriod {
		h.clk.Add(testPeriod)
		if before != nil {
			before()
		}
		results = append(results, h.server.Step(context.Background()))
	}
	return results
}

func published(results []TickResult) int {
	n := 0
	for _, r := range results {
		if r.Point != nil {
			n++
		}
	}
	return n
}

func TestScenarioZeroTwistPublishesNothing(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.server.SubmitTwist(TwistCommand{}))

	results := h.run(t, time.Second, nil)
	assert.LessOrEqual(t, published(results), 1)
	assert.Equal(t, 0, h.pub.count())
	for _, r := range results {
		assert.Equal(t, Fresh, r.Watchdog)
		assert.Equal(t, Idle, r.State)
	}
}

func TestScenarioSustainedAngularTwist(t *testing.T) {
	h := newHarness(t, nil)
	submit := func() {
		require.NoError(t, h.server.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: 1}}))
	}

	results := h.run(t, time.Second, submit)
	assert.Greater(t, published(results), 1)
	// Published every tick at the control rate.
	assert.Equal(t, len(results), h.pub.count())

	point := h.pub.last()
	assert.Equal(t, []string{"joint_0", "joint_1", "joint_2"}, point.JointNames)
	assert.Equal(t, testPeriod, point.TimeFromStart)
	assert.Len(t, point.Positions, 3)
	assert.Len(t, point.Velocities, 3)
	assert.Nil(t, point.Accelerations)

	// Velocities rotate the tool about +Z without translating it.
	state, err := h.kin.CurrentJointState()
	require.NoError(t, err)
	got := achieved(t, h.kin, state, point.Velocities)
	assert.Greater(t, got[5], 0.0)
	assert.InDelta(t, 0, got[0], 1e-6)
	assert.InDelta(t, 0, got[1], 1e-6)

	status := h.server.Status()
	assert.Equal(t, Jogging, status.State)
	assert.Equal(t, ModeCartesian, status.Mode)
	assert.Equal(t, int64(len(results)), status.Published)
}

func TestScenarioOutputStopsAfterStaleTimeout(t *testing.T) {
	h := newHarness(t, nil)
	sent := h.clk.Now()
	require.NoError(t, h.server.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: 0.5}}))

	results := h.run(t, 3*time.Second, nil)
	assert.Equal(t, 200, published(results))
	assert.False(t, h.pub.last().Stamp.After(sent.Add(2*time.Second)))
	for _, r := range results {
		if r.Watchdog == Stale {
			assert.Nil(t, r.Point)
			assert.Equal(t, Idle, r.State)
		}
	}
	assert.Equal(t, Stale, results[len(results)-1].Watchdog)
}

func TestScenarioJointDeltaRevivesStaleStream(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.server.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: 0.5}}))
	h.clk.Add(3 * time.Second)

	res := h.server.Step(context.Background())
	assert.Equal(t, Stale, res.Watchdog)
	assert.Nil(t, res.Point)

	require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{
		JointNames: []string{"joint_1"},
		Deltas:     []float64{0.3},
	}))
	results := h.run(t, 100*time.Millisecond, nil)
	for _, r := range results {
		assert.Equal(t, Fresh, r.Watchdog)
		assert.Equal(t, Jogging, r.State)
		assert.Equal(t, ModeJoint, r.Mode)
		require.NotNil(t, r.Point)
		assert.InDelta(t, 0.3, r.Point.Velocities[1], 1e-9)
		assert.InDelta(t, 0, r.Point.Velocities[0], 1e-12)
	}
}

func TestStaleBoundaryIsFresh(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{0.1}}))

	h.clk.Add(2 * time.Second)
	res := h.server.Step(context.Background())
	assert.Equal(t, Fresh, res.Watchdog)
	assert.NotNil(t, res.Point)

	h.clk.Add(time.Nanosecond)
	res = h.server.Step(context.Background())
	assert.Equal(t, Stale, res.Watchdog)
	assert.Nil(t, res.Point)
}

func TestZeroCommandSuppressesWithinOnePeriod(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.server.SubmitTwist(TwistCommand{Linear: r3.Vector{X: 0.05}}))
	assert.Equal(t, 5, published(h.run(t, 5*testPeriod, nil)))

	require.NoError(t, h.server.SubmitTwist(TwistCommand{}))
	before := h.pub.count()
	results := h.run(t, 500*time.Millisecond, func() {
		require.NoError(t, h.server.SubmitTwist(TwistCommand{}))
	})
	assert.Equal(t, 0, published(results))
	assert.Equal(t, before, h.pub.count())

	// Zero joint deltas behave the same way.
	results = h.run(t, 500*time.Millisecond, func() {
		require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{0}}))
	})
	assert.Equal(t, 0, published(results))
}

func TestJointJogRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	const v = 0.5
	const n = 50
	results := h.run(t, n*testPeriod, func() {
		require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_2"}, Deltas: []float64{v}}))
	})
	require.Equal(t, n, published(results))
	last := h.pub.last()
	assert.InDelta(t, testStart[2]+v*testPeriod.Seconds()*n, last.Positions[2], 1e-9)
	assert.InDelta(t, testStart[0], last.Positions[0], 1e-12)
	assert.InDelta(t, testStart[1], last.Positions[1], 1e-12)
}

func TestIdleFreezesIntegratedPose(t *testing.T) {
	h := newHarness(t, nil)
	jog := func() {
		require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{1}}))
	}
	h.run(t, 10*testPeriod, jog)
	frozen := h.pub.last().Positions[0]

	h.clk.Add(5 * time.Second)
	h.server.Step(context.Background())

	h.run(t, testPeriod, jog)
	assert.InDelta(t, frozen+testPeriod.Seconds(), h.pub.last().Positions[0], 1e-9)
}

func TestNoOutputWhileStaleProperty(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.IncomingCommandTimeoutSec = 0.05 })
	rng := rand.New(rand.NewSource(7))

	var lastArrival time.Time
	var arrived bool
	for i := 0; i < 2000; i++ {
		switch rng.Intn(6) {
		case 0:
			require.NoError(t, h.server.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: rng.Float64() - 0.5}}))
			lastArrival, arrived = h.clk.Now(), true
		case 1:
			require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{
				JointNames: []string{"joint_1"},
				Deltas:     []float64{rng.Float64() - 0.5},
			}))
			lastArrival, arrived = h.clk.Now(), true
		case 2:
			require.NoError(t, h.server.SubmitTwist(TwistCommand{}))
			lastArrival, arrived = h.clk.Now(), true
		}
		h.clk.Add(time.Duration(rng.Intn(40)) * time.Millisecond)

		res := h.server.Step(context.Background())
		stale := !arrived || h.clk.Now().Sub(lastArrival) > 50*time.Millisecond
		if stale {
			assert.Equal(t, Stale, res.Watchdog)
			assert.Nil(t, res.Point, "published while stale at iteration %d", i)
		} else {
			assert.Equal(t, Fresh, res.Watchdog)
		}
	}
}

func TestSettleTime(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.SettleTimeSec = 0.5 })
	jog := func() {
		require.NoError(t, h.server.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: 1}}))
	}
	results := h.run(t, 490*time.Millisecond, jog)
	assert.Equal(t, 0, published(results))

	results = h.run(t, 100*time.Millisecond, jog)
	assert.Equal(t, len(results), published(results))
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, nil)
	jog := func() {
		require.NoError(t, h.server.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: 1}}))
	}
	h.server.SetPaused(true)
	assert.True(t, h.server.Status().Paused)
	assert.Equal(t, 0, published(h.run(t, 200*time.Millisecond, jog)))

	h.server.SetPaused(false)
	assert.False(t, h.server.Status().Paused)
	assert.Equal(t, 20, published(h.run(t, 200*time.Millisecond, jog)))
}

func TestHaltClearsWhenIdle(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.HardStopConditionNumber = 50
		cfg.IncomingCommandTimeoutSec = 0.1
	})
	// Nearly straight elbow.
	require.NoError(t, h.kin.Update([]float64{0, 1e-4, 0.3}, h.clk.Now()))
	push := func() {
		require.NoError(t, h.server.SubmitTwist(TwistCommand{Linear: r3.Vector{X: 0.1}}))
	}

	assert.Equal(t, 0, published(h.run(t, 5*testPeriod, push)))
	assert.True(t, h.server.Status().Halted)

	h.server.SetPaused(true)
	h.run(t, testPeriod, push)
	assert.False(t, h.server.Status().Halted)

	h.server.SetPaused(false)
	h.run(t, testPeriod, push)
	assert.True(t, h.server.Status().Halted)

	// The stream goes stale.
	results := h.run(t, 200*time.Millisecond, nil)
	assert.Equal(t, Stale, results[len(results)-1].Watchdog)
	status := h.server.Status()
	assert.False(t, status.Halted)
	assert.Equal(t, Idle, status.State)
}

func TestPublishComposition(t *testing.T) {
	yes, no := true, false
	h := newHarness(t, func(cfg *Config) {
		cfg.PublishJointVelocities = &no
		cfg.PublishJointAccelerations = &yes
	})
	require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{0.2}}))
	h.run(t, testPeriod, nil)

	point := h.pub.last()
	assert.Len(t, point.Positions, 3)
	assert.Nil(t, point.Velocities)
	require.Len(t, point.Accelerations, 3)
	assert.InDelta(t, 0.2/testPeriod.Seconds(), point.Accelerations[0], 1e-6)
}

func TestLowPassFilterSmoothsOutput(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.LowPassFilterCoeff = 4 })
	results := h.run(t, time.Second, func() {
		require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{0.5}}))
	})
	require.NotNil(t, results[0].Point)
	assert.Less(t, results[0].Point.Velocities[0], 0.5)
	assert.InDelta(t, 0.5, results[len(results)-1].Point.Velocities[0], 1e-6)
}

func TestPublishErrorReported(t *testing.T) {
	h := newHarness(t, nil)
	h.pub.err = errors.New("transport down")
	require.NoError(t, h.server.SubmitJointDelta(JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{0.2}}))

	results := h.run(t, testPeriod, nil)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Equal(t, int64(0), h.server.Status().Published)
}

// flakyKinematics fails CurrentJointState while failing is set.
type flakyKinematics struct {
	*ModelKinematics
	failing atomic.Bool
}

func (f *flakyKinematics) CurrentJointState() (JointState, error) {
	if f.failing.Load() {
		return JointState{}, errors.Wrap(ErrKinematicsUnavailable, "feed lost")
	}
	return f.ModelKinematics.CurrentJointState()
}

func TestKinematicFailuresAndRecovery(t *testing.T) {
	cfg := &Config{PublishPeriodSec: testPeriod.Seconds(), MaxConsecutiveFailures: 3}
	require.NoError(t, cfg.validateJogParameters())
	clk := clock.NewMock()
	mk, err := NewModelKinematics(NewPlanarArm(testLinks...), []string{"joint_0", "joint_1", "joint_2"}, []float64{1, 1, 1})
	require.NoError(t, err)
	kin := &flakyKinematics{ModelKinematics: mk}
	pub := &recordingPublisher{}
	s, err := NewServer(cfg, kin, pub, logging.NewTestLogger(t), WithClock(clk))
	require.NoError(t, err)
	defer s.Close()

	jog := JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{1}}
	require.NoError(t, s.SubmitJointDelta(jog))

	// No state has ever arrived.
	clk.Add(testPeriod)
	res := s.Step(context.Background())
	assert.True(t, errors.Is(res.Err, ErrKinematicsUnavailable))
	assert.Nil(t, res.Point)
	assert.Equal(t, Idle, res.State)

	require.NoError(t, mk.Update(testStart, clk.Now()))
	for i := 0; i < 5; i++ {
		clk.Add(testPeriod)
		require.NoError(t, s.SubmitJointDelta(jog))
		require.NotNil(t, s.Step(context.Background()).Point)
	}
	pose := pub.last().Positions[0]
	assert.InDelta(t, testStart[0]+5*testPeriod.Seconds(), pose, 1e-9)

	kin.failing.Store(true)
	for i := 1; i <= 4; i++ {
		clk.Add(testPeriod)
		require.NoError(t, s.SubmitJointDelta(jog))
		res := s.Step(context.Background())
		assert.Nil(t, res.Point)
		assert.Error(t, res.Err)
		status := s.Status()
		assert.Equal(t, i, status.ConsecutiveFailures)
		assert.Equal(t, i >= 3, status.Faulted)
		assert.NotEmpty(t, status.LastError)
	}

	// The arm moved while the feed was down; recovery re-seeds from the measured state.
	require.NoError(t, mk.Update([]float64{0.7, 1.0, -0.5}, clk.Now()))
	kin.failing.Store(false)
	clk.Add(testPeriod)
	require.NoError(t, s.SubmitJointDelta(jog))
	res = s.Step(context.Background())
	require.NotNil(t, res.Point)
	assert.InDelta(t, 0.7+testPeriod.Seconds(), res.Point.Positions[0], 1e-9)

	status := s.Status()
	assert.False(t, status.Faulted)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
}

func TestFailureEscalationDisabled(t *testing.T) {
	cfg := &Config{PublishPeriodSec: testPeriod.Seconds(), MaxConsecutiveFailures: -1}
	require.NoError(t, cfg.validateJogParameters())
	clk := clock.NewMock()
	mk, err := NewModelKinematics(NewPlanarArm(testLinks...), []string{"joint_0", "joint_1", "joint_2"}, []float64{1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, mk.Update(testStart, clk.Now()))
	kin := &flakyKinematics{ModelKinematics: mk}
	kin.failing.Store(true)
	s, err := NewServer(cfg, kin, &recordingPublisher{}, logging.NewTestLogger(t), WithClock(clk))
	require.NoError(t, err)
	defer s.Close()

	jog := JointDeltaCommand{JointNames: []string{"joint_0"}, Deltas: []float64{1}}
	for i := 0; i < 2*defaultMaxConsecutiveFailures; i++ {
		clk.Add(testPeriod)
		require.NoError(t, s.SubmitJointDelta(jog))
		assert.Error(t, s.Step(context.Background()).Err)
	}
	status := s.Status()
	assert.Equal(t, 2*defaultMaxConsecutiveFailures, status.ConsecutiveFailures)
	assert.False(t, status.Faulted)
}

func TestServerRejectsBadSetup(t *testing.T) {
	mk, err := NewModelKinematics(NewPlanarArm(testLinks...), []string{"joint_0", "joint_1", "joint_2"}, []float64{1, 1, 1})
	require.NoError(t, err)

	_, err = NewServer(&Config{JointLimitMarginRad: 4}, mk, &recordingPublisher{}, logging.NewTestLogger(t))
	assert.Error(t, err)

	_, err = NewServer(&Config{CommandInType: "bogus"}, mk, &recordingPublisher{}, logging.NewTestLogger(t))
	assert.Error(t, err)
}

func TestServerRealTimeLoop(t *testing.T) {
	cfg := &Config{PublishPeriodSec: 0.01, IncomingCommandTimeoutSec: 0.1}
	mk, err := NewModelKinematics(NewPlanarArm(testLinks...), []string{"joint_0", "joint_1", "joint_2"}, []float64{1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, mk.Update(testStart, time.Now()))

	var count atomic.Int64
	pub := PublisherFunc(func(ctx context.Context, point TrajectoryPoint) error {
		count.Add(1)
		return nil
	})
	s, err := NewServer(cfg, mk, pub, logging.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, s.SubmitTwist(TwistCommand{Angular: r3.Vector{Z: 1}}))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, count.Load(), int64(1))

	// Silence: output stops once the stream goes stale.
	time.Sleep(300 * time.Millisecond)
	settled := count.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, count.Load())
	assert.Equal(t, Stale, s.Status().Watchdog)

	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.SubmitTwist(TwistCommand{}), ErrServerClosed))
	assert.True(t, errors.Is(s.Start(), ErrServerClosed))
}
