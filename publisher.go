package jogarm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/utils"
)

// Publisher receives the trajectory points produced while jogging. Publish is called from the
// control loop and must not block on I/O.
type Publisher interface {
	Publish(ctx context.Context, point TrajectoryPoint) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, point TrajectoryPoint) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, point TrajectoryPoint) error {
	return f(ctx, point)
}

// JointMover is the part of arm.Arm that ArmPublisher drives.
type JointMover interface {
	MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error
}

// ArmPublisher forwards trajectory points to an arm from its own goroutine. Only the newest
// unsent point is kept, so a slow arm drops intermediate setpoints instead of stalling the loop.
type ArmPublisher struct {
	arm    JointMover
	logger logging.Logger

	mu      sync.Mutex
	pending *TrajectoryPoint
	closed  bool
	sent    int64
	failed  int64

	wake    chan struct{}
	workers *utils.StoppableWorkers
}

// NewArmPublisher starts the forwarding goroutine. Call Close to stop it.
func NewArmPublisher(a JointMover, logger logging.Logger) *ArmPublisher {
	p := &ArmPublisher{
		arm:    a,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	p.workers = utils.NewBackgroundStoppableWorkers(p.run)
	return p
}

// Publish stores point as the next setpoint and returns immediately.
func (p *ArmPublisher) Publish(ctx context.Context, point TrajectoryPoint) error {
	if len(point.Positions) == 0 {
		return errors.New("arm output requires joint positions")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrServerClosed
	}
	p.pending = &point
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *ArmPublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		point := p.pending
		p.pending = nil
		p.mu.Unlock()
		if point == nil {
			continue
		}

		err := p.arm.MoveToJointPositions(ctx, toInputs(point.Positions), nil)
		p.mu.Lock()
		if err != nil {
			p.failed++
		} else {
			p.sent++
		}
		p.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			p.logger.CDebugw(ctx, "arm rejected jog setpoint", "error", err)
		}
	}
}

// Counts returns how many setpoints the arm accepted and rejected.
func (p *ArmPublisher) Counts() (sent, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.failed
}

// Close stops forwarding. Points not yet sent are dropped.
func (p *ArmPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.workers.Stop()
}
