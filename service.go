package jogarm

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
)

// JogServer is the model of the jog service.
var JogServer = resource.NewModel("viam", "jog-arm", "jog-server")

func init() {
	resource.RegisterService(generic.API, JogServer,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newJogService,
		},
	)
}

type jogService struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cfg    *Config
	server *Server

	arm     arm.Arm
	kin     *ArmKinematics
	pub     *ArmPublisher
	leased  bool
	armName string
}

func newJogService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewJogService(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewJogService jogs the arm named in conf. It streams setpoints to the arm with
// MoveToJointPositions and reads joint state back from it.
func NewJogService(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	if err := conf.validateJogParameters(); err != nil {
		return nil, err
	}
	if !conf.publishPositions() {
		return nil, errors.New("publish_joint_positions must be enabled to drive an arm")
	}

	armResource, err := deps.Lookup(resource.NewName(arm.API, conf.Arm))
	if err != nil {
		return nil, errors.Wrapf(err, "arm %q not found", conf.Arm)
	}
	a, ok := armResource.(arm.Arm)
	if !ok {
		return nil, fmt.Errorf("resource %q is not an arm", conf.Arm)
	}
	model, err := a.Kinematics(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get kinematics for arm %q", conf.Arm)
	}
	if model == nil {
		return nil, fmt.Errorf("arm %q has no kinematic model", conf.Arm)
	}

	if err := AcquireArmLease(conf.Arm, name.ShortName(), conf); err != nil {
		return nil, err
	}
	svc := &jogService{
		Named:   name.AsNamed(),
		logger:  logger,
		cfg:     conf,
		arm:     a,
		leased:  true,
		armName: conf.Arm,
	}

	svc.kin, err = NewArmKinematics(a, model, conf, clock.New(), logger)
	if err != nil {
		ReleaseArmLease(conf.Arm)
		return nil, err
	}
	svc.pub = NewArmPublisher(a, logger)
	svc.server, err = NewServer(conf, svc.kin, svc.pub, logger)
	if err != nil {
		return nil, multierr.Combine(err, svc.Close(ctx))
	}
	if err := svc.server.Start(); err != nil {
		return nil, multierr.Combine(err, svc.Close(ctx))
	}

	logger.Infof("jog service ready for arm %q with joints %v", conf.Arm, svc.server.JointNames())
	return svc, nil
}

func (s *jogService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "twist":
		twist, err := parseTwistCommand(cmd)
		if err != nil {
			s.logger.CWarnf(ctx, "rejecting twist command: %v", err)
			return nil, err
		}
		if err := s.server.SubmitTwist(twist); err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": true}, nil

	case "joint_jog":
		jog, err := parseJointJogCommand(cmd)
		if err != nil {
			s.logger.CWarnf(ctx, "rejecting joint_jog command: %v", err)
			return nil, err
		}
		if err := s.server.SubmitJointDelta(jog); err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": true}, nil

	case "status":
		return s.statusMap(), nil

	case "pause":
		s.server.SetPaused(true)
		return map[string]interface{}{"paused": true}, nil

	case "resume":
		s.server.SetPaused(false)
		return map[string]interface{}{"paused": false}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (s *jogService) statusMap() map[string]interface{} {
	st := s.server.Status()
	names := s.server.JointNames()
	jointNames := make([]interface{}, len(names))
	for i, n := range names {
		jointNames[i] = n
	}
	result := map[string]interface{}{
		"state":                st.State.String(),
		"watchdog":             st.Watchdog.String(),
		"mode":                 st.Mode.String(),
		"paused":               st.Paused,
		"faulted":              st.Faulted,
		"halted":               st.Halted,
		"consecutive_failures": st.ConsecutiveFailures,
		"published":            st.Published,
		"last_error":           st.LastError,
		"min_singular_value":   st.MinSingularValue,
		"joint_names":          jointNames,
	}
	if s.armName != "" {
		refCount, _, summary := ArmLeaseStatus(s.armName)
		result["lease"] = summary
		result["lease_refs"] = refCount
	}
	return result
}

// Close stops the control loop first so nothing is published to a stopped arm.
func (s *jogService) Close(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = multierr.Append(err, s.server.Close())
	}
	if s.pub != nil {
		s.pub.Close()
	}
	if s.kin != nil {
		s.kin.Close()
	}
	if s.arm != nil {
		err = multierr.Append(err, errors.Wrap(s.arm.Stop(ctx, nil), "stopping arm"))
	}
	if s.leased {
		ReleaseArmLease(s.armName)
		s.leased = false
	}
	return err
}

type twistRequest struct {
	Linear  []float64 `json:"linear"`
	Angular []float64 `json:"angular"`
	Frame   string    `json:"frame"`
}

type jointJogRequest struct {
	JointNames []string  `json:"joint_names"`
	Deltas     []float64 `json:"deltas"`
}

func decodeCommand(cmd map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: out})
	if err != nil {
		return err
	}
	if err := decoder.Decode(cmd); err != nil {
		return errors.Wrapf(ErrMalformedCommand, "%v", err)
	}
	return nil
}

// parseTwistCommand reads {"linear":[x,y,z],"angular":[x,y,z],"frame":"..."}. A missing vector is zero.
func parseTwistCommand(cmd map[string]interface{}) (TwistCommand, error) {
	var req twistRequest
	if err := decodeCommand(cmd, &req); err != nil {
		return TwistCommand{}, err
	}
	linear, err := vectorFrom("linear", req.Linear)
	if err != nil {
		return TwistCommand{}, err
	}
	angular, err := vectorFrom("angular", req.Angular)
	if err != nil {
		return TwistCommand{}, err
	}
	return TwistCommand{Linear: linear, Angular: angular, Frame: req.Frame}, nil
}

func vectorFrom(field string, values []float64) (r3.Vector, error) {
	switch len(values) {
	case 0:
		return r3.Vector{}, nil
	case 3:
		return r3.Vector{X: values[0], Y: values[1], Z: values[2]}, nil
	default:
		return r3.Vector{}, errors.Wrapf(ErrMalformedCommand, "%s needs 3 components, got %d", field, len(values))
	}
}

// parseJointJogCommand reads {"joint_names":[...],"deltas":[...]}.
func parseJointJogCommand(cmd map[string]interface{}) (JointDeltaCommand, error) {
	var req jointJogRequest
	if err := decodeCommand(cmd, &req); err != nil {
		return JointDeltaCommand{}, err
	}
	if len(req.JointNames) == 0 {
		return JointDeltaCommand{}, errors.Wrap(ErrMalformedCommand, "joint_jog requires joint_names")
	}
	return JointDeltaCommand{JointNames: req.JointNames, Deltas: req.Deltas}, nil
}
