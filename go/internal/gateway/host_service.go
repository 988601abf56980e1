package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
	"github.com/mcdev12/quizclock/go/internal/session"
	"github.com/mcdev12/quizclock/go/internal/timer"
)

// HostServiceName is the fully-qualified name of the host command service.
const HostServiceName = "quizclock.v1.HostService"

// Host procedures. Every request and response is a google.protobuf.Struct
// holding the same fields as the JSON API.
const (
	HostStartTimerProcedure     = "/" + HostServiceName + "/StartTimer"
	HostPauseTimerProcedure     = "/" + HostServiceName + "/PauseTimer"
	HostResetTimerProcedure     = "/" + HostServiceName + "/ResetTimer"
	HostSetCurrentTimeProcedure = "/" + HostServiceName + "/SetCurrentTime"
	HostGetTimerProcedure       = "/" + HostServiceName + "/GetTimer"
	HostResolveRoundProcedure   = "/" + HostServiceName + "/ResolveRound"
	HostRevealAnswersProcedure  = "/" + HostServiceName + "/RevealAnswers"
	HostClearAnswersProcedure   = "/" + HostServiceName + "/ClearAnswers"
	HostGetControlsProcedure    = "/" + HostServiceName + "/GetControls"
)

var hostMethods = []string{
	"StartTimer",
	"PauseTimer",
	"ResetTimer",
	"SetCurrentTime",
	"GetTimer",
	"ResolveRound",
	"RevealAnswers",
	"ClearAnswers",
	"GetControls",
}

// hostServiceDescriptor is registered with the global registry so that
// reflection clients can describe the service.
var hostServiceDescriptor = registerHostService()

func registerHostService() protoreflect.ServiceDescriptor {
	structType := proto.String("." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName()))

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(hostMethods))
	for _, name := range hostMethods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  structType,
			OutputType: structType,
		})
	}

	file, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:       proto.String("quizclock/v1/host.proto"),
		Package:    proto.String("quizclock.v1"),
		Dependency: []string{structpb.File_google_protobuf_struct_proto.Path()},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("HostService"),
			Method: methods,
		}},
	}, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("build host service descriptor: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(file); err != nil {
		panic(fmt.Sprintf("register host service descriptor: %v", err))
	}
	return file.Services().ByName("HostService")
}

// HostService serves the host commands over Connect, gRPC and gRPC-Web.
type HostService struct {
	session Session
}

// NewHostService creates the host command service over s.
func NewHostService(s Session) *HostService {
	return &HostService{session: s}
}

// RegisterHandlers mounts every host procedure on mux.
func (s *HostService) RegisterHandlers(mux *http.ServeMux) {
	handlers := map[string]func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error){
		HostStartTimerProcedure:     s.StartTimer,
		HostPauseTimerProcedure:     s.PauseTimer,
		HostResetTimerProcedure:     s.ResetTimer,
		HostSetCurrentTimeProcedure: s.SetCurrentTime,
		HostGetTimerProcedure:       s.GetTimer,
		HostResolveRoundProcedure:   s.ResolveRound,
		HostRevealAnswersProcedure:  s.RevealAnswers,
		HostClearAnswersProcedure:   s.ClearAnswers,
		HostGetControlsProcedure:    s.GetControls,
	}
	methods := hostServiceDescriptor.Methods()
	for procedure, fn := range handlers {
		method := methods.ByName(protoreflect.Name(procedure[len(HostServiceName)+2:]))
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, connect.WithSchema(method)))
	}
}

// StartTimer starts the timer named by "owner"
func (s *HostService) StartTimer(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.timerCommand(ctx, req, Session.Start)
}

// PauseTimer pauses the timer named by "owner"
func (s *HostService) PauseTimer(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.timerCommand(ctx, req, Session.Pause)
}

// ResetTimer resets the timer named by "owner"
func (s *HostService) ResetTimer(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.timerCommand(ctx, req, Session.Reset)
}

// SetCurrentTime sets "currentTime" on the timer named by "owner".
func (s *HostService) SetCurrentTime(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	fields := req.Msg.AsMap()
	value, ok := fields["currentTime"].(float64)
	if !ok || value != math.Trunc(value) {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("currentTime must be an integer"))
	}

	owner := stringField(fields, "owner")
	if err := s.session.SetCurrentTime(ctx, owner, int(value)); err != nil {
		return nil, connectError(err)
	}
	return s.timerResponse(ctx, owner)
}

// GetTimer returns the timer named by "owner"
func (s *HostService) GetTimer(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.timerResponse(ctx, stringField(req.Msg.AsMap(), "owner"))
}

// ResolveRound scores the round against the optional numeric "target".
func (s *HostService) ResolveRound(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var target *float64
	if raw, ok := req.Msg.AsMap()["target"]; ok && raw != nil {
		v, ok := raw.(float64)
		if !ok {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("target must be a number"))
		}
		target = &v
	}

	res, err := s.session.ResolveRound(ctx, target)
	if err != nil {
		return nil, connectError(err)
	}
	return structResponse(res)
}

// RevealAnswers shows every team's answer
func (s *HostService) RevealAnswers(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if err := s.session.RevealAnswers(ctx); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// ClearAnswers removes every submitted answer
func (s *HostService) ClearAnswers(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if err := s.session.ClearAnswers(ctx); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// GetControls reports which host actions are available
func (s *HostService) GetControls(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	controls, err := s.session.Controls(ctx)
	if err != nil {
		return nil, connectError(err)
	}
	return structResponse(controls)
}

func (s *HostService) timerCommand(ctx context.Context, req *connect.Request[structpb.Struct], op func(Session, context.Context, string) error) (*connect.Response[structpb.Struct], error) {
	owner := stringField(req.Msg.AsMap(), "owner")
	if err := op(s.session, ctx, owner); err != nil {
		return nil, connectError(err)
	}
	return s.timerResponse(ctx, owner)
}

func (s *HostService) timerResponse(ctx context.Context, owner string) (*connect.Response[structpb.Struct], error) {
	state, err := s.session.TimerState(ctx, owner)
	if err != nil {
		return nil, connectError(err)
	}
	return structResponse(timerResponse{State: state, Phase: state.Phase().String()})
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

// structResponse converts v through its JSON form so that field names match
// the JSON API.
func structResponse(v any) (*connect.Response[structpb.Struct], error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func codeFor(err error) connect.Code {
	switch {
	case errors.Is(err, timer.ErrInvalidTransition):
		return connect.CodeFailedPrecondition
	case errors.Is(err, timer.ErrInvalidTime),
		errors.Is(err, session.ErrInvalidID),
		errors.Is(err, remotestate.ErrInvalidPath),
		errors.Is(err, remotestate.ErrInvalidValue):
		return connect.CodeInvalidArgument
	case errors.Is(err, timer.ErrReadOnly):
		return connect.CodePermissionDenied
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeUnavailable
	}
}

func connectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	return connect.NewError(codeFor(err), err)
}
