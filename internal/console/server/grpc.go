package server

/*
Файл grpc.go — admin API поверх gRPC для соседних сервисов платформы.
Контракт нетипизированный (google.protobuf.Struct на входе и выходе),
поэтому ServiceDesc описан вручную и сгенерированные стабы не нужны.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-verifier/internal/console/handler"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const AdminServiceName = "verifier.admin.v1.VerifierService"

// AdminService - gRPC-версия тех же точек входа, что и HTTP admin API
type AdminService struct {
	sessions   handler.VerificationService
	spotChecks handler.SpotCheckService
	logger     *zap.Logger
}

func NewAdminService(sessions handler.VerificationService, spotChecks handler.SpotCheckService, logger *zap.Logger) *AdminService {
	return &AdminService{sessions: sessions, spotChecks: spotChecks, logger: logger.Named("admin-grpc")}
}

// adminServer - проверка типа при RegisterService
type adminServer interface {
	call(ctx context.Context, method string, req *structpb.Struct) (any, error)
}

// RegisterAdminService регистрирует сервис на gRPC сервере
func RegisterAdminService(s grpc.ServiceRegistrar, svc *AdminService) {
	s.RegisterService(&adminServiceDesc, svc)
}

var adminMethods = []string{
	"StartSession",
	"GetSession",
	"RunSession",
	"ProcessDue",
	"AgentStatus",
	"ScheduleSpotCheck",
	"ScheduleAllSpotChecks",
	"ProcessSpotChecks",
}

var adminServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: AdminServiceName,
		HandlerType: (*adminServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "verifier/admin/v1/admin.proto",
	}
	for _, name := range adminMethods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return desc
}()

func unaryHandler(method string) grpc.MethodHandler {
	fullMethod := "/" + AdminServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req any) (any, error) {
			out, err := srv.(adminServer).call(ctx, method, req.(*structpb.Struct))
			if err != nil {
				return nil, statusFor(err)
			}
			return toStruct(out)
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, invoke)
	}
}

func (s *AdminService) call(ctx context.Context, method string, req *structpb.Struct) (any, error) {
	args := req.AsMap()
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	switch method {
	case "StartSession":
		var sr engine.StartRequest
		raw, _ := json.Marshal(args)
		if err := json.Unmarshal(raw, &sr); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
		}
		return s.sessions.StartSession(ctx, sr)
	case "GetSession":
		return s.sessions.GetSession(ctx, str("session_id"))
	case "RunSession":
		return s.sessions.RunSessionNow(ctx, str("session_id"))
	case "ProcessDue":
		return s.sessions.ProcessDueChallenges(ctx)
	case "AgentStatus":
		return s.sessions.AgentStatus(ctx, str("agent_id"))
	case "ScheduleSpotCheck":
		return s.spotChecks.ScheduleSpotCheck(ctx, str("agent_id"))
	case "ScheduleAllSpotChecks":
		n, err := s.spotChecks.ScheduleAll(ctx)
		return map[string]any{"scheduled": n}, err
	case "ProcessSpotChecks":
		results, err := s.spotChecks.ProcessDue(ctx)
		return map[string]any{"results": results}, err
	default:
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
}

// toStruct - любой JSON-объект в google.protobuf.Struct
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "response is not an object: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create proto struct: %v", err)
	}
	return out, nil
}

// statusFor - те же правила, что и handler.StatusFor, в терминах gRPC
func statusFor(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSpotCheckNotFound),
		errors.Is(err, domain.ErrAgentNotVerified):
		code = codes.NotFound
	case errors.Is(err, domain.ErrSessionActive):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrSessionTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrChallengeResolved):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrAgentBusy):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
