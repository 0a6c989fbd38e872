package dispatch

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// MaxMessageSize bounds a single request or response on both sides of the
// connection. Finished reports and GetTask responses carry whole results.
const MaxMessageSize = 64 << 20

// TaskServiceServer is the producer-facing service.
type TaskServiceServer interface {
	CreateTask(context.Context, *CreateTaskRequest) (*CreateTaskResponse, error)
	GetTask(context.Context, *GetTaskRequest) (*GetTaskResponse, error)
	GenerateImage(context.Context, *GenerateImageRequest) (*GenerateImageResponse, error)
	ListTasks(context.Context, *ListTasksRequest) (*ListTasksResponse, error)
}

// WorkerServiceServer is the worker-facing service.
type WorkerServiceServer interface {
	GetTaskToRun(context.Context, *GetTaskToRunRequest) (*GetTaskToRunResponse, error)
	UpdateTaskStatus(context.Context, *UpdateTaskStatusRequest) (*UpdateTaskStatusResponse, error)
}

// Compile-time interface satisfaction checks.
var (
	_ TaskServiceServer   = (*Service)(nil)
	_ WorkerServiceServer = (*Service)(nil)
)

// unary builds a method handler that decodes Req, runs the interceptor chain
// and converts service errors to gRPC status errors.
func unary[S any, Req any, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(S), ctx, req.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

var taskServiceDesc = grpc.ServiceDesc{
	ServiceName: TaskServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateTask",
			Handler:    unary(fullMethod(TaskServiceName, "CreateTask"), TaskServiceServer.CreateTask),
		},
		{
			MethodName: "GetTask",
			Handler:    unary(fullMethod(TaskServiceName, "GetTask"), TaskServiceServer.GetTask),
		},
		{
			MethodName: "GenerateImage",
			Handler:    unary(fullMethod(TaskServiceName, "GenerateImage"), TaskServiceServer.GenerateImage),
		},
		{
			MethodName: "ListTasks",
			Handler:    unary(fullMethod(TaskServiceName, "ListTasks"), TaskServiceServer.ListTasks),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: SchemaPath,
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetTaskToRun",
			Handler:    unary(fullMethod(WorkerServiceName, "GetTaskToRun"), WorkerServiceServer.GetTaskToRun),
		},
		{
			MethodName: "UpdateTaskStatus",
			Handler:    unary(fullMethod(WorkerServiceName, "UpdateTaskStatus"), WorkerServiceServer.UpdateTaskStatus),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: SchemaPath,
}

// RegisterTaskServiceServer registers srv as the TaskService implementation.
func RegisterTaskServiceServer(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&taskServiceDesc, srv)
}

// RegisterWorkerServiceServer registers srv as the WorkerService implementation.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

// NewGRPCServer builds a gRPC server exposing both services of svc, guarded
// by the worker token, with server reflection enabled.
func NewGRPCServer(svc *Service, workerToken string, opts ...grpc.ServerOption) (*grpc.Server, error) {
	if _, err := Schema(); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(MetricsInterceptor(), AuthInterceptor(workerToken)),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterTaskServiceServer(s, svc)
	RegisterWorkerServiceServer(s, svc)
	reflection.Register(s)
	return s, nil
}
