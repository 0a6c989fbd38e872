package dispatch

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls both sandbox.v1 services over one connection. It is safe for
// concurrent use.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the server at endpoint. An http:// scheme prefix is
// accepted and stripped. A non-empty token is attached to every call.
func Dial(endpoint, token string, opts ...grpc.DialOption) (*Client, error) {
	target := strings.TrimPrefix(endpoint, "http://")
	target = strings.TrimSuffix(target, "/")

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
		grpc.WithChainUnaryInterceptor(TokenInterceptor(token)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Results larger than the gRPC
// default of 4 MiB need MaxCallRecvMsgSize on the connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(service, method), in, out, opts...)
}

func (c *Client) CreateTask(ctx context.Context, in *CreateTaskRequest, opts ...grpc.CallOption) (*CreateTaskResponse, error) {
	out := new(CreateTaskResponse)
	if err := c.invoke(ctx, TaskServiceName, "CreateTask", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTask(ctx context.Context, in *GetTaskRequest, opts ...grpc.CallOption) (*GetTaskResponse, error) {
	out := new(GetTaskResponse)
	if err := c.invoke(ctx, TaskServiceName, "GetTask", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GenerateImage(ctx context.Context, in *GenerateImageRequest, opts ...grpc.CallOption) (*GenerateImageResponse, error) {
	out := new(GenerateImageResponse)
	if err := c.invoke(ctx, TaskServiceName, "GenerateImage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context, in *ListTasksRequest, opts ...grpc.CallOption) (*ListTasksResponse, error) {
	out := new(ListTasksResponse)
	if err := c.invoke(ctx, TaskServiceName, "ListTasks", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTaskToRun(ctx context.Context, in *GetTaskToRunRequest, opts ...grpc.CallOption) (*GetTaskToRunResponse, error) {
	out := new(GetTaskToRunResponse)
	if err := c.invoke(ctx, WorkerServiceName, "GetTaskToRun", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateTaskStatus(ctx context.Context, in *UpdateTaskStatusRequest, opts ...grpc.CallOption) (*UpdateTaskStatusResponse, error) {
	out := new(UpdateTaskStatusResponse)
	if err := c.invoke(ctx, WorkerServiceName, "UpdateTaskStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
