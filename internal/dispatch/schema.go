package dispatch

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Protocol names. The proto package is sandbox.v1 and the schema is
// registered under SchemaPath so gRPC reflection can serve it.
const (
	protoPackage      = "sandbox.v1"
	SchemaPath        = "sandbox/v1/sandbox.proto"
	TaskServiceName   = protoPackage + ".TaskService"
	WorkerServiceName = protoPackage + ".WorkerService"
)

var (
	schemaOnce sync.Once
	schemaFile protoreflect.FileDescriptor
	schemaErr  error
)

// Schema returns the file descriptor of the sandbox.v1 protocol, registering
// it in protoregistry.GlobalFiles on first use.
func Schema() (protoreflect.FileDescriptor, error) {
	schemaOnce.Do(func() {
		fd, err := protodesc.NewFile(schemaProto(), protoregistry.GlobalFiles)
		if err != nil {
			schemaErr = fmt.Errorf("build schema: %w", err)
			return
		}
		if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
			schemaErr = fmt.Errorf("register schema: %w", err)
			return
		}
		schemaFile = fd
	})
	return schemaFile, schemaErr
}

const (
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeUint32 = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	typeBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	typeMsg    = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func scalar(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func message(name string, num int32, msg string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, num, typeMsg)
	f.TypeName = proto.String("." + protoPackage + "." + msg)
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func oneof(index int32, f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.OneofIndex = proto.Int32(index)
	return f
}

func msgType(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func method(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + protoPackage + "." + in),
		OutputType: proto.String("." + protoPackage + "." + out),
	}
}

func schemaProto() *descriptorpb.FileDescriptorProto {
	params := msgType("TaskParams", oneof(0, message("image_generation", 1, "ImageGenerationParams")))
	params.OneofDecl = []*descriptorpb.OneofDescriptorProto{{Name: proto.String("kind")}}

	update := msgType("UpdateTaskStatusRequest",
		scalar("id", 1, typeString),
		scalar("worker_id", 2, typeString),
		oneof(0, message("in_progress", 3, "ProgressUpdate")),
		oneof(0, message("finished", 4, "FinishedUpdate")),
		oneof(0, message("failed", 5, "FailedUpdate")),
	)
	update.OneofDecl = []*descriptorpb.OneofDescriptorProto{{Name: proto.String("status")}}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(SchemaPath),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			msgType("ImageGenerationParams",
				scalar("prompt", 1, typeString),
				scalar("iterations", 2, typeUint32),
				scalar("number_of_images", 3, typeUint32),
			),
			params,
			msgType("TaskStatus",
				scalar("state", 1, typeString),
				scalar("current_step", 2, typeUint32),
				scalar("total_steps", 3, typeUint32),
				scalar("result", 4, typeBytes),
				scalar("reason", 5, typeString),
			),
			msgType("Task",
				scalar("id", 1, typeString),
				scalar("owner", 2, typeString),
				scalar("prompt", 3, typeString),
				message("params", 4, "TaskParams"),
				message("status", 5, "TaskStatus"),
				scalar("claimed_by", 6, typeString),
				scalar("lease_expires_at", 7, typeString),
				scalar("created_at", 8, typeString),
				scalar("updated_at", 9, typeString),
			),
			msgType("CreateTaskRequest", message("params", 1, "TaskParams"), scalar("owner", 2, typeString)),
			msgType("CreateTaskResponse", scalar("id", 1, typeString)),
			msgType("GetTaskRequest", scalar("id", 1, typeString)),
			msgType("GetTaskResponse", message("task", 1, "Task")),
			msgType("GenerateImageRequest", scalar("prompt", 1, typeString)),
			msgType("GenerateImageResponse", scalar("id", 1, typeString)),
			msgType("ListTasksRequest", scalar("owner", 1, typeString)),
			msgType("ListTasksResponse", repeated(message("tasks", 1, "Task"))),
			msgType("GetTaskToRunRequest", scalar("worker_id", 1, typeString)),
			msgType("TaskToRun", scalar("id", 1, typeString), message("params", 2, "TaskParams")),
			msgType("GetTaskToRunResponse", message("task_to_run", 1, "TaskToRun")),
			msgType("ProgressUpdate", scalar("current_step", 1, typeUint32), scalar("total_steps", 2, typeUint32)),
			msgType("FinishedUpdate", scalar("result", 1, typeBytes)),
			msgType("FailedUpdate", scalar("reason", 1, typeString)),
			update,
			msgType("UpdateTaskStatusResponse"),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: proto.String("TaskService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					method("CreateTask", "CreateTaskRequest", "CreateTaskResponse"),
					method("GetTask", "GetTaskRequest", "GetTaskResponse"),
					method("GenerateImage", "GenerateImageRequest", "GenerateImageResponse"),
					method("ListTasks", "ListTasksRequest", "ListTasksResponse"),
				},
			},
			{
				Name: proto.String("WorkerService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					method("GetTaskToRun", "GetTaskToRunRequest", "GetTaskToRunResponse"),
					method("UpdateTaskStatus", "UpdateTaskStatusRequest", "UpdateTaskStatusResponse"),
				},
			},
		},
	}
}
