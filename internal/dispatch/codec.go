package dispatch

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Codec names. Plain application/grpc calls use protobuf wire format built
// from Schema; application/grpc+json carries the same messages as JSON.
const (
	codecName      = "json"
	protoCodecName = "proto"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCodec(protoCodec{})
}

// jsonCodec encodes the Go messages of this package as JSON, using the
// proto field names of the schema.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return marshalJSON.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return unmarshalJSON.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// protoCodec replaces the default codec of the process. Generated and
// dynamic protobuf messages are marshaled as usual. The Go messages of this
// package are converted to and from a dynamic message of the schema type
// with the same name, so any protobuf client built from the reflected
// schema can call the services.
type protoCodec struct{}

func (protoCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	msg, err := wireMessage(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	if err := unmarshalJSON.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("convert %T: %w", v, err)
	}
	return proto.Marshal(msg)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	msg, err := wireMessage(v)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msg.Descriptor().FullName(), err)
	}
	js, err := marshalJSON.Marshal(msg)
	if err != nil {
		return fmt.Errorf("convert %s: %w", msg.Descriptor().FullName(), err)
	}
	return json.Unmarshal(js, v)
}

func (protoCodec) Name() string {
	return protoCodecName
}

var (
	marshalJSON   = protojson.MarshalOptions{UseProtoNames: true}
	unmarshalJSON = protojson.UnmarshalOptions{DiscardUnknown: true}

	messagePkgPath = reflect.TypeOf(CreateTaskRequest{}).PkgPath()
)

// wireMessage returns an empty dynamic message of the schema type named
// after the Go type of v.
func wireMessage(v any) (*dynamicpb.Message, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.PkgPath() != messagePkgPath {
		return nil, fmt.Errorf("proto codec: unsupported message type %T", v)
	}
	fd, err := Schema()
	if err != nil {
		return nil, err
	}
	md := fd.Messages().ByName(protoreflect.Name(t.Name()))
	if md == nil {
		return nil, fmt.Errorf("proto codec: no schema message for %T", v)
	}
	return dynamicpb.NewMessage(md), nil
}
