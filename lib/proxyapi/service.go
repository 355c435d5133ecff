/*
Copyright 2024 Fermi National Accelerator Laboratory

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package proxyapi

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec carries the service's messages as JSON frames. Registered
// once at init; both ends select it with the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return Codec }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Method names as they appear on the wire.
const (
	MethodRead      = "/" + ServiceName + "/Read"
	MethodSet       = "/" + ServiceName + "/Set"
	MethodAlarms    = "/" + ServiceName + "/Alarms"
	MethodSubscribe = "/" + ServiceName + "/Subscribe"
)

// DPMServer is the server side of the proxy service.
type DPMServer interface {
	Read(context.Context, *ReadRequest) (*ReadReply, error)
	Set(context.Context, *SetRequest) (*SetReply, error)
	Alarms(context.Context, *AlarmsRequest) (*ReadReply, error)
	Subscribe(*SubscribeRequest, DPMSubscribeStream) error
}

// DPMSubscribeStream is the server-streaming surface of Subscribe.
type DPMSubscribeStream interface {
	Send(*ReadReply) error
	grpc.ServerStream
}

type subscribeStream struct {
	grpc.ServerStream
}

func (s *subscribeStream) Send(reply *ReadReply) error {
	return s.ServerStream.SendMsg(reply)
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DPMServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRead}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DPMServer).Read(ctx, req.(*ReadRequest))
	})
}

func setHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DPMServer).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSet}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DPMServer).Set(ctx, req.(*SetRequest))
	})
}

func alarmsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AlarmsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DPMServer).Alarms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodAlarms}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DPMServer).Alarms(ctx, req.(*AlarmsRequest))
	})
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DPMServer).Subscribe(in, &subscribeStream{stream})
}

// ServiceDesc is the hand-written service descriptor; the schema is
// small and stable enough that generated stubs would only add build
// machinery.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DPMServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "Alarms", Handler: alarmsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "pacsys/proxyapi",
}

// RegisterDPMServer registers an implementation on a grpc server.
func RegisterDPMServer(s grpc.ServiceRegistrar, srv DPMServer) {
	s.RegisterService(&ServiceDesc, srv)
}
