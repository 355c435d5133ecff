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

	"github.com/gravitational/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client is the typed client of the proxy service.
type Client struct {
	cc    *grpc.ClientConn
	token string
	owned bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken attaches a bearer token to every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// Dial connects to a proxy address without transport security; the
// control network is private and auth rides in metadata.
func Dial(addr string, opts ...ClientOption) (*Client, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Codec)),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := &Client{cc: cc, owned: true}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// NewClientFromConn wraps an existing connection; Close will not close
// it.
func NewClientFromConn(cc *grpc.ClientConn, opts ...ClientOption) *Client {
	client := &Client{cc: cc}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) callCtx(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// Read performs a unary batch read.
func (c *Client) Read(ctx context.Context, req *ReadRequest) (*ReadReply, error) {
	reply := new(ReadReply)
	err := c.cc.Invoke(c.callCtx(ctx), MethodRead, req, reply, grpc.CallContentSubtype(Codec))
	return reply, trace.Wrap(err)
}

// Set applies settings.
func (c *Client) Set(ctx context.Context, req *SetRequest) (*SetReply, error) {
	reply := new(SetReply)
	err := c.cc.Invoke(c.callCtx(ctx), MethodSet, req, reply, grpc.CallContentSubtype(Codec))
	return reply, trace.Wrap(err)
}

// Alarms reads alarm blocks.
func (c *Client) Alarms(ctx context.Context, req *AlarmsRequest) (*ReadReply, error) {
	reply := new(ReadReply)
	err := c.cc.Invoke(c.callCtx(ctx), MethodAlarms, req, reply, grpc.CallContentSubtype(Codec))
	return reply, trace.Wrap(err)
}

// SubscribeStream receives streamed reading batches.
type SubscribeStream struct {
	grpc.ClientStream
}

// Recv returns the next batch; io.EOF on a clean server close.
func (s *SubscribeStream) Recv() (*ReadReply, error) {
	reply := new(ReadReply)
	if err := s.RecvMsg(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Subscribe opens the server stream. Cancel ctx to stop it.
func (c *Client) Subscribe(ctx context.Context, req *SubscribeRequest) (*SubscribeStream, error) {
	stream, err := c.cc.NewStream(c.callCtx(ctx), &ServiceDesc.Streams[0], MethodSubscribe, grpc.CallContentSubtype(Codec))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SubscribeStream{ClientStream: stream}, nil
}

// Close tears down the connection when this client owns it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return trace.Wrap(c.cc.Close())
}
