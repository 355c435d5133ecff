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

package supervised

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/drf"
	"github.com/fermi-controls/pacsys/lib/proxyapi"
	"github.com/fermi-controls/pacsys/lib/sshutils"
)

// ServiceConfig wires the proxy service.
type ServiceConfig struct {
	// Backend is the upstream provider.
	Backend backend.Backend
	// Policies run in order on every inbound request.
	Policies []Policy
	// Audit records requests; required.
	Audit *AuditLog
	// Token, when set, must arrive as a bearer token on Set and
	// Subscribe.
	Token string
}

// CheckAndSetDefaults validates the config.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("backend is required")
	}
	if c.Audit == nil {
		return trace.BadParameter("audit log is required")
	}
	return nil
}

// Service terminates the proxy RPCs: token check, policy chain, audit,
// then the upstream call. The upstream is never touched before policies
// allow, and the audit record is written before the upstream call, so a
// crashing upstream still leaves a record of the attempt.
type Service struct {
	cfg ServiceConfig
	log *log.Entry
}

// NewService builds the proxy service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg: cfg,
		log: log.WithFields(log.Fields{"component": "proxy"}),
	}, nil
}

// peerAddr extracts the remote address.
func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// requestMetadata copies selected inbound headers for policies.
func requestMetadata(ctx context.Context) map[string]string {
	out := make(map[string]string)
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return out
	}
	for key, vals := range md {
		if len(vals) > 0 {
			out[key] = vals[0]
		}
	}
	return out
}

// checkToken enforces the bearer token on privileged methods.
func (s *Service) checkToken(ctx context.Context) error {
	if s.cfg.Token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, auth := range md.Get("authorization") {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token == s.cfg.Token {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid bearer token")
}

// authorize runs policies and writes the inbound audit record. It
// returns the effective (possibly rewritten) context, or a ready gRPC
// error on denial.
func (s *Service) authorize(reqCtx RequestContext, msg encoding.BinaryMarshaler) (RequestContext, uint64, error) {
	decision, finalCtx := EvaluatePolicies(s.cfg.Policies, reqCtx)
	seq := s.cfg.Audit.NextSeq()

	record := Request{
		Seq:     seq,
		Peer:    reqCtx.Peer,
		Method:  reqCtx.Method,
		DRFs:    reqCtx.DRFs,
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
		Message: msg,
	}
	if decision.Allowed && !sameDRFs(reqCtx.DRFs, finalCtx.DRFs) {
		record.FinalDRFs = finalCtx.DRFs
	}
	if err := s.cfg.Audit.LogRequest(record); err != nil {
		s.log.WithError(err).Error("Failed to write audit record.")
	}

	if !decision.Allowed {
		requestsTotal.WithLabelValues(reqCtx.Method, "denied").Inc()
		return finalCtx, seq, status.Error(codes.PermissionDenied, decision.Reason)
	}
	requestsTotal.WithLabelValues(reqCtx.Method, "allowed").Inc()
	return finalCtx, seq, nil
}

func sameDRFs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// toStatus maps upstream failures onto RPC codes.
func toStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	upstreamErrors.WithLabelValues(method).Inc()
	var devErr *acnet.DeviceError
	switch {
	case errors.As(err, &devErr):
		return status.Error(codes.Aborted,
			fmt.Sprintf("device error [%d %d]: %s", devErr.Facility, devErr.ErrorCode, devErr.Message))
	case backend.IsUnsupported(err):
		return status.Error(codes.Unimplemented, trace.UserMessage(err))
	case sshutils.IsAuthenticationError(err):
		return status.Error(codes.Unauthenticated, trace.UserMessage(err))
	case sshutils.IsTimeoutError(err), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, trace.UserMessage(err))
	}
	return status.Error(codes.Internal, trace.UserMessage(err))
}

// Read serves the unary batch read.
func (s *Service) Read(ctx context.Context, req *proxyapi.ReadRequest) (*proxyapi.ReadReply, error) {
	return s.readLike(ctx, "Read", req.DRFs, req)
}

// Alarms reads alarm blocks; bare device names are qualified to the
// analog-alarm property.
func (s *Service) Alarms(ctx context.Context, req *proxyapi.AlarmsRequest) (*proxyapi.ReadReply, error) {
	drfs := make([]string, 0, len(req.DRFs))
	for _, raw := range req.DRFs {
		drfs = append(drfs, qualifyAlarm(raw))
	}
	return s.readLike(ctx, "Alarms", drfs, req)
}

// qualifyAlarm maps a plain reading request to the device's analog-alarm
// block; explicit alarm or status requests pass through.
func qualifyAlarm(raw string) string {
	request, err := drf.Parse(raw)
	if err != nil {
		return raw
	}
	if request.Property == drf.PropReading {
		request.Property = drf.PropAnalogAlarm
		return request.Canonical()
	}
	return raw
}

func (s *Service) readLike(ctx context.Context, method string, drfs []string, msg encoding.BinaryMarshaler) (*proxyapi.ReadReply, error) {
	reqCtx := RequestContext{
		DRFs:     drfs,
		Method:   method,
		Peer:     peerAddr(ctx),
		Metadata: requestMetadata(ctx),
	}
	finalCtx, seq, err := s.authorize(reqCtx, msg)
	if err != nil {
		return nil, err
	}

	readings, err := s.cfg.Backend.GetMany(ctx, finalCtx.DRFs)
	if err != nil {
		return nil, toStatus(method, err)
	}
	reply := &proxyapi.ReadReply{Readings: make([]proxyapi.Reading, 0, len(readings))}
	for i, r := range readings {
		reply.Readings = append(reply.Readings, proxyapi.FromReading(i, r))
	}
	if err := s.cfg.Audit.LogResponse(seq, reqCtx.Peer, method, reply); err != nil {
		s.log.WithError(err).Error("Failed to write audit record.")
	}
	return reply, nil
}

// Set applies settings through policy.
func (s *Service) Set(ctx context.Context, req *proxyapi.SetRequest) (*proxyapi.SetReply, error) {
	if err := s.checkToken(ctx); err != nil {
		return nil, err
	}

	values := make([]backend.Value, 0, len(req.Settings))
	settings := make([]backend.Setting, 0, len(req.Settings))
	for _, s := range req.Settings {
		value := s.ToValue()
		values = append(values, value)
		settings = append(settings, backend.Setting{DRF: s.DRF, Value: value})
	}

	reqCtx := RequestContext{
		DRFs:     req.DRFList(),
		Method:   "Set",
		Peer:     peerAddr(ctx),
		Metadata: requestMetadata(ctx),
		Values:   values,
	}
	finalCtx, seq, err := s.authorize(reqCtx, req)
	if err != nil {
		return nil, err
	}
	// Rewrites retarget the settings while keeping the values.
	if !sameDRFs(reqCtx.DRFs, finalCtx.DRFs) && len(finalCtx.DRFs) == len(settings) {
		for i := range settings {
			settings[i].DRF = finalCtx.DRFs[i]
		}
	}

	results, err := s.cfg.Backend.WriteMany(ctx, settings)
	if err != nil {
		return nil, toStatus("Set", err)
	}
	reply := &proxyapi.SetReply{Results: make([]proxyapi.WriteStatus, 0, len(results))}
	for _, r := range results {
		reply.Results = append(reply.Results, proxyapi.WriteStatus{
			DRF:       r.DRF,
			Facility:  r.Facility,
			ErrorCode: r.ErrorCode,
			Message:   r.Message,
		})
	}
	if err := s.cfg.Audit.LogResponse(seq, reqCtx.Peer, "Set", reply); err != nil {
		s.log.WithError(err).Error("Failed to write audit record.")
	}
	return reply, nil
}

// Subscribe serves the server stream. An all-one-shot request is
// satisfied with a single batch read and a clean close; anything else
// opens an upstream subscription and forwards readings until the client
// cancels or the upstream stops.
func (s *Service) Subscribe(req *proxyapi.SubscribeRequest, stream proxyapi.DPMSubscribeStream) error {
	ctx := stream.Context()
	if err := s.checkToken(ctx); err != nil {
		return err
	}

	reqCtx := RequestContext{
		DRFs:     req.DRFs,
		Method:   "Subscribe",
		Peer:     peerAddr(ctx),
		Metadata: requestMetadata(ctx),
	}
	finalCtx, seq, err := s.authorize(reqCtx, req)
	if err != nil {
		return err
	}

	oneShot, oneErr := drf.AllOneShot(finalCtx.DRFs)
	if oneErr != nil {
		return status.Error(codes.InvalidArgument, trace.UserMessage(oneErr))
	}
	if oneShot {
		readings, err := s.cfg.Backend.GetMany(ctx, finalCtx.DRFs)
		if err != nil {
			return toStatus("Subscribe", err)
		}
		reply := &proxyapi.ReadReply{Readings: make([]proxyapi.Reading, 0, len(readings))}
		for i, r := range readings {
			reply.Readings = append(reply.Readings, proxyapi.FromReading(i, r))
		}
		if err := stream.Send(reply); err != nil {
			return trace.Wrap(err)
		}
		streamedReadings.Add(float64(len(readings)))
		if err := s.cfg.Audit.LogResponse(seq, reqCtx.Peer, "Subscribe", reply); err != nil {
			s.log.WithError(err).Error("Failed to write audit record.")
		}
		return nil
	}

	handle, err := s.cfg.Backend.Subscribe(ctx, finalCtx.DRFs)
	if err != nil {
		return toStatus("Subscribe", err)
	}
	defer s.cfg.Backend.Remove(handle)

	index := indexByDRF(finalCtx.DRFs)
	for {
		reading, err := handle.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, ctx.Err()) {
				// Client went away.
				return nil
			}
			return toStatus("Subscribe", err)
		}
		reply := &proxyapi.ReadReply{
			Readings: []proxyapi.Reading{proxyapi.FromReading(index[reading.DRF], reading)},
		}
		if err := stream.Send(reply); err != nil {
			return trace.Wrap(err)
		}
		streamedReadings.Inc()
		if err := s.cfg.Audit.LogResponse(seq, reqCtx.Peer, "Subscribe", reply); err != nil {
			s.log.WithError(err).Error("Failed to write audit record.")
		}
	}
}

func indexByDRF(drfs []string) map[string]int {
	out := make(map[string]int, len(drfs))
	for i, d := range drfs {
		out[d] = i
	}
	return out
}
