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
	"fmt"
	"net"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/fermi-controls/pacsys/lib/defaults"
	"github.com/fermi-controls/pacsys/lib/proxyapi"
)

// ServerConfig wires the listening proxy.
type ServerConfig struct {
	// ListenAddr is the bind address, ":<default port>" when empty.
	ListenAddr string
	// Service terminates the RPCs.
	Service ServiceConfig
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", defaults.ProxyPort)
	}
	return trace.Wrap(c.Service.CheckAndSetDefaults())
}

// Server owns the gRPC listener of the supervised proxy.
type Server struct {
	cfg     ServerConfig
	service *Service
	grpc    *grpc.Server
	log     *log.Entry

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer builds the proxy server without binding the port.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	service, err := NewService(cfg.Service)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	grpcServer := grpc.NewServer()
	proxyapi.RegisterDPMServer(grpcServer, service)
	return &Server{
		cfg:     cfg,
		service: service,
		grpc:    grpcServer,
		log:     log.WithFields(log.Fields{"component": "proxy", "listen": cfg.ListenAddr}),
	}, nil
}

// Serve binds the address and blocks serving RPCs until Close.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Infof("Supervised proxy listening on %v.", listener.Addr())
	if err := s.grpc.Serve(listener); err != nil && err != grpc.ErrServerStopped {
		return trace.Wrap(err)
	}
	return nil
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops serving gracefully and closes the audit log. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.grpc.GracefulStop()
	return trace.Wrap(s.cfg.Service.Audit.Close())
}
