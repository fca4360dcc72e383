// Package api provides the gRPC control surface of a neuropil node.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/VanDung-dev/Neuropil-Engine/engine"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// Version is the current version of the Neuropil Engine.
const Version = "0.1.0"

// sysinfoTimeout bounds a Sysinfo call whose context has no deadline.
const sysinfoTimeout = 5 * time.Second

// Node is the part of engine.Node the control service drives.
type Node interface {
	Send(subject string, data []byte) error
	Join(address string) error
	Status() engine.Status
	Stats() engine.NodeStats
	RequestSysinfo(ctx context.Context, fingerprint string) (engine.Sysinfo, error)
}

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int

	Auth    AuthConfig
	Logger  zerolog.Logger
	Metrics *monitoring.Metrics
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRecvMsgSize: network.MaxNetworkMessageSize,
		MaxSendMsgSize: network.MaxNetworkMessageSize,
		Logger:         zerolog.Nop(),
	}
}

// Server implements NodeControlServer on top of a node.
type Server struct {
	node    Node
	config  *ServerConfig
	auth    *Authenticator
	metrics *monitoring.Metrics
	log     zerolog.Logger

	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time

	running bool
	mu      sync.RWMutex
}

// NewServer creates a control server for node.
func NewServer(node Node, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		node:      node,
		config:    config,
		auth:      NewAuthenticator(config.Auth),
		metrics:   config.Metrics,
		log:       logging.Component(config.Logger, "control"),
		startTime: time.Now(),
	}
}

// Start listens on address and serves (blocking).
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(lis)
}

// StartAsync listens on address and serves in a goroutine. It returns the
// bound address.
func (s *Server) StartAsync(address string) (string, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Error().Err(err).Msg("control server stopped")
		}
	}()
	return lis.Addr().String(), nil
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.auth.UnaryInterceptor()),
	)
	RegisterNodeControlServer(s.grpcServer, s)
	s.running = true
	s.startTime = time.Now()
	srv := s.grpcServer
	s.mu.Unlock()

	s.log.Info().Str(logging.ADDR, lis.Addr().String()).Bool("auth", s.auth.IsEnabled()).Msg("control server listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *Server) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	s.metrics.RecordGRPCRequest(info.FullMethod, code.String(), time.Since(start))
	if err != nil {
		s.log.Debug().Err(err).Str("method", info.FullMethod).Msg("control request failed")
	}
	return resp, err
}

// Send publishes data on subject.
func (s *Server) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	subject := stringField(req, FieldSubject)
	if subject == "" {
		return nil, status.Error(codes.InvalidArgument, "subject is required")
	}
	if err := s.node.Send(subject, []byte(stringField(req, FieldData))); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{FieldSubject: subject, "accepted": true})
}

// Join makes the node join address.
func (s *Server) Join(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	address := stringField(req, FieldAddress)
	if address == "" {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}
	if err := s.node.Join(address); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Status returns the node counters.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.node.Stats())
}

// Health reports whether the node is running.
func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	st := s.node.Status()
	return structpb.NewStruct(map[string]any{
		"healthy":        st == engine.StatusRunning,
		"status":         st.String(),
		"version":        Version,
		"uptime_seconds": time.Since(startTime).Seconds(),
	})
}

// Sysinfo asks a peer, or the node itself, for its sysinfo.
func (s *Server) Sysinfo(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fp := stringField(req, FieldFingerprint)
	if fp == "" {
		return nil, status.Error(codes.InvalidArgument, "fingerprint is required")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sysinfoTimeout)
		defer cancel()
	}
	info, err := s.node.RequestSysinfo(ctx, fp)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(info)
}

func stringField(req *structpb.Struct, key string) string {
	if req == nil {
		return ""
	}
	return req.GetFields()[key].GetStringValue()
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps node errors to gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, engine.ErrEmptySubject),
		errors.Is(err, network.ErrInvalidAddress),
		errors.Is(err, network.ErrUnsupportedProtocol):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrShutdown):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrNoReceiver):
		code = codes.Unavailable
	case errors.Is(err, network.ErrPeerNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
