// Package server exposes admin replicas over HTTP and reports mastership
// through the gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/global-data-controller/kvadmin/internal/config"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// AdminService is the gRPC health service name that is SERVING while the
// served replicas have a master
const AdminService = "kvadmin.Admin"

// ReplicaService is the health service name of one replica. It is SERVING
// while that replica is the master.
func ReplicaService(id models.AdminID) string {
	return fmt.Sprintf("%s/%d", AdminService, id)
}

// Replica is a replica handler mounted under /replicas/{id}
type Replica struct {
	ID      models.AdminID
	Handler http.Handler
}

// Options are the handlers served next to the replicas
type Options struct {
	Replicas []Replica
	// Root is the replica also served at the root of the listener.
	Root models.AdminID
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server represents the admin server
type Server struct {
	config     config.ServerConfig
	opts       Options
	logger     *zap.Logger
	health     *health.Server
	httpServer *http.Server
	grpcServer *grpc.Server
	httpLis    net.Listener
	grpcLis    net.Listener
	wg         sync.WaitGroup
}

// New creates a server; nothing listens until Start
func New(cfg config.ServerConfig, opts Options) (*Server, error) {
	if len(opts.Replicas) == 0 {
		return nil, fmt.Errorf("no replicas to serve")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		config: cfg,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "server")),
		health: health.NewServer(),
	}
	s.SetMaster(0)
	return s, nil
}

// Handler routes /replicas/{id}, /metrics and the root replica
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	var root http.Handler
	for _, rep := range s.opts.Replicas {
		prefix := fmt.Sprintf("/replicas/%d", rep.ID)
		r.PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, rep.Handler))
		if rep.ID == s.opts.Root || root == nil {
			root = rep.Handler
		}
	}
	r.PathPrefix("/").Handler(root)
	return r
}

// SetMaster updates the health statuses; zero means no master
func (s *Server) SetMaster(master models.AdminID) {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if master != 0 {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(AdminService, overall)
	for _, rep := range s.opts.Replicas {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if rep.ID == master {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(ReplicaService(rep.ID), st)
	}
}

// Start binds both listeners and serves in the background. A negative
// gRPC port disables the gRPC listener.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if s.config.GRPCPort >= 0 {
		if err := s.startGRPCServer(); err != nil {
			s.httpServer.Close()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	fields := []zap.Field{zap.String("http", s.HTTPAddr()), zap.Int("replicas", len(s.opts.Replicas))}
	if s.grpcLis != nil {
		fields = append(fields, zap.String("grpc", s.GRPCAddr()))
	}
	s.logger.Info("Server started", fields...)
	return nil
}

// HTTPAddr returns the bound HTTP address
func (s *Server) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address
func (s *Server) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server")
	s.health.Shutdown()

	var err error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if serr := s.httpServer.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("failed to shutdown HTTP server: %w", serr)
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.wg.Wait()
	s.logger.Info("Server stopped")
	return err
}

func (s *Server) startHTTPServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return err
	}
	s.httpLis = lis
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort))
	if err != nil {
		return err
	}
	s.grpcLis = lis
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(s.logger)))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("gRPC call",
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return resp, err
	}
}
