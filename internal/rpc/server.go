package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shale-io/shale/internal/logging"
)

// RequestIDHeader is the metadata key of a caller supplied request id.
const RequestIDHeader = "x-request-id"

var grpcLoggerOnce sync.Once

// RouteGRPCLogs sends grpc-go's own log output through logger. Only the
// first call has an effect.
func RouteGRPCLogs(logger *logging.Logger) {
	grpcLoggerOnce.Do(func() {
		grpclog.SetLoggerV2(zapgrpc.NewLogger(logger.Named("grpc").Zap()))
	})
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// TLS, when set, serves over TLS.
	TLS *tls.Config
	// MaxRecvMsgSize bounds request size. Zero keeps the grpc default.
	MaxRecvMsgSize int
}

// Server is a gRPC server for the shale services.
type Server struct {
	grpc   *grpc.Server
	logger *logging.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a server. A nil logger uses the global logger.
func NewServer(cfg ServerConfig, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Global()
	}
	s := &Server{logger: logger.Named("rpc")}
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(s.intercept)}
	if cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLS)))
	}
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	s.grpc = grpc.NewServer(opts...)
	return s
}

// RegisterTabletServer serves srv as shale.TabletClientService.
func (s *Server) RegisterTabletServer(srv TabletServer) {
	s.grpc.RegisterService(&TabletClientServiceDesc, srv)
}

// RegisterGCMonitor serves m as shale.GCMonitorService.
func (s *Server) RegisterGCMonitor(m GCMonitor) {
	s.grpc.RegisterService(&GCMonitorServiceDesc, m)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()
	s.logger.Infof("rpc server listening", map[string]any{"addr": lis.Addr().String()})
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves in the background. It returns
// once the listener is bound.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Errorf("rpc server stopped", map[string]any{"error": err})
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop waits for in flight calls up to timeout and then closes every
// connection.
func (s *Server) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}

// intercept tags each call with a request id and logger and converts
// domain errors to status errors.
func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDHeader); len(v) > 0 {
			requestID = v[0]
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := s.logger.WithRequestID(requestID)
	ctx = logging.WithRequestIDCtx(ctx, requestID)
	ctx = logging.WithLoggerCtx(ctx, logger)

	start := time.Now()
	resp, err := handler(ctx, req)
	if err == nil {
		logger.Debugf("rpc", map[string]any{"method": info.FullMethod, "ms": time.Since(start).Milliseconds()})
		return resp, nil
	}

	detail, serr := toStatus(err)
	if detail != nil {
		if terr := grpc.SetTrailer(ctx, detail.trailer()); terr != nil {
			logger.Warnf("failed to set error trailer", map[string]any{"error": terr})
		}
	}
	logger.Debugf("rpc failed", map[string]any{
		"method": info.FullMethod,
		"code":   status.Code(serr).String(),
		"error":  err,
		"ms":     time.Since(start).Milliseconds(),
	})
	return nil, serr
}
