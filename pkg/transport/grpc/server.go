// Package grpc serves and calls the management API over gRPC with a JSON
// codec, so no generated protobuf types are needed.
package grpc

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-quorum/pkg/cluster"
	"github.com/amirimatin/go-quorum/pkg/internal/logutil"
	"github.com/amirimatin/go-quorum/pkg/transport"
)

const serviceName = "quorum.v1.Management"

// methods maps gRPC method names to management ops.
var methods = map[string]string{
	"CreateCluster":  transport.OpCreate,
	"AddMember":      transport.OpAdd,
	"MarkMemberDown": transport.OpDown,
	"MarkMemberUp":   transport.OpUp,
	"RemoveMember":   transport.OpRemove,
	"Partition":      transport.OpPartition,
	"Isolate":        transport.OpIsolate,
	"Heal":           transport.OpHeal,
	"UpdateFacts":    transport.OpFacts,
	"Status":         transport.OpStatus,
	"List":           transport.OpList,
	"JoinReplica":    transport.OpJoin,
	"LeaveReplica":   transport.OpLeave,
}

// methodFor is the inverse of methods.
func methodFor(op string) (string, bool) {
	for name, o := range methods {
		if o == op {
			return "/" + serviceName + "/" + name, true
		}
	}
	return "", false
}

// Server implements transport.RPCServer over gRPC.
type Server struct {
	bind   string
	logger *log.Logger

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
}

// NewServer binds to the given TCP address on Start.
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// managementServer is the handler type registered with the service.
type managementServer interface {
	call(ctx context.Context, op string, in *transport.Request) (*transport.Reply, error)
	watch(in *transport.Request, stream grpc.ServerStream) error
}

type mgmtImpl struct{ h *transport.Handler }

func (m *mgmtImpl) call(ctx context.Context, op string, in *transport.Request) (*transport.Reply, error) {
	if in == nil {
		in = &transport.Request{}
	}
	in.Op = op
	out := m.h.Handle(ctx, *in)
	return &out, nil
}

func (m *mgmtImpl) watch(in *transport.Request, stream grpc.ServerStream) error {
	return m.h.Watch(stream.Context(), in.ClusterID, func(ev cluster.Event) error {
		return stream.SendMsg(&ev)
	})
}

func serviceDesc() *grpc.ServiceDesc {
	sd := &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*managementServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler:       watchHandler,
		}},
	}
	for name, op := range methods {
		sd.Methods = append(sd.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, op)})
	}
	return sd
}

func unaryHandler(name, op string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + serviceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(transport.Request)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(managementServer).call(ctx, op, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(managementServer).call(ctx, op, req.(*transport.Request))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(transport.Request)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(managementServer).watch(in, stream)
}

// Start listens and serves until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context, h *transport.Handler) error {
	if h == nil || h.Coord == nil {
		return fmt.Errorf("grpc: handler with coordinator required")
	}
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(serviceDesc(), &mgmtImpl{h: h})

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logutil.Errorf(s.logger, "grpc: server error: %v", err)
		}
	}()
	logutil.Infof(s.logger, "grpc: management API on %s", lis.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop drains in-flight calls, falling back to a hard stop after a short
// grace period or when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	case <-time.After(2 * time.Second):
		srv.Stop()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
