package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/internal/grid"
	"github.com/zde37/tessera/pkg"
)

// GRPCServer exposes a grid node over gRPC.
type GRPCServer struct {
	grid      *grid.Grid
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string // Authentication token for node-to-node communication

	// Server address
	address  string
	listener net.Listener
}

var _ GridServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates a new gRPC server for the given node.
func NewGRPCServer(g *grid.Grid, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if g == nil {
		return nil, fmt.Errorf("grid cannot be nil")
	}

	s := &GRPCServer{
		grid:      g,
		address:   address,
		authToken: authToken,
		logger:    pkg.OrNop(logger).WithFields(pkg.Fields{"component": "grpc_server"}),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(s.logger),
			AuthInterceptor(s.authToken),
			ErrorInterceptor(),
		),
	}
	s.server = grpc.NewServer(opts...)
	RegisterGridServiceServer(s.server, s)
	reflection.Register(s.server)

	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener in the background.
func (s *GRPCServer) Serve(listener net.Listener) error {
	s.listener = listener
	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")
	s.server.GracefulStop()
	return nil
}

// Get reads {key}. Response: {found, value, version}.
func (s *GRPCServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}

	v, ver, ok := s.grid.Cache().Peek(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkg.ErrKeyNotFound, key)
	}
	return newStruct(map[string]any{
		fieldFound:   true,
		fieldValue:   v,
		fieldVersion: uint64(ver),
	})
}

// Put writes {key, value}. Response: {}.
func (s *GRPCServer) Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}
	value, err := bytesField(req, fieldValue)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.grid.Cache().Put(ctx, nil, key, value); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

// Remove deletes {key}. Response: {existed}.
func (s *GRPCServer) Remove(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}

	existed, err := s.grid.Cache().Remove(ctx, nil, key)
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{fieldExisted: existed})
}

// Owners resolves {key}. Response: {partition, topology_version, owners}.
func (s *GRPCServer) Owners(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := requireKey(req)
	if err != nil {
		return nil, err
	}

	topo := s.grid.Topology()
	a := topo.Current()
	part := topo.Partition(key)
	return newStruct(map[string]any{
		fieldPartition: part,
		fieldTopology:  a.Version,
		fieldOwners:    nodesToList(a.Owners(part)),
	})
}

// AffinityConfig returns {function}: the serialized affinity function.
func (s *GRPCServer) AffinityConfig(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	data, err := s.grid.AffinityConfig()
	if err != nil {
		return nil, err
	}
	return newStruct(map[string]any{fieldFunction: data})
}

// NodeInfo returns {node, topology_version, members}.
func (s *GRPCServer) NodeInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.grid.Topology().Snapshot()
	return newStruct(map[string]any{
		fieldNode:     nodeToMap(s.grid.Local()),
		fieldTopology: snap.Version,
		fieldMembers:  nodesToList(snap.Nodes),
	})
}

// Join adds {node, function} to the topology after checking that the
// joining node partitions keys the same way. Response: {members}.
func (s *GRPCServer) Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n, err := nodeFromStruct(req.GetFields()[fieldNode].GetStructValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	fn, err := bytesField(req, fieldFunction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.grid.CheckAffinity(fn); err != nil {
		s.logger.Error().Err(err).Str("node", n.String()).Msg("rejected node with incompatible affinity")
		return nil, err
	}

	if err := s.grid.Join(ctx, n); err != nil {
		return nil, err
	}
	return newStruct(map[string]any{
		fieldMembers: nodesToList(s.grid.Topology().Snapshot().Nodes),
	})
}

// Leave removes {node_id} from the topology. Response: {}.
func (s *GRPCServer) Leave(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := cluster.ParseNodeID(stringField(req, fieldNodeID))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid node id: %v", err)
	}
	if err := s.grid.Leave(ctx, id); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}
