package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
)

// Dialer opens raw connections; tests plug in in-memory listeners.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// ClientOption customizes a GRPCClient.
type ClientOption func(*GRPCClient)

// WithAuthToken sends token with every call.
func WithAuthToken(token string) ClientOption {
	return func(c *GRPCClient) { c.authToken = token }
}

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *GRPCClient) { c.dialer = d }
}

// GRPCClient manages connections to remote grid nodes.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string
	dialer    Dialer

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for RPC calls
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration, opts ...ClientOption) *GRPCClient {
	c := &GRPCClient{
		logger:      pkg.OrNop(logger).WithFields(pkg.Fields{"component": "grpc_client"}),
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	target := address
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if c.authToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials(c.authToken)))
	}
	if c.dialer != nil {
		target = "passthrough:///" + address
		opts = append(opts, grpc.WithContextDialer(c.dialer))
	}

	newConn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

func (c *GRPCClient) invoke(ctx context.Context, address, method string, req *structpb.Struct) (*structpb.Struct, error) {
	conn, err := c.getConnection(address)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if req == nil {
		req = &structpb.Struct{}
	}

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, fmt.Errorf("%s RPC to %s failed: %w", method, address, FromStatus(err))
	}
	return resp, nil
}

// Get reads key on a remote node.
func (c *GRPCClient) Get(ctx context.Context, address, key string) ([]byte, bool, error) {
	req, err := newStruct(map[string]any{fieldKey: key})
	if err != nil {
		return nil, false, err
	}
	resp, err := c.invoke(ctx, address, MethodGet, req)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := bytesField(resp, fieldValue)
	if err != nil {
		return nil, false, err
	}
	return v, boolField(resp, fieldFound), nil
}

// Put writes key on a remote node.
func (c *GRPCClient) Put(ctx context.Context, address, key string, value []byte) error {
	req, err := newStruct(map[string]any{fieldKey: key, fieldValue: value})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, address, MethodPut, req)
	return err
}

// Remove deletes key on a remote node.
func (c *GRPCClient) Remove(ctx context.Context, address, key string) (bool, error) {
	req, err := newStruct(map[string]any{fieldKey: key})
	if err != nil {
		return false, err
	}
	resp, err := c.invoke(ctx, address, MethodRemove, req)
	if err != nil {
		return false, err
	}
	return boolField(resp, fieldExisted), nil
}

// OwnersResult is the remote view of a key's owners.
type OwnersResult struct {
	Partition       int
	TopologyVersion int64
	Owners          []*cluster.Node
}

// Owners asks a remote node who owns key.
func (c *GRPCClient) Owners(ctx context.Context, address, key string) (*OwnersResult, error) {
	req, err := newStruct(map[string]any{fieldKey: key})
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, address, MethodOwners, req)
	if err != nil {
		return nil, err
	}
	owners, err := nodesFromList(resp.GetFields()[fieldOwners].GetListValue())
	if err != nil {
		return nil, err
	}
	return &OwnersResult{
		Partition:       int(numberField(resp, fieldPartition)),
		TopologyVersion: int64(numberField(resp, fieldTopology)),
		Owners:          owners,
	}, nil
}

// AffinityConfig fetches the serialized affinity function of a remote node.
func (c *GRPCClient) AffinityConfig(ctx context.Context, address string) ([]byte, error) {
	resp, err := c.invoke(ctx, address, MethodAffinityConfig, nil)
	if err != nil {
		return nil, err
	}
	return bytesField(resp, fieldFunction)
}

// NodeInfo describes a remote node and its view of the topology.
type NodeInfo struct {
	Node            *cluster.Node
	TopologyVersion int64
	Members         []*cluster.Node
}

// NodeInfo fetches the identity and topology view of a remote node.
func (c *GRPCClient) NodeInfo(ctx context.Context, address string) (*NodeInfo, error) {
	resp, err := c.invoke(ctx, address, MethodNodeInfo, nil)
	if err != nil {
		return nil, err
	}
	node, err := nodeFromStruct(resp.GetFields()[fieldNode].GetStructValue())
	if err != nil {
		return nil, err
	}
	members, err := nodesFromList(resp.GetFields()[fieldMembers].GetListValue())
	if err != nil {
		return nil, err
	}
	return &NodeInfo{
		Node:            node,
		TopologyVersion: int64(numberField(resp, fieldTopology)),
		Members:         members,
	}, nil
}

// Join announces local to a remote node and returns the remote member list.
// function is the serialized local affinity function.
func (c *GRPCClient) Join(ctx context.Context, address string, local *cluster.Node, function []byte) ([]*cluster.Node, error) {
	req, err := newStruct(map[string]any{
		fieldNode:     nodeToMap(local),
		fieldFunction: function,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, address, MethodJoin, req)
	if err != nil {
		return nil, err
	}
	return nodesFromList(resp.GetFields()[fieldMembers].GetListValue())
}

// Leave tells a remote node that id left.
func (c *GRPCClient) Leave(ctx context.Context, address string, id cluster.NodeID) error {
	req, err := newStruct(map[string]any{fieldNodeID: id.String()})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, address, MethodLeave, req)
	return err
}

// Close closes all pooled connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	var errs []error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	c.connections = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}
