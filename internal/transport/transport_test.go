package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zde37/tessera/internal/config"
	"github.com/zde37/tessera/internal/grid"
	"github.com/zde37/tessera/pkg"
)

// bufNetwork routes node addresses to in-memory listeners.
type bufNetwork struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func newBufNetwork() *bufNetwork {
	return &bufNetwork{listeners: make(map[string]*bufconn.Listener)}
}

func (n *bufNetwork) listen(address string) *bufconn.Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := bufconn.Listen(1024 * 1024)
	n.listeners[address] = l
	return l
}

func (n *bufNetwork) dial(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	l := n.listeners[address]
	n.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("no listener at %s", address)
	}
	return l.DialContext(ctx)
}

type testNode struct {
	grid   *grid.Grid
	server *GRPCServer
	client *GRPCClient
	router *Router
}

func (n *testNode) address() string { return n.grid.Local().Address() }

type nodeOptions struct {
	partitions  int
	lockTimeout time.Duration
	serverToken string
	clientToken string
}

func startTestNode(t *testing.T, network *bufNetwork, i int, opts nodeOptions) *testNode {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Host = fmt.Sprintf("node-%d", i)
	cfg.Port = 8440
	cfg.Partitions = 64
	if opts.partitions > 0 {
		cfg.Partitions = opts.partitions
	}
	cfg.LockTimeout = time.Second
	if opts.lockTimeout > 0 {
		cfg.LockTimeout = opts.lockTimeout
	}

	g, err := grid.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	server, err := NewGRPCServer(g, g.Local().Address(), opts.serverToken, nil)
	require.NoError(t, err)
	require.NoError(t, server.Serve(network.listen(g.Local().Address())))

	client := NewGRPCClient(nil, 2*time.Second, WithDialer(network.dial), WithAuthToken(opts.clientToken))
	n := &testNode{
		grid:   g,
		server: server,
		client: client,
		router: NewRouter(g, client, nil),
	}

	t.Cleanup(func() {
		client.Close()
		server.Stop()
		g.Shutdown(context.Background())
	})
	return n
}

func TestNewGRPCServer_NilGrid(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:0", "", nil)
	assert.Error(t, err)
}

func TestGRPC_KeyOperations(t *testing.T) {
	network := newBufNetwork()
	server := startTestNode(t, network, 0, nodeOptions{})
	caller := startTestNode(t, network, 1, nodeOptions{})
	ctx := context.Background()
	addr := server.address()

	v, ok, err := caller.client.Get(ctx, addr, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	require.NoError(t, caller.client.Put(ctx, addr, "k", []byte{0x00, 0xff, 'v'}))

	v, ok, err = caller.client.Get(ctx, addr, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xff, 'v'}, v)

	local, err := server.grid.Cache().Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, v, local)

	existed, err := caller.client.Remove(ctx, addr, "k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = caller.client.Remove(ctx, addr, "k")
	require.NoError(t, err)
	assert.False(t, existed)

	_, _, err = caller.client.Get(ctx, addr, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_LockTimeoutCrossesTheWire(t *testing.T) {
	network := newBufNetwork()
	server := startTestNode(t, network, 0, nodeOptions{lockTimeout: 50 * time.Millisecond})
	caller := startTestNode(t, network, 1, nodeOptions{})
	ctx := context.Background()

	ec := server.grid.Registry().NewContext()
	_, err := server.grid.Cache().Lock(ctx, ec, "k", time.Second)
	require.NoError(t, err)

	err = caller.client.Put(ctx, server.address(), "k", []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrTimeout)
	assert.True(t, pkg.IsRetryable(err))

	require.NoError(t, server.grid.Cache().Unlock(ec, "k"))
	require.NoError(t, caller.client.Put(ctx, server.address(), "k", []byte("v")))
}

func TestGRPC_NodeInfoAndOwners(t *testing.T) {
	network := newBufNetwork()
	server := startTestNode(t, network, 0, nodeOptions{})
	caller := startTestNode(t, network, 1, nodeOptions{})
	ctx := context.Background()

	info, err := caller.client.NodeInfo(ctx, server.address())
	require.NoError(t, err)
	assert.Equal(t, server.grid.Local().ID, info.Node.ID)
	assert.Equal(t, server.grid.Local().Host, info.Node.Host)
	assert.Equal(t, int64(1), info.TopologyVersion)
	require.Len(t, info.Members, 1)

	owners, err := caller.client.Owners(ctx, server.address(), "k")
	require.NoError(t, err)
	assert.Equal(t, server.grid.Topology().Partition("k"), owners.Partition)
	require.Len(t, owners.Owners, 1)
	assert.Equal(t, server.grid.Local().ID, owners.Owners[0].ID)

	data, err := caller.client.AffinityConfig(ctx, server.address())
	require.NoError(t, err)
	assert.NoError(t, caller.grid.CheckAffinity(data))
}

func TestGRPC_Auth(t *testing.T) {
	network := newBufNetwork()
	server := startTestNode(t, network, 0, nodeOptions{serverToken: "secret"})
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		code  codes.Code
	}{
		{name: "missing token", token: "", code: codes.Unauthenticated},
		{name: "wrong token", token: "guess", code: codes.Unauthenticated},
		{name: "valid token", token: "secret", code: codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewGRPCClient(nil, time.Second, WithDialer(network.dial), WithAuthToken(tt.token))
			defer client.Close()

			_, err := client.NodeInfo(ctx, server.address())
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestRouter_Bootstrap(t *testing.T) {
	network := newBufNetwork()
	nodes := []*testNode{
		startTestNode(t, network, 0, nodeOptions{}),
		startTestNode(t, network, 1, nodeOptions{}),
		startTestNode(t, network, 2, nodeOptions{}),
	}
	ctx := context.Background()

	require.NoError(t, nodes[0].router.Bootstrap(ctx, nil))
	require.NoError(t, nodes[1].router.Bootstrap(ctx, []string{nodes[0].address()}))
	// Node 2 only knows node 1 and learns about node 0 through it.
	require.NoError(t, nodes[2].router.Bootstrap(ctx, []string{nodes[1].address()}))

	for _, n := range nodes {
		assert.Equal(t, 3, n.grid.Topology().Snapshot().Size(), n.address())
	}

	// Every node agrees on every owner list.
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		want := nodes[0].grid.Owners(key)
		for _, n := range nodes[1:] {
			got := n.grid.Owners(key)
			require.Len(t, got, len(want))
			for j := range want {
				assert.Equal(t, want[j].ID, got[j].ID, "key %s owner %d", key, j)
			}
		}
	}

	// Writes through any node land on the primary and read back from any node.
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("key-%d", i)
		writer := nodes[i%3]
		require.NoError(t, writer.router.Put(ctx, key, []byte(key)))

		for _, n := range nodes {
			v, err := n.router.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte(key), v)

			_, _, local := n.grid.Cache().Peek(key)
			assert.Equal(t, n.grid.IsPrimary(key), local, "only the primary stores %s", key)
		}
	}

	existed, err := nodes[1].router.Remove(ctx, "key-0")
	require.NoError(t, err)
	assert.True(t, existed)
	_, err = nodes[2].router.Get(ctx, "key-0")
	assert.ErrorIs(t, err, pkg.ErrKeyNotFound)

	require.NoError(t, nodes[2].router.Depart(ctx))
	assert.Equal(t, 2, nodes[0].grid.Topology().Snapshot().Size())
	assert.Equal(t, 2, nodes[1].grid.Topology().Snapshot().Size())
}

func TestRouter_BootstrapRejectsIncompatibleAffinity(t *testing.T) {
	network := newBufNetwork()
	seed := startTestNode(t, network, 0, nodeOptions{partitions: 64})
	other := startTestNode(t, network, 1, nodeOptions{partitions: 128})
	ctx := context.Background()

	err := other.router.Bootstrap(ctx, []string{seed.address()})
	assert.ErrorIs(t, err, pkg.ErrFatalConfiguration)
	assert.Equal(t, 1, seed.grid.Topology().Snapshot().Size())
}

func TestRouter_BootstrapUnreachable(t *testing.T) {
	network := newBufNetwork()
	n := startTestNode(t, network, 0, nodeOptions{})

	err := n.router.Bootstrap(context.Background(), []string{"nowhere:1"})
	assert.Error(t, err)
	assert.Equal(t, 1, n.grid.Topology().Snapshot().Size())
}
