package transport

import (
	"context"
	"errors"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/internal/grid"
	"github.com/zde37/tessera/pkg"
)

// Router sends key operations to the key's primary owner: the local cache
// when this node is primary, a remote node otherwise.
type Router struct {
	grid   *grid.Grid
	client *GRPCClient
	logger *pkg.Logger
}

// NewRouter creates a router for g that reaches peers through client.
func NewRouter(g *grid.Grid, client *GRPCClient, logger *pkg.Logger) *Router {
	return &Router{
		grid:   g,
		client: client,
		logger: pkg.OrNop(logger).Component("router"),
	}
}

// primary returns the remote primary of key, or nil when the local node
// serves it.
func (r *Router) primary(key string) *cluster.Node {
	p := r.grid.Topology().Primary(key)
	if p == nil || p.ID == r.grid.Local().ID {
		return nil
	}
	return p
}

// Get reads key from its primary.
func (r *Router) Get(ctx context.Context, key string) ([]byte, error) {
	p := r.primary(key)
	if p == nil {
		return r.grid.Cache().Get(ctx, key)
	}

	v, ok, err := r.client.Get(ctx, p.Address(), key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pkg.ErrKeyNotFound
	}
	return v, nil
}

// Put writes key on its primary.
func (r *Router) Put(ctx context.Context, key string, value []byte) error {
	p := r.primary(key)
	if p == nil {
		return r.grid.Cache().Put(ctx, nil, key, value)
	}
	r.logger.Debug().Str("key", key).Str("primary", p.Address()).Msg("forwarding put")
	return r.client.Put(ctx, p.Address(), key, value)
}

// Remove deletes key on its primary.
func (r *Router) Remove(ctx context.Context, key string) (bool, error) {
	p := r.primary(key)
	if p == nil {
		return r.grid.Cache().Remove(ctx, nil, key)
	}
	return r.client.Remove(ctx, p.Address(), key)
}

// Bootstrap joins the grid through peers. Every member learned along the way
// is added to the local topology and told about the local node, so all
// members converge on the same member set. Unreachable peers are skipped;
// Bootstrap fails only when no peer answered.
func (r *Router) Bootstrap(ctx context.Context, peers []string) error {
	if len(peers) == 0 {
		return nil
	}

	function, err := r.grid.AffinityConfig()
	if err != nil {
		return err
	}

	local := r.grid.Local()
	contacted := map[string]bool{local.Address(): true}
	queue := append([]string{}, peers...)
	var lastErr error
	answered := 0

	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		if contacted[addr] {
			continue
		}
		contacted[addr] = true

		members, err := r.client.Join(ctx, addr, local, function)
		if err != nil {
			r.logger.Warn().Err(err).Str("peer", addr).Msg("failed to join through peer")
			if errors.Is(err, pkg.ErrFatalConfiguration) {
				return err
			}
			lastErr = err
			continue
		}
		answered++

		for _, m := range members {
			if m.ID == local.ID {
				continue
			}
			if err := r.grid.Join(ctx, m); err != nil {
				return err
			}
			if !contacted[m.Address()] {
				queue = append(queue, m.Address())
			}
		}
	}

	if answered == 0 {
		return lastErr
	}
	r.logger.Info().Int("members", r.grid.Topology().Snapshot().Size()).Msg("joined grid")
	return nil
}

// Depart tells every other member that the local node leaves.
func (r *Router) Depart(ctx context.Context) error {
	local := r.grid.Local()
	var errs []error
	for _, m := range r.grid.Topology().Snapshot().Nodes {
		if m.ID == local.ID {
			continue
		}
		if err := r.client.Leave(ctx, m.Address(), local.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
