package affinity

import (
	"fmt"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
	"github.com/zde37/tessera/pkg/hash"
)

// Built-in strategy kinds, as written to the serialized form.
const (
	KindAddressResolver   = "address"
	KindNodeIDResolver    = "node-id"
	KindAttributeResolver = "attribute"
	KindAttributeFilter   = "different-attribute"
)

// HashIDResolver resolves the identity a node is hashed by. The identity should
// survive node restarts so that ownership does not reshuffle.
type HashIDResolver interface {
	ResolveHashID(n *cluster.Node) ([]byte, error)
}

// BackupFilter decides whether candidate may back up partitions whose primary is
// primary. It is ignored when neighbour exclusion is enabled.
type BackupFilter interface {
	AcceptBackup(primary, candidate *cluster.Node) bool
}

// Kinded is implemented by strategies that can be serialized with the function.
// Strategies that carry state also implement encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler.
type Kinded interface {
	Kind() string
}

// AddressHashResolver hashes nodes by their host:port address. It is the default.
type AddressHashResolver struct{}

func (AddressHashResolver) Kind() string { return KindAddressResolver }

func (AddressHashResolver) ResolveHashID(n *cluster.Node) ([]byte, error) {
	if n == nil || n.Host == "" {
		return nil, fmt.Errorf("%w: node %v has no address", pkg.ErrFatalConfiguration, n)
	}
	return hash.HashAddress(n.Host, n.Port), nil
}

// NodeIDHashResolver hashes nodes by their volatile id. Ownership changes on
// every restart; useful for tests and ephemeral clusters.
type NodeIDHashResolver struct{}

func (NodeIDHashResolver) Kind() string { return KindNodeIDResolver }

func (NodeIDHashResolver) ResolveHashID(n *cluster.Node) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil node", pkg.ErrFatalConfiguration)
	}
	id := n.ID
	return id[:], nil
}

// AttributeHashResolver hashes nodes by a configured attribute, e.g. a
// consistent id assigned by the operator.
type AttributeHashResolver struct {
	Attribute string
}

func (r *AttributeHashResolver) Kind() string { return KindAttributeResolver }

func (r *AttributeHashResolver) ResolveHashID(n *cluster.Node) ([]byte, error) {
	v := n.Attribute(r.Attribute)
	if v == "" {
		return nil, fmt.Errorf("%w: node %v has no attribute %q", pkg.ErrFatalConfiguration, n, r.Attribute)
	}
	return []byte(v), nil
}

func (r *AttributeHashResolver) MarshalBinary() ([]byte, error) {
	return []byte(r.Attribute), nil
}

func (r *AttributeHashResolver) UnmarshalBinary(data []byte) error {
	r.Attribute = string(data)
	return nil
}

// BackupFilterFunc adapts a function to BackupFilter. It cannot be serialized.
type BackupFilterFunc func(primary, candidate *cluster.Node) bool

func (f BackupFilterFunc) AcceptBackup(primary, candidate *cluster.Node) bool {
	return f(primary, candidate)
}

// DifferentAttributeFilter accepts backups whose attribute value differs from
// the primary's, e.g. to keep replicas in another rack.
type DifferentAttributeFilter struct {
	Attribute string
}

func (f *DifferentAttributeFilter) Kind() string { return KindAttributeFilter }

func (f *DifferentAttributeFilter) AcceptBackup(primary, candidate *cluster.Node) bool {
	return primary.Attribute(f.Attribute) != candidate.Attribute(f.Attribute)
}

func (f *DifferentAttributeFilter) MarshalBinary() ([]byte, error) {
	return []byte(f.Attribute), nil
}

func (f *DifferentAttributeFilter) UnmarshalBinary(data []byte) error {
	f.Attribute = string(data)
	return nil
}

// ResolverByName returns a built-in resolver for a config value.
func ResolverByName(name string) (HashIDResolver, error) {
	switch name {
	case "", KindAddressResolver:
		return AddressHashResolver{}, nil
	case KindNodeIDResolver:
		return NodeIDHashResolver{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown hash id resolver %q", pkg.ErrFatalConfiguration, name)
	}
}
