package transport

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tessera/internal/cluster"
)

// Message field names.
const (
	fieldKey        = "key"
	fieldValue      = "value"
	fieldFound      = "found"
	fieldExisted    = "existed"
	fieldVersion    = "version"
	fieldPartition  = "partition"
	fieldOwners     = "owners"
	fieldNode       = "node"
	fieldNodeID     = "node_id"
	fieldMembers    = "members"
	fieldFunction   = "function"
	fieldTopology   = "topology_version"
	fieldID         = "id"
	fieldHost       = "host"
	fieldPort       = "port"
	fieldOrder      = "order"
	fieldAttributes = "attributes"
)

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode message: %v", err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func boolField(s *structpb.Struct, name string) bool {
	return s.GetFields()[name].GetBoolValue()
}

func numberField(s *structpb.Struct, name string) float64 {
	return s.GetFields()[name].GetNumberValue()
}

// bytesField decodes a field written from a []byte. structpb carries bytes
// as base64 strings.
func bytesField(s *structpb.Struct, name string) ([]byte, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return b, nil
}

func requireKey(s *structpb.Struct) (string, error) {
	key := stringField(s, fieldKey)
	if key == "" {
		return "", status.Error(codes.InvalidArgument, "key cannot be empty")
	}
	return key, nil
}

func nodeToMap(n *cluster.Node) map[string]any {
	attrs := make(map[string]any, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		fieldID:         n.ID.String(),
		fieldHost:       n.Host,
		fieldPort:       n.Port,
		fieldOrder:      n.Order,
		fieldAttributes: attrs,
	}
}

func nodesToList(nodes []*cluster.Node) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = nodeToMap(n)
	}
	return out
}

func nodeFromStruct(s *structpb.Struct) (*cluster.Node, error) {
	if s == nil {
		return nil, fmt.Errorf("missing node")
	}
	id, err := cluster.ParseNodeID(stringField(s, fieldID))
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}

	attrs := map[string]string{}
	for k, v := range s.GetFields()[fieldAttributes].GetStructValue().GetFields() {
		attrs[k] = v.GetStringValue()
	}

	n := cluster.NewNode(id, stringField(s, fieldHost), int(numberField(s, fieldPort)), attrs)
	n.Order = int64(numberField(s, fieldOrder))
	return n, nil
}

func nodesFromList(l *structpb.ListValue) ([]*cluster.Node, error) {
	nodes := make([]*cluster.Node, 0, len(l.GetValues()))
	for _, v := range l.GetValues() {
		n, err := nodeFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
