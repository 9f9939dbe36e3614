package affinity

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
)

func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "defaults", cfg: Config{Partitions: DefaultPartitions}},
		{name: "exclude neighbours", cfg: Config{Partitions: 64, ExcludeNeighbors: true}},
		{name: "node id resolver", cfg: Config{Partitions: 32, HashIDResolver: NodeIDHashResolver{}}},
		{
			name: "attribute resolver and filter",
			cfg: Config{
				Partitions:     512,
				HashIDResolver: &AttributeHashResolver{Attribute: cluster.AttrMACs},
				BackupFilter:   &DifferentAttributeFilter{Attribute: cluster.AttrRack},
			},
		},
	}

	codec := NewCodec()
	nodes := createTestNodes(6)
	for i, n := range nodes {
		n.Attributes[cluster.AttrRack] = []string{"a", "b", "c"}[i%3]
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := createTestFunction(t, tt.cfg)

			data, err := fn.MarshalBinary()
			require.NoError(t, err)

			restored, err := codec.Unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, fn.Partitions(), restored.Partitions())
			assert.Equal(t, fn.ExcludeNeighbors(), restored.ExcludeNeighbors())
			assert.Equal(t, fn.HashIDResolver(), restored.HashIDResolver())
			assert.Equal(t, fn.BackupFilter(), restored.BackupFilter())

			// Restored functions compute identical owners.
			for part := 0; part < 16; part++ {
				want, err := fn.AssignPartition(part, nodes, 2, nil)
				require.NoError(t, err)
				got, err := restored.AssignPartition(part, nodes, 2, nil)
				require.NoError(t, err)
				assert.Equal(t, ids(want), ids(got))
			}
		})
	}
}

func TestCodec_WireLayout(t *testing.T) {
	fn := createTestFunction(t, Config{Partitions: 258, ExcludeNeighbors: true})

	data, err := fn.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 1, 2}, data[:4])
	assert.Equal(t, byte(1), data[4])

	// Resolver kind follows the flag.
	assert.Equal(t, []byte{0, byte(len(KindAddressResolver))}, data[5:7])
	assert.Equal(t, KindAddressResolver, string(data[7:7+len(KindAddressResolver)]))

	// Nil filter: empty kind, empty payload.
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, data[len(data)-6:])
}

func TestCodec_Errors(t *testing.T) {
	t.Run("function filter is not serializable", func(t *testing.T) {
		fn := createTestFunction(t, Config{BackupFilter: BackupFilterFunc(func(_, _ *cluster.Node) bool { return true })})
		_, err := fn.MarshalBinary()
		assert.ErrorIs(t, err, pkg.ErrFatalConfiguration)
	})

	t.Run("unknown resolver kind", func(t *testing.T) {
		fn := createTestFunction(t, Config{HashIDResolver: &AttributeHashResolver{Attribute: "x"}})
		data, err := fn.MarshalBinary()
		require.NoError(t, err)

		codec := &Codec{
			resolvers: map[string]func() HashIDResolver{},
			filters:   map[string]func() BackupFilter{},
		}
		_, err = codec.Unmarshal(data)
		assert.ErrorIs(t, err, pkg.ErrFatalConfiguration)
	})

	t.Run("truncated input", func(t *testing.T) {
		fn := createTestFunction(t, Config{})
		data, err := fn.MarshalBinary()
		require.NoError(t, err)

		for _, n := range []int{0, 3, 4, 6, len(data) - 1} {
			_, err := NewCodec().Unmarshal(data[:n])
			assert.Error(t, err, "length %d", n)
		}
	})

	t.Run("lengths beyond input", func(t *testing.T) {
		tests := []struct {
			name string
			data []byte
		}{
			{name: "huge payload", data: []byte{0, 0, 0, 16, 0, 0, 0, 0xff, 0xff, 0xff, 0xf0}},
			{name: "huge kind", data: []byte{0, 0, 0, 16, 0, 0xff, 0xff, 'x'}},
			{name: "payload one byte short", data: []byte{0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 2, 'x'}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := NewCodec().Unmarshal(tt.data)
				assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			})
		}
	})

	t.Run("invalid partition count", func(t *testing.T) {
		_, err := NewCodec().Unmarshal([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
		assert.Error(t, err)
	})
}

func TestCodec_RegisterCustomFilter(t *testing.T) {
	codec := NewCodec()
	codec.RegisterFilter("rack-aware", func() BackupFilter { return &rackFilter{} })

	fn := createTestFunction(t, Config{Partitions: 8, BackupFilter: &rackFilter{}})
	data, err := fn.MarshalBinary()
	require.NoError(t, err)

	restored, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.IsType(t, &rackFilter{}, restored.BackupFilter())
}

type rackFilter struct{}

func (*rackFilter) Kind() string { return "rack-aware" }

func (*rackFilter) AcceptBackup(primary, candidate *cluster.Node) bool {
	return primary.Attribute(cluster.AttrRack) != candidate.Attribute(cluster.AttrRack)
}
