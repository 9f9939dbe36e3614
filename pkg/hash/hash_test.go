package hash

import (
	"crypto/md5"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		check func(*testing.T, uint64)
	}{
		{
			name: "deterministic",
			data: []byte("node-a"),
			check: func(t *testing.T, h uint64) {
				assert.Equal(t, h, Digest([]byte("node-a")))
			},
		},
		{
			name: "different inputs produce different hashes",
			data: []byte("node-a"),
			check: func(t *testing.T, h uint64) {
				assert.NotEqual(t, h, Digest([]byte("node-b")))
			},
		},
		{
			name: "little-endian fold of the md5 prefix",
			data: []byte("abc"),
			check: func(t *testing.T, h uint64) {
				sum := md5.Sum([]byte("abc"))
				var want uint64
				for i := 0; i < WeightBytes; i++ {
					want |= uint64(sum[i]) << (8 * i)
				}
				assert.Equal(t, want, h)
			},
		},
		{
			name: "empty data",
			data: []byte{},
			check: func(t *testing.T, h uint64) {
				assert.NotZero(t, h)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Digest(tt.data))
		})
	}
}

func TestPartitionWeight(t *testing.T) {
	id := []byte("127.0.0.1:8440")

	t.Run("appends big-endian partition", func(t *testing.T) {
		buf := append([]byte{}, id...)
		buf = binary.BigEndian.AppendUint32(buf, 7)
		assert.Equal(t, Digest(buf), PartitionWeight(id, 7))
	})

	t.Run("does not mutate the id", func(t *testing.T) {
		cp := append([]byte{}, id...)
		PartitionWeight(id, 3)
		assert.Equal(t, cp, id)
	})

	t.Run("varies by partition", func(t *testing.T) {
		seen := make(map[uint64]bool)
		for p := 0; p < 64; p++ {
			seen[PartitionWeight(id, p)] = true
		}
		assert.Len(t, seen, 64)
	})
}

func TestHashAddress(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
	}{
		{name: "localhost", host: "127.0.0.1", port: 8080},
		{name: "hostname", host: "example.com", port: 443},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := HashAddress(tt.host, tt.port)
			require.NotEmpty(t, id)
			assert.Equal(t, id, HashAddress(tt.host, tt.port))
			assert.NotEqual(t, id, HashAddress(tt.host, tt.port+1))
		})
	}
}

func TestKeyPartition(t *testing.T) {
	t.Run("in range", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			p := KeyPartition([]byte{byte(i), byte(i >> 8)}, 37)
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, 37)
		}
	})

	t.Run("stable", func(t *testing.T) {
		assert.Equal(t, KeyPartition([]byte("user:1"), 1024), KeyPartition([]byte("user:1"), 1024))
		assert.Equal(t, HashKey([]byte("user:1")), HashString("user:1"))
	})

	t.Run("non-positive partitions", func(t *testing.T) {
		assert.Equal(t, 0, KeyPartition([]byte("k"), 0))
	})

	t.Run("spreads keys", func(t *testing.T) {
		counts := make([]int, 16)
		for i := 0; i < 16000; i++ {
			counts[KeyPartition([]byte{byte(i), byte(i >> 8), byte(i >> 16)}, 16)]++
		}
		for _, c := range counts {
			assert.Greater(t, c, 500)
		}
	})
}
