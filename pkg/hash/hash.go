package hash

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// WeightBytes is the number of digest bytes folded into a rendezvous weight.
const WeightBytes = 8

// Digest hashes data with MD5 and folds the first 8 bytes of the digest into an
// unsigned 64-bit integer, little-endian. MD5 is a mixing function here, not a
// security primitive.
func Digest(data []byte) uint64 {
	sum := md5.Sum(data)
	return binary.LittleEndian.Uint64(sum[:WeightBytes])
}

// PartitionWeight computes the rendezvous weight of a node for a partition:
// Digest(nodeHashID ++ bigEndian(int32(part))).
func PartitionWeight(nodeHashID []byte, part int) uint64 {
	buf := make([]byte, len(nodeHashID)+4)
	copy(buf, nodeHashID)
	binary.BigEndian.PutUint32(buf[len(nodeHashID):], uint32(int32(part)))
	return Digest(buf)
}

// HashAddress returns the stable hash identity of a network address (host:port).
// Unlike a node id it survives restarts, so ownership does not reshuffle.
func HashAddress(host string, port int) []byte {
	return []byte(fmt.Sprintf("%s:%d", host, port))
}

// HashKey hashes an arbitrary cache key.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// HashString hashes a string cache key.
func HashString(key string) uint64 {
	return xxhash.Sum64String(key)
}

// KeyPartition maps a key to a partition in [0, parts). parts must be positive.
func KeyPartition(key []byte, parts int) int {
	if parts <= 0 {
		return 0
	}
	return int(HashKey(key) % uint64(parts))
}
