package affinity

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/zde37/tessera/pkg"
)

// MarshalBinary writes the function in its wire form: the partition count as a
// big-endian int32, the exclude-neighbours flag as one byte, then the hash id
// resolver and the backup filter as opaque objects.
func (r *Rendezvous) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.BigEndian, int32(r.parts))
	if r.excludeNeighbors {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if err := writeObject(&buf, r.resolver); err != nil {
		return nil, fmt.Errorf("marshal hash id resolver: %w", err)
	}

	var filter any
	if r.backupFilter != nil {
		filter = r.backupFilter
	}
	if err := writeObject(&buf, filter); err != nil {
		return nil, fmt.Errorf("marshal backup filter: %w", err)
	}

	return buf.Bytes(), nil
}

// An opaque object is a length-prefixed kind followed by a length-prefixed
// payload. A nil object has an empty kind.
func writeObject(w *bytes.Buffer, v any) error {
	if v == nil {
		_ = binary.Write(w, binary.BigEndian, uint16(0))
		_ = binary.Write(w, binary.BigEndian, uint32(0))
		return nil
	}

	k, ok := v.(Kinded)
	if !ok || k.Kind() == "" {
		return fmt.Errorf("%w: %T is not serializable", pkg.ErrFatalConfiguration, v)
	}
	kind := k.Kind()
	if len(kind) > math.MaxUint16 {
		return fmt.Errorf("%w: kind %q too long", pkg.ErrFatalConfiguration, kind[:32])
	}

	var payload []byte
	if m, ok := v.(encoding.BinaryMarshaler); ok {
		p, err := m.MarshalBinary()
		if err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrFatalConfiguration, err)
		}
		payload = p
	}

	_ = binary.Write(w, binary.BigEndian, uint16(len(kind)))
	w.WriteString(kind)
	_ = binary.Write(w, binary.BigEndian, uint32(len(payload)))
	w.Write(payload)
	return nil
}

// readObject checks every length against the unread input before allocating,
// so a short message cannot demand a large buffer.
func readObject(r *bytes.Reader) (string, []byte, error) {
	var klen uint16
	if err := binary.Read(r, binary.BigEndian, &klen); err != nil {
		return "", nil, err
	}
	if int(klen) > r.Len() {
		return "", nil, fmt.Errorf("kind length %d exceeds remaining %d bytes: %w", klen, r.Len(), io.ErrUnexpectedEOF)
	}
	kind := make([]byte, klen)
	if _, err := io.ReadFull(r, kind); err != nil {
		return "", nil, err
	}

	var plen uint32
	if err := binary.Read(r, binary.BigEndian, &plen); err != nil {
		return "", nil, err
	}
	if int64(plen) > int64(r.Len()) {
		return "", nil, fmt.Errorf("payload length %d exceeds remaining %d bytes: %w", plen, r.Len(), io.ErrUnexpectedEOF)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, err
	}
	return string(kind), payload, nil
}

// Codec restores serialized affinity functions. Strategy kinds are resolved
// through the codec's own registry; the built-in kinds are pre-registered.
type Codec struct {
	mu        sync.RWMutex
	resolvers map[string]func() HashIDResolver
	filters   map[string]func() BackupFilter
}

// NewCodec returns a codec knowing the built-in strategies.
func NewCodec() *Codec {
	c := &Codec{
		resolvers: make(map[string]func() HashIDResolver),
		filters:   make(map[string]func() BackupFilter),
	}
	c.RegisterResolver(KindAddressResolver, func() HashIDResolver { return AddressHashResolver{} })
	c.RegisterResolver(KindNodeIDResolver, func() HashIDResolver { return NodeIDHashResolver{} })
	c.RegisterResolver(KindAttributeResolver, func() HashIDResolver { return &AttributeHashResolver{} })
	c.RegisterFilter(KindAttributeFilter, func() BackupFilter { return &DifferentAttributeFilter{} })
	return c
}

// RegisterResolver makes a resolver kind decodable.
func (c *Codec) RegisterResolver(kind string, factory func() HashIDResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers[kind] = factory
}

// RegisterFilter makes a backup filter kind decodable.
func (c *Codec) RegisterFilter(kind string, factory func() BackupFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[kind] = factory
}

// Unmarshal restores a function written by Rendezvous.MarshalBinary.
func (c *Codec) Unmarshal(data []byte) (*Rendezvous, error) {
	rd := bytes.NewReader(data)

	var parts int32
	if err := binary.Read(rd, binary.BigEndian, &parts); err != nil {
		return nil, fmt.Errorf("read partitions: %w", err)
	}
	flag, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read exclude neighbors: %w", err)
	}

	cfg := Config{
		Partitions:       int(parts),
		ExcludeNeighbors: flag != 0,
	}

	kind, payload, err := readObject(rd)
	if err != nil {
		return nil, fmt.Errorf("read hash id resolver: %w", err)
	}
	if kind != "" {
		c.mu.RLock()
		factory, ok := c.resolvers[kind]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown hash id resolver kind %q", pkg.ErrFatalConfiguration, kind)
		}
		resolver := factory()
		if err := unmarshalPayload(resolver, payload); err != nil {
			return nil, err
		}
		cfg.HashIDResolver = resolver
	}

	kind, payload, err = readObject(rd)
	if err != nil {
		return nil, fmt.Errorf("read backup filter: %w", err)
	}
	if kind != "" {
		c.mu.RLock()
		factory, ok := c.filters[kind]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown backup filter kind %q", pkg.ErrFatalConfiguration, kind)
		}
		filter := factory()
		if err := unmarshalPayload(filter, payload); err != nil {
			return nil, err
		}
		cfg.BackupFilter = filter
	}

	return New(cfg)
}

func unmarshalPayload(v any, payload []byte) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil
	}
	if err := u.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrFatalConfiguration, err)
	}
	return nil
}
