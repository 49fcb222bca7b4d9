package id

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type ID [16]byte

// Size is the encoded length of an ID in bytes.
const Size = 16

func (i ID) Bytes() []byte { return append([]byte(nil), i[:]...) }

func (i ID) String() string { return hex.EncodeToString(i[:]) }

func (i ID) IsZero() bool { return i == ID{} }

// Time returns the millisecond timestamp embedded in the ID.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[:8]))).UTC()
}

// MarshalText encodes the ID as hex so it reads well in JSON.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Parse decodes the 32-character hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != hex.EncodedLen(Size) {
		return out, fmt.Errorf("id: want %d hex chars, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, fmt.Errorf("id: %w", err)
	}
	return out, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, bool) {
	var out ID
	if len(b) != Size {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// Generator hands out strictly increasing IDs. The embedded millisecond
// never goes below the last one issued, so a regressing clock or an exhausted
// sequence borrows from the next millisecond instead.
type Generator struct {
	now func() time.Time

	mu     sync.Mutex
	lastMs int64
	seq    uint64
}

// NewGenerator returns a Generator reading now, or the wall clock when now is
// nil. Stores pass their own clock so ids follow injected test time.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next returns the next ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	switch {
	case ms > g.lastMs:
		g.lastMs, g.seq = ms, 0
	case g.seq == math.MaxUint64:
		g.lastMs, g.seq = g.lastMs+1, 0
	default:
		g.seq++
	}

	var out ID
	binary.BigEndian.PutUint64(out[:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(out[8:], g.seq)
	return out
}
