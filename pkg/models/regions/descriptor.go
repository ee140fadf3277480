package regions

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// KeyBound is a row-key boundary of a region. An empty bound means minus
// infinity when used as a start key and plus infinity when used as an end key.
type KeyBound []byte

// RegionDescriptor identifies one contiguous key-range partition of a table.
// Descriptors are immutable: construct them with NewRegionDescriptor and
// never mutate the fields afterwards.
type RegionDescriptor struct {
	Table    string   `json:"table"`
	StartKey KeyBound `json:"start_key"`
	EndKey   KeyBound `json:"end_key"`
	ID       int64    `json:"region_id"`
}

func NewRegionDescriptor(table string, startKey, endKey []byte, id int64) *RegionDescriptor {
	return &RegionDescriptor{
		Table:    table,
		StartKey: bytes.Clone(startKey),
		EndKey:   bytes.Clone(endKey),
		ID:       id,
	}
}

func CmpKeysLess(kr []byte, other []byte) bool {
	return bytes.Compare(kr, other) < 0
}

func CmpKeysEqual(kr []byte, other []byte) bool {
	return bytes.Equal(kr, other)
}

// CmpEndKeysLess orders end keys, treating the empty key as plus infinity.
func CmpEndKeysLess(kr []byte, other []byte) bool {
	if len(kr) == 0 {
		return false
	}
	if len(other) == 0 {
		return true
	}
	return bytes.Compare(kr, other) < 0
}

// Compare orders descriptors by (table, start key, region id).
func (rd *RegionDescriptor) Compare(other *RegionDescriptor) int {
	if c := bytes.Compare([]byte(rd.Table), []byte(other.Table)); c != 0 {
		return c
	}
	if c := bytes.Compare(rd.StartKey, other.StartKey); c != 0 {
		return c
	}
	switch {
	case rd.ID < other.ID:
		return -1
	case rd.ID > other.ID:
		return 1
	default:
		return 0
	}
}

func (rd *RegionDescriptor) Equal(other *RegionDescriptor) bool {
	return rd.Compare(other) == 0
}

// Adjacent reports whether a and b are neighbouring regions of the same
// table, in either order.
func Adjacent(a *RegionDescriptor, b *RegionDescriptor) bool {
	if a == nil || b == nil || a.Table != b.Table {
		return false
	}
	lower, higher := a, b
	if CmpKeysLess(b.StartKey, a.StartKey) {
		lower, higher = b, a
	}
	return CmpKeysEqual(lower.EndKey, higher.StartKey)
}

// Name is the full binary region name recorded in the catalog:
// table, start key and region id joined with ',' plus the trailing
// encoded-name suffix.
func (rd *RegionDescriptor) Name() []byte {
	var buf bytes.Buffer
	buf.WriteString(rd.Table)
	buf.WriteByte(',')
	buf.Write(rd.StartKey)
	buf.WriteByte(',')
	fmt.Fprintf(&buf, "%d", rd.ID)
	buf.WriteByte('.')
	buf.WriteString(rd.EncodedName())
	buf.WriteByte('.')
	return buf.Bytes()
}

// EncodedName is the short filesystem-safe identifier of the region, derived
// deterministically from (table, start key, id).
func (rd *RegionDescriptor) EncodedName() string {
	var buf bytes.Buffer
	buf.WriteString(rd.Table)
	buf.WriteByte(',')
	buf.Write(rd.StartKey)
	buf.WriteByte(',')
	fmt.Fprintf(&buf, "%d", rd.ID)

	h1, h2 := murmur3.Sum128(buf.Bytes())
	var sum [16]byte
	for i := 0; i < 8; i++ {
		sum[i] = byte(h1 >> (8 * (7 - i)))
		sum[8+i] = byte(h2 >> (8 * (7 - i)))
	}
	return hex.EncodeToString(sum[:])
}

func (rd *RegionDescriptor) String() string {
	return fmt.Sprintf("%s,%s,%d.%s.", rd.Table, rd.StartKey, rd.ID, rd.EncodedName())
}
