package regions

import (
	"encoding/binary"
	"encoding/json"

	"github.com/tab-sharding/tabrs/pkg/models/rserror"
)

// ToDelimited serializes the descriptors one after another, each prefixed
// with a big-endian uint32 length. Transition-node payloads use this layout.
func ToDelimited(descs ...*RegionDescriptor) ([]byte, error) {
	var out []byte
	for _, rd := range descs {
		raw, err := json.Marshal(rd)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		out = append(out, lenBuf[:]...)
		out = append(out, raw...)
	}
	return out, nil
}

// ParseDelimited decodes a ToDelimited payload back into descriptors.
func ParseDelimited(payload []byte) ([]*RegionDescriptor, error) {
	var descs []*RegionDescriptor
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, rserror.Newf(rserror.RS_METADATA_CORRUPTION, "truncated delimited descriptor payload: %d trailing bytes", len(payload))
		}
		n := binary.BigEndian.Uint32(payload[:4])
		payload = payload[4:]
		if uint32(len(payload)) < n {
			return nil, rserror.Newf(rserror.RS_METADATA_CORRUPTION, "truncated delimited descriptor payload: want %d bytes, have %d", n, len(payload))
		}
		rd := &RegionDescriptor{}
		if err := json.Unmarshal(payload[:n], rd); err != nil {
			return nil, err
		}
		descs = append(descs, rd)
		payload = payload[n:]
	}
	return descs, nil
}
