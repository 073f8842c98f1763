package gallery

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// encodeVector packs a float32 vector into a little-endian blob and returns
// the blob plus its CRC-32 checksum. The checksum is stored alongside the row
// and verified on every read so a corrupted row can never be matched against.
func encodeVector(vec []float32) ([]byte, uint32) {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf, crc32.ChecksumIEEE(buf)
}

// decodeVector unpacks a blob written by encodeVector, verifying length and
// checksum. Returns ErrCorrupt on any mismatch.
func decodeVector(blob []byte, checksum uint32, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("%w: blob length %d does not match dim %d", ErrCorrupt, len(blob), dim)
	}
	if crc32.ChecksumIEEE(blob) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
