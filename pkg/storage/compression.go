package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/vjranagit/serverwatch/pkg/types"
)

// errCorruptBlock is returned when a block payload cannot be decoded.
var errCorruptBlock = errors.New("corrupt block")

// missingBits marks a sample without a value. It is a quiet NaN, which never
// reaches the store as a real observation.
var missingBits = math.Float64bits(math.NaN())

// Compressor encodes sample blocks and backlog messages.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor. Levels 1 to 4 map to the zstd presets from
// fastest to best compression; anything else uses the default.
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// EncodeSamples packs samples sorted by timestamp into one block: the sample
// count, delta-of-delta timestamps and XOR'd value bits, all varint encoded and
// then zstd compressed.
func (c *Compressor) EncodeSamples(samples []types.Sample) []byte {
	buf := make([]byte, 0, 16+len(samples)*4)
	buf = binary.AppendUvarint(buf, uint64(len(samples)))

	var prevTS, prevDelta int64
	for i, s := range samples {
		switch i {
		case 0:
			buf = binary.AppendVarint(buf, s.Timestamp)
		default:
			delta := s.Timestamp - prevTS
			buf = binary.AppendVarint(buf, delta-prevDelta)
			prevDelta = delta
		}
		prevTS = s.Timestamp
	}

	var prevBits uint64
	for _, s := range samples {
		bits := missingBits
		if s.Value != nil {
			bits = math.Float64bits(*s.Value)
		}
		buf = binary.AppendUvarint(buf, bits^prevBits)
		prevBits = bits
	}

	return c.encoder.EncodeAll(buf, nil)
}

// DecodeSamples reverses EncodeSamples.
func (c *Compressor) DecodeSamples(data []byte) ([]types.Sample, error) {
	if len(data) == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	count, n := binary.Uvarint(raw)
	if n <= 0 || count > uint64(len(raw)) {
		return nil, errCorruptBlock
	}
	raw = raw[n:]

	samples := make([]types.Sample, count)

	var prevTS, prevDelta int64
	for i := range samples {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, errCorruptBlock
		}
		raw = raw[n:]

		if i == 0 {
			prevTS = v
		} else {
			prevDelta += v
			prevTS += prevDelta
		}
		samples[i].Timestamp = prevTS
	}

	var prevBits uint64
	for i := range samples {
		x, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, errCorruptBlock
		}
		raw = raw[n:]

		bits := x ^ prevBits
		prevBits = bits
		if bits != missingBits {
			samples[i].Value = types.Float(math.Float64frombits(bits))
		}
	}

	return samples, nil
}

// CompressBytes compresses an opaque payload such as a raw push message.
func (c *Compressor) CompressBytes(data []byte) []byte {
	return c.encoder.EncodeAll(data, nil)
}

// DecompressBytes reverses CompressBytes.
func (c *Compressor) DecompressBytes(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return out, nil
}

// Close releases the encoder and decoder.
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
