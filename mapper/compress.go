package mapper

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to a stored body. The tag
// is the first byte of a packed body; the values are part of the stored
// format and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a configured compression name. The empty
// string means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var errIncompressible = errors.New("incompressible")

// MaxBodySize bounds the uncompressed size of a stored body. Ticket
// bodies are a few kilobytes; a header claiming more is corrupt.
const MaxBodySize = 1 << 20

// maxRatio bounds the expansion of a compressed payload. Neither lz4
// blocks nor zstd frames expand text bodies this far.
const maxRatio = 255

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mapper: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		panic("mapper: zstd decoder initialization failed: " + err.Error())
	}
}

// pack returns [tag][uvarint size][payload]. Bodies that do not shrink
// are stored with CompressionNone.
func pack(body []byte, c Compression) ([]byte, error) {
	payload := body
	tag := c
	var err error
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		payload, err = compressLZ4(body)
	case CompressionZstd:
		payload, err = compressZstd(body)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", c)
	}
	if errors.Is(err, errIncompressible) {
		payload, tag, err = body, CompressionNone, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, payload...), nil
}

// unpack reverses pack.
func unpack(packed []byte) ([]byte, error) {
	if len(packed) < 2 {
		return nil, errors.New("packed body too short")
	}
	tag := Compression(packed[0])
	size, n := binary.Uvarint(packed[1:])
	if n <= 0 {
		return nil, errors.New("packed body: bad size header")
	}
	payload := packed[1+n:]
	if size > MaxBodySize {
		return nil, fmt.Errorf("packed body: size %d exceeds %d", size, MaxBodySize)
	}
	if tag != CompressionNone && size > uint64(len(payload))*maxRatio {
		return nil, fmt.Errorf("packed body: size %d implausible for %d compressed bytes", size, len(payload))
	}
	switch tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("uncompressed body: size %d does not match expected %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		return decompressLZ4(payload, int(size))
	case CompressionZstd:
		return decompressZstd(payload, int(size))
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
