package cache

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// Compression algorithms for stored payloads.
const (
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

const (
	frameRaw  byte = 0
	frameZstd byte = 1
	frameLZ4  byte = 2

	lz4HeaderSize = 4
)

// codec frames stored payloads with a one-byte header and optionally
// compresses them. Frames describe themselves, so a store decodes payloads
// written with any algorithm. zstd encoders and decoders are safe for
// concurrent EncodeAll/DecodeAll calls.
type codec struct {
	threshold int
	algorithm string
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func parseCompression(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("%w: cache: unknown compression %q", domain.ErrConfigInvalid, name)
	}
}

func newCodec(threshold int, algorithm string) (*codec, error) {
	algorithm, err := parseCompression(algorithm)
	if err != nil {
		return nil, err
	}
	c := &codec{threshold: threshold, algorithm: algorithm}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("cache: create zstd decoder: %w", err)
	}
	c.dec = dec
	if threshold <= 0 || algorithm != CompressionZstd {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("cache: create zstd encoder: %w", err)
	}
	c.enc = enc
	return c, nil
}

func (c *codec) encode(payload []byte) []byte {
	if c.threshold > 0 && len(payload) >= c.threshold {
		var framed []byte
		switch c.algorithm {
		case CompressionLZ4:
			framed = compressLZ4(payload)
		default:
			if c.enc != nil {
				framed = c.enc.EncodeAll(payload, []byte{frameZstd})
			}
		}
		if framed != nil && len(framed) < len(payload)+1 {
			return framed
		}
	}
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, frameRaw)
	return append(framed, payload...)
}

// compressLZ4 returns nil when the payload does not compress.
func compressLZ4(payload []byte) []byte {
	framed := make([]byte, 1+lz4HeaderSize+lz4.CompressBlockBound(len(payload)))
	framed[0] = frameLZ4
	binary.LittleEndian.PutUint32(framed[1:], uint32(len(payload)))
	n, err := lz4.CompressBlock(payload, framed[1+lz4HeaderSize:], nil)
	if err != nil || n == 0 {
		return nil
	}
	return framed[:1+lz4HeaderSize+n]
}

func (c *codec) decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("cache: empty frame")
	}
	switch framed[0] {
	case frameRaw:
		return append([]byte(nil), framed[1:]...), nil
	case frameZstd:
		if c.dec == nil {
			return nil, fmt.Errorf("cache: compressed frame without decoder")
		}
		out, err := c.dec.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("cache: decompress: %w", err)
		}
		return out, nil
	case frameLZ4:
		if len(framed) < 1+lz4HeaderSize {
			return nil, fmt.Errorf("cache: short lz4 frame")
		}
		size := binary.LittleEndian.Uint32(framed[1:])
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(framed[1+lz4HeaderSize:], out)
		if err != nil {
			return nil, fmt.Errorf("cache: decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("cache: decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cache: unknown frame type %d", framed[0])
	}
}
