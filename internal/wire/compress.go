package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"transitdata/internal/model"
)

// A single-threaded encoder at the best-compression level keeps output
// reproducible for a given input.
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedBestCompression),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			panic(fmt.Sprintf("zstd encoder: %v", err))
		}
		return enc
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("zstd decoder: %v", err))
		}
		return dec
	})
)

// Compress returns b compressed with zstd.
func Compress(b []byte) []byte {
	return zstdEncoder().EncodeAll(b, make([]byte, 0, len(b)/4))
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	out, err := zstdDecoder().DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

// PackFull encodes and compresses a snapshot for publication.
func PackFull(rd *model.RealtimeData) []byte {
	return Compress(EncodeFull(rd))
}

// UnpackFull reverses PackFull.
func UnpackFull(b []byte) (*model.RealtimeData, error) {
	raw, err := Decompress(b)
	if err != nil {
		return nil, err
	}
	rd, err := DecodeFull(raw)
	if err != nil {
		return nil, fmt.Errorf("decode data full: %w", err)
	}
	return rd, nil
}

// PackUpdate encodes and compresses a diff for publication.
func PackUpdate(d *model.DataDiff) []byte {
	return Compress(EncodeUpdate(d))
}

// UnpackUpdate reverses PackUpdate.
func UnpackUpdate(b []byte) (*model.DataDiff, error) {
	raw, err := Decompress(b)
	if err != nil {
		return nil, err
	}
	d, err := DecodeUpdate(raw)
	if err != nil {
		return nil, fmt.Errorf("decode data update: %w", err)
	}
	return d, nil
}
