package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoders are safe for concurrent EncodeAll, but each holds sizeable
// window buffers, so one per level is kept and shared.
var (
	zstdEncodersMu sync.Mutex
	zstdEncoders   = map[Level]*zstd.Encoder{}

	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func zstdEncoder(level Level) *zstd.Encoder {
	zstdEncodersMu.Lock()
	defer zstdEncodersMu.Unlock()
	if enc, ok := zstdEncoders[level]; ok {
		return enc
	}
	speed := zstd.SpeedDefault
	if level != LevelDefault {
		speed = zstd.EncoderLevelFromZstd(int(level))
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(speed), zstd.WithEncoderConcurrency(1))
	zstdEncoders[level] = enc
	encodersCreated.Inc()
	return enc
}

func sharedZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder
}

func encodeZstd(data []byte, level Level) []byte {
	return zstdEncoder(level).EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decodeZstd(data []byte, maxSize int64) ([]byte, error) {
	dec := sharedZstdDecoder()
	if maxSize > 0 {
		// frame header carries the content size when the encoder knew it
		var h zstd.Header
		if err := h.Decode(data); err == nil && h.HasFCS && h.FrameContentSize > uint64(maxSize) {
			return nil, ErrTooLarge
		}
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
