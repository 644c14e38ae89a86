package peer

import (
	"github.com/klauspost/compress/zstd"
)

// compressThreshold 低于该字节数的负载不值得承担 zstd 的固定开销。
const compressThreshold = 512

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// maybeCompress 在负载超过阈值时返回压缩后的字节和 true；否则原样返回。
func maybeCompress(payload []byte) ([]byte, bool) {
	if len(payload) < compressThreshold {
		return payload, false
	}
	out := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

// decompress 还原 maybeCompress 产生的字节。
func decompress(payload []byte) ([]byte, error) {
	return decoder.DecodeAll(payload, nil)
}
