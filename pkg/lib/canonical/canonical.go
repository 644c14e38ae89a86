// Package canonical 实现规范编码与哈希（§9 "Canonical encoding"）。
//
// 所有需要被哈希或签名的结构（requirement hash、result hash、帧签名
// 摘要）都通过这里的 Encoder 得到一份确定性的字节序列：字段按固定
// 顺序写入，整数使用 multiformats/go-varint 的 LEB128 编码，定长哈希
// 使用 minio/sha256-simd。没有 protoc 可用，因此不采用 protobuf：
// 这是一个手写但稳定的编码，满足"实现定义但稳定"的要求。
package canonical

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/multiformats/go-varint"
)

// Encoder 顺序写入字段，产生确定性字节序列。
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder 创建一个空的规范编码器。
func NewEncoder() *Encoder { return &Encoder{} }

// Uint64 写入一个 varint 编码的无符号整数。
func (e *Encoder) Uint64(v uint64) *Encoder {
	var tmp [binary.MaxVarintLen64]byte
	n := varint.PutUvarint(tmp[:], v)
	e.buf.Write(tmp[:n])
	return e
}

// Int 写入一个有符号整数（先转为 zig-zag 形式的无符号数，避免负数
// 在不同实现间出现编码歧义）。
func (e *Encoder) Int(v int) *Encoder {
	u := uint64((v << 1) ^ (v >> 63))
	return e.Uint64(u)
}

// Float64 把浮点数的 IEEE-754 位模式当作无符号整数，按 Uint64 的 varint
// 编码写入（长度随位模式而变，最多 10 字节）。
func (e *Encoder) Float64(v float64) *Encoder {
	return e.Uint64(math.Float64bits(v))
}

// Bool 写入一个布尔值。
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.Uint64(1)
	}
	return e.Uint64(0)
}

// Bytes 写入一个带长度前缀的字节串。
func (e *Encoder) Bytes(b []byte) *Encoder {
	e.Uint64(uint64(len(b)))
	e.buf.Write(b)
	return e
}

// String 写入一个带长度前缀的字符串。
func (e *Encoder) String(s string) *Encoder {
	return e.Bytes([]byte(s))
}

// Time 写入一个 unix 毫秒时间戳。
func (e *Encoder) Time(t time.Time) *Encoder {
	return e.Uint64(uint64(t.UnixMilli()))
}

// FixedBytes 原样写入定长标识字节（NodeID/TaskID/VerificationID），不加
// 长度前缀。
func (e *Encoder) FixedBytes(b []byte) *Encoder {
	e.buf.Write(b)
	return e
}

// Finish 返回累积的规范字节序列。
func (e *Encoder) Finish() []byte {
	return e.buf.Bytes()
}

// Hash 对累积的字节序列计算 SHA-256（minio/sha256-simd 实现）。
func (e *Encoder) Hash() [32]byte {
	return sha256.Sum256(e.buf.Bytes())
}

// HashBytes 是 Hash 的便捷包装，直接对任意字节切片求规范哈希。
func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}
