// Package types 定义 TaskMesh 核心引擎的基础值类型。
//
// 本包是整个系统的最底层包，不依赖任何其他内部包；所有类型均为纯值
// 类型，在各子系统之间以值传递，不持有对其他子系统状态的引用（§3
// "跨组件引用仅通过 node_id / task_id，绝不使用直接引用"）。
package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// NodeIDSize 160-bit 节点标识的字节长度。
const NodeIDSize = 20

// ErrInvalidNodeID 节点 ID 长度或编码不合法。
var ErrInvalidNodeID = errors.New("types: invalid node id")

// NodeID 160-bit 不透明节点标识；XOR 度量定义了节点间的距离。
// 每个进程生命周期内只派生一次，并在整个会话中保持稳定。
type NodeID [NodeIDSize]byte

// PeerID 是 NodeID 的别名：对端在路由表、任务分配、验证等子系统中
// 始终以 NodeID 形式被引用，PeerID 只是语义上更贴近"对端"视角。
type PeerID = NodeID

// ZeroNodeID 零值节点 ID，用作"未设置"的哨兵值。
var ZeroNodeID NodeID

// RandomNodeID 生成一个随机的 160-bit 节点 ID（测试、bootstrap 场景使用）。
func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// NodeIDFromBytes 从字节切片构造 NodeID，长度必须恰为 NodeIDSize。
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return ZeroNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// NodeIDFromHex 从十六进制字符串解析 NodeID（§6："node ids 十六进制编码"）。
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroNodeID, err
	}
	return NodeIDFromBytes(b)
}

// String 返回 NodeID 的十六进制表示，这是本系统线上编码规定的外部形式。
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero 判断是否为零值（未设置）。
func (id NodeID) IsZero() bool {
	return id == ZeroNodeID
}

// Bytes 返回底层字节切片的拷贝。
func (id NodeID) Bytes() []byte {
	out := make([]byte, NodeIDSize)
	copy(out, id[:])
	return out
}

// TaskID 128-bit 随机任务标识。
type TaskID [16]byte

// ZeroTaskID 零值任务 ID。
var ZeroTaskID TaskID

// NewTaskID 生成一个随机的 128-bit 任务 ID（§4.4 submit）。
func NewTaskID() TaskID {
	var id TaskID
	_, _ = rand.Read(id[:])
	return id
}

func (id TaskID) String() string { return hex.EncodeToString(id[:]) }
func (id TaskID) IsZero() bool   { return id == ZeroTaskID }

// VerificationID 验证请求的唯一标识。
type VerificationID [16]byte

var ZeroVerificationID VerificationID

// NewVerificationID 生成一个随机的验证 ID（§4.5 request_verification）。
func NewVerificationID() VerificationID {
	var id VerificationID
	_, _ = rand.Read(id[:])
	return id
}

func (id VerificationID) String() string { return hex.EncodeToString(id[:]) }
func (id VerificationID) IsZero() bool   { return id == ZeroVerificationID }
