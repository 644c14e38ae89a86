package canonical

import "github.com/taskmesh/meshcore/pkg/types"

// RequirementHash 对任务需求计算规范哈希，作为 DHT lookup 的目标键
// （§4.4 submit："derive a requirement hash... perform a lookup toward
// that hash"）。
func RequirementHash(req types.Requirements) [32]byte {
	e := NewEncoder()
	e.Int(req.CPUCores).
		Float64(req.MemoryGB).
		Bool(req.GPU).
		Uint64(uint64(req.EstDurationMS)).
		Int(int(req.Priority))
	return e.Hash()
}

// ResultHash 对任务结果的负载计算规范哈希（§4.5 sub-checks.result_hash）。
func ResultHash(result []byte) [32]byte {
	return HashBytes(result)
}

// FrameSigningDigest 返回帧签名所覆盖的规范摘要：
// (kind, from, to, timestamp, canonical(payload))（§6）。
func FrameSigningDigest(kind types.FrameKind, from, to types.NodeID, timestampUnixMilli int64, payload []byte) [32]byte {
	e := NewEncoder()
	e.Int(int(kind)).
		FixedBytes(from[:]).
		FixedBytes(to[:]).
		Uint64(uint64(timestampUnixMilli)).
		Bytes(payload)
	return e.Hash()
}

// FramePayloadBytes 把已知的帧负载类型编码为规范字节，供签名摘要使用。
// 个别工作负载（TaskRequest/TaskResult 的 opaque payload）的具体编码
// 不在本模块范围内（spec.md §1 非目标："defining the wire encoding of
// individual task payloads for arbitrary work types"）；这里只编码帧
// 信封语义相关、已知结构的字段。
func FramePayloadBytes(payload types.FramePayload) []byte {
	e := NewEncoder()
	switch p := payload.(type) {
	case types.PingPayload:
		e.Uint64(p.Nonce)
	case types.PongPayload:
		e.Uint64(p.Nonce).Time(p.OriginTimestamp)
	case types.TaskRequestPayload:
		e.FixedBytes(p.Task.TaskID[:]).Bool(p.IsBackup)
	case types.TaskResponsePayload:
		e.FixedBytes(p.TaskID[:]).Bool(p.Accepted)
	case types.TaskResultPayload:
		e.FixedBytes(p.Result.TaskID[:]).Bytes(p.Result.Result).String(p.Error)
	case types.VerificationRequestPayload:
		e.FixedBytes(p.Request.VerificationID[:]).FixedBytes(p.Request.TaskID[:])
	case types.VerificationResponsePayload:
		e.FixedBytes(p.Response.VerificationID[:]).Bool(p.Response.IsValid).Float64(p.Response.Confidence)
	case types.PeerDiscoveryPayload:
		e.Int(int(p.Sub)).String(p.RequestID)
	}
	return e.Finish()
}
