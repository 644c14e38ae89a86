package orchestrator

import (
	"lukechampine.com/blake3"

	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

// deriveNodeID 把本地静态 Ed25519 公钥折叠成一个 160-bit NodeID：取
// blake3-512 摘要的前 20 字节（§3 "Each process derives it once per
// process lifetime"；派生方式与 internal/peer.Manager 给帧 id 派生
// per-process salt 用的同一个哈希算法，保持一致性而不是另起一套）。
func deriveNodeID(kp sign.KeyPair) types.NodeID {
	digest := blake3.Sum512(kp.PublicKey())
	id, _ := types.NodeIDFromBytes(digest[:types.NodeIDSize])
	return id
}
