// Package dht 实现 Routing Layer（§4.2）：160-bit id 空间上的 k-bucket
// 路由表、FIND_NODE 应答与迭代式 α=3 lookup。本包是唯一允许变更
// RoutingTable 内容的地方（§3 "Routing owns RoutingTable"）。
package dht

import "github.com/taskmesh/meshcore/pkg/types"

// XORDistance 计算两个 id 之间的 XOR 距离（§3 "never computed modulo
// anything; equal ids have distance 0"）。
func XORDistance(a, b types.NodeID) []byte {
	out := make([]byte, types.NodeIDSize)
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// bucketIndex 返回 id 相对 local 的桶索引 = ⌊log2(xor(local,id))⌋，
// 以 id 的最高有效 non-zero 位所在位置表示（§3、§8）。等距离（id==local）
// 的情况永远不会发生：调用方必须保证本地节点从不加入自己的路由表。
func bucketIndex(local, id types.NodeID) int {
	dist := XORDistance(local, id)
	for i, b := range dist {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if (b>>uint(j))&1 == 1 {
				// i*8+(7-j) 是最高 non-zero 位距离最高有效位（bit 159）
				// 的偏移量，不是桶索引本身；桶索引要从 bit 0 这一端数，
				// 两者互为镜像，所以要用 NumBuckets-1 减去它。
				return (NumBuckets - 1) - (i*8 + (7 - j))
			}
		}
	}
	// 全零距离（local==id）没有有效桶；调用方须在插入前过滤掉本地 id。
	return -1
}

// compareDistance 按字典序比较两个 XOR 距离；返回 <0/0/>0，语义与
// bytes.Compare 一致，用于按距离排序候选节点。
func compareDistance(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
