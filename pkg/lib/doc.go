// Package lib 包含基础设施工具库
//
// 本目录包含与架构组件无关的通用工具库：
//
//   - canonical: 规范编码与哈希
//   - log: 日志封装
//   - sign: Ed25519 签名与校验
//
// # 与 pkg/ 其他目录的关系
//
// pkg/ 目录包含三类内容：
//
//   - interfaces/: 组件公共接口（架构核心）
//   - types/: 公共类型定义（架构核心）
//   - lib/: 基础设施工具库（本目录）
//
// # 使用示例
//
//	import (
//	    "github.com/taskmesh/meshcore/pkg/lib/canonical"
//	    "github.com/taskmesh/meshcore/pkg/lib/log"
//	    "github.com/taskmesh/meshcore/pkg/lib/sign"
//	)
package lib
