// Package main 提供 meshnode 命令行入口：装配一个 Orchestrator 节点
// 并让它在本机网络上运行，直到收到退出信号。
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mr-tron/base58"

	"github.com/taskmesh/meshcore/internal/orchestrator"
	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

var (
	listenAddr   = flag.String("listen", ":4710", "本地 TCP 监听地址（demo transport）")
	peerBook     = flag.String("peers", "", "静态地址表文件路径（JSON: {\"<node_id_hex>\": \"host:port\"}）")
	identityFile = flag.String("identity", "", "Ed25519 身份密钥文件路径（不存在则自动生成并写入）")
	bootstrap    = flag.String("bootstrap", "", "以逗号分隔的 bootstrap 节点 id（hex）列表")
	maxPeers     = flag.Int("max-peers", 0, "最大同时连接数（0 = 使用默认值）")
	verification = flag.Bool("verification-required", false, "是否要求对任务结果做多验证者共识")
	resilience   = flag.Bool("network-resilience", true, "是否启用分区检测/断路器/安全监控循环")
	memoryLimit  = flag.Uint64("memory-limit-bytes", 0, "内存压力监控阈值（0 = 关闭）")

	showVersion = flag.Bool("version", false, "显示版本信息")
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshnode %s\n", version)
		return nil
	}

	kp, err := loadOrCreateIdentity(*identityFile)
	if err != nil {
		return fmt.Errorf("身份密钥: %w", err)
	}

	book, err := loadAddressBook(*peerBook)
	if err != nil {
		return fmt.Errorf("地址表: %w", err)
	}

	// transport 在知道本地 NodeID 之前就需要存在（它要作为
	// orchestrator.WithTransport 的构造参数），但 NodeID 的派生算法只
	// 定义在 orchestrator 包内部（identity.go），这里不分叉第二套派生
	// 逻辑：先用一个尚未绑定本地 id 的 transport 构造节点，节点装配完成
	// 后立即用它算出的 LocalNodeID 回填 transport。
	transport, err := newTCPTransport(types.ZeroNodeID, book, *listenAddr)
	if err != nil {
		return fmt.Errorf("传输: %w", err)
	}

	bootstrapIDs, err := parseNodeIDList(*bootstrap)
	if err != nil {
		return fmt.Errorf("bootstrap 列表: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithIdentity(kp),
		orchestrator.WithTransport(transport),
		orchestrator.WithVerificationRequired(*verification),
		orchestrator.WithNetworkResilience(*resilience),
		orchestrator.WithMemoryLimit(*memoryLimit),
	}
	if *maxPeers > 0 {
		opts = append(opts, orchestrator.WithMaxPeers(*maxPeers))
	}
	if len(bootstrapIDs) > 0 {
		opts = append(opts, orchestrator.WithBootstrapNodes(bootstrapIDs...))
	}

	node, err := orchestrator.New(opts...)
	if err != nil {
		return fmt.Errorf("装配节点失败: %w", err)
	}
	transport.SetLocal(node.LocalNodeID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	defer startCancel()
	if err := node.Start(startCtx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}

	printNodeInfo(node)

	fmt.Println("节点已启动，按 Ctrl+C 退出")
	waitForSignal()

	fmt.Println("\n正在关闭节点...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return node.Stop(stopCtx)
}

// loadOrCreateIdentity 从文件读取原始 64 字节 Ed25519 私钥；文件不存在
// 时生成一个新身份并写回，方便重复启动同一节点时保持同一个 NodeID。
func loadOrCreateIdentity(path string) (sign.KeyPair, error) {
	if path == "" {
		return sign.Generate()
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		priv, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil || len(priv) != ed25519.PrivateKeySize {
			return sign.KeyPair{}, fmt.Errorf("身份文件内容不是合法的 ed25519 私钥")
		}
		private := ed25519.PrivateKey(priv)
		return sign.KeyPair{Public: private.Public().(ed25519.PublicKey), Private: private}, nil
	}
	if !os.IsNotExist(err) {
		return sign.KeyPair{}, err
	}

	kp, err := sign.Generate()
	if err != nil {
		return sign.KeyPair{}, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private)), 0600); err != nil {
		return sign.KeyPair{}, fmt.Errorf("写入身份文件: %w", err)
	}
	return kp, nil
}

func parseNodeIDList(s string) ([]types.NodeID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []types.NodeID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := types.NodeIDFromHex(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}

// printNodeInfo 打印节点身份，同时给出 hex（§6 线上/配置编码）与
// base58（日志与人工核对时更短更好认）两种展现形式。
func printNodeInfo(node *orchestrator.Node) {
	id := node.LocalNodeID()
	fmt.Println()
	fmt.Println("meshnode 已启动")
	fmt.Printf("  node id (hex):    %s\n", id.String())
	fmt.Printf("  node id (base58): %s\n", base58.Encode(id.Bytes()))
	fmt.Printf("  listen:           %s\n", *listenAddr)
	fmt.Println()
}
