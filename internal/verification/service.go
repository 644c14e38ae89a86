package verification

import (
	"context"
	"sync"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/taskmesh/meshcore/internal/eventbus"
	"github.com/taskmesh/meshcore/pkg/lib/canonical"
	"github.com/taskmesh/meshcore/pkg/lib/log"
	"github.com/taskmesh/meshcore/pkg/lib/sign"
	"github.com/taskmesh/meshcore/pkg/types"
)

// dupCacheSize 是跨全部验证请求的去重缓存容量（§4.5 record_response
// "reject duplicates from the same verifier"，即便在某个 outcome 已经
// finalize 并从 outgoing 表移除之后，迟到的重复回执仍应被识别并丢弃）。
const dupCacheSize = 4096

// dupKey 是去重缓存的键：同一个验证者对同一个验证请求最多计一次。
type dupKey struct {
	verification types.VerificationID
	verifier     types.NodeID
}

// Service 是 Verification 子系统的唯一实现（§4.5）。
type Service struct {
	local      types.NodeID
	peers      PeerAccess
	keys       Signer
	reputation *ReputationStore
	bus        *eventbus.Bus
	cfg        Config
	clock      clock.Clock
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	outgoing map[types.VerificationID]*pendingOutcome

	dup *arc.ARCCache[dupKey, struct{}]

	timersMu sync.Mutex
	timers   map[types.VerificationID]*clock.Timer
}

// New 创建一个 Verification Service；keys 为 nil 时发出的请求/回执不
// 签名（仅用于测试场景，生产环境 orchestrator 始终注入真实密钥）。
func New(local types.NodeID, peers PeerAccess, keys Signer, bus *eventbus.Bus, cfg Config) *Service {
	dup, _ := arc.NewARC[dupKey, struct{}](dupCacheSize)
	return &Service{
		local:      local,
		peers:      peers,
		keys:       keys,
		reputation: NewReputationStore(clock.New()),
		bus:        bus,
		cfg:        cfg,
		clock:      clock.New(),
		logger:     log.Logger("verification"),
		outgoing:   make(map[types.VerificationID]*pendingOutcome),
		dup:        dup,
		timers:     make(map[types.VerificationID]*clock.Timer),
	}
}

// SetClock 替换内部时钟（测试用）。
func (s *Service) SetClock(c clock.Clock) {
	s.clock = c
	s.reputation.clock = c
}

// Reputation 返回本节点维护的信誉只读访问面，供 dispatch.ReputationSource
// 消费。
func (s *Service) Reputation() *ReputationStore { return s.reputation }

// RequestVerification 实现 §4.5 request_verification：生成验证 id、
// 选取验证者、广播签名的 VerificationRequest、初始化 Pending outcome、
// 武装 60 s 截止时间。
func (s *Service) RequestVerification(ctx context.Context, task types.TaskRequest, result types.TaskResult) (types.VerificationID, error) {
	peers := s.peers.ConnectedPeers()
	selected := eligibleVerifiers(peers, result.CompletedBy, task.Requirements, s.reputation)
	if len(selected) < MinVerifiers {
		return types.ZeroVerificationID, ErrNoEligibleVerifiers
	}

	verID := types.NewVerificationID()
	now := s.clock.Now()
	req := types.VerificationRequest{
		VerificationID:    verID,
		TaskID:            task.TaskID,
		Result:            result,
		Submitter:         s.local,
		CreatedAt:         now,
		RequiredVerifiers: len(selected),
		Deadline:          now.Add(s.cfg.Deadline),
	}
	if s.keys != nil {
		req.Signature = s.keys.Sign(requestDigest(req))
	}

	verifierSet := make(map[types.NodeID]bool, len(selected))
	for _, v := range selected {
		verifierSet[v] = true
	}

	entry := &pendingOutcome{
		outcome: types.VerificationOutcome{
			VerificationID: verID,
			TaskID:         task.TaskID,
			Consensus:      types.ConsensusPending,
		},
		verifiers:  verifierSet,
		responders: make(map[types.NodeID]bool),
		executor:   result.CompletedBy,
	}
	s.mu.Lock()
	s.outgoing[verID] = entry
	s.mu.Unlock()

	frame := types.Frame{Kind: types.FrameVerificationRequest, Payload: types.VerificationRequestPayload{Request: req}}
	for _, v := range selected {
		_ = s.peers.Send(ctx, v, frame)
	}

	s.armDeadline(verID)
	s.bus.Emit(types.Event{Kind: types.EventVerificationRequested, At: now, VerificationID: verID, TaskID: task.TaskID})
	return verID, nil
}

func requestDigest(req types.VerificationRequest) [32]byte {
	e := canonical.NewEncoder()
	e.FixedBytes(req.VerificationID[:]).FixedBytes(req.TaskID[:]).Time(req.CreatedAt)
	return e.Hash()
}

func responseDigest(resp types.VerificationResponse) [32]byte {
	e := canonical.NewEncoder()
	e.FixedBytes(resp.VerificationID[:]).FixedBytes(resp.TaskID[:]).Bool(resp.IsValid).Float64(resp.Confidence).Time(resp.Timestamp)
	return e.Hash()
}

// PerformVerification 实现 §4.5 perform_verification：本地重新核查
// 结果并构造一份签名回执，调用方负责把它发回请求者（本函数不负责
// 网络往返，以便被单元测试直接调用）。
func (s *Service) PerformVerification(req types.VerificationRequest) types.VerificationResponse {
	sc := runSubChecks(req.Result)
	conf := confidence(sc)
	resp := types.VerificationResponse{
		VerificationID: req.VerificationID,
		VerifierID:     s.local,
		TaskID:         req.TaskID,
		IsValid:        isValid(sc, conf),
		Confidence:     conf,
		SubChecks:      sc,
		Timestamp:      s.clock.Now(),
	}
	if s.keys != nil {
		resp.Signature = s.keys.Sign(responseDigest(resp))
	}
	return resp
}

// RecordResponse 实现 §4.5 record_response：校验签名与验证者身份、
// 拒绝重复、累加计数、测试共识、到达共识即 finalize。
func (s *Service) RecordResponse(resp types.VerificationResponse, signerPublicKey []byte) error {
	s.mu.Lock()
	entry, ok := s.outgoing[resp.VerificationID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownVerification
	}

	if len(resp.Signature) > 0 && len(signerPublicKey) > 0 {
		valid, err := sign.Verify(signerPublicKey, responseDigest(resp), resp.Signature)
		if err != nil || !valid {
			return ErrInvalidSignature
		}
	}

	key := dupKey{verification: resp.VerificationID, verifier: resp.VerifierID}
	if _, seen := s.dup.Get(key); seen {
		return ErrDuplicateResponse
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.finalized {
		return ErrAlreadyFinalized
	}
	if !entry.verifiers[resp.VerifierID] {
		return ErrNotVerifier
	}
	if entry.responders[resp.VerifierID] {
		return ErrDuplicateResponse
	}

	s.dup.Add(key, struct{}{})
	entry.responders[resp.VerifierID] = true
	entry.outcome.Responses = append(entry.outcome.Responses, resp)
	entry.outcome.VerifierCount++
	if resp.IsValid {
		entry.outcome.Approvals++
	} else {
		entry.outcome.Rejections++
	}

	if consensus, reached := testConsensus(entry.outcome); reached {
		s.finalizeLocked(entry, consensus)
	}
	return nil
}

// testConsensus 实现 §4.5 consensus 判定："approvals/n ≥ 0.67 AND n ≥ 3"
// 触发 Approved；对称条件触发 Rejected；否则维持 Pending。
func testConsensus(outcome types.VerificationOutcome) (types.Consensus, bool) {
	n := outcome.VerifierCount
	if n < MinVerifiers {
		return types.ConsensusPending, false
	}
	if float64(outcome.Approvals)/float64(n) >= ConsensusThreshold {
		return types.ConsensusApproved, true
	}
	if float64(outcome.Rejections)/float64(n) >= ConsensusThreshold {
		return types.ConsensusRejected, true
	}
	return types.ConsensusPending, false
}

// finalizeLocked 落定共识结论、更新每个回应者的信誉、发射事件、停止
// 截止计时器。调用方必须已持有 entry.mu。
func (s *Service) finalizeLocked(entry *pendingOutcome, consensus types.Consensus) {
	entry.finalized = true
	entry.outcome.Consensus = consensus
	entry.outcome.FinalizedAt = s.clock.Now()
	if entry.outcome.VerifierCount > 0 {
		sum := 0.0
		for _, r := range entry.outcome.Responses {
			sum += r.Confidence
		}
		entry.outcome.AvgConfidence = sum / float64(entry.outcome.VerifierCount)
	}

	majorityApproved := consensus == types.ConsensusApproved
	for _, r := range entry.outcome.Responses {
		s.reputation.record(r.VerifierID, r.IsValid, majorityApproved)
	}

	s.stopDeadline(entry.outcome.VerificationID)
	outcome := entry.outcome

	s.mu.Lock()
	delete(s.outgoing, entry.outcome.VerificationID)
	s.mu.Unlock()

	s.logger.Infow("verification finalized", "verification", outcome.VerificationID.String(), "consensus", consensus.String(), "n", outcome.VerifierCount)
	s.bus.Emit(types.Event{
		Kind:           types.EventVerificationFinalized,
		At:             outcome.FinalizedAt,
		VerificationID: outcome.VerificationID,
		TaskID:         outcome.TaskID,
		Outcome:        &outcome,
	})
}

func (s *Service) armDeadline(verID types.VerificationID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.timers[verID] = s.clock.AfterFunc(s.cfg.Deadline, func() { s.onDeadline(verID) })
}

func (s *Service) stopDeadline(verID types.VerificationID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[verID]; ok {
		t.Stop()
		delete(s.timers, verID)
	}
}

// onDeadline 实现 §4.5 的截止期处理："on deadline: if n≥3 finalize by
// whichever ratio is greater (tie → Rejected); else finalize Rejected"
// （等价于 §5 shutdown 路径"in-flight verification ≥3 responses is
// finalized; otherwise it is finalized Rejected"的同一条规则）。
func (s *Service) onDeadline(verID types.VerificationID) {
	s.mu.Lock()
	entry, ok := s.outgoing[verID]
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.finalized {
		return
	}

	consensus := types.ConsensusRejected
	if entry.outcome.VerifierCount >= MinVerifiers && entry.outcome.Approvals > entry.outcome.Rejections {
		consensus = types.ConsensusApproved
	}
	s.finalizeLocked(entry, consensus)
}

// Outcome 返回一次验证的当前（可能尚未 finalize 的）结论快照。
func (s *Service) Outcome(verID types.VerificationID) (types.VerificationOutcome, bool) {
	s.mu.Lock()
	entry, ok := s.outgoing[verID]
	s.mu.Unlock()
	if !ok {
		return types.VerificationOutcome{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.outcome, true
}
