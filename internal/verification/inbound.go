package verification

import (
	"context"

	"github.com/taskmesh/meshcore/pkg/types"
)

// HandleFrame 路由验证相关的入站帧：验证者收到 VerificationRequest 时
// 本地重新核查并回发签名回执；提交方收到 VerificationResponse 时记录
// 并检验共识（§4.5）。Peer Manager 已经在帧信封层做过签名校验
// （internal/peer.handleInbound），这里对 VerificationResponse 自带的
// Signature 字段单独再校验一次，因为它会被保留在 VerificationOutcome.
// Responses 里，生命周期超出这一次帧传输本身。
func (s *Service) HandleFrame(ctx context.Context, frame types.Frame) {
	switch p := frame.Payload.(type) {
	case types.VerificationRequestPayload:
		s.handleRequest(ctx, p.Request)
	case types.VerificationResponsePayload:
		s.handleResponse(p.Response)
	}
}

func (s *Service) handleRequest(ctx context.Context, req types.VerificationRequest) {
	resp := s.PerformVerification(req)
	frame := types.Frame{
		Kind:    types.FrameVerificationResponse,
		Payload: types.VerificationResponsePayload{Response: resp},
	}
	if err := s.peers.Send(ctx, req.Submitter, frame); err != nil {
		s.logger.Warnw("failed to deliver verification response", "verification", req.VerificationID.String(), "err", err)
	}
}

func (s *Service) handleResponse(resp types.VerificationResponse) {
	var pubKey []byte
	if info, ok := s.peers.PeerInfo(resp.VerifierID); ok {
		pubKey = info.PublicKey
	}
	if err := s.RecordResponse(resp, pubKey); err != nil {
		s.logger.Debugw("response not recorded", "verification", resp.VerificationID.String(), "verifier", resp.VerifierID.String(), "err", err)
	}
}
