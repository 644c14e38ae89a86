package verification

import "errors"

var (
	// ErrUnknownVerification 引用了一个本节点没有在跟踪的验证请求。
	ErrUnknownVerification = errors.New("verification: unknown verification id")
	// ErrDuplicateResponse §4.5 record_response："reject duplicates from the
	// same verifier"。
	ErrDuplicateResponse = errors.New("verification: duplicate response from verifier")
	// ErrInvalidSignature 回执签名校验失败。
	ErrInvalidSignature = errors.New("verification: invalid response signature")
	// ErrNotVerifier 回执来自一个未被选中为本次验证验证者的节点。
	ErrNotVerifier = errors.New("verification: responder was not selected as a verifier")
	// ErrNoEligibleVerifiers §4.5 verifier selection 在过滤后为空。
	ErrNoEligibleVerifiers = errors.New("verification: no eligible verifiers")
	// ErrAlreadyFinalized 验证结论已经落定，不接受进一步变更。
	ErrAlreadyFinalized = errors.New("verification: outcome already finalized")
)
