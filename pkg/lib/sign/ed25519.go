// Package sign 提供 Ed25519 detached signature 的生成与校验（§9：
// "Signing and verification must use Ed25519 with detached signatures
// over a deterministic canonical encoding"）。
//
// 源系统的签名校验对任意非空字符串都返回 true；这里的 Verify 总是对
// 照对端广播的公钥做真实的密码学校验，绝不降级为占位实现（spec.md §9
// Open Questions 第二条）。
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ErrInvalidPublicKey 公钥长度不符合 Ed25519 要求。
var ErrInvalidPublicKey = errors.New("sign: invalid ed25519 public key length")

// ErrInvalidPrivateKey 私钥长度不符合 Ed25519 要求。
var ErrInvalidPrivateKey = errors.New("sign: invalid ed25519 private key length")

// KeyPair 一对 Ed25519 密钥。
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate 生成一个新的 Ed25519 密钥对，用作本地节点的静态身份密钥。
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign 对摘要生成 64 字节的 detached signature。
func (kp KeyPair) Sign(digest [32]byte) []byte {
	return ed25519.Sign(kp.Private, digest[:])
}

// PublicKey 以原始字节形式返回本地静态公钥，满足 discovery/verification
// 对身份密钥协作面的窄接口要求。
func (kp KeyPair) PublicKey() []byte {
	return []byte(kp.Public)
}

// Verify 使用给定的公钥字节校验签名；公钥长度不对时返回
// ErrInvalidPublicKey 而不是静默判定为失败，方便调用方与
// "SignatureInvalid 丢帧 + 安全计数器" 区分开来（§7）。
func Verify(publicKey []byte, digest [32]byte, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidPublicKey
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), digest[:], signature), nil
}
