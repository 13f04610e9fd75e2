package consensus

import (
	"crypto/ed25519"

	"github.com/seafooler/sign_tools"
)

// Signer signs outbound payload digests and checks inbound ones
// against committee keys.
type Signer interface {
	Sign(digest []byte) []byte
	Verify(pub ed25519.PublicKey, digest []byte, sig []byte) bool
}

// EdSigner signs with a single ed25519 private key.
type EdSigner struct {
	privKey ed25519.PrivateKey
}

func NewEdSigner(privKey ed25519.PrivateKey) *EdSigner {
	return &EdSigner{privKey: privKey}
}

func (s *EdSigner) Sign(digest []byte) []byte {
	return sign_tools.SignEd25519(s.privKey, digest)
}

func (s *EdSigner) Verify(pub ed25519.PublicKey, digest []byte, sig []byte) bool {
	ok, err := sign_tools.VerifySignEd25519(pub, digest, sig)
	return err == nil && ok
}
