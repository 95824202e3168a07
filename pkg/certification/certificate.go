package certification

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Mindburn-Labs/helm-assets/pkg/merkle"
)

// CertificateSource produces the host data certificate for a root hash.
type CertificateSource interface {
	Certify(root merkle.Hash) ([]byte, error)
}

// Certificate binds a root hash to a host signature.
type Certificate struct {
	Root      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
	KeyID     string `cbor:"3,keyasint"`
	IssuedAt  int64  `cbor:"4,keyasint"`
}

var ErrBadCertificate = errors.New("certificate verification failed")

const certificateDomain = "helm:certified-data:v1\x00"

// Ed25519Certifier signs root hashes with a host key. The last certificate is
// cached because the root only changes on writes.
type Ed25519Certifier struct {
	key   ed25519.PrivateKey
	keyID string
	now   func() time.Time

	mu       sync.Mutex
	lastRoot merkle.Hash
	last     []byte
}

// NewEd25519Certifier wraps an existing key.
func NewEd25519Certifier(key ed25519.PrivateKey, keyID string) *Ed25519Certifier {
	return &Ed25519Certifier{key: key, keyID: keyID, now: time.Now}
}

// GenerateEd25519Certifier creates a certifier with a fresh key.
func GenerateEd25519Certifier(keyID string) (*Ed25519Certifier, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	return NewEd25519Certifier(priv, keyID), nil
}

// PublicKey returns the verification key.
func (c *Ed25519Certifier) PublicKey() ed25519.PublicKey {
	return c.key.Public().(ed25519.PublicKey)
}

func (c *Ed25519Certifier) Certify(root merkle.Hash) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last != nil && c.lastRoot == root {
		return c.last, nil
	}
	msg := append([]byte(certificateDomain), root[:]...)
	raw, err := cbor.Marshal(Certificate{
		Root:      root[:],
		Signature: ed25519.Sign(c.key, msg),
		KeyID:     c.keyID,
		IssuedAt:  c.now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	c.lastRoot, c.last = root, raw
	return raw, nil
}

// VerifyCertificate checks the signature and returns the certified root.
func VerifyCertificate(pub ed25519.PublicKey, raw []byte) (merkle.Hash, error) {
	var root merkle.Hash
	var cert Certificate
	if err := cbor.Unmarshal(raw, &cert); err != nil {
		return root, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	if len(cert.Root) != len(root) {
		return root, fmt.Errorf("%w: root of %d bytes", ErrBadCertificate, len(cert.Root))
	}
	copy(root[:], cert.Root)
	msg := append([]byte(certificateDomain), root[:]...)
	if !ed25519.Verify(pub, msg, cert.Signature) {
		return root, fmt.Errorf("%w: bad signature", ErrBadCertificate)
	}
	return root, nil
}
