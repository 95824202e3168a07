package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeySet supplies verification keys to the JWT parser.
type KeySet interface {
	KeyFunc() jwt.Keyfunc
}

// StaticKeySet verifies EdDSA tokens against a fixed set of public keys
// selected by the "kid" header. A token without kid is tried against the
// default key.
type StaticKeySet struct {
	keys       map[string]ed25519.PublicKey
	defaultKID string
}

// NewStaticKeySet returns a key set holding pub under kid, which also
// becomes the default key.
func NewStaticKeySet(kid string, pub ed25519.PublicKey) *StaticKeySet {
	return &StaticKeySet{keys: map[string]ed25519.PublicKey{kid: pub}, defaultKID: kid}
}

// Add registers another verification key.
func (s *StaticKeySet) Add(kid string, pub ed25519.PublicKey) {
	s.keys[kid] = pub
}

func (s *StaticKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = s.defaultKID
		}
		key, ok := s.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	}
}

// LoadPublicKey reads an Ed25519 public key given either inline as PEM or
// as a path to a PEM file.
func LoadPublicKey(value string) (ed25519.PublicKey, error) {
	data := []byte(value)
	if !strings.Contains(value, "-----BEGIN") {
		raw, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		data = raw
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}
	return pub, nil
}

// Issuer signs tokens. The push CLI and tests use it; the server only
// verifies.
type Issuer struct {
	key ed25519.PrivateKey
	kid string
	iss string
}

func NewIssuer(key ed25519.PrivateKey, kid, issuer string) *Issuer {
	return &Issuer{key: key, kid: kid, iss: issuer}
}

// LoadPrivateKey reads an Ed25519 private key from a PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseEdPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ed25519")
	}
	return priv, nil
}

// Issue returns a signed token for subject valid for ttl.
func (i *Issuer) Issue(_ context.Context, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AssetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    i.iss,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = i.kid
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
