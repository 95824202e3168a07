package responder

import (
	"encoding/base64"
	"fmt"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/codec"
)

// Token continues a multi-chunk response at ChunkIndex. SHA256Snapshot pins
// the encoding the stream started on; a changed asset invalidates the token.
type Token struct {
	Namespace      string              `cbor:"1,keyasint"`
	FullPath       string              `cbor:"2,keyasint"`
	Encoding       assets.EncodingType `cbor:"3,keyasint"`
	ChunkIndex     uint32              `cbor:"4,keyasint"`
	SHA256Snapshot assets.Digest       `cbor:"5,keyasint"`
	Tier           assets.Tier         `cbor:"6,keyasint"`
}

// Encode renders the token for the continuation query parameter.
func (t Token) Encode() (string, error) {
	raw, err := codec.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a continuation query parameter.
func DecodeToken(s string) (Token, error) {
	var t Token
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("%w: continuation token: %v", assets.ErrInvalidArgument, err)
	}
	if err := codec.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%w: continuation token: %v", assets.ErrInvalidArgument, err)
	}
	return t, nil
}
