package assets

import (
	"fmt"
	"strings"
)

// EncodingType names a byte representation of an asset.
type EncodingType string

const (
	EncodingIdentity EncodingType = "identity"
	EncodingGzip     EncodingType = "gzip"
	EncodingCompress EncodingType = "compress"
	EncodingDeflate  EncodingType = "deflate"
	EncodingBrotli   EncodingType = "br"
)

// Precedence is the canonical encoding order. Response selection and
// certification both follow it, never the client's preference order.
var Precedence = []EncodingType{
	EncodingIdentity,
	EncodingGzip,
	EncodingCompress,
	EncodingDeflate,
	EncodingBrotli,
}

// Rank is the position of e in Precedence, or len(Precedence) if unknown.
func (e EncodingType) Rank() int {
	for i, p := range Precedence {
		if p == e {
			return i
		}
	}
	return len(Precedence)
}

// Valid reports whether e is one of the supported encodings.
func (e EncodingType) Valid() bool {
	return e.Rank() < len(Precedence)
}

// ParseEncoding parses a content-coding token.
func ParseEncoding(s string) (EncodingType, error) {
	e := EncodingType(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrInvalidEncoding, s)
	}
	return e, nil
}
