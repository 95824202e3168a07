// Package assets defines the records shared by every layer of the asset engine:
// asset keys, encodings, chunk references and the namespace rules that decide
// where an asset may live and which storage tier holds it.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Digest is a SHA-256 content address.
type Digest [32]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest was never set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest accepts a bare or "sha256:"-prefixed hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "sha256:"))
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("invalid digest %q: want %d bytes, got %d", s, len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// HeaderField is one response header, kept in declaration order.
type HeaderField struct {
	Name  string `json:"name" cbor:"1,keyasint"`
	Value string `json:"value" cbor:"2,keyasint"`
}

// AssetKey identifies an asset and carries its ownership metadata.
type AssetKey struct {
	Name        string  `json:"name" cbor:"1,keyasint"`
	FullPath    string  `json:"full_path" cbor:"2,keyasint"`
	Token       *string `json:"token,omitempty" cbor:"3,keyasint,omitempty"`
	Namespace   string  `json:"namespace" cbor:"4,keyasint"`
	Owner       string  `json:"owner" cbor:"5,keyasint"`
	Description *string `json:"description,omitempty" cbor:"6,keyasint,omitempty"`
}

// ChunkRef addresses one uploaded chunk of an encoding.
type ChunkRef struct {
	Index  uint32 `json:"index" cbor:"1,keyasint"`
	Length uint64 `json:"length" cbor:"2,keyasint"`
	SHA256 Digest `json:"sha256" cbor:"3,keyasint"`
}

// AssetEncoding is one byte representation of an asset.
type AssetEncoding struct {
	ContentChunks []ChunkRef `json:"content_chunks" cbor:"1,keyasint"`
	TotalLength   uint64     `json:"total_length" cbor:"2,keyasint"`
	SHA256        Digest     `json:"sha256" cbor:"3,keyasint"`
	ModifiedAt    time.Time  `json:"modified_at" cbor:"4,keyasint"`
}

// Validate checks that the chunk references form the contiguous run 0..n-1
// and that their lengths add up to TotalLength.
func (e AssetEncoding) Validate() error {
	var total uint64
	for i, c := range e.ContentChunks {
		if c.Index != uint32(i) {
			return &MissingChunkError{Index: uint32(i)}
		}
		total += c.Length
	}
	if total != e.TotalLength {
		return fmt.Errorf("encoding length mismatch: chunks sum to %d, total_length is %d", total, e.TotalLength)
	}
	return nil
}

// NewEncoding describes chunks, given in index order, as one encoding.
func NewEncoding(chunks [][]byte, modifiedAt time.Time) AssetEncoding {
	out := AssetEncoding{ContentChunks: make([]ChunkRef, len(chunks)), ModifiedAt: modifiedAt}
	h := sha256.New()
	for i, data := range chunks {
		h.Write(data)
		out.ContentChunks[i] = ChunkRef{Index: uint32(i), Length: uint64(len(data)), SHA256: Sum(data)}
		out.TotalLength += uint64(len(data))
	}
	copy(out.SHA256[:], h.Sum(nil))
	return out
}

// SplitChunks cuts data into chunks of at most size bytes. Empty data yields
// one empty chunk.
func SplitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n:n])
		data = data[n:]
	}
	return out
}

// Asset is a named static resource with one or more encodings.
type Asset struct {
	Key       AssetKey                       `json:"key" cbor:"1,keyasint"`
	Headers   []HeaderField                  `json:"headers" cbor:"2,keyasint"`
	Encodings map[EncodingType]AssetEncoding `json:"encodings" cbor:"3,keyasint"`
	CreatedAt time.Time                      `json:"created_at" cbor:"4,keyasint"`
	UpdatedAt time.Time                      `json:"updated_at" cbor:"5,keyasint"`
}

// AvailableEncodings lists the asset's encodings in canonical precedence order.
func (a *Asset) AvailableEncodings() []EncodingType {
	out := make([]EncodingType, 0, len(a.Encodings))
	for enc := range a.Encodings {
		out = append(out, enc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// CanonicalEncoding returns the first available encoding in precedence order.
func (a *Asset) CanonicalEncoding() (EncodingType, bool) {
	avail := a.AvailableEncodings()
	if len(avail) == 0 {
		return "", false
	}
	return avail[0], true
}

// Header returns the first header value with the given name, case-insensitively.
func (a *Asset) Header(name string) (string, bool) {
	for _, h := range a.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy so callers can mutate it without touching the store.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	c.Headers = append([]HeaderField(nil), a.Headers...)
	c.Encodings = make(map[EncodingType]AssetEncoding, len(a.Encodings))
	for k, v := range a.Encodings {
		v.ContentChunks = append([]ChunkRef(nil), v.ContentChunks...)
		c.Encodings[k] = v
	}
	return &c
}

// ProposalAssetKey scopes a staged asset to its proposal.
type ProposalAssetKey struct {
	ProposalID uint64 `json:"proposal_id"`
	Namespace  string `json:"namespace"`
	FullPath   string `json:"full_path"`
}
