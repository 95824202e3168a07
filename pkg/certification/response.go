package certification

import (
	"bytes"
	"crypto/sha256"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/merkle"
)

// statusPseudoHeader carries the status code inside the header hash.
const statusPseudoHeader = ":certified-status"

// Response is the certified shape of one HTTP response: status, the headers
// the expression certifies and the digest of the body.
type Response struct {
	Status  int
	Headers []assets.HeaderField
	Body    assets.Digest
}

// Expression lists the certified header names. It is sent to clients in the
// expression header and its hash labels the response in tree_v2.
func (r Response) Expression() string {
	names := make([]string, 0, len(r.Headers))
	seen := make(map[string]bool, len(r.Headers))
	for _, h := range r.Headers {
		n := strings.ToLower(h.Name)
		if !seen[n] {
			seen[n] = true
			names = append(names, strconv.Quote(n))
		}
	}
	sort.Strings(names)
	return "certify(headers=[" + strings.Join(names, ",") + "])"
}

// ExpressionHash labels the response subtree in tree_v2.
func (r Response) ExpressionHash() merkle.Hash {
	return sha256.Sum256([]byte(r.Expression()))
}

// HeaderHash is a representation-independent hash of the certified headers,
// the status code and the expression header itself: each (name, value) pair
// contributes sha256(name) || sha256(value), and the pairs are hashed in
// sorted order so header order and case do not matter.
func (r Response) HeaderHash() merkle.Hash {
	pairs := make([][]byte, 0, len(r.Headers)+2)
	add := func(name, value string) {
		n := sha256.Sum256([]byte(strings.ToLower(name)))
		v := sha256.Sum256([]byte(value))
		pairs = append(pairs, append(n[:], v[:]...))
	}
	for _, h := range r.Headers {
		add(h.Name, h.Value)
	}
	add(strings.ToLower(HeaderExpression), r.Expression())
	add(statusPseudoHeader, strconv.Itoa(r.Status))
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i], pairs[j]) < 0 })

	h := sha256.New()
	for _, p := range pairs {
		h.Write(p)
	}
	var out merkle.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Hash is the tree_v2 response hash: sha256(header_hash || body_digest).
func (r Response) Hash() merkle.Hash {
	hh := r.HeaderHash()
	return sha256.Sum256(append(hh[:], r.Body[:]...))
}

// CertifiedHeaders returns the headers certified for one encoding of an asset:
// the first value of each of the asset's own headers, followed by
// Content-Encoding for non-identity bodies.
func CertifiedHeaders(a *assets.Asset, enc assets.EncodingType) []assets.HeaderField {
	out := make([]assets.HeaderField, 0, len(a.Headers)+1)
	seen := make(map[string]bool, len(a.Headers))
	for _, h := range a.Headers {
		name := strings.ToLower(h.Name)
		if name == "content-encoding" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, assets.HeaderField{Name: name, Value: h.Value})
	}
	if enc != assets.EncodingIdentity {
		out = append(out, assets.HeaderField{Name: "content-encoding", Value: string(enc)})
	}
	return out
}

// AssetResponse is the certified 200 response for one encoding of an asset.
func AssetResponse(a *assets.Asset, enc assets.EncodingType) Response {
	return Response{
		Status:  http.StatusOK,
		Headers: CertifiedHeaders(a, enc),
		Body:    a.Encodings[enc].SHA256,
	}
}

// RedirectResponse is the certified bodiless redirect.
func RedirectResponse(status int, location string) Response {
	return Response{
		Status:  status,
		Headers: []assets.HeaderField{{Name: "location", Value: location}},
		Body:    assets.Sum(nil),
	}
}

// NotFoundResponse is the certified empty 404 served when nothing matches.
func NotFoundResponse() Response {
	return Response{Status: http.StatusNotFound, Body: assets.Sum(nil)}
}

// pathEntry is everything certified at one path.
type pathEntry struct {
	// v1 is the body digest of the canonical encoding, nil for entries
	// tree_v1 cannot express.
	v1        *assets.Digest
	responses []Response
}

func assetEntry(a *assets.Asset) pathEntry {
	var e pathEntry
	for _, enc := range a.AvailableEncodings() {
		e.responses = append(e.responses, AssetResponse(a, enc))
	}
	if canonical, ok := a.CanonicalEncoding(); ok {
		d := a.Encodings[canonical].SHA256
		e.v1 = &d
	}
	return e
}
