package certification

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/merkle"
)

const (
	HeaderCertificate = "Helm-Certificate"
	HeaderExpression  = "Helm-Certificate-Expression"
)

// Entry names the certified response a request resolved to.
type Entry struct {
	// Wildcard is set when the response is certified under a prefix rather
	// than the exact request path.
	Wildcard bool
	Prefix   string
	Response Response
}

// ExactEntry is the entry for a response certified at the request path.
func ExactEntry(r Response) Entry {
	return Entry{Response: r}
}

// ExprPath is the tree_v2 label path of an entry, including the leading
// http_expr label and the terminator.
func (e Entry) ExprPath(path string) []string {
	var labels []string
	if e.Wildcard {
		labels = toStrings(wildcardPath(e.Prefix))
	} else {
		labels = toStrings(exactPath(path))
	}
	return append([]string{LabelV2}, labels...)
}

// Witness returns the pruned root tree proving entry for path. For a wildcard
// entry it also proves that no exact entry and no longer wildcard exists.
func (t *Tree) Witness(path string, entry Entry) *merkle.HashTree {
	r := entry.Response
	var v2paths [][][]byte
	if entry.Wildcard {
		v2paths = append(v2paths, exactPath(path))
		for _, prefix := range wildcardCandidates(path) {
			if prefix == entry.Prefix {
				break
			}
			v2paths = append(v2paths, wildcardPath(prefix))
		}
		v2paths = append(v2paths, v2Leaf(wildcardPath(entry.Prefix), r))
	} else {
		v2paths = append(v2paths, v2Leaf(exactPath(path), r))
	}

	assetsTree := merkle.Fork(
		merkle.Labeled([]byte(LabelV1), t.v1.Witness(merkle.Path(path))),
		merkle.Labeled([]byte(LabelV2), t.v2.Witness(v2paths...)),
	)
	return merkle.Fork(assetsTree, merkle.Labeled([]byte(LabelSignatures), merkle.Pruned(t.signaturesRoot())))
}

// CertificateHeaders builds the certificate and expression headers for a
// response resolved to entry.
func (t *Tree) CertificateHeaders(path string, entry Entry, certs CertificateSource) ([]assets.HeaderField, error) {
	cert, err := certs.Certify(t.RootHash())
	if err != nil {
		return nil, fmt.Errorf("certify root: %w", err)
	}
	tree, err := cbor.Marshal(t.Witness(path, entry))
	if err != nil {
		return nil, fmt.Errorf("encode witness: %w", err)
	}
	exprPath, err := cbor.Marshal(entry.ExprPath(path))
	if err != nil {
		return nil, fmt.Errorf("encode expr path: %w", err)
	}
	value := fmt.Sprintf("certificate=:%s:, tree=:%s:, version=2, expr_path=:%s:",
		base64.StdEncoding.EncodeToString(cert),
		base64.StdEncoding.EncodeToString(tree),
		base64.StdEncoding.EncodeToString(exprPath),
	)
	return []assets.HeaderField{
		{Name: HeaderCertificate, Value: value},
		{Name: HeaderExpression, Value: entry.Response.Expression()},
	}, nil
}

func exactPath(path string) [][]byte {
	return merkle.Path(append(assets.Segments(path), ExactTerminator)...)
}

func wildcardPath(prefix string) [][]byte {
	segs := assets.Segments(prefix)
	if len(segs) > 0 && segs[len(segs)-1] == "" {
		segs = segs[:len(segs)-1]
	}
	return merkle.Path(append(segs, WildcardTerminator)...)
}

func v2Leaf(base [][]byte, r Response) [][]byte {
	expr := r.ExpressionHash()
	resp := r.Hash()
	out := make([][]byte, 0, len(base)+3)
	out = append(out, base...)
	return append(out, expr[:], []byte{}, resp[:])
}

// wildcardCandidates lists the directory prefixes of path, longest first.
func wildcardCandidates(path string) []string {
	var out []string
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			out = append(out, path[:i+1])
		}
	}
	return out
}

func toStrings(labels [][]byte) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// parseCertificateHeader splits the structured certificate header into its
// fields.
func parseCertificateHeader(value string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed certificate header field %q", part)
		}
		fields[k] = strings.Trim(v, ":")
	}
	return fields, nil
}
