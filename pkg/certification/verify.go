package certification

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/merkle"
)

var ErrVerification = errors.New("response verification failed")

// VerifyResponse checks a served response against its certificate headers.
// body must be the complete encoded body as it was sent.
func VerifyResponse(pub ed25519.PublicKey, path string, status int, header http.Header, body []byte) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrVerification, fmt.Sprintf(format, args...))
	}

	raw := header.Get(HeaderCertificate)
	if raw == "" {
		return fail("missing %s header", HeaderCertificate)
	}
	fields, err := parseCertificateHeader(raw)
	if err != nil {
		return fail("%v", err)
	}
	if fields["version"] != "2" {
		return fail("unsupported certificate version %q", fields["version"])
	}
	decode := func(name string) ([]byte, error) {
		b, err := base64.StdEncoding.DecodeString(fields[name])
		if err != nil {
			return nil, fail("field %s: %v", name, err)
		}
		return b, nil
	}
	certBytes, err := decode("certificate")
	if err != nil {
		return err
	}
	treeBytes, err := decode("tree")
	if err != nil {
		return err
	}
	exprPathBytes, err := decode("expr_path")
	if err != nil {
		return err
	}

	root, err := VerifyCertificate(pub, certBytes)
	if err != nil {
		return err
	}
	var tree merkle.HashTree
	if err := cbor.Unmarshal(treeBytes, &tree); err != nil {
		return fail("tree: %v", err)
	}
	if tree.Digest() != root {
		return fail("witness does not reconstruct the certified root")
	}
	var exprPath []string
	if err := cbor.Unmarshal(exprPathBytes, &exprPath); err != nil {
		return fail("expr_path: %v", err)
	}

	if err := checkExprPath(&tree, path, exprPath); err != nil {
		return fail("%v", err)
	}

	names, err := parseExpression(header.Get(HeaderExpression))
	if err != nil {
		return fail("%v", err)
	}
	resp := Response{Status: status, Body: assets.Sum(body)}
	for _, n := range names {
		if v := header.Get(n); v != "" {
			resp.Headers = append(resp.Headers, assets.HeaderField{Name: n, Value: v})
		}
	}
	if resp.Expression() != header.Get(HeaderExpression) {
		return fail("certified header missing from response")
	}

	lookup := make([][]byte, 0, len(exprPath)+3)
	for _, l := range exprPath {
		lookup = append(lookup, []byte(l))
	}
	leaf := v2Leaf(nil, resp)
	lookup = append(lookup, leaf...)
	if st, _ := tree.Lookup(lookup...); st != merkle.Found {
		return fail("response hash not in certified tree")
	}
	return nil
}

func checkExprPath(tree *merkle.HashTree, path string, exprPath []string) error {
	if len(exprPath) < 2 || exprPath[0] != LabelV2 {
		return fmt.Errorf("expr_path must start with %s", LabelV2)
	}
	want := append([]string{LabelV2}, toStrings(exactPath(path))...)
	if equalLabels(exprPath, want) {
		return nil
	}
	if exprPath[len(exprPath)-1] != WildcardTerminator {
		return fmt.Errorf("expr_path does not match request path")
	}
	// Wildcards must be a directory prefix of the request, with no exact
	// entry and no longer wildcard present.
	if st, _ := tree.Lookup(toBytes(want)...); st != merkle.Absent {
		return fmt.Errorf("exact entry for %s not proven absent", path)
	}
	for _, prefix := range wildcardCandidates(path) {
		candidate := append([]string{LabelV2}, toStrings(wildcardPath(prefix))...)
		if equalLabels(candidate, exprPath) {
			return nil
		}
		if st, _ := tree.Lookup(toBytes(candidate)...); st != merkle.Absent {
			return fmt.Errorf("longer wildcard %s not proven absent", prefix)
		}
	}
	return fmt.Errorf("wildcard does not cover %s", path)
}

// parseExpression extracts the header names from an expression built by
// Response.Expression.
func parseExpression(expr string) ([]string, error) {
	inner, ok := strings.CutPrefix(expr, "certify(headers=[")
	if !ok {
		return nil, fmt.Errorf("unsupported expression %q", expr)
	}
	inner, ok = strings.CutSuffix(inner, "])")
	if !ok {
		return nil, fmt.Errorf("unsupported expression %q", expr)
	}
	if inner == "" {
		return nil, nil
	}
	var names []string
	for _, q := range strings.Split(inner, ",") {
		n, err := strconv.Unquote(q)
		if err != nil {
			return nil, fmt.Errorf("expression header name %s: %w", q, err)
		}
		names = append(names, n)
	}
	return names, nil
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toBytes(labels []string) [][]byte {
	return merkle.Path(labels...)
}
