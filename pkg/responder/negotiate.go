package responder

import (
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// acceptSet is a parsed Accept-Encoding header. q-values only decide
// acceptability; the choice among acceptable encodings follows the fixed
// precedence order.
type acceptSet struct {
	listed map[string]bool
	star   *bool
}

func parseAcceptEncoding(header string) acceptSet {
	set := acceptSet{listed: make(map[string]bool)}
	for _, part := range strings.Split(header, ",") {
		token, params, _ := strings.Cut(part, ";")
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		accepted := true
		for _, param := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
				continue
			}
			q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err == nil && q <= 0 {
				accepted = false
			}
		}
		if token == "*" {
			set.star = &accepted
			continue
		}
		// An explicit exclusion wins over a repeated listing.
		if prev, seen := set.listed[token]; seen && !prev {
			continue
		}
		set.listed[token] = accepted
	}
	return set
}

func (s acceptSet) accepts(enc assets.EncodingType) bool {
	if v, ok := s.listed[string(enc)]; ok {
		return v
	}
	if s.star != nil {
		return *s.star
	}
	return enc == assets.EncodingIdentity
}

// Negotiate picks the encoding to serve: the first available encoding in
// precedence order the client accepts, otherwise the first available one.
// It returns false only when available is empty.
func Negotiate(available []assets.EncodingType, acceptEncoding string) (assets.EncodingType, bool) {
	ordered := make([]assets.EncodingType, 0, len(available))
	for _, enc := range assets.Precedence {
		for _, a := range available {
			if a == enc {
				ordered = append(ordered, enc)
				break
			}
		}
	}
	if len(ordered) == 0 {
		return "", false
	}
	set := parseAcceptEncoding(acceptEncoding)
	for _, enc := range ordered {
		if set.accepts(enc) {
			return enc, true
		}
	}
	return ordered[0], true
}
