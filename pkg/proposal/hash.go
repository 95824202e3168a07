package proposal

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

type stagedEntry struct {
	Namespace string                   `json:"namespace"`
	FullPath  string                   `json:"full_path"`
	Headers   []assets.HeaderField     `json:"headers"`
	Encodings map[string]stagedContent `json:"encodings"`
}

type stagedContent struct {
	SHA256      string `json:"sha256"`
	TotalLength uint64 `json:"total_length"`
}

// StagedHash is the content hash of a staged set: SHA-256 over the RFC 8785
// canonical JSON of the entries sorted by (namespace, path). The hash covers
// paths, headers and per-encoding content digests, so any change to the set
// changes it.
func StagedHash(staged []*assets.Asset) (assets.Digest, error) {
	entries := make([]stagedEntry, 0, len(staged))
	for _, a := range staged {
		e := stagedEntry{
			Namespace: a.Key.Namespace,
			FullPath:  a.Key.FullPath,
			Headers:   a.Headers,
			Encodings: make(map[string]stagedContent, len(a.Encodings)),
		}
		if e.Headers == nil {
			e.Headers = []assets.HeaderField{}
		}
		for enc, content := range a.Encodings {
			e.Encodings[string(enc)] = stagedContent{SHA256: content.SHA256.String(), TotalLength: content.TotalLength}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Namespace != entries[j].Namespace {
			return entries[i].Namespace < entries[j].Namespace
		}
		return entries[i].FullPath < entries[j].FullPath
	})

	raw, err := json.Marshal(entries)
	if err != nil {
		return assets.Digest{}, fmt.Errorf("encode staged set: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return assets.Digest{}, fmt.Errorf("canonicalize staged set: %w", err)
	}
	return assets.Sum(canonical), nil
}
