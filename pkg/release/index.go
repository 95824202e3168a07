// Package release maintains the release-version index: for every release kind
// the published versions and the latest one, derived from the artifact paths
// of the release namespaces.
package release

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// Version is one published artifact of a release kind.
type Version struct {
	Version string        `json:"version"`
	Path    string        `json:"path"`
	SHA256  assets.Digest `json:"sha256"`
	Size    uint64        `json:"size"`
}

// Kind lists the versions of one release kind, newest first.
type Kind struct {
	Latest   string    `json:"latest"`
	Versions []Version `json:"versions"`
}

// Index is the document served at assets.MetadataPath.
type Index struct {
	Releases map[string]Kind `json:"releases"`
}

// Lister returns the live assets of a namespace.
type Lister func(namespace string) ([]*assets.Asset, error)

type versioned struct {
	v     *semver.Version
	entry Version
}

// BuildIndex collects the release artifacts of every release namespace.
// Paths that do not carry a parsable version are skipped.
func BuildIndex(namespaces []*assets.Namespace, list Lister) (Index, error) {
	byKind := make(map[string][]versioned)
	for _, ns := range namespaces {
		if !ns.IsRelease() {
			continue
		}
		for _, k := range ns.ReleaseKinds {
			if _, ok := byKind[k]; !ok {
				byKind[k] = nil
			}
		}
		live, err := list(ns.Name)
		if err != nil {
			return Index{}, fmt.Errorf("list namespace %s: %w", ns.Name, err)
		}
		for _, a := range live {
			m := ns.ReleasePattern().FindStringSubmatch(a.Key.FullPath)
			if m == nil {
				continue
			}
			kind, raw := m[1], versionOf(a.Key.FullPath, m[1])
			v, err := semver.NewVersion(raw)
			if err != nil {
				continue
			}
			enc, ok := a.CanonicalEncoding()
			if !ok {
				continue
			}
			content := a.Encodings[enc]
			byKind[kind] = append(byKind[kind], versioned{v: v, entry: Version{
				Version: v.String(),
				Path:    a.Key.FullPath,
				SHA256:  content.SHA256,
				Size:    content.TotalLength,
			}})
		}
	}

	idx := Index{Releases: make(map[string]Kind, len(byKind))}
	for kind, list := range byKind {
		sort.Slice(list, func(i, j int) bool { return list[i].v.GreaterThan(list[j].v) })
		k := Kind{Versions: make([]Version, len(list))}
		for i, item := range list {
			k.Versions[i] = item.entry
		}
		if len(list) > 0 {
			k.Latest = list[0].entry.Version
		}
		idx.Releases[kind] = k
	}
	return idx, nil
}

// versionOf extracts "1.2.3" from "/releases/<kind>-v1.2.3.wasm.gz".
func versionOf(path, kind string) string {
	const prefix, suffix = "/releases/", ".wasm.gz"
	s := path[len(prefix)+len(kind)+len("-v"):]
	return s[:len(s)-len(suffix)]
}

// Latest returns the newest version of a kind.
func (idx Index) Latest(kind string) (Version, bool) {
	k, ok := idx.Releases[kind]
	if !ok || len(k.Versions) == 0 {
		return Version{}, false
	}
	return k.Versions[0], true
}

// Encode renders the index as JSON. Map keys are emitted sorted, so equal
// indexes encode to equal bytes.
func (idx Index) Encode() ([]byte, error) {
	return json.MarshalIndent(idx, "", "  ")
}
