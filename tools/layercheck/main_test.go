package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ModuleTree(t *testing.T) {
	violations, err := Check(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheck_ReportsOuterImports(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "store")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src := `package store

import (
	_ "github.com/Mindburn-Labs/helm-assets/pkg/authz"
	_ "github.com/Mindburn-Labs/helm-assets/pkg/auth"
	_ "github.com/Mindburn-Labs/helm-assets/cmd/helm-assets"
)
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "store.go"), []byte(src), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "store_test.go"),
		[]byte("package store\n\nimport _ \"github.com/Mindburn-Labs/helm-assets/pkg/server\"\n"), 0o644))

	violations, err := Check(root)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, modulePath+"/pkg/auth", violations[0].Import)
	assert.Equal(t, 5, violations[0].Line)
	assert.Equal(t, modulePath+"/cmd/helm-assets", violations[1].Import)

	var out bytes.Buffer
	assert.Equal(t, 1, run([]string{"-root", root}, &out, &out))
	assert.Contains(t, out.String(), "2 layer violation(s) found")
}
