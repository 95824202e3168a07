// Command layercheck enforces the package layering of helm-assets.
//
// The asset engine core (content model, certification, storage, uploads,
// proposals, serving) must stay free of the HTTP surface, the process
// configuration and the binary, so it can be embedded and tested without
// them.
//
// Usage:
//
//	go run ./tools/layercheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/helm-assets"

// corePackages may only import each other and third-party code.
var corePackages = []string{
	"artifacts", "assets", "authz", "certification", "codec", "merkle",
	"proposal", "release", "responder", "state", "store", "upload",
}

// outerImports are the module packages the core must not depend on.
var outerImports = []string{
	modulePath + "/pkg/api",
	modulePath + "/pkg/auth",
	modulePath + "/pkg/config",
	modulePath + "/pkg/engine",
	modulePath + "/pkg/observability",
	modulePath + "/pkg/server",
}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q", v.File, v.Line, v.Import)
}

func forbidden(importPath string) bool {
	if strings.HasPrefix(importPath, modulePath+"/cmd/") {
		return true
	}
	for _, p := range outerImports {
		if importPath == p || strings.HasPrefix(importPath, p+"/") {
			return true
		}
	}
	return false
}

// Check scans the non-test sources of the core packages under root.
func Check(root string) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	for _, pkg := range corePackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				if !forbidden(importPath) {
					continue
				}
				rel, _ := filepath.Rel(root, path)
				out = append(out, Violation{File: rel, Line: fset.Position(imp.Pos()).Line, Import: importPath})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("layercheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", ".", "module root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	violations, err := Check(*root)
	if err != nil {
		fmt.Fprintf(stderr, "layercheck: %v\n", err)
		return 1
	}
	for _, v := range violations {
		fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		fmt.Fprintf(stdout, "%d layer violation(s) found\n", len(violations))
		return 1
	}
	fmt.Fprintln(stdout, "layer check passed")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
