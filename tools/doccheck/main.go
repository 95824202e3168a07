// Command doccheck validates that the markdown documents at the module root
// only point at files that exist: relative links and backticked source paths
// under pkg/, cmd/ and tools/.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	fileRefRe = regexp.MustCompile("`((?:pkg|cmd|tools)/[a-zA-Z0-9_/.-]+\\.(?:go|yaml|yml|json|md|sql))`")
)

// CheckFile reports broken references in one markdown file. Paths resolve
// against root.
func CheckFile(root, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var issues []string
	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		for _, m := range linkRe.FindAllStringSubmatch(text, -1) {
			link := m[2]
			if strings.HasPrefix(link, "http") || strings.HasPrefix(link, "#") || strings.HasPrefix(link, "mailto:") {
				continue
			}
			link, _, _ = strings.Cut(link, "#")
			if !exists(filepath.Join(filepath.Dir(path), link)) && !exists(filepath.Join(root, link)) {
				issues = append(issues, fmt.Sprintf("%s:%d: broken link %q", path, line, link))
			}
		}
		for _, m := range fileRefRe.FindAllStringSubmatch(text, -1) {
			if !exists(filepath.Join(root, m[1])) {
				issues = append(issues, fmt.Sprintf("%s:%d: file ref %q not found", path, line, m[1]))
			}
		}
	}
	return issues, scanner.Err()
}

// Check runs CheckFile over every markdown file directly under root.
func Check(root string) ([]string, error) {
	docs, err := filepath.Glob(filepath.Join(root, "*.md"))
	if err != nil {
		return nil, err
	}
	var issues []string
	for _, doc := range docs {
		found, err := CheckFile(root, doc)
		if err != nil {
			return nil, err
		}
		issues = append(issues, found...)
	}
	return issues, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	issues, err := Check(root)
	if err != nil {
		fmt.Fprintf(stderr, "doccheck: %v\n", err)
		return 1
	}
	if len(issues) > 0 {
		fmt.Fprintln(stdout, "Documentation issues found:")
		for _, issue := range issues {
			fmt.Fprintln(stdout, "  ", issue)
		}
		return 1
	}
	fmt.Fprintln(stdout, "Documentation check passed.")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
