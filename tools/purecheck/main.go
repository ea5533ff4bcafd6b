// Package main implements an import restriction linter for the hashing core.
//
// The packages that produce content addresses (canonicalize, toolcall, sse)
// must stay free of I/O backends so that the same input hashes the same way
// in every process. This tool scans their non-test Go files and fails on any
// forbidden import.
//
// Usage:
//
//	go run ./tools/purecheck [-root <project-root>]
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

// pureDirs are checked relative to the project root.
var pureDirs = []string{
	"pkg/canonicalize",
	"pkg/toolcall",
	"pkg/sse",
}

// Forbidden import path prefixes.
var forbiddenPrefixes = []string{
	"net",
	"os/exec",
	"database/sql",
	"cloud.google.com/",
	"github.com/aws/",
	"github.com/redis/",
	"go.opentelemetry.io/",
	"github.com/nooterra/nooterra/pkg/client",
	"github.com/nooterra/nooterra/pkg/artifacts",
	"github.com/nooterra/nooterra/pkg/chainstore",
	"github.com/nooterra/nooterra/pkg/parity",
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations := 0
	fset := token.NewFileSet()

	for _, dir := range pureDirs {
		pkgDir := filepath.Join(root, dir)
		if _, err := os.Stat(pkgDir); os.IsNotExist(err) {
			_, _ = fmt.Fprintf(stderr, "ERROR: %s does not exist\n", pkgDir)
			return 1
		}
		err := filepath.WalkDir(pkgDir, func(path string, d os.DirEntry, err error) error {
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

			f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if parseErr != nil {
				_, _ = fmt.Fprintf(stderr, "WARN: parse error in %s: %v\n", path, parseErr)
				return nil
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				if frag, bad := forbidden(importPath); bad {
					pos := fset.Position(imp.Pos())
					relPath, _ := filepath.Rel(root, pos.Filename)
					_, _ = fmt.Fprintf(stdout, "VIOLATION: %s:%d imports %q (forbidden: %q)\n",
						relPath, pos.Line, importPath, frag)
					violations++
				}
			}
			return nil
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ERROR: walk failed: %v\n", err)
			return 1
		}
	}

	if violations > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d forbidden import(s) in the hashing core\n", violations)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "purecheck passed")
	return 0
}

// forbidden matches whole path segments, so "net" catches "net/http" but
// not "network".
func forbidden(importPath string) (string, bool) {
	for _, p := range forbiddenPrefixes {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(importPath, p) {
				return p, true
			}
			continue
		}
		if importPath == p || strings.HasPrefix(importPath, p+"/") {
			return p, true
		}
	}
	return "", false
}
