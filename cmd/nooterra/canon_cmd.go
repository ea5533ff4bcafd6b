package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

// readInput reads path, or stdin when path is empty or "-".
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path) //nolint:gosec // user-supplied input file
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func runCanonCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("canon", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "JSON file to canonicalize (default stdin)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	v, err := decodeJSON(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid JSON: %v\n", err)
		return 1
	}
	out, err := canonicalize.Encode(v)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

func runDigestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("digest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "input file (default stdin)")
	raw := cmd.Bool("raw", false, "hash the bytes as-is instead of their canonical form")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *raw {
		_, _ = fmt.Fprintln(stdout, canonicalize.HashBytes(data))
		return 0
	}
	v, err := decodeJSON(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid JSON: %v\n", err)
		return 1
	}
	h, err := canonicalize.Digest(v)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, h)
	return 0
}
