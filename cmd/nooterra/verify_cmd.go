package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/nooterra/nooterra/pkg/artifacts"
)

type verifyReport struct {
	Verified      bool     `json:"verified"`
	SchemaVersion string   `json:"schemaVersion,omitempty"`
	Hash          string   `json:"hash,omitempty"`
	Ref           string   `json:"ref,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
}

// runVerifyCmd checks a stored artifact.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = usage or read error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file, ref            string
		jsonOutput           bool
		profile, profilesDir string
	)
	cmd.StringVar(&file, "file", "", "artifact JSON file (- for stdin)")
	cmd.StringVar(&ref, "ref", "", "sha256:<hex> ref in the configured artifact store")
	cmd.BoolVar(&jsonOutput, "json", false, "output the report as JSON")
	cmd.StringVar(&profile, "profile", "", "configuration profile")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "directory holding profile_<name>.yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (file == "") == (ref == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --file or --ref is required")
		return 2
	}

	var data []byte
	var err error
	if file != "" {
		data, err = readInput(file)
	} else {
		data, err = loadRef(profile, profilesDir, ref)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	entry, reasons, err := artifacts.Verify(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: not an artifact: %v\n", err)
		return 2
	}
	report := verifyReport{
		Verified:      len(reasons) == 0,
		SchemaVersion: entry.SchemaVersion,
		Hash:          entry.Hash,
		Ref:           ref,
		Reasons:       reasons,
	}
	if ref != "" && artifacts.RefOf(data) != ref {
		report.Verified = false
		report.Reasons = append(report.Reasons, "blob digest does not match ref")
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "OK %s %s\n", report.SchemaVersion, report.Hash)
	} else {
		_, _ = fmt.Fprintf(stdout, "FAILED %s\n", report.SchemaVersion)
		for _, r := range report.Reasons {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", r)
		}
	}
	if !report.Verified {
		return 1
	}
	return 0
}

func loadRef(profile, profilesDir, ref string) ([]byte, error) {
	cfg, err := loadConfig(profile, profilesDir)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	store, err := artifacts.Open(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ref)
}
