package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/toolcall"
)

func runAgreementCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("agreement", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		p                    toolcall.AgreementParams
		input, inputFile     string
		acceptance, terms    string
		archive              bool
		profile, profilesDir string
	)
	cmd.StringVar(&p.ToolID, "tool-id", "", "tool identifier (REQUIRED)")
	cmd.StringVar(&p.CallID, "call-id", "", "call identifier (REQUIRED)")
	cmd.StringVar(&p.ManifestHash, "manifest-hash", "", "sha256 of the tool manifest (REQUIRED)")
	cmd.StringVar(&input, "input", "", "tool input as JSON (default {})")
	cmd.StringVar(&inputFile, "input-file", "", "read the tool input from a JSON file")
	cmd.StringVar(&acceptance, "acceptance", "", "acceptance criteria as JSON")
	cmd.StringVar(&terms, "terms", "", "settlement terms as JSON")
	cmd.StringVar(&p.PayerAgentID, "payer", "", "payer agent id")
	cmd.StringVar(&p.PayeeAgentID, "payee", "", "payee agent id")
	cmd.StringVar(&p.CreatedAt, "created-at", "", "ISO timestamp (default now)")
	cmd.BoolVar(&archive, "archive", false, "also store the artifact in the configured artifact store")
	cmd.StringVar(&profile, "profile", "", "configuration profile")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "directory holding profile_<name>.yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var err error
	switch {
	case inputFile != "":
		data, rerr := readInput(inputFile)
		if rerr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", rerr)
			return 1
		}
		p.Input, err = decodeJSON(data)
	case input != "":
		p.Input, err = decodeJSON([]byte(input))
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --input is not valid JSON: %v\n", err)
		return 2
	}
	if p.AcceptanceCriteria, err = optionalJSON(acceptance); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --acceptance is not valid JSON: %v\n", err)
		return 2
	}
	if p.SettlementTerms, err = optionalJSON(terms); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --terms is not valid JSON: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(profile, profilesDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ag, err := toolcall.NewBuilder(cfg.TenantID).CreateAgreement(p)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if archive {
		ctx := context.Background()
		store, err := artifacts.Open(ctx, cfg.Artifacts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", err)
			return 1
		}
		ref, err := artifacts.NewArchive(store, nil).Put(ctx, &ag.Artifact)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "archived %s\n", ref)
	}

	_, _ = fmt.Fprintln(stdout, string(ag.CanonicalJSON))
	return 0
}

func optionalJSON(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	return decodeJSON([]byte(s))
}
