// Command nooterra canonicalizes and hashes artifacts and invokes platform
// operations from the shell.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "0.1.0"

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 ok, 1 failure, 2 usage.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "canon":
		return runCanonCmd(args[2:], stdout, stderr)
	case "digest":
		return runDigestCmd(args[2:], stdout, stderr)
	case "agreement":
		return runAgreementCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "invoke":
		return runInvokeCmd(args[2:], stdout, stderr)
	case "ops":
		return runOpsCmd(args[2:], stdout, stderr)
	case "stream":
		return runStreamCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "nooterra %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: nooterra <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "ARTIFACTS:")
	printCommand(w, "canon", "Canonicalize JSON from stdin or --file")
	printCommand(w, "digest", "SHA-256 of the canonical form (--raw hashes bytes as-is)")
	printCommand(w, "agreement", "Build a ToolCallAgreement.v1 (--tool-id, --call-id, --manifest-hash)")
	printCommand(w, "verify", "Recompute the hash of a stored artifact (--file or --ref)")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "API:")
	printCommand(w, "invoke", "Invoke a catalog operation (--op, --payload, --param k=v)")
	printCommand(w, "ops", "List catalog operations")
	printCommand(w, "stream", "Tail session events (--session)")
	_, _ = fmt.Fprintln(w, "")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
