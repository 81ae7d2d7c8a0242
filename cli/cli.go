// Package cli provides the etsival command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes
const (
	ExitValid    = 0
	ExitNotValid = 1
	ExitUsage    = 2
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments and exits with the
// command's status.
func Run(args []string) {
	osExit(run(context.Background(), args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return ExitUsage
	}

	switch args[1] {
	case "verify":
		return verifyCommand(ctx, args[2:], stdout, stderr)
	case "timestamp":
		return timestampCommand(ctx, args[2:], stdout, stderr)
	case "version":
		versionCommand(stdout)
		return ExitValid
	case "help", "-h", "--help":
		usage(stdout)
		return ExitValid
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		usage(stderr)
		return ExitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "etsival - AdES signature validation tool\n\n")
	fmt.Fprintf(w, "Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  verify     Validate the signatures of a CMS/CAdES file")
	fmt.Fprintln(w, "  timestamp  Obtain an RFC 3161 timestamp token for a file")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w, "  help       Show this help message")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s verify -roots roots.pem signature.p7s\n", os.Args[0])
	fmt.Fprintf(w, "  %s verify -online -format json -content doc.pdf signature.p7s\n", os.Args[0])
	fmt.Fprintf(w, "  %s timestamp -url http://tsa.example.com doc.pdf\n", os.Args[0])
}

func versionCommand(w io.Writer) {
	fmt.Fprintf(w, "etsival version %s\n", Version)
	fmt.Fprintf(w, "Build time: %s\n", BuildTime)
}
