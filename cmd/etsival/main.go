// Command etsival validates CAdES signatures against a constraint policy.
//
// Usage:
//
//	etsival <command> [options] <args>
//
// Commands:
//
//	verify     Validate the signatures of a CMS/CAdES file
//	timestamp  Obtain an RFC 3161 timestamp token for a file
//	version    Show version information
//	help       Show help message
//
// Examples:
//
//	# Validate a detached signature against local roots
//	etsival verify -roots roots.pem -content doc.pdf doc.pdf.p7s
//
//	# Fetch revocation data online and print a JSON report
//	etsival verify -online -format json signature.p7s
//
// The exit status is 0 when every signature is VALID, 1 when the overall
// result is INDETERMINATE or INVALID and 2 for usage or input errors.
package main

import (
	"os"

	"github.com/georgepadayatti/etsival/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/etsival
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
