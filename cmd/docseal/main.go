// Command docseal signs, timestamps and verifies arbitration documents.
//
// Usage:
//
//	docseal <command> [flags]
//
// Commands:
//
//	sign     Sign a document and embed the evidence
//	verify   Verify the signatures embedded in a document
//	keys     Manage signer credentials
//	serve    Run the HTTP signing service
//	tsa      Timestamp authority tools
//	version  Show version information
//
// Examples:
//
//	# Sign a PDF
//	docseal sign --in award.pdf --signer arb-1 --name "Ada Arbiter"
//
//	# Verify with JSON output
//	docseal verify --json award-signed.pdf
package main

import (
	"context"
	"os"

	"github.com/georgepadayatti/docseal/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/docseal
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(context.Background(), os.Args)
}
