package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/sign"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	Input    string
	Output   string
	SignerID string
	// TSA overrides timestamp.url for this run.
	TSA string
	sign.Options
}

func newSignCommand(a *app) *cobra.Command {
	var opts SignOptions

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a document and embed the evidence",
		Long: `Sign a document with the signer's credentials, issuing them on first use.

PDF input receives an incremental update carrying the signature record and a
visible attestation block. Any other input receives a trailing evidence
envelope.`,
		Example: `  docseal sign --in award.pdf --signer arb-1 --name "Ada Arbiter" --reason "Final award"
  docseal sign --in award.pdf --out award-signed.pdf --signer arb-2 --role co-arbitrator --timestamp
  docseal sign --in minutes.txt --signer arb-1 --require-timestamp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(opts.Input)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tsa") {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				cfg.Timestamp.URL = opts.TSA
				opts.Timestamp = true
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			signed, err := svc.Sign(cmd.Context(), doc, opts.SignerID, opts.Options)
			if err != nil {
				return err
			}
			out := opts.Output
			if out == "" {
				out = signedPath(opts.Input)
			}
			if err := os.WriteFile(out, signed.Document, 0o644); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Signed %s -> %s\n", opts.Input, out)
			fmt.Fprintf(w, "  Record:      %s (%s)\n", signed.Record.ID, signed.Record.Role)
			fmt.Fprintf(w, "  Certificate: %s\n", keys.ShortFingerprint(signed.Signature.CertificateFingerprint))
			fmt.Fprintf(w, "  Digest:      %s\n", signed.Digest)
			if ts := signed.Timestamp; ts != nil {
				switch {
				case !ts.Granted():
					fmt.Fprintf(w, "  Timestamp:   not granted (%s)\n", ts.Status)
				case ts.Local:
					fmt.Fprintf(w, "  Timestamp:   %s (local, %s)\n", ts.Time.UTC().Format("2006-01-02 15:04:05 MST"), ts.TSAName)
				default:
					fmt.Fprintf(w, "  Timestamp:   %s (%s)\n", ts.Time.UTC().Format("2006-01-02 15:04:05 MST"), ts.TSAName)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Input, "in", "", "document to sign")
	f.StringVar(&opts.Output, "out", "", "output path (default: <in>-signed.<ext>)")
	f.StringVar(&opts.SignerID, "signer", "", "stable signer id")
	f.StringVar(&opts.SignerName, "name", "", "signer display name")
	f.StringVar(&opts.Email, "email", "", "signer email")
	f.StringVar(&opts.Organization, "organization", "", "signer organization")
	f.StringVar(&opts.Reason, "reason", "", "reason for signing")
	f.StringVar(&opts.Location, "location", "", "signing location")
	f.StringVar(&opts.ContactInfo, "contact", "", "signer contact information")
	f.StringVar(&opts.Role, "role", "", "signer role in the document (default \"signer\")")
	f.StringVar(&opts.TSA, "tsa", "", "TSA URL for this run; implies --timestamp")
	f.BoolVar(&opts.Timestamp, "timestamp", false, "request an RFC 3161 timestamp, falling back to a local token")
	f.BoolVar(&opts.RequireTimestamp, "require-timestamp", false, "fail unless a TSA grants a timestamp")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func signedPath(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "-signed" + ext
}
