package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/sign/validation"
)

// Verify exit codes.
const (
	exitInvalid  = 1
	exitUnsigned = 2
)

func newVerifyCommand(a *app) *cobra.Command {
	var (
		in              string
		asJSON, verbose bool
	)

	cmd := &cobra.Command{
		Use:   "verify [document]",
		Short: "Verify the signatures embedded in a document",
		Long: `Verify every signature embedded in a document.

Exit status is 0 when all signatures are valid, 1 when any is invalid and 2
when the document carries no signature.`,
		Example: `  docseal verify award-signed.pdf
  docseal verify --json --in award-signed.pdf`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				in = args[0]
			}
			if in == "" {
				return fmt.Errorf("a document is required (argument or --in)")
			}
			doc, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			report, err := svc.Verify(cmd.Context(), doc)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				outputText(cmd.OutOrStdout(), in, report, verbose)
			}

			switch {
			case !report.Signed:
				return &exitError{code: exitUnsigned}
			case !report.Valid():
				return &exitError{code: exitInvalid}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "document to verify")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show individual checks")
	return cmd
}

func outputText(w io.Writer, path string, report *validation.Report, verbose bool) {
	if !report.Signed {
		fmt.Fprintf(w, "%s: no signatures found\n", path)
		return
	}
	fmt.Fprintf(w, "%s: %d signature(s), format %s\n", path, len(report.Signatures), report.Format)
	for i, sig := range report.Signatures {
		status := "VALID"
		if !sig.Valid {
			status = "INVALID"
		}
		fmt.Fprintf(w, "\n[%d] %s  %s (%s)\n", i+1, status, sig.SignerName, sig.Role)
		fmt.Fprintf(w, "    Signed at:   %s\n", sig.SignedAt.UTC().Format("2006-01-02 15:04:05 MST"))
		if sig.Reason != "" {
			fmt.Fprintf(w, "    Reason:      %s\n", sig.Reason)
		}
		if sig.Location != "" {
			fmt.Fprintf(w, "    Location:    %s\n", sig.Location)
		}
		fmt.Fprintf(w, "    Certificate: %s\n", keys.ShortFingerprint(sig.CertificateFingerprint))
		if ts := sig.Timestamp; ts.Present {
			fmt.Fprintf(w, "    Timestamp:   %s (%s, %s)\n", ts.Time.UTC().Format("2006-01-02 15:04:05 MST"), ts.Assurance, ts.TSAName)
		}
		if verbose {
			fmt.Fprintf(w, "    Digest: %t  Signature: %t  Certificate: %t  Intact: %t\n",
				sig.DigestValid, sig.SignatureValid, sig.CertificateValid, sig.Intact)
		}
		for _, p := range sig.Problems {
			fmt.Fprintf(w, "    ! %s\n", p)
		}
	}
}
