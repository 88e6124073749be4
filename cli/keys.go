package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/docseal/keys"
)

func newKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signer credentials",
	}
	cmd.AddCommand(
		newKeysIssueCommand(a),
		newKeysCertCommand(a),
		newKeysExportCommand(a),
		newKeysJWKCommand(a),
	)
	return cmd
}

func newKeysIssueCommand(a *app) *cobra.Command {
	var (
		signerID string
		subject  keys.Subject
		renew    bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue credentials for a signer, or print the existing ones",
		Example: `  docseal keys issue --signer arb-1 --name "Ada Arbiter" --email ada@example.org
  docseal keys issue --signer arb-1 --renew`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			var creds *keys.Credentials
			if renew {
				creds, err = svc.Authority().Renew(cmd.Context(), signerID, subject)
			} else {
				creds, err = svc.Credentials(cmd.Context(), signerID, subject)
			}
			if err != nil {
				return err
			}
			c := creds.Certificate
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Signer:      %s\n", creds.SignerID)
			fmt.Fprintf(w, "Subject:     %s\n", c.Subject.CommonName)
			fmt.Fprintf(w, "Issuer:      %s\n", c.Issuer.CommonName)
			fmt.Fprintf(w, "Serial:      %s\n", c.SerialNumber.Text(16))
			fmt.Fprintf(w, "Valid:       %s to %s\n", c.ValidFrom.UTC().Format("2006-01-02"), c.ValidTo.UTC().Format("2006-01-02"))
			fmt.Fprintf(w, "Fingerprint: %s\n", c.Fingerprint())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&signerID, "signer", "", "stable signer id")
	f.StringVar(&subject.CommonName, "name", "", "signer display name")
	f.StringVar(&subject.Email, "email", "", "signer email")
	f.StringVar(&subject.Organization, "organization", "", "signer organization")
	f.StringVar(&subject.OrganizationalUnit, "unit", "", "signer organizational unit")
	f.StringVar(&subject.Country, "country", "", "two letter country code")
	f.BoolVar(&renew, "renew", false, "replace the key and certificate even when still valid")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func newKeysCertCommand(a *app) *cobra.Command {
	var signerID string
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Print a signer's certificate as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			cert, err := svc.Certificate(cmd.Context(), signerID)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(cert.PEM())
			return err
		},
	}
	cmd.Flags().StringVar(&signerID, "signer", "", "stable signer id")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func newKeysExportCommand(a *app) *cobra.Command {
	var signerID, password, out string
	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Export a signer's key and certificate as PKCS#12",
		Example: `  docseal keys export --signer arb-1 --password changeit --out arb-1.p12`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("DOCSEAL_EXPORT_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or DOCSEAL_EXPORT_PASSWORD is required")
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			creds, err := svc.Authority().LoadCredentials(cmd.Context(), signerID)
			if err != nil {
				return err
			}
			pfx, err := keys.ExportPKCS12(creds, password)
			if err != nil {
				return err
			}
			if out == "" {
				out = signerID + ".p12"
			}
			if err := os.WriteFile(out, pfx, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&signerID, "signer", "", "stable signer id")
	f.StringVar(&password, "password", "", "PKCS#12 password (or DOCSEAL_EXPORT_PASSWORD)")
	f.StringVar(&out, "out", "", "output path (default: <signer>.p12)")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func newKeysJWKCommand(a *app) *cobra.Command {
	var signerID string
	cmd := &cobra.Command{
		Use:   "jwk",
		Short: "Print a signer's public key as a JWK",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			creds, err := svc.Authority().LoadCredentials(cmd.Context(), signerID)
			if err != nil {
				return err
			}
			key, err := keys.PublicJWK(creds)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(key)
		},
	}
	cmd.Flags().StringVar(&signerID, "signer", "", "stable signer id")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}
