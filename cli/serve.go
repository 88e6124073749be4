package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/server"
	"github.com/georgepadayatti/docseal/sign/timestamps"
)

func newServeCommand(a *app) *cobra.Command {
	var addr string
	var devTSA bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP signing service",
		Long: `Run the HTTP signing service.

Routes:
  POST /v1/sign                       sign a base64 document (bearer token when server.jwt-secret is set)
  POST /v1/verify                     verify a base64 document
  GET  /v1/signers/{id}/certificate   signer certificate as PEM
  GET  /v1/signers/{id}/jwk           signer public key as JWK
  POST /tsa                           development RFC 3161 authority (server.dev-tsa)
  GET  /metrics                       Prometheus metrics
  GET  /healthz                       store health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("dev-tsa") {
				cfg.Server.DevTSA = devTSA
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			srv, err := server.NewFromConfig(svc, cfg, a.logger.Named("http"), a.metrics, a.store)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&devTSA, "dev-tsa", false, "mount the development timestamp authority at /tsa")
	return cmd
}

func newTSACommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsa",
		Short: "Timestamp authority tools (RFC 3161)",
	}
	cmd.AddCommand(newTSAServeCommand(a), newTSARequestCommand(a))
	return cmd
}

func newTSAServeCommand(a *app) *cobra.Command {
	var addr, name string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development RFC 3161 timestamp authority",
		Long: `Run a development RFC 3161 timestamp authority with a freshly generated,
self-signed key. Tokens it issues are structurally real but trusted by
nobody; use it for local testing only.

HTTP API:
  POST / with Content-Type: application/timestamp-query
  Returns Content-Type: application/timestamp-reply`,
		Example: `  docseal tsa serve --addr :8318
  DOCSEAL_TSA_URL=http://localhost:8318 docseal sign --in award.pdf --signer arb-1 --require-timestamp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.loadConfig(); err != nil {
				return err
			}
			authority, err := timestamps.NewDevelopmentAuthority(name)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: authority, ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("timestamp authority listening", zap.String("addr", addr), zap.String("name", name))
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8318", "listen address")
	cmd.Flags().StringVar(&name, "name", "DocSeal Development TSA", "authority common name")
	return cmd
}

func newTSARequestCommand(a *app) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "request <file>",
		Short: "Request a timestamp for a file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if url == "" {
				url = cfg.Timestamp.URL
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client := timestamps.NewClient(timestamps.Config{
				URL:      url,
				Timeout:  cfg.Timestamp.TimeoutDuration(),
				Platform: cfg.Signing.Platform,
				Username: cfg.Timestamp.Username,
				Password: cfg.Timestamp.Password,
			}, timestamps.WithClientLogger(a.logger.Named("timestamps")))

			ts, err := client.RequestTimestamp(cmd.Context(), data)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Status:  %s\n", ts.Status)
			fmt.Fprintf(w, "TSA:     %s\n", ts.TSAName)
			fmt.Fprintf(w, "Time:    %s\n", ts.Time.UTC().Format(time.RFC3339))
			fmt.Fprintf(w, "Local:   %t\n", ts.Local)
			if ts.SerialNumber != nil {
				fmt.Fprintf(w, "Serial:  %s\n", ts.SerialNumber.Text(16))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "TSA URL (default: timestamp.url; empty issues a local token)")
	return cmd
}
