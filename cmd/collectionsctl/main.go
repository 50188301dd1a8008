// collectionsctl triggers the collections service's internal jobs by hand.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recoup/collections-service/pkg/resilient"
)

var Version = "dev"

type ctlOptions struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &ctlOptions{}
	rootCmd := &cobra.Command{
		Use:           "collectionsctl",
		Short:         "Operate the collections service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", envOr("COLLECTIONS_BASE_URL", "http://localhost:8080"), "Collections service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("INTERNAL_API_KEY"), "Internal API key")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(jobCmd(opts, "sweep", "Run one escalation sweep", "/internal/collections/sweep"))
	rootCmd.AddCommand(jobCmd(opts, "expire", "Expire stale payment confirmations", "/internal/confirmations/expire"))
	rootCmd.AddCommand(jobCmd(opts, "replay", "Replay due journaled calls", "/internal/journal/replay"))
	rootCmd.AddCommand(healthCmd(opts))

	return rootCmd
}

func jobCmd(opts *ctlOptions, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.apiKey) == "" {
				return fmt.Errorf("an internal API key is required (--api-key or INTERNAL_API_KEY)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			caller := resilient.NewClient()
			resp, err := caller.Call(ctx, resilient.Request{
				Method: http.MethodPost,
				URL:    strings.TrimSuffix(opts.baseURL, "/") + path,
				Header: http.Header{"X-Internal-API-Key": []string{opts.apiKey}},
			}, resilient.ServicePolicy())
			if err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			return printJSON(cmd.OutOrStdout(), resp.Body)
		},
	}
}

func healthCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the service is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller := resilient.NewClient()
			if err := caller.HealthCheck(cmd.Context(), strings.TrimSuffix(opts.baseURL, "/")+"/health"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func printJSON(out io.Writer, body []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, err = out.Write(body)
		return err
	}
	pretty.WriteByte('\n')
	_, err := pretty.WriteTo(out)
	return err
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
