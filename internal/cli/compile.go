package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ppiankov/wafpolicy/internal/compiler"
	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/telemetry"
	"github.com/ppiankov/wafpolicy/internal/web"
)

var errPassFailed = errors.New("compilation pass failed")

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Run a single compilation pass and exit",
	Long: `Run one compilation pass: read the policy resources bound by annotated
Ingresses (or a local policy file), write the enforcement policy and, in
standalone mode, render the nginx configuration.

Exit codes:
  0  Pass succeeded, possibly with dropped policies
  1  Pass failed; the previous policy file is left in place`,
	Example: `  # Compile cluster resources with the default config
  wafpolicy compile

  # Compile a local policy file
  wafpolicy compile --policy-file /ext/appsec/local_policy.yaml

  # JSON report for automation
  wafpolicy compile -o json`,
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)
	addSourceFlags(compileCmd)
	compileCmd.Flags().StringP("output", "o", "", "Output format: json (default: table)")
}

func runCompile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts, err := clusterOptions(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, tracerShutdown, tracerErr := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, version)
	if tracerErr != nil {
		return fmt.Errorf("initializing tracer: %w", tracerErr)
	}
	defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	opts = append(opts, compiler.WithTracer(tracer))

	res, runErr := compiler.New(cfg, opts...).Run(ctx)

	outputFlag, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	switch outputFlag {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(web.NewPassView(res)); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	case "", "table":
		writeResultTable(cmd.OutOrStdout(), res)
	default:
		return fmt.Errorf("unknown output format %q (use json)", outputFlag)
	}

	if runErr != nil {
		cmd.PrintErrln(runErr)
		cmd.SilenceErrors = true
		return errPassFailed
	}
	return nil
}

func writeResultTable(out io.Writer, res *compiler.Result) {
	fmt.Fprintf(out, "Pass %s in %s\n", res.Outcome, res.Duration.Round(time.Millisecond)) //nolint:errcheck // best-effort output
	if res.Digest != "" {
		fmt.Fprintf(out, "Digest: %s\n", res.Digest) //nolint:errcheck // best-effort output
	}
	fmt.Fprintln(out) //nolint:errcheck // best-effort output

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tSTATE") //nolint:errcheck // best-effort output
	for _, name := range res.Policies {
		fmt.Fprintf(w, "%s\tcompiled\n", name) //nolint:errcheck // best-effort output
	}
	for _, name := range res.Failed {
		fmt.Fprintf(w, "%s\tdropped\n", name) //nolint:errcheck // best-effort output
	}
	w.Flush() //nolint:errcheck // best-effort output

	if res.Proxy != nil {
		fmt.Fprintf(out, "\nProxy: %d host(s), %d file(s), reloaded=%t\n", //nolint:errcheck // best-effort output
			len(res.Proxy.Hosts), len(res.Proxy.Files), res.Proxy.Reloaded)
	}

	if len(res.Diagnostics) > 0 {
		fmt.Fprintln(out) //nolint:errcheck // best-effort output
		writeDiagnostics(out, res.Diagnostics)
	}
}

func writeDiagnostics(out io.Writer, entries []diag.Entry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tCOMPONENT\tSUBJECT\tMESSAGE") //nolint:errcheck // best-effort output
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Severity, e.Component, e.Subject, e.Message) //nolint:errcheck // best-effort output
	}
	w.Flush() //nolint:errcheck // best-effort output
}
