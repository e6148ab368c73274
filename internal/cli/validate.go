package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wafpolicy/internal/config"
	"github.com/ppiankov/wafpolicy/internal/diag"
	"github.com/ppiankov/wafpolicy/internal/resolver"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a wafpolicy config file or a local policy file",
	Long: `Load and validate a wafpolicy YAML config file without connecting to a cluster.

With --policy, also compile a local policy file in memory and print the
diagnostics it produces. Nothing is written.
Exits 0 on success, 1 on validation failure.`,
	Example: `  wafpolicy validate /etc/wafpolicy/config.yaml
  wafpolicy validate --policy /ext/appsec/local_policy.yaml
  wafpolicy validate config.yaml && echo "Config OK"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("policy", "", "Local policy file to compile")
	validateCmd.Flags().String("class", "", "Policy class name used when compiling --policy")
}

func runValidate(cmd *cobra.Command, args []string) error {
	policyPath, _ := cmd.Flags().GetString("policy") //nolint:errcheck // flag registered above
	if len(args) == 0 && policyPath == "" {
		return errors.New("nothing to validate: pass a config file or --policy")
	}

	if len(args) == 1 {
		if _, err := config.Load(args[0]); err != nil {
			cmd.PrintErrln(err)
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return fmt.Errorf("validation failed")
		}
		cmd.Println("config OK")
	}

	if policyPath == "" {
		return nil
	}
	class, _ := cmd.Flags().GetString("class") //nolint:errcheck // flag registered above
	d := diag.Quiet()
	cp, err := resolver.ResolveFile(context.Background(), policyPath, class, d)
	if d.Len() > 0 {
		writeDiagnostics(cmd.OutOrStdout(), d.Entries())
	}
	if err != nil {
		cmd.PrintErrln(err)
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		return fmt.Errorf("validation failed")
	}
	cmd.Printf("policy OK: %s (%s, %d specific rule(s), %d warning(s))\n",
		cp.Policy.Name, cp.Version(), len(cp.Policy.SpecificRules), d.Count(diag.SeverityWarn))
	return nil
}
