package cli

import (
	"fmt"
	"runtime"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ppiankov/wafpolicy/internal/assembler"
	"github.com/ppiankov/wafpolicy/internal/schema"
)

var versionJSON bool

// buildInfo is what the agent's health tooling scrapes from `version --json`.
type buildInfo struct {
	Version       string   `json:"version"`
	Commit        string   `json:"commit"`
	Date          string   `json:"date"`
	GoVersion     string   `json:"goVersion"`
	PolicyVersion string   `json:"policyVersion"`
	Revisions     []string `json:"revisions"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and supported policy revisions",
	Long: `Print the wafpolicy build and the policy revisions it compiles.

The bundle version is the "version" field written to the local policy
file; the revisions are the open-appsec resource revisions tried in order.`,
	Example: `  wafpolicy version
  wafpolicy version --json | jq -r .revisions[]`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		info := buildInfo{
			Version:       version,
			Commit:        commit,
			Date:          date,
			GoVersion:     runtime.Version(),
			PolicyVersion: assembler.DefaultVersion,
			Revisions:     []string{string(schema.V1Beta2), string(schema.V1Beta1)},
		}
		if versionJSON {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data)) //nolint:errcheck // best-effort output
			return nil
		}
		fmt.Fprintf(out, "wafpolicy %s (commit %s, built %s, %s)\n", info.Version, info.Commit, info.Date, info.GoVersion) //nolint:errcheck // best-effort output
		fmt.Fprintf(out, "policy bundle %s, revisions %s\n", info.PolicyVersion, strings.Join(info.Revisions, ", "))       //nolint:errcheck // best-effort output
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print build info as JSON")
	rootCmd.AddCommand(versionCmd)
}

// SetVersion overrides the reported version.
func SetVersion(v string) {
	version = v
}
