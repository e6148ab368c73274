package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion bash|zsh|fish|powershell",
	Short: "Generate shell completion for wafpolicy",
	Long: `Generate a shell completion script for wafpolicy.

Besides subcommands, the script completes policy and config file paths
for --policy-file and --config, and the log levels of --log-level.
Inside the agent container only bash is installed, so load it per shell:

  source <(wafpolicy completion bash)`,
	Example: `  # agent container
  wafpolicy completion bash > /etc/bash_completion.d/wafpolicy

  # operator workstation
  wafpolicy completion zsh > "${fpath[1]}/_wafpolicy"
  wafpolicy completion fish > ~/.config/fish/completions/wafpolicy.fish`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		root := cmd.Root()
		switch args[0] {
		case "bash":
			return root.GenBashCompletionV2(out, true)
		case "zsh":
			return root.GenZshCompletion(out)
		case "fish":
			return root.GenFishCompletion(out, true)
		case "powershell":
			return root.GenPowerShellCompletionWithDesc(out)
		}
		return fmt.Errorf("unsupported shell %q", args[0])
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
