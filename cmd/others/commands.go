package others

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Actions defines cross-cutting system operations.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
	ConfigShow(cmd *cobra.Command, args []string) error
	ConfigMigrate(cmd *cobra.Command, args []string) error
}

// Commands builds the system command set (gc, version, config, completion).
func Commands(h Actions) []*cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and migrate the persisted VM configuration",
	}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the effective VM configuration",
			RunE:  h.ConfigShow,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Rewrite the configuration document at the current schema",
			RunE:  h.ConfigMigrate,
		},
	)

	return []*cobra.Command{
		{
			Use:   "gc",
			Short: "Remove orphaned snapshot and shared-memory files",
			RunE:  h.GC,
		},
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
		configCmd,
		{
			Use:       "completion [bash|zsh|fish|powershell]",
			Short:     "Generate shell completion script",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
			RunE: func(cmd *cobra.Command, args []string) error {
				root := cmd.Root()
				switch args[0] {
				case "bash":
					return root.GenBashCompletion(os.Stdout)
				case "zsh":
					return root.GenZshCompletion(os.Stdout)
				case "fish":
					return root.GenFishCompletion(os.Stdout, true)
				case "powershell":
					return root.GenPowerShellCompletionWithDesc(os.Stdout)
				default:
					return fmt.Errorf("unsupported shell: %s", args[0])
				}
			},
		},
	}
}
