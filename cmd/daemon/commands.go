package daemon

import "github.com/spf13/cobra"

// Actions defines the daemon operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
}

// Commands builds the daemon command set.
func Commands(h Actions) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "daemon",
			Short: "Run the VM lifecycle daemon",
			RunE:  h.Serve,
		},
	}
}
