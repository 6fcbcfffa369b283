package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations exposed by the CLI. All of
// them go through the daemon socket.
type Actions interface {
	Up(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Down(cmd *cobra.Command, args []string) error
	Suspend(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
	Session(cmd *cobra.Command, args []string) error
	SnapshotSave(cmd *cobra.Command, args []string) error
	SnapshotList(cmd *cobra.Command, args []string) error
	Console(cmd *cobra.Command, args []string) error
	Launch(cmd *cobra.Command, args []string) error
}

// Commands builds the "vm" command tree.
func Commands(h Actions) []*cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage the streaming VM",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Ensure the VM is running (boot or resume as needed)",
		RunE:  h.Up,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Cold-boot the VM (must be stopped)",
		RunE:  h.Start,
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Shut the VM down and release its resources",
		RunE:  h.Down,
	}
	downCmd.Flags().Bool("guest", false, "ask the guest agent for an in-guest shutdown instead of ACPI")
	downCmd.Flags().Int("timeout", 30, "guest shutdown timeout in seconds") //nolint:mnd

	suspendCmd := &cobra.Command{
		Use:   "suspend",
		Short: "Suspend the VM if it is running with no sessions",
		RunE:  h.Suspend,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show VM status",
		RunE:  h.Status,
	}
	statusCmd.Flags().Bool("json", false, "emit JSON")

	sessionCmd := &cobra.Command{
		Use:       "session open|close",
		Short:     "Register a streaming session open or close",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"open", "close"},
		RunE:      h.Session,
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage VM snapshots",
	}
	snapshotCmd.AddCommand(
		&cobra.Command{
			Use:   "save",
			Short: "Snapshot the running VM",
			RunE:  h.SnapshotSave,
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List recorded snapshots",
			RunE:    h.SnapshotList,
		},
	)

	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Attach an interactive serial console to the running VM",
		RunE:  h.Console,
	}
	consoleCmd.Flags().String("escape-char", "^]", "escape character (single char or ^X caret notation)")

	launchCmd := &cobra.Command{
		Use:   "launch PROGRAM [ARG...]",
		Short: "Start a program inside the guest",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Launch,
	}
	launchCmd.Flags().String("workdir", "", "working directory inside the guest")

	vmCmd.AddCommand(
		upCmd,
		startCmd,
		downCmd,
		suspendCmd,
		statusCmd,
		sessionCmd,
		snapshotCmd,
		consoleCmd,
		launchCmd,
	)
	return []*cobra.Command{vmCmd}
}
