package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/seamlessvm/seamless/cmd/core"
	"github.com/seamlessvm/seamless/console"
	"github.com/seamlessvm/seamless/daemon"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initClient is the shared init for commands that talk to the daemon.
func (h Handler) initClient(cmd *cobra.Command) (context.Context, *daemon.Client, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	return ctx, cmdcore.Client(conf), nil
}

func (h Handler) Up(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	state, err := client.EnsureRunning(ctx)
	if err != nil {
		return fmt.Errorf("up: %w", err)
	}
	log.WithFunc("cmd.up").Infof(ctx, "VM is %s (uptime %s)", state.Status, cmdcore.FormatUptime(state.Uptime()))
	return nil
}

func (h Handler) Start(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	state, err := client.Start(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.WithFunc("cmd.start").Infof(ctx, "VM started, status %s", state.Status)
	return nil
}

func (h Handler) Down(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.down")

	if guest, _ := cmd.Flags().GetBool("guest"); guest {
		timeout, _ := cmd.Flags().GetInt("timeout")
		if err := client.GuestShutdown(ctx, timeout); err != nil {
			return fmt.Errorf("guest shutdown: %w", err)
		}
		logger.Infof(ctx, "guest agent acknowledged shutdown")
		return nil
	}

	state, err := client.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("down: %w", err)
	}
	logger.Infof(ctx, "VM is %s", state.Status)
	return nil
}

func (h Handler) Suspend(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	state, err := client.Suspend(ctx)
	if err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	log.WithFunc("cmd.suspend").Infof(ctx, "VM is %s (%d active sessions)", state.Status, state.ActiveSessions)
	return nil
}

func (h Handler) Status(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	state, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tUPTIME\tSESSIONS")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", state.Status, cmdcore.FormatUptime(state.Uptime()), state.ActiveSessions)
	w.Flush() //nolint:errcheck,gosec
	if state.StreamingError != "" {
		fmt.Fprintf(os.Stderr, "streaming degraded: %s\n", state.StreamingError)
	}
	return nil
}

func (h Handler) Session(cmd *cobra.Command, args []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	delta := 1
	if args[0] == "close" {
		delta = -1
	}
	active, err := client.RegisterSession(ctx, delta)
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	log.WithFunc("cmd.session").Infof(ctx, "session %sed, %d active", args[0], active)
	return nil
}

func (h Handler) SnapshotSave(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	record, err := client.SaveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	log.WithFunc("cmd.snapshot").Infof(ctx, "snapshot %s saved to %s", record.ID, record.Path)
	return nil
}

func (h Handler) SnapshotList(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	records, err := client.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("snapshot list: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No snapshots recorded.")
		return nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TakenAt.Before(records[j].TakenAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTAKEN\tUPTIME\tSIZE\tPATH")
	for _, rec := range records {
		size := "-"
		if info, err := os.Stat(rec.Path); err == nil {
			size = cmdcore.FormatSize(info.Size())
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.0fs\t%s\t%s\n",
			rec.ID,
			rec.TakenAt.Local().Format(time.DateTime),
			rec.UptimeSeconds,
			size,
			rec.Path,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Console(cmd *cobra.Command, _ []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	ptyPath, err := client.ConsolePath(ctx)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}

	pty, err := os.OpenFile(ptyPath, os.O_RDWR, 0) //nolint:gosec // path comes from the daemon
	if err != nil {
		return fmt.Errorf("open PTY %s: %w", ptyPath, err)
	}
	defer pty.Close() //nolint:errcheck

	escapeStr, _ := cmd.Flags().GetString("escape-char")
	escapeChar, err := console.ParseEscapeChar(escapeStr)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "\r\nDisconnected.\r\n")
	}()

	cleanupWinch := console.HandleSIGWINCH(os.Stdin, pty)
	defer cleanupWinch()

	fmt.Fprintf(os.Stderr, "Connected (escape sequence: %s.)\r\n", console.FormatEscapeChar(escapeChar))
	if err := console.Relay(ctx, pty, escapeChar); err != nil {
		fmt.Fprintf(os.Stderr, "\r\nrelay error: %v\r\n", err)
	}
	return nil
}

func (h Handler) Launch(cmd *cobra.Command, args []string) error {
	ctx, client, err := h.initClient(cmd)
	if err != nil {
		return err
	}
	workdir, _ := cmd.Flags().GetString("workdir")
	req := daemon.LaunchRequest{
		Path:       args[0],
		Args:       args[1:],
		WorkingDir: workdir,
	}
	if err := client.LaunchProgram(ctx, req); err != nil {
		return fmt.Errorf("launch %s: %w", args[0], err)
	}
	log.WithFunc("cmd.launch").Infof(ctx, "guest launched %s", args[0])
	return nil
}
