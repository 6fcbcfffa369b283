package console

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// HandleSIGWINCH propagates the local terminal size to the PTY on
// connect and on every resize. Returns a cleanup function.
func HandleSIGWINCH(local, remote *os.File) func() {
	propagateTerminalSize(local, remote)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			propagateTerminalSize(local, remote)
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

func propagateTerminalSize(local, remote *os.File) {
	width, height, err := term.GetSize(int(local.Fd()))
	if err != nil {
		return
	}
	_ = unix.IoctlSetWinsize(int(remote.Fd()), unix.TIOCSWINSZ, &unix.Winsize{
		Row: uint16(height), //nolint:gosec
		Col: uint16(width),  //nolint:gosec
	})
}
