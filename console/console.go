// Package console relays a local terminal to the guest's serial PTY,
// with ssh-style escape sequences.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// escapeState tracks the two-state escape detection machine.
type escapeState int

const (
	stateNormal  escapeState = iota
	stateEscaped             // escape char received, waiting for command char
)

// ParseEscapeChar parses a single character or ^X caret notation.
func ParseEscapeChar(s string) (byte, error) {
	switch {
	case len(s) == 1:
		return s[0], nil
	case len(s) == 2 && s[0] == '^':
		c := s[1]
		if c < '@' || c > '_' {
			return 0, fmt.Errorf("invalid caret notation %q", s)
		}
		return c - '@', nil
	}
	return 0, fmt.Errorf("escape char must be one character or ^X notation, got %q", s)
}

// FormatEscapeChar renders an escape char for display.
func FormatEscapeChar(c byte) string {
	if c < 0x20 {
		return fmt.Sprintf("^%c", c+'@')
	}
	return string(c)
}

// Relay runs bidirectional I/O between the user terminal and the PTY
// until the escape disconnect sequence, EOF, or ctx cancellation.
func Relay(ctx context.Context, pty *os.File, escapeChar byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2) //nolint:mnd

	go func() {
		_, err := io.Copy(os.Stdout, pty)
		errCh <- err
		cancel()
	}()
	go func() {
		errCh <- relayStdin(ctx, os.Stdin, pty, escapeChar)
		cancel()
	}()

	<-ctx.Done()
	select {
	case err := <-errCh:
		if err != nil && !isCleanExit(err) {
			return err
		}
	default:
	}
	return nil
}

// relayStdin forwards stdin to the PTY byte by byte, interpreting the
// escape sequences: <esc>. disconnects, <esc>? prints help,
// <esc><esc> sends the escape char itself.
func relayStdin(ctx context.Context, stdin io.Reader, pty io.Writer, escapeChar byte) error {
	state := stateNormal
	buf := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := stdin.Read(buf)
		if n == 0 || err != nil {
			return err
		}
		b := buf[0]

		switch state {
		case stateNormal:
			if b == escapeChar {
				state = stateEscaped
				continue
			}
			if _, werr := pty.Write(buf[:1]); werr != nil {
				return werr
			}

		case stateEscaped:
			state = stateNormal
			switch b {
			case '.':
				return nil // disconnect
			case '?':
				help := fmt.Sprintf("\r\nSupported escape sequences:\r\n"+
					"  %[1]s.  Disconnect\r\n"+
					"  %[1]s?  This help\r\n"+
					"  %[1]s%[1]s Send %[1]s\r\n", FormatEscapeChar(escapeChar))
				_, _ = os.Stdout.WriteString(help)
			case escapeChar:
				if _, werr := pty.Write([]byte{escapeChar}); werr != nil {
					return werr
				}
			default:
				// Unrecognized: forward both bytes.
				if _, werr := pty.Write([]byte{escapeChar, b}); werr != nil {
					return werr
				}
			}
		}
	}
}

// isCleanExit reports errors that mean a normal PTY disconnect.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}
