//go:build !linux

package console

import "os"

// HandleSIGWINCH is a no-op off Linux; the serial console is a Linux
// host feature.
func HandleSIGWINCH(_, _ *os.File) func() {
	return func() {}
}
