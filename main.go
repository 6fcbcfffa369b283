package main

import (
	"os"

	"github.com/seamlessvm/seamless/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
