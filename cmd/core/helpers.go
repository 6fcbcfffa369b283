package core

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/daemon"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Client connects to the daemon serving this config's socket.
func Client(conf *config.Config) *daemon.Client {
	return daemon.NewClient(conf.DaemonSocket())
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// FormatUptime renders an uptime with second precision.
func FormatUptime(d time.Duration) string {
	return d.Truncate(time.Second).String()
}
