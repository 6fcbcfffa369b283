package daemon

import (
	"context"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/seamlessvm/seamless/cmd/core"
	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/daemon"
	"github.com/seamlessvm/seamless/hypervisor"
	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/utils"
	"github.com/seamlessvm/seamless/vm"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Serve runs the lifecycle daemon until the process is signalled.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.daemon")

	if err := utils.EnsureDirs(conf.Dirs()); err != nil {
		return err
	}
	vmConf, err := config.LoadVMConfiguration(ctx, conf)
	if err != nil {
		return err
	}

	machine := buildMachine(ctx, conf, vmConf)
	controller := vm.NewController(conf, vmConf, machine)
	logger.Infof(ctx, "daemon starting: %d vCPU, %d GB memory, streaming=%v",
		vmConf.CPUCount, vmConf.MemorySizeGB, vmConf.Streaming.Enabled)
	return daemon.NewServer(conf, controller).Serve(ctx)
}

// buildMachine picks the native backend when the host supports it and
// falls back to the simulated one otherwise.
func buildMachine(ctx context.Context, conf *config.Config, vmConf *types.VMConfiguration) hypervisor.Machine {
	support := hypervisor.Detect(conf.HypervisorBinary)
	if support.Native {
		return hypervisor.NewProcessMachine(conf, vmConf)
	}
	log.WithFunc("cmd.daemon").Warnf(ctx, "native virtualization unavailable (%s), using simulated backend", support.Reason)
	return hypervisor.NewSimulatedMachine()
}
