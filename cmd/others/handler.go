package others

import (
	"encoding/json"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/seamlessvm/seamless/cmd/core"
	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/gc"
	"github.com/seamlessvm/seamless/version"
	"github.com/seamlessvm/seamless/vm"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	o := gc.New()
	vm.RegisterGC(o, conf)
	if err := o.Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

// ConfigShow prints the effective VM configuration, migrating the
// persisted document on the fly when it is from an older build.
func (h Handler) ConfigShow(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	vmConf, err := config.LoadVMConfiguration(ctx, conf)
	if err != nil {
		return err
	}

	fmt.Printf("cpus:            %d\n", vmConf.CPUCount)
	fmt.Printf("memory:          %s\n", units.BytesSize(float64(int64(vmConf.MemorySizeGB)<<30)))
	fmt.Printf("disk:            %s (%s)\n", units.BytesSize(float64(int64(vmConf.Disk.SizeGB)<<30)), vmConf.Disk.Path)
	fmt.Printf("network:         %s\n", vmConf.Network.Mode)
	fmt.Printf("idle suspend:    %ds\n", vmConf.SuspendOnIdleAfterSeconds)
	fmt.Printf("streaming:       enabled=%v shared-memory=%v (%s)\n",
		vmConf.Streaming.Enabled, vmConf.Streaming.SharedMemoryEnabled,
		units.BytesSize(float64(int64(vmConf.Streaming.SharedMemorySizeMB)<<20)))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	fmt.Println("---")
	return enc.Encode(vmConf)
}

// ConfigMigrate loads the persisted document (running the legacy
// migration if needed) and writes it back at the current schema.
func (h Handler) ConfigMigrate(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	vmConf, err := config.LoadVMConfiguration(ctx, conf)
	if err != nil {
		return err
	}
	if err := config.SaveVMConfiguration(ctx, conf, vmConf); err != nil {
		return err
	}
	log.WithFunc("cmd.config").Infof(ctx, "configuration written at schema %d", config.CurrentSchemaVersion)
	return nil
}
