package types

import (
	"fmt"
	"net"
	"os"
)

// Validate checks the configuration against host reality: the disk
// image must exist, resources must be within supported bounds, and
// bridged networking must name a resolvable interface. The first
// violation is returned; nothing is mutated.
func (c *VMConfiguration) Validate() error {
	if c.CPUCount < MinCPUCount || c.CPUCount > MaxCPUCount {
		return &ConfigError{
			Kind:   ConfigErrCPUOutOfRange,
			Field:  "cpu_count",
			Detail: fmt.Sprintf("%d not in [%d, %d]", c.CPUCount, MinCPUCount, MaxCPUCount),
		}
	}
	if c.MemorySizeGB < MinMemorySizeGB || c.MemorySizeGB > MaxMemorySizeGB {
		return &ConfigError{
			Kind:   ConfigErrMemoryOutOfRange,
			Field:  "memory_size_gb",
			Detail: fmt.Sprintf("%d not in [%d, %d]", c.MemorySizeGB, MinMemorySizeGB, MaxMemorySizeGB),
		}
	}
	if _, err := os.Stat(c.Disk.Path); err != nil {
		return &ConfigError{
			Kind:   ConfigErrDiskImageMissing,
			Field:  "disk.path",
			Detail: fmt.Sprintf("%s: %v", c.Disk.Path, err),
		}
	}
	if c.Network.Mode == NetworkModeBridged {
		if _, err := net.InterfaceByName(c.Network.Interface); err != nil {
			return &ConfigError{
				Kind:   ConfigErrInterfaceUnresolvable,
				Field:  "network.interface",
				Detail: fmt.Sprintf("%q: %v", c.Network.Interface, err),
			}
		}
		if c.Network.MACAddress != "" {
			if _, err := net.ParseMAC(c.Network.MACAddress); err != nil {
				return &ConfigError{
					Kind:   ConfigErrInvalidMAC,
					Field:  "network.mac_address",
					Detail: fmt.Sprintf("%q: %v", c.Network.MACAddress, err),
				}
			}
		}
	}
	return nil
}
