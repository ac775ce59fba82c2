// File: config/limits.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"github.com/momentics/hioload-net/sys"
)

// Process-wide resource limits. Zero means "leave the OS default".
var (
	// OptVmemMax is the RLIMIT_AS budget in kilobytes.
	OptVmemMax = NewLimitedNumber[uint64]("os.vmem_max",
		"The maximum size of the process's virtual memory (in kilobytes)",
		0, 1<<40, 0)

	// OptNumFdMax is the RLIMIT_NOFILE budget.
	OptNumFdMax = NewLimitedNumber[uint64]("os.numfd_max",
		"The maximum number of file descriptors the process may open",
		0, 1<<24, 0)
)

// ApplyLimits applies the configured rlimits. Unset options are skipped.
func ApplyLimits() error {
	if OptVmemMax.IsSet() && OptVmemMax.Value() > 0 {
		if err := sys.SetMaxAddressSpace(OptVmemMax.Value()); err != nil {
			return err
		}
	}
	if OptNumFdMax.IsSet() && OptNumFdMax.Value() > 0 {
		if err := sys.SetMaxOpenFiles(OptNumFdMax.Value()); err != nil {
			return err
		}
	}
	return nil
}
