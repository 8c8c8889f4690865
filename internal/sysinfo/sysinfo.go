// Package sysinfo probes host resources for the executor's pre-spawn gates.
package sysinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// FreeMemoryMB reports the available (not merely free) physical memory in
// megabytes, the figure the executor compares against MinFreeMemoryMB
// before spawning a child.
func FreeMemoryMB() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("query virtual memory: %w", err)
	}
	return int(vm.Available / (1024 * 1024)), nil
}

// TotalMemoryMB reports total physical memory in megabytes, used by the
// doctor subcommand's report.
func TotalMemoryMB() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("query virtual memory: %w", err)
	}
	return int(vm.Total / (1024 * 1024)), nil
}
