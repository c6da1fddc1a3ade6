//go:build linux

package affinity

import (
	"golang.org/x/sys/unix"
)

// Pin restricts the calling OS thread to its share of the CPUs it is
// currently allowed on and returns that share. Callers pinning a goroutine
// must hold runtime.LockOSThread.
func Pin(localRank, localSize int) ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for cpu := 0; len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}

	share, pinned := Share(cpus, localRank, localSize)
	if !pinned {
		return share, nil
	}
	var next unix.CPUSet
	for _, cpu := range share {
		next.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &next); err != nil {
		return nil, err
	}
	return share, nil
}
