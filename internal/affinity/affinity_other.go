//go:build !linux

package affinity

import "runtime"

// Pin is a no-op outside linux; it reports every CPU as available.
func Pin(localRank, localSize int) ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	share, _ := Share(cpus, localRank, localSize)
	return share, nil
}
