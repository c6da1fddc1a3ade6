// Package affinity pins a rank to its share of the host's CPUs.
package affinity

// Share returns the CPUs local rank localRank of localSize should use out of
// cpus. When there are fewer CPUs than ranks every rank gets all of them and
// pinned is false.
func Share(cpus []int, localRank, localSize int) (share []int, pinned bool) {
	if localSize <= 0 || localRank < 0 || localRank >= localSize {
		return cpus, false
	}
	per := len(cpus) / localSize
	if per < 1 {
		return cpus, false
	}
	return cpus[localRank*per : (localRank+1)*per], true
}
