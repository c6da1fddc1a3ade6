package affinity

import (
	"runtime"
	"slices"
	"testing"
)

func TestShare(t *testing.T) {
	t.Parallel()
	cpus := []int{0, 1, 2, 3, 4, 5, 6, 7, 8}

	tests := []struct {
		rank, size int
		want       []int
		pinned     bool
	}{
		{0, 4, []int{0, 1}, true},
		{3, 4, []int{6, 7}, true},
		{1, 1, cpus, false},
		{0, 1, cpus, true},
		{2, 16, cpus, false},
		{5, 4, cpus, false},
	}
	for _, tt := range tests {
		got, pinned := Share(cpus, tt.rank, tt.size)
		if pinned != tt.pinned || !slices.Equal(got, tt.want) {
			t.Errorf("Share(rank=%d, size=%d) = %v, %v; want %v, %v", tt.rank, tt.size, got, pinned, tt.want, tt.pinned)
		}
	}
}

func TestPinSingleRankKeepsEveryCPU(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpus, err := Pin(0, 1)
	if err != nil {
		t.Skipf("affinity not available: %v", err)
	}
	if len(cpus) == 0 {
		t.Fatal("no CPUs reported")
	}
}
