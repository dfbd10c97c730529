package classify

import "github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"

// WindowIndices maps a run of k frames onto n window slots.
//
// When k < n the run is padded with its last frame. When k > n the slots
// are spread uniformly over [0, k-1] using floor(i*(k-1)/(n-1)), which
// always keeps the first and last frame of the run. k == n is identity.
func WindowIndices(k, n int) []int {
	if k <= 0 || n <= 0 {
		return nil
	}
	idx := make([]int, n)
	switch {
	case k <= n:
		for i := range idx {
			idx[i] = min(i, k-1)
		}
	case n == 1:
		idx[0] = k - 1
	default:
		for i := range idx {
			idx[i] = i * (k - 1) / (n - 1)
		}
	}
	return idx
}

// BuildWindow returns exactly n frames selected from run by WindowIndices.
// Padded slots share the backing buffer of the repeated frame.
func BuildWindow(run []frame.Frame, n int) []frame.Frame {
	idx := WindowIndices(len(run), n)
	if idx == nil {
		return nil
	}
	out := make([]frame.Frame, n)
	for i, j := range idx {
		out[i] = run[j]
	}
	return out
}
