package stuck

import "sort"

// ThreadStack is a lightweight stack snapshot for one thread: the
// topmost frames, most-recent first.
type ThreadStack struct {
	ThreadID int
	Frames   []string
}

// stacksMatch compares two stack snapshots taken seconds apart. If
// either sample is empty the comparison is inconclusive and reports no
// match, since that's the conservative ("not stuck") answer.
func stacksMatch(a, b []ThreadStack) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return sameTopFrames(a, b)
}

func sameTopFrames(a, b []ThreadStack) bool {
	const topN = 5
	left := topFrameSets(a, topN)
	right := topFrameSets(b, topN)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if len(left[i]) != len(right[i]) {
			return false
		}
		for j := range left[i] {
			if left[i][j] != right[i][j] {
				return false
			}
		}
	}
	return true
}

func topFrameSets(stacks []ThreadStack, n int) [][]string {
	out := make([][]string, len(stacks))
	for i, s := range stacks {
		frames := s.Frames
		if len(frames) > n {
			frames = frames[:n]
		}
		cp := make([]string, len(frames))
		copy(cp, frames)
		out[i] = cp
	}
	sort.Slice(out, func(i, j int) bool {
		return joinForSort(out[i]) < joinForSort(out[j])
	})
	return out
}

func joinForSort(frames []string) string {
	total := 0
	for _, f := range frames {
		total += len(f) + 1
	}
	buf := make([]byte, 0, total)
	for _, f := range frames {
		buf = append(buf, f...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
