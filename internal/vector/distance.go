package vector

import "math"

// SquaredL2 returns the squared Euclidean distance between two vectors of equal length.
// Accumulates in float64.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Similarity converts a squared L2 distance into a score in (0, 1]; identical vectors score 1.
func Similarity(distance float64) float64 {
	if distance < 0 || math.IsNaN(distance) {
		return 0
	}
	return 1.0 / (1.0 + distance)
}

// better reports whether a ranks before b: smaller distance, then smaller row.
func better(a, b Hit) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Row < b.Row
}

// hitHeap is a max-heap on rank: the worst hit sits at the top so it can be evicted.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
