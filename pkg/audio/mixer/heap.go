// Package mixer provides [Timeline], the sample-accurate playback timeline
// shared by the real output devices. A Timeline owns the audio clock (frames
// rendered divided by the sample rate), sums every scheduled voice into the
// periods it is asked to render, and reports completion when the render
// position passes a voice's last sample.
package mixer

// endHeap is a min-heap of voices ordered by end frame, with FIFO
// tie-breaking on seq. Voices keep their heap index so Stop can remove them
// in O(log n).
type endHeap []*voice

func (h endHeap) Len() int { return len(h) }

func (h endHeap) Less(i, j int) bool {
	if h[i].end != h[j].end {
		return h[i].end < h[j].end
	}
	return h[i].seq < h[j].seq
}

func (h endHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *endHeap) Push(x any) {
	v := x.(*voice)
	v.index = len(*h)
	*h = append(*h, v)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *endHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	v.index = -1
	*h = old[:n-1]
	return v
}
