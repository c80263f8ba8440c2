package translation

// Batch is one group of text segments sent together in a single translation
// request. Index is 1-based and contiguous; concatenating all batches'
// segments in index order reproduces the flattened input slice order.
type Batch struct {
	Index    int
	Segments []string
}

// MakeBatches groups texts into batches of at most maxChars characters each,
// by greedy accumulation. A single text longer than maxChars is flushed out
// of the running buffer and split into contiguous slices of at most maxChars
// characters, each slice becoming its own single-segment batch.
//
// The returned slice counts record how many segments each input text
// contributed (1 unless oversized); MergeSlices uses them to restore
// per-fragment granularity after translation.
func MakeBatches(texts []string, maxChars int) ([]Batch, []int) {
	// A non-positive budget would stall the oversized-split loop.
	if maxChars < 1 {
		maxChars = 1
	}

	var batches []Batch
	var buf []string
	size := 0

	sliceCounts := make([]int, len(texts))

	flush := func() {
		if len(buf) > 0 {
			batches = append(batches, Batch{Index: len(batches) + 1, Segments: buf})
			buf = nil
			size = 0
		}
	}

	for i, t := range texts {
		runes := []rune(t)
		tLen := len(runes)

		if tLen > maxChars {
			flush()
			for start := 0; start < tLen; start += maxChars {
				end := start + maxChars
				if end > tLen {
					end = tLen
				}
				batches = append(batches, Batch{Index: len(batches) + 1, Segments: []string{string(runes[start:end])}})
				sliceCounts[i]++
			}
			continue
		}

		sliceCounts[i] = 1
		// One extra character accounts for the delimiter between segments.
		if size+tLen+1 > maxChars && len(buf) > 0 {
			batches = append(batches, Batch{Index: len(batches) + 1, Segments: buf})
			buf = []string{t}
			size = tLen
		} else {
			buf = append(buf, t)
			size += tLen + 1
		}
	}
	flush()

	return batches, sliceCounts
}

// MergeSlices joins translated slices back into per-fragment granularity.
// slices is the flattened translation output (one entry per batch segment);
// sliceCounts is the per-fragment segment count from MakeBatches.
func MergeSlices(slices []string, sliceCounts []int) []string {
	merged := make([]string, 0, len(sliceCounts))
	pos := 0
	for _, count := range sliceCounts {
		if pos+count > len(slices) {
			break
		}
		if count == 1 {
			merged = append(merged, slices[pos])
		} else {
			joined := ""
			for _, s := range slices[pos : pos+count] {
				joined += s
			}
			merged = append(merged, joined)
		}
		pos += count
	}
	return merged
}

// TotalSegments returns the number of segments across all batches.
func TotalSegments(batches []Batch) int {
	total := 0
	for _, b := range batches {
		total += len(b.Segments)
	}
	return total
}
