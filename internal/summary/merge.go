package summary

import "sort"

// Merge folds an incoming snapshot into the current one and returns the
// result; neither argument is mutated.
//
// A nil current is replaced wholesale. Otherwise the chapter lists are
// unioned by CID with incoming entries overwriting same-id previous ones
// (last write wins per chapter), the union is re-sorted ascending by Start,
// and State and VideoSummary are taken from the incoming snapshot. Folding
// a FIFO sequence of growing snapshots through Merge converges to the same
// final chapter set regardless of chunk boundaries.
func Merge(current, incoming *Summary) *Summary {
	if current == nil {
		return incoming
	}
	if incoming == nil {
		return current
	}

	byCID := make(map[string]int, len(current.Chapters))
	merged := make([]Chapter, 0, len(current.Chapters)+len(incoming.Chapters))
	merged = append(merged, current.Chapters...)
	for i, c := range merged {
		byCID[c.CID] = i
	}
	for _, c := range incoming.Chapters {
		if i, ok := byCID[c.CID]; ok {
			merged[i] = c
			continue
		}
		byCID[c.CID] = len(merged)
		merged = append(merged, c)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start < merged[j].Start
	})

	return &Summary{
		State:        incoming.State,
		Chapters:     merged,
		VideoSummary: incoming.VideoSummary,
	}
}
