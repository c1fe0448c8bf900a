package summary

import (
	"reflect"
	"testing"
)

func chap(cid string, start int, text string) Chapter {
	return Chapter{CID: cid, VID: "vid", Start: start, Chapter: "c-" + cid, Summary: text}
}

func TestMergeNilCurrent(t *testing.T) {
	incoming := &Summary{State: StateDoing, Chapters: []Chapter{chap("a", 0, "x")}}
	got := Merge(nil, incoming)
	if got != incoming {
		t.Fatalf("expected incoming returned wholesale, got %+v", got)
	}
}

func TestMergeUnionsByCID(t *testing.T) {
	current := &Summary{
		State:    StateDoing,
		Chapters: []Chapter{chap("a", 0, "first"), chap("b", 60, "second")},
	}
	incoming := &Summary{
		State:        StateDone,
		Chapters:     []Chapter{chap("b", 60, "second-updated"), chap("c", 120, "third")},
		VideoSummary: "whole video",
	}

	got := Merge(current, incoming)

	if got.State != StateDone {
		t.Errorf("State = %q, want %q", got.State, StateDone)
	}
	if got.VideoSummary != "whole video" {
		t.Errorf("VideoSummary = %q, want %q", got.VideoSummary, "whole video")
	}
	if len(got.Chapters) != 3 {
		t.Fatalf("len(Chapters) = %d, want 3", len(got.Chapters))
	}
	// Incoming overwrote the shared cid.
	if got.Chapters[1].Summary != "second-updated" {
		t.Errorf("shared cid summary = %q, want incoming's", got.Chapters[1].Summary)
	}
}

func TestMergeSortsByStart(t *testing.T) {
	current := &Summary{Chapters: []Chapter{chap("c", 120, ""), chap("a", 0, "")}}
	incoming := &Summary{Chapters: []Chapter{chap("b", 60, "")}}

	got := Merge(current, incoming)

	starts := make([]int, len(got.Chapters))
	for i, c := range got.Chapters {
		starts[i] = c.Start
	}
	if !reflect.DeepEqual(starts, []int{0, 60, 120}) {
		t.Errorf("starts = %v, want sorted ascending", starts)
	}
}

func TestMergeDoesNotMutateArguments(t *testing.T) {
	current := &Summary{State: StateDoing, Chapters: []Chapter{chap("a", 0, "orig")}}
	incoming := &Summary{State: StateDoing, Chapters: []Chapter{chap("a", 0, "new")}}

	_ = Merge(current, incoming)

	if current.Chapters[0].Summary != "orig" {
		t.Errorf("current was mutated: %+v", current.Chapters[0])
	}
}

// Folding the same updates through different chunk boundaries converges to
// the same result.
func TestMergeChunkBoundaryIndependence(t *testing.T) {
	updates := []Chapter{
		chap("a", 0, "a1"),
		chap("b", 60, "b1"),
		chap("a", 0, "a2"),
		chap("c", 120, "c1"),
	}

	fold := func(chunks [][]Chapter) *Summary {
		var acc *Summary
		for _, chunk := range chunks {
			acc = Merge(acc, &Summary{State: StateDoing, Chapters: chunk})
		}
		return acc
	}

	onePer := fold([][]Chapter{{updates[0]}, {updates[1]}, {updates[2]}, {updates[3]}})
	allAtOnce := fold([][]Chapter{updates})
	split := fold([][]Chapter{updates[:2], updates[2:]})

	if !reflect.DeepEqual(onePer.Chapters, allAtOnce.Chapters) {
		t.Errorf("one-per-chunk %v != all-at-once %v", onePer.Chapters, allAtOnce.Chapters)
	}
	if !reflect.DeepEqual(onePer.Chapters, split.Chapters) {
		t.Errorf("one-per-chunk %v != split %v", onePer.Chapters, split.Chapters)
	}
}

func TestMergeReplayIsIdempotent(t *testing.T) {
	base := &Summary{State: StateDoing, Chapters: []Chapter{chap("a", 0, "x"), chap("b", 60, "y")}}
	update := &Summary{State: StateDone, Chapters: []Chapter{chap("b", 60, "y2")}}

	once := Merge(base, update)
	twice := Merge(once, update)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replaying the same update changed the result: %+v vs %+v", once, twice)
	}
}
