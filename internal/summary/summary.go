// Package summary holds the summarization data model and the merge reducer
// that folds incremental snapshots into one evolving result.
package summary

// Style selects how a chapter summary is rendered.
type Style string

const (
	StyleMarkdown Style = "markdown"
	StyleText     Style = "text"
)

// State tracks the lifecycle of one summarization cycle.
type State string

const (
	// StateNothing means the server determined there is no usable transcript.
	StateNothing State = "nothing"
	// StateDoing is an accumulating partial result.
	StateDoing State = "doing"
	// StateDone is terminal for a given request cycle.
	StateDone State = "done"
)

// Chapter is one summarized chapter of a video. CID is unique within a
// video and stable across incremental updates; it is the merge key. Start
// (seconds) orders chapters within one video's list.
type Chapter struct {
	CID     string `json:"cid"`
	VID     string `json:"vid"`
	Slicer  string `json:"slicer,omitempty"`
	Style   Style  `json:"style,omitempty"`
	Start   int    `json:"start"`
	Lang    string `json:"lang,omitempty"`
	Chapter string `json:"chapter"`
	Summary string `json:"summary,omitempty"`
}

// Summary is the evolving result of one summarization cycle. It is rebuilt
// from scratch on each new cycle and grown via Merge as chunks arrive.
type Summary struct {
	State        State     `json:"state"`
	Chapters     []Chapter `json:"chapters,omitempty"`
	VideoSummary string    `json:"video_summary,omitempty"`
}

// Translation is the reply to a chapter translation request.
type Translation struct {
	VID     string `json:"vid"`
	CID     string `json:"cid"`
	Lang    string `json:"lang"`
	Chapter string `json:"chapter"`
	Summary string `json:"summary"`
}

// PageChapter is a chapter title/timestamp pair scraped from the watch
// page, sent to the backend as part of a summarize request body.
type PageChapter struct {
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
}
