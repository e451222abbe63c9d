// Package segment holds the timed text segment model and the validity filter
// applied to processing output before a response is published.
package segment

// Word is one scored token of a segment.
type Word struct {
	Token       string  `json:"token"`
	Probability float64 `json:"probability"`
}

// TextSegment is one span of timed, confidence-scored text.
type TextSegment struct {
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	RawText   string  `json:"rawText"`
	Words     []Word  `json:"words"`
}

// IsEndMarker reports whether the segment has zero duration.
func (s TextSegment) IsEndMarker() bool {
	return s.StartTime == s.EndTime
}
