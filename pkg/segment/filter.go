package segment

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/fluxorio/claimbridge/pkg/core"
)

// shortTextMaxRunes is the longest trimmed text still accepted with a zero average.
const shortTextMaxRunes = 2

// Decision is the verdict reached for one segment.
type Decision int

const (
	// Accepted: average probability above the threshold.
	Accepted Decision = iota
	// AcceptedShort: short text with no confidence signal.
	AcceptedShort
	// RejectedEndMarker: start time equals end time.
	RejectedEndMarker
	// RejectedNoWords: the segment has no scored words.
	RejectedNoWords
	// RejectedBelowThreshold: average probability at or below the threshold.
	RejectedBelowThreshold
)

// Valid reports whether the decision keeps the segment.
func (d Decision) Valid() bool {
	return d == Accepted || d == AcceptedShort
}

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case AcceptedShort:
		return "accepted_short"
	case RejectedEndMarker:
		return "end_marker"
	case RejectedNoWords:
		return "no_words"
	case RejectedBelowThreshold:
		return "below_threshold"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Tracer receives one call per evaluated segment when debug tracing is on.
type Tracer interface {
	TraceSegment(index int, seg TextSegment, avgProbability float64, decision Decision)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(index int, seg TextSegment, avgProbability float64, decision Decision)

// TraceSegment implements Tracer.
func (f TracerFunc) TraceSegment(index int, seg TextSegment, avgProbability float64, decision Decision) {
	f(index, seg, avgProbability, decision)
}

// LogTracer writes each decision to a Logger at debug level.
func LogTracer(logger core.Logger) Tracer {
	return TracerFunc(func(index int, seg TextSegment, avg float64, d Decision) {
		logger.Debug("segment evaluated",
			"index", index,
			"decision", d.String(),
			"avgProbability", avg,
			"startTime", seg.StartTime,
			"endTime", seg.EndTime,
			"rawText", seg.RawText,
		)
	})
}

// FilterConfig configures a Filter.
type FilterConfig struct {
	// ProbabilityThreshold is the exclusive lower bound on a segment's rounded
	// average word probability.
	ProbabilityThreshold float64 `yaml:"probability_threshold" json:"probability_threshold"`

	// EnableDebugLogging reports every evaluated segment to the tracer.
	EnableDebugLogging bool `yaml:"enable_debug_logging" json:"enable_debug_logging"`
}

// Filter keeps the leading run of valid segments. It is safe for concurrent use.
type Filter struct {
	threshold float64
	tracer    Tracer
}

// NewFilter creates a Filter. tracer may be nil; it is only consulted when
// cfg.EnableDebugLogging is set.
func NewFilter(cfg FilterConfig, tracer Tracer) (*Filter, error) {
	if math.IsNaN(cfg.ProbabilityThreshold) || math.IsInf(cfg.ProbabilityThreshold, 0) {
		return nil, core.InvalidConfigf("probability threshold must be finite, got %v", cfg.ProbabilityThreshold)
	}
	f := &Filter{threshold: cfg.ProbabilityThreshold}
	if cfg.EnableDebugLogging {
		f.tracer = tracer
	}
	return f, nil
}

// Threshold returns the configured probability threshold.
func (f *Filter) Threshold() float64 {
	return f.threshold
}

// Apply returns the longest valid prefix of segments. The scan stops at the
// first invalid segment; nothing after it is evaluated. The result shares no
// backing array with the input.
func (f *Filter) Apply(segments []TextSegment) []TextSegment {
	out := make([]TextSegment, 0, len(segments))
	for i, seg := range segments {
		avg, d := f.Evaluate(seg)
		if f.tracer != nil {
			f.tracer.TraceSegment(i, seg, avg, d)
		}
		if !d.Valid() {
			break
		}
		out = append(out, seg)
	}
	return out
}

// Evaluate decides a single segment in isolation. The returned average is 0
// for end markers and segments without words.
func (f *Filter) Evaluate(seg TextSegment) (float64, Decision) {
	if seg.IsEndMarker() {
		return 0, RejectedEndMarker
	}
	if len(seg.Words) == 0 {
		return 0, RejectedNoWords
	}
	avg := AverageProbability(seg.Words)
	if avg == 0 && utf8.RuneCountInString(strings.TrimSpace(seg.RawText)) <= shortTextMaxRunes {
		return avg, AcceptedShort
	}
	if avg > f.threshold {
		return avg, Accepted
	}
	return avg, RejectedBelowThreshold
}

// AverageProbability is the mean word probability rounded with Round3.
// It returns 0 for no words.
func AverageProbability(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Probability
	}
	return Round3(sum / float64(len(words)))
}

// Round3 rounds to 3 decimal places, half away from zero (math.Round).
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
