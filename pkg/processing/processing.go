// Package processing is the boundary to the content-processing step that turns
// a downloaded payload into timed text segments.
package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/segment"
)

// Processor produces segments for the payload at localPath.
type Processor interface {
	Process(ctx context.Context, localPath string, job protocol.JobMessage) ([]segment.TextSegment, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, localPath string, job protocol.JobMessage) ([]segment.TextSegment, error)

// Process calls f.
func (f Func) Process(ctx context.Context, localPath string, job protocol.JobMessage) ([]segment.TextSegment, error) {
	return f(ctx, localPath, job)
}

// DecodeSegments accepts either a JSON array of segments or an object with a
// "segments" array.
func DecodeSegments(data []byte) ([]segment.TextSegment, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("processing: empty output")
	}
	var segs []segment.TextSegment
	switch data[0] {
	case '[':
		if err := core.JSONDecode(data, &segs); err != nil {
			return nil, fmt.Errorf("processing: decode segments: %w", err)
		}
	case '{':
		var wrapped struct {
			Segments []segment.TextSegment `json:"segments"`
		}
		if err := core.JSONDecode(data, &wrapped); err != nil {
			return nil, fmt.Errorf("processing: decode segments: %w", err)
		}
		segs = wrapped.Segments
	default:
		return nil, fmt.Errorf("processing: output is not JSON (starts with %q)", data[0])
	}
	if segs == nil {
		segs = []segment.TextSegment{}
	}
	return segs, nil
}
