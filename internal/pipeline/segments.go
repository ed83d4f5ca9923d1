package pipeline

import (
	"math"
	"sort"
)

// Segment is a half-open [Start, End) slice of the source timeline, in
// seconds rounded to two decimals.
type Segment struct {
	Start float64
	End   float64
}

func (s Segment) Duration() float64 {
	return round2(s.End - s.Start)
}

// Splitter turns a source duration plus optional scene boundaries into
// clip segments. Min is the shortest clip worth keeping, Target the
// preferred length, Max the hard ceiling for a single clip.
type Splitter struct {
	Min    float64
	Target float64
	Max    float64
}

// Plan picks the segmentation strategy for a source. Short sources become
// a single clip, sources with usable scene boundaries are merged along
// them, everything else falls back to fixed-length slicing.
func (sp Splitter) Plan(boundaries []float64, duration float64) []Segment {
	if duration <= 0 {
		return nil
	}
	if duration <= sp.Max {
		return []Segment{{Start: 0, End: round2(duration)}}
	}
	if len(boundaries) > 0 {
		if segs := sp.MergeBoundaries(boundaries, duration); len(segs) > 0 {
			return segs
		}
	}
	return sp.FixedSplit(duration)
}

// MergeBoundaries walks detected scene boundaries and closes a segment
// once the accumulated span reaches Target. Spans that overshoot Max are
// re-sliced at Target steps. A trailing span shorter than Min is dropped.
func (sp Splitter) MergeBoundaries(boundaries []float64, duration float64) []Segment {
	pts := normalizeBoundaries(boundaries, duration)
	if len(pts) < 2 {
		return sp.FixedSplit(duration)
	}

	var out []Segment
	start := pts[0]
	for _, b := range pts[1:] {
		if b-start >= sp.Target {
			out = append(out, sp.slice(start, b)...)
			start = b
		}
	}
	if last := pts[len(pts)-1]; last-start >= sp.Min {
		out = append(out, sp.slice(start, last)...)
	}
	return out
}

// FixedSplit slices [0, duration) into Target-length chunks, keeping the
// remainder only when it is at least Min long.
func (sp Splitter) FixedSplit(duration float64) []Segment {
	return sp.chunk(0, duration)
}

// slice emits a single segment when the span fits under Max, otherwise
// re-chunks it at Target steps.
func (sp Splitter) slice(start, end float64) []Segment {
	if end-start <= sp.Max {
		return []Segment{{Start: round2(start), End: round2(end)}}
	}
	return sp.chunk(start, end)
}

func (sp Splitter) chunk(start, end float64) []Segment {
	var out []Segment
	for cur := start; end-cur >= sp.Min; {
		next := math.Min(cur+sp.Target, end)
		if next-cur < sp.Min {
			break
		}
		out = append(out, Segment{Start: round2(cur), End: round2(next)})
		cur = next
	}
	return out
}

// normalizeBoundaries sorts and dedupes boundary timestamps, clamps them
// to the source timeline, and guarantees 0 and duration are endpoints.
func normalizeBoundaries(boundaries []float64, duration float64) []float64 {
	pts := make([]float64, 0, len(boundaries)+2)
	pts = append(pts, 0)
	for _, b := range boundaries {
		if b > 0 && b < duration {
			pts = append(pts, b)
		}
	}
	pts = append(pts, duration)
	sort.Float64s(pts)

	dedup := pts[:1]
	for _, p := range pts[1:] {
		if p-dedup[len(dedup)-1] > 1e-9 {
			dedup = append(dedup, p)
		}
	}
	return dedup
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
