package upload

import "sort"

// span is a half-open byte range [start, end).
type span struct {
	start, end int64
}

// rangeSet tracks which byte ranges of a payload have arrived. Spans are
// kept sorted and coalesced, so re-sent and overlapping chunks collapse
// instead of accumulating.
type rangeSet struct {
	spans []span
}

// add merges [start, end) into the set.
func (r *rangeSet) add(start, end int64) {
	if end <= start {
		return
	}

	r.spans = append(r.spans, span{start, end})
	sort.Slice(r.spans, func(i, j int) bool { return r.spans[i].start < r.spans[j].start })

	merged := r.spans[:1]
	for _, s := range r.spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	r.spans = merged
}

// bytes reports the total distinct bytes received.
func (r *rangeSet) bytes() int64 {
	var n int64
	for _, s := range r.spans {
		n += s.end - s.start
	}
	return n
}

// covered reports whether the set covers [0, total) with no gaps.
func (r *rangeSet) covered(total int64) bool {
	if total == 0 {
		return true
	}
	return len(r.spans) == 1 && r.spans[0].start == 0 && r.spans[0].end >= total
}

// contiguous reports the length of the unbroken prefix from offset zero.
// Resuming clients use it as the next write offset.
func (r *rangeSet) contiguous() int64 {
	if len(r.spans) == 0 || r.spans[0].start != 0 {
		return 0
	}
	return r.spans[0].end
}
