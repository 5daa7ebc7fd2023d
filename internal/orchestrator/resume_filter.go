package orchestrator

// resumeFilter implements spec.md §4.11 step 1: on resume, skip items
// strictly preceding the checkpoint's lastProcessedId within the
// section currently in progress when the run was interrupted, rather
// than letting every re-fetched item ride all the way to a worker
// before dedupe notices it's a repeat.
//
// It is a best-effort skip, not the sole correctness mechanism: if the
// marker id never reappears (a changed cursor order, a deleted item),
// filtering gives up once it has skipped as many items as the prior
// run had already processed, and internal/dedupe remains the backstop
// for any overlap that slips through — see spec.md §9's explicit
// tolerance for re-fetching on resume.
type resumeFilter struct {
	marker  string
	budget  int
	skipped int
	active  bool
}

// newResumeFilter builds a filter for a section resuming after marker
// (the checkpoint's lastProcessedId), having already processed
// priorProcessed items before the interruption. An empty marker
// disables filtering entirely (fresh section, nothing to skip).
func newResumeFilter(marker string, priorProcessed int) *resumeFilter {
	return &resumeFilter{marker: marker, budget: priorProcessed, active: marker != ""}
}

// skip reports whether the item with this id should be dropped before
// it reaches the queue. It stops filtering, for the remainder of the
// section, as soon as either the marker item is seen (the new stream
// has caught up to where the prior run left off) or the skip budget is
// exhausted (the marker never reappeared, so further discarding would
// risk data loss instead of merely re-processing overlap).
func (f *resumeFilter) skip(id string) bool {
	if !f.active {
		return false
	}
	if id == f.marker {
		f.active = false
		return true
	}
	if f.skipped >= f.budget {
		f.active = false
		return false
	}
	f.skipped++
	return true
}
