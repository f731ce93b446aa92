package debug

import "sort"

// bpRecord is a stored breakpoint plus its backend registration.
type bpRecord struct {
	bp Breakpoint

	// ref is the backend's id for the current registration.
	ref        string
	registered bool
}

func (r *bpRecord) request() BreakpointRequest {
	return BreakpointRequest{
		ID:        r.bp.ID,
		File:      r.bp.File,
		Line:      r.bp.Line,
		Column:    r.bp.Column,
		Condition: r.bp.Condition,
	}
}

// apply records a backend registration result.
func (r *bpRecord) apply(res BreakpointResult) {
	r.ref = res.Ref
	r.registered = true
	r.bp.Verified = res.Verified
	r.bp.ActualLine = 0
	if res.Line > 0 && res.Line != r.bp.Line {
		r.bp.ActualLine = res.Line
	}
	r.bp.Warnings = append([]string(nil), res.Warnings...)
}

// unregister forgets the backend registration.
func (r *bpRecord) unregister() {
	r.ref = ""
	r.registered = false
	r.bp.Verified = false
	r.bp.ActualLine = 0
}

// breakpointStore holds one session's breakpoints. Callers hold the
// session lock.
type breakpointStore struct {
	nextID  int
	records map[int]*bpRecord
}

func newBreakpointStore() *breakpointStore {
	return &breakpointStore{records: make(map[int]*bpRecord)}
}

// add stores a new enabled, unverified breakpoint. IDs are never reused.
func (s *breakpointStore) add(spec BreakpointSpec) *bpRecord {
	s.nextID++
	rec := &bpRecord{bp: Breakpoint{
		ID:        s.nextID,
		File:      spec.File,
		Line:      spec.Line,
		Column:    spec.Column,
		Condition: spec.Condition,
		Enabled:   true,
	}}
	s.records[rec.bp.ID] = rec
	return rec
}

func (s *breakpointStore) get(id int) (*bpRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s *breakpointStore) remove(id int) (*bpRecord, bool) {
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	return rec, ok
}

func (s *breakpointStore) sorted() []*bpRecord {
	out := make([]*bpRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].bp.ID < out[j].bp.ID })
	return out
}

// list returns copies of all breakpoints ordered by id.
func (s *breakpointStore) list() []Breakpoint {
	recs := s.sorted()
	out := make([]Breakpoint, len(recs))
	for i, rec := range recs {
		out[i] = rec.bp.clone()
	}
	return out
}

// requests returns registration requests for the enabled breakpoints.
func (s *breakpointStore) requests() []BreakpointRequest {
	var out []BreakpointRequest
	for _, rec := range s.sorted() {
		if rec.bp.Enabled {
			out = append(out, rec.request())
		}
	}
	return out
}

// resetRegistrations marks every breakpoint unregistered, used when a
// backend goes away before launch completes.
func (s *breakpointStore) resetRegistrations() {
	for _, rec := range s.records {
		rec.unregister()
	}
}

// byRef finds the breakpoint registered under a backend id.
func (s *breakpointStore) byRef(ref string) (*bpRecord, bool) {
	if ref == "" {
		return nil, false
	}
	for _, rec := range s.records {
		if rec.registered && rec.ref == ref {
			return rec, true
		}
	}
	return nil, false
}

// correlate increments the hit count of the breakpoints a pause belongs to.
// Backend ids win; without them a breakpoint pause is matched on the exact
// file and line of the top frame.
func (s *breakpointStore) correlate(reason string, refs []string, top *Location) []*bpRecord {
	var hits []*bpRecord
	seen := make(map[int]bool)

	for _, ref := range refs {
		if rec, ok := s.byRef(ref); ok && !seen[rec.bp.ID] {
			seen[rec.bp.ID] = true
			hits = append(hits, rec)
		}
	}

	if len(hits) == 0 && reason == ReasonBreakpoint && top != nil {
		for _, rec := range s.sorted() {
			if !rec.bp.Enabled {
				continue
			}
			line := rec.bp.Line
			if rec.bp.ActualLine > 0 {
				line = rec.bp.ActualLine
			}
			if line == top.Line && sameFile(rec.bp.File, top.File) {
				hits = append(hits, rec)
			}
		}
	}

	for _, rec := range hits {
		rec.bp.HitCount++
	}
	return hits
}
