package debug

import "sync/atomic"

// stackSnapshot is the call stack of one pause. It is never modified after
// it is published.
type stackSnapshot struct {
	frames []CallFrame
	refs   map[int]string
}

func (s *stackSnapshot) frame(id int) (CallFrame, string, bool) {
	if s == nil {
		return CallFrame{}, "", false
	}
	for _, f := range s.frames {
		if f.ID == id {
			return f, s.refs[id], true
		}
	}
	return CallFrame{}, "", false
}

func (s *stackSnapshot) top() *Location {
	if s == nil || len(s.frames) == 0 {
		return nil
	}
	loc := s.frames[0].Location
	return &loc
}

// callStack tracks the current snapshot. Frame ids come from a counter that
// only grows, so an id from an earlier pause never matches a later frame.
type callStack struct {
	snap   atomic.Pointer[stackSnapshot]
	lastID int
}

// replace publishes a new snapshot built from backend frames. Callers hold
// the session lock.
func (c *callStack) replace(frames []BackendFrame) *stackSnapshot {
	snap := &stackSnapshot{
		frames: make([]CallFrame, len(frames)),
		refs:   make(map[int]string, len(frames)),
	}
	for i, bf := range frames {
		c.lastID++
		snap.frames[i] = CallFrame{
			ID:        c.lastID,
			Name:      bf.Name,
			Location:  bf.Location,
			Variables: append([]Variable(nil), bf.Variables...),
		}
		snap.refs[c.lastID] = bf.Ref
	}
	c.snap.Store(snap)
	return snap
}

func (c *callStack) clear() {
	c.snap.Store(nil)
}

func (c *callStack) current() *stackSnapshot {
	return c.snap.Load()
}

// frames returns copies of the current frames, or an empty slice.
func (c *callStack) frames() []CallFrame {
	snap := c.current()
	if snap == nil {
		return []CallFrame{}
	}
	out := make([]CallFrame, len(snap.frames))
	for i, f := range snap.frames {
		out[i] = f.clone()
	}
	return out
}
