package workflow

import (
	"sort"
	"sync"
)

// dispatch identifies one queued agent-node attempt.
type dispatch struct {
	runID   string
	nodeID  string
	attempt int
	seq     int64 // readiness order
	index   int   // definition order
}

func (d dispatch) less(o dispatch) bool {
	if d.seq != o.seq {
		return d.seq < o.seq
	}
	if d.index != o.index {
		return d.index < o.index
	}
	return d.runID < o.runID
}

// scheduler admits queued dispatches under a global and a per-run limit.
// Admission follows readiness order; a run at its limit does not block
// dispatches of other runs queued behind it.
type scheduler struct {
	mu       sync.Mutex
	global   int
	perRun   int
	queue    []dispatch
	inFlight int
	byRun    map[string]int
	start    func(dispatch)
	observe  func(queued, inFlight int)
}

func newScheduler(global, perRun int, start func(dispatch), observe func(int, int)) *scheduler {
	return &scheduler{
		global:  global,
		perRun:  perRun,
		byRun:   make(map[string]int),
		start:   start,
		observe: observe,
	}
}

// enqueue adds d and admits whatever fits.
func (s *scheduler) enqueue(d dispatch) {
	s.mu.Lock()
	i := sort.Search(len(s.queue), func(i int) bool { return d.less(s.queue[i]) })
	s.queue = append(s.queue, dispatch{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = d
	admitted := s.admitLocked()
	s.mu.Unlock()

	s.launch(admitted)
}

// release frees the slot held by a finished dispatch.
func (s *scheduler) release(runID string) {
	s.mu.Lock()
	s.inFlight--
	if s.byRun[runID]--; s.byRun[runID] <= 0 {
		delete(s.byRun, runID)
	}
	admitted := s.admitLocked()
	s.mu.Unlock()

	s.launch(admitted)
}

// dropRun removes the queued dispatches of a run.
func (s *scheduler) dropRun(runID string) {
	s.mu.Lock()
	kept := s.queue[:0]
	for _, d := range s.queue {
		if d.runID != runID {
			kept = append(kept, d)
		}
	}
	s.queue = kept
	s.report()
	s.mu.Unlock()
}

func (s *scheduler) admitLocked() []dispatch {
	var admitted []dispatch
	kept := s.queue[:0]
	for _, d := range s.queue {
		if (s.global > 0 && s.inFlight >= s.global) || (s.perRun > 0 && s.byRun[d.runID] >= s.perRun) {
			kept = append(kept, d)
			continue
		}
		s.inFlight++
		s.byRun[d.runID]++
		admitted = append(admitted, d)
	}
	s.queue = kept
	s.report()
	return admitted
}

func (s *scheduler) report() {
	if s.observe != nil {
		s.observe(len(s.queue), s.inFlight)
	}
}

// launch claims admitted dispatches in order. start must not block on
// agent work.
func (s *scheduler) launch(admitted []dispatch) {
	for _, d := range admitted {
		s.start(d)
	}
}

func (s *scheduler) stats() (queued, inFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), s.inFlight
}
