package rpcsvc

import (
	"sync"

	"github.com/marmos91/dittorpc/pkg/mempool"
)

// stage is a unit of concurrency. The data callbacks of its connections
// run one at a time under mu; socket reads happen outside of it. Requests
// and transmit buffers are cached on the stage arena.
type stage struct {
	id    int
	mu    sync.Mutex
	arena *mempool.Arena
	conns int // guarded by Service.stagesMu
}

func (s *Service) newStages(n int) {
	s.stages = make([]*stage, n)
	for i := range s.stages {
		s.stages[i] = &stage{id: i, arena: s.sweeper.NewArena()}
	}
}

// pickStage places a connection on the stage with the fewest connections.
func (s *Service) pickStage() *stage {
	s.stagesMu.Lock()
	defer s.stagesMu.Unlock()
	best := s.stages[0]
	for _, st := range s.stages[1:] {
		if st.conns < best.conns {
			best = st
		}
	}
	best.conns++
	return best
}

func (s *Service) leaveStage(st *stage) {
	s.stagesMu.Lock()
	st.conns--
	s.stagesMu.Unlock()
}

// StageLoad returns the connection count of every stage.
func (s *Service) StageLoad() []int {
	s.stagesMu.Lock()
	defer s.stagesMu.Unlock()
	out := make([]int, len(s.stages))
	for i, st := range s.stages {
		out[i] = st.conns
	}
	return out
}

func (s *Service) retireStages() {
	for _, st := range s.stages {
		st.arena.Retire()
	}
}
