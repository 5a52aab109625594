package pipeline

import (
	"context"
	"sync"

	"github.com/vk/hybridrt/internal/status"
)

// StageSubject is a counting barrier between stages. Every Release of a
// stage can be consumed by exactly one Await of that stage, so the barrier
// is reused across iterations without re-arming.
type StageSubject struct {
	mu        sync.Mutex
	released  []int64
	consumed  []int64
	wake      chan struct{}
	abandoned bool
}

// NewStageSubject creates a subject for stages stages.
func NewStageSubject(stages int) *StageSubject {
	return &StageSubject{
		released: make([]int64, stages),
		consumed: make([]int64, stages),
		wake:     make(chan struct{}),
	}
}

// Release records one completion of stage and wakes every waiter.
func (s *StageSubject) Release(stage int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[stage]++
	s.broadcastLocked()
}

// Await blocks until an unconsumed release of stage exists and consumes it.
// It fails once the subject is abandoned and nothing is left to consume, or
// when ctx ends.
func (s *StageSubject) Await(ctx context.Context, stage int) error {
	for {
		s.mu.Lock()
		if s.released[stage] > s.consumed[stage] {
			s.consumed[stage]++
			s.mu.Unlock()
			return nil
		}
		if s.abandoned {
			s.mu.Unlock()
			return status.Errorf(status.Stopped, "await stage", "stage %d abandoned", stage)
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return status.New(status.Stopped, "await stage", ctx.Err())
		}
	}
}

// Pending returns how many releases of stage are not consumed yet.
func (s *StageSubject) Pending(stage int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[stage] - s.consumed[stage]
}

// Abandon fails every current and future Await that has nothing left to
// consume.
func (s *StageSubject) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.broadcastLocked()
}

// Reset clears every count and re-arms an abandoned subject.
func (s *StageSubject) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.released)
	clear(s.consumed)
	s.abandoned = false
	s.broadcastLocked()
}

func (s *StageSubject) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
