package lowpantest

import (
	"sync"
	"time"

	"lowpan-fragd/internal/lowpan"
)

// FakeTimerService replaces time.AfterFunc with a registry a test can fire
// on demand, so reassembly-timeout behavior (spec §4.6, §8 scenario S3) is
// deterministic instead of racing a real wall-clock duration.
type FakeTimerService struct {
	mu      sync.Mutex
	pending map[*fakeTimer]struct{}
}

func NewFakeTimerService() *FakeTimerService {
	return &FakeTimerService{pending: make(map[*fakeTimer]struct{})}
}

type fakeTimer struct {
	svc      *FakeTimerService
	callback func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	delete(t.svc.pending, t)
	return true
}

func (s *FakeTimerService) Start(d time.Duration, callback func()) lowpan.TimerHandle {
	t := &fakeTimer{svc: s, callback: callback}
	s.mu.Lock()
	s.pending[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// FireAll invokes and clears every still-pending timer's callback, in
// registration order not guaranteed - tests that care about ordering should
// use one context at a time.
func (s *FakeTimerService) FireAll() {
	s.mu.Lock()
	timers := make([]*fakeTimer, 0, len(s.pending))
	for t := range s.pending {
		timers = append(timers, t)
	}
	s.pending = make(map[*fakeTimer]struct{})
	s.mu.Unlock()

	for _, t := range timers {
		if !t.stopped {
			t.callback()
		}
	}
}

// Pending reports how many timers are currently armed.
func (s *FakeTimerService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
