package lowpan

import "time"

// SystemTimerService backs TimerService with the stdlib's time.AfterFunc,
// the production implementation for spec §6's one-shot timer service.
// Grounded on the wider pack's cleanup-ticker idiom (see DESIGN.md) but
// one-shot per call, matching spec §9's requirement that a context's
// reassembly timer be "guaranteed... canceled before the context is freed"
// individually, not swept in batches.
type SystemTimerService struct{}

func NewSystemTimerService() *SystemTimerService { return &SystemTimerService{} }

func (SystemTimerService) Start(d time.Duration, callback func()) TimerHandle {
	return time.AfterFunc(d, callback)
}

// armReassemblyTimer arms the per-context reassembly timeout (spec §4.3
// step 7, §4.6). It is called with the queue lock held; the callback it
// schedules acquires the lock itself, since timer callbacks run on their
// own goroutine (spec §5: timer expiries "may preempt the main task-queue
// loop at any instruction boundary").
func (q *Queue) armReassemblyTimer(ctx *FragmentContext) {
	if ctx.timer != nil {
		return
	}
	idx := ctx.Index
	ctx.timer = q.timers.Start(q.cfg.FragmentTimeout, func() {
		q.onTimerExpired(idx)
	})
}

// cancelReassemblyTimer stops and clears a context's timer. Safe to call on
// a context with no live timer (spec invariant: "no live timer" for FREE).
func cancelReassemblyTimer(ctx *FragmentContext) {
	if ctx.timer == nil {
		return
	}
	ctx.timer.Stop()
	ctx.timer = nil
}

// onTimerExpired implements spec §4.6: on expiry the context is canceled
// (action becomes CANCEL and the dispatcher runs); if the prior action was
// OPENBRIDGE a bridge-cancel notification is emitted first (handled inside
// assignAction, which checks the action it replaces).
func (q *Queue) onTimerExpired(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx := &q.contexts[idx]
	if ctx.InUse == Free || ctx.timer == nil {
		return
	}
	q.log.Warn().
		Int("ctx", idx).
		Uint64("src", ctx.Src).
		Uint64("dst", ctx.Dst).
		Uint16("tag", ctx.DatagramTag).
		Msg(string(ErrExpiredTimer))
	ctx.timer = nil // the timer that called us has already fired
	q.assignAction(ctx, ActionCancel)
}
