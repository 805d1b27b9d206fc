package lowpan

import (
	"github.com/sourcegraph/conc/pool"
)

// txScheduler is the bounded-concurrency transmission scheduler of spec
// §4.5. Reserving packet buffers and submitting to the lower layer happen
// outside the queue lock (spec §5), fanned out with a
// github.com/sourcegraph/conc/pool capped at FRAGMENT_TX_MAX_PACKETS so a
// single tryToSend call can materialize several slots concurrently without
// a hand-rolled semaphore (see DESIGN.md); submission to the link layer is
// a sequential loop.
type txScheduler struct {
	q          *Queue
	maxPackets int
}

func newTxScheduler(q *Queue, maxPackets int) *txScheduler {
	return &txScheduler{q: q, maxPackets: maxPackets}
}

// tryToSend runs one pass of spec §4.5's algorithm for ctx: promote as many
// ASSIGNED slots to RESERVED as the concurrency budget allows, then submit
// as many RESERVED slots as the sending budget allows, then check for
// stall.
func (s *txScheduler) tryToSend(ctx *FragmentContext) {
	toReserve := s.collectAssignable(ctx)
	if len(toReserve) > 0 {
		s.reserveConcurrently(ctx, toReserve)
	}

	sentAny := s.submitReserved(ctx)
	s.checkStall(ctx, sentAny)
}

// collectAssignable returns the indices of ASSIGNED slots that fit within
// this call's concurrency budget: at most maxPackets slots may
// simultaneously hold a non-{ASSIGNED,FINISHED} state (spec §4.5).
func (s *txScheduler) collectAssignable(ctx *FragmentContext) []int {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	if ctx.InUse != TX && ctx.InUse != FW {
		return nil
	}

	inflight := 0
	for i := range ctx.Slots {
		st := ctx.Slots[i].State
		if st != SlotAssigned && st != SlotFinished {
			inflight++
		}
	}
	budget := s.maxPackets - inflight
	if budget <= 0 {
		return nil
	}

	var idxs []int
	for i := range ctx.Slots {
		if len(idxs) >= budget {
			break
		}
		if ctx.Slots[i].State == SlotAssigned {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// reserveConcurrently materializes each ASSIGNED slot's link fragment
// (packet-buffer allocation + header encode) off the queue lock, then
// applies the results under the lock.
func (s *txScheduler) reserveConcurrently(ctx *FragmentContext, idxs []int) {
	results := make([]Packet, len(idxs))
	p := pool.New().WithMaxGoroutines(s.maxPackets)
	for k, idx := range idxs {
		k, idx := k, idx
		p.Go(func() {
			results[k] = s.reservePkt(ctx, idx)
		})
	}
	p.Wait()

	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	for k, idx := range idxs {
		if results[k] != nil {
			ctx.Slots[idx].Packet = results[k]
			ctx.Slots[idx].State = SlotReserved
		}
	}
}

// reservePkt materializes one outbound link fragment: a fresh packet
// buffer carrying the FRAG1/FRAGN header followed by its payload slice of
// ctx.Msg. Returns nil if the pool is exhausted (spec §7
// ERR_NO_FREE_PACKET_BUFFER, surfaced by the caller's stall check).
func (s *txScheduler) reservePkt(ctx *FragmentContext, idx int) Packet {
	slot := ctx.Slots[idx]
	if slot.State != SlotAssigned {
		s.q.log.Error().Str("code", string(ErrFragReserving)).Msg("reservePkt on non-ASSIGNED slot")
		return nil
	}

	pkt := s.q.pool.GetFree(CreatorFragment)
	if pkt == nil {
		return nil
	}

	kind := KindFragN
	if slot.FragmentOffset == 0 {
		kind = KindFrag1
	}
	hdr := Header{Kind: kind, Size: uint16(ctx.DatagramSize), Tag: ctx.DatagramTag, Offset: uint8(slot.FragmentOffset)}
	headerLen := HeaderLen(kind)

	pkt.Payload = make([]byte, headerLen+slot.FragmentSize)
	Encode(pkt.Payload, hdr)

	startByte := slot.FragmentOffset * 8
	copy(pkt.Payload[headerLen:], ctx.Msg.Payload[startByte:startByte+slot.FragmentSize])

	return pkt
}

// submitReserved marks as many RESERVED slots SENDING as the sending
// budget allows and hands each to the link layer. It reports whether any
// slot became SENDING during this call (spec §4.5 stall detection).
func (s *txScheduler) submitReserved(ctx *FragmentContext) bool {
	sentAny := false
	for {
		s.q.mu.Lock()
		if ctx.InUse == Free {
			s.q.mu.Unlock()
			return sentAny
		}
		if ctx.Sending >= s.maxPackets {
			s.q.mu.Unlock()
			return sentAny
		}
		idx := -1
		for i := range ctx.Slots {
			if ctx.Slots[i].State == SlotReserved {
				idx = i
				break
			}
		}
		if idx == -1 {
			s.q.mu.Unlock()
			return sentAny
		}
		ctx.Slots[idx].State = SlotSending
		ctx.Sending++
		pkt := ctx.Slots[idx].Packet
		s.q.mu.Unlock()

		sentAny = true
		status := s.q.link.Send(pkt)
		if status == SendFail {
			s.q.SendDone(pkt, SendFail)
		}
	}
}

// checkStall implements spec §4.5's stall detection: if this call promoted
// nothing to SENDING, nothing is currently SENDING, and unsent slots
// remain, the context can never make progress (the packet-buffer pool is
// permanently exhausted for it) and must fail.
func (s *txScheduler) checkStall(ctx *FragmentContext, sentAny bool) {
	if sentAny {
		return
	}

	s.q.mu.Lock()
	if ctx.InUse == Free {
		s.q.mu.Unlock()
		return
	}
	anySending := ctx.Sending > 0
	anyUnsent := false
	for i := range ctx.Slots {
		if ctx.Slots[i].State != SlotFinished {
			anyUnsent = true
			break
		}
	}
	stalled := !anySending && anyUnsent
	dir := ctx.Dir
	s.q.mu.Unlock()

	if !stalled {
		return
	}

	s.q.mu.Lock()
	err := NewError(ErrNoFreePacketBuffer, ctx.Src, ctx.Dst, ctx.DatagramTag)
	s.q.log.Warn().Str("code", string(err.Code)).Int("ctx", ctx.Index).Msg("transmission stalled, no free packet buffer")
	var msg Datagram
	var notify bool
	if dir == DirTX || ctx.InUse == FW {
		msg, notify = s.q.failContextLocked(ctx, err)
	}
	s.q.mu.Unlock()

	if notify {
		s.q.iphc.SendDone(msg, err)
	}
}
