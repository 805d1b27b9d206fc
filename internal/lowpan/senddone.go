package lowpan

// SendDone is the link layer's completion callback (spec §6 LinkLayer,
// §4.5 sendDone) for every link fragment this engine created. A packet the
// engine cannot trace to a context is non-fragmented traffic the IPHC layer
// sent directly (spec §6 "IPHC layer:... sendDone(buffer, err) for
// non-fragmented traffic"), so it is forwarded there and logged as
// UNEXPECTED_SENDDONE only when it genuinely matches nothing.
func (q *Queue) SendDone(pkt Packet, status SendStatus) {
	q.mu.Lock()
	ctx, slotIdx := q.findByPacketLocked(pkt)
	if ctx == nil {
		q.mu.Unlock()
		q.log.Debug().Str("code", string(ErrUnexpectedSendDone)).Msg("send-done for untracked packet, treating as non-fragmented")
		var err error
		if status == SendFail {
			err = ErrFail
		}
		q.iphc.SendDone(pkt, err)
		return
	}

	slot := &ctx.Slots[slotIdx]
	slot.State = SlotFinished
	ctx.Sending--

	if status == SendFail {
		switch ctx.InUse {
		case TX:
			ctx.InUse = Fail
		case FW:
			ctx.InUse = FailFW
		}
	} else {
		ctx.Sent++
	}

	if slot.Packet != nil && slot.Packet != ctx.Msg {
		q.pool.FreeAtomic(slot.Packet)
	}
	slot.Packet = nil

	failed := ctx.InUse == Fail || ctx.InUse == FailFW

	// drained is TX-complete (spec §4.5): every fragment the context planned
	// has been sent, not merely that the current in-flight wave has emptied.
	// The scheduler only ever keeps TxMaxPackets fragments outstanding at
	// once (scheduler.go), so Sending reaching 0 between waves does not mean
	// the datagram is done - it means the next wave is due, and
	// q.sched.tryToSend below is what pumps it. A failed context never gets
	// another wave, so for it draining is just waiting out what's already
	// in flight.
	drained := (failed && ctx.Sending == 0) || (!failed && ctx.Sent == ctx.Number)

	if !drained {
		q.mu.Unlock()
		if !failed {
			q.sched.tryToSend(ctx)
		}
		return
	}

	msg := ctx.Msg
	var err error
	if failed {
		err = ErrFail
		if ctx.InUse == FailFW {
			msg.Creator = CreatorForwarding
		}
	}
	q.releaseLocked(ctx)
	q.mu.Unlock()

	q.iphc.SendDone(msg, err)
}

// findByPacketLocked scans every live context's slots for the one holding
// pkt. Contexts are few (FRAGQLENGTH is small) and slots bounded by
// FRAGMENT_MAX_FRAGMENTS, so a linear scan is cheap and needs no secondary
// index.
func (q *Queue) findByPacketLocked(pkt Packet) (*FragmentContext, int) {
	for i := range q.contexts {
		c := &q.contexts[i]
		if c.InUse == Free {
			continue
		}
		for j := range c.Slots {
			if c.Slots[j].Packet == pkt {
				return c, j
			}
		}
	}
	return nil, -1
}

// failContextLocked promotes ctx into its failed state and, if already
// drained, finalizes it. Used by the scheduler's stall detection (spec
// §4.5) and by the CANCEL action handler for TX/FW contexts (spec §4.4).
// Must be called with q.mu held. If it returns notify=true, the caller
// must unlock and then call q.iphc.SendDone(msg, err) — the external
// notification never happens while the lock is held (spec §5).
func (q *Queue) failContextLocked(ctx *FragmentContext, err error) (msg Datagram, notify bool) {
	switch ctx.InUse {
	case TX:
		ctx.InUse = Fail
	case FW:
		ctx.InUse = FailFW
	default:
		return nil, false
	}

	if ctx.Sending > 0 {
		// Fragments are still in flight; sendDone will drain them and
		// finalize once the last one completes (spec §5 cancellation
		// semantics: never abort a SENDING fragment).
		return nil, false
	}

	msg = ctx.Msg
	if ctx.InUse == FailFW {
		msg.Creator = CreatorForwarding
	}
	q.releaseLocked(ctx)
	return msg, true
}
