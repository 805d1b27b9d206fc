package lowpan

// indexOfSlot0 returns the index of the slot carrying fragment_offset 0 (the
// FRAG1 fragment), relying on spec §3's invariant that exactly one exists
// per context once it holds any slot at all.
func indexOfSlot0(ctx *FragmentContext) int {
	for i := range ctx.Slots {
		if ctx.Slots[i].FragmentOffset == 0 {
			return i
		}
	}
	return -1
}

// AssignAction is the public entry point external collaborators use to set
// an RX context's disposition once they have inspected its FRAG1 (spec
// §4.4): the upper layer decides CANCEL, ASSEMBLE, FORWARD or OPENBRIDGE and
// reports it back here, keyed by the ContextIndex stamped onto the FRAG1
// buffer handed to IPHCLayer.Receive.
func (q *Queue) AssignAction(ctxIndex int, action Action) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ctxIndex < 0 || ctxIndex >= len(q.contexts) {
		return
	}
	ctx := &q.contexts[ctxIndex]
	if ctx.InUse == Free {
		return
	}
	q.assignAction(ctx, action)
}

// ForwardTo is AssignAction's FORWARD-specific counterpart: a routing
// decision made outside this package (next hop address, rewritten datagram
// size after IPHC re-compresses for the new hop) accompanies the action
// itself, since the engine has no routing knowledge of its own (spec §1
// Non-goals).
func (q *Queue) ForwardTo(ctxIndex int, nextHop uint64, newSize int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ctxIndex < 0 || ctxIndex >= len(q.contexts) {
		return
	}
	ctx := &q.contexts[ctxIndex]
	if ctx.InUse == Free {
		return
	}
	ctx.forwardNextHop = nextHop
	ctx.NewSize = newSize
	q.assignAction(ctx, ActionForward)
}

// OnDisassociate implements spec §4.7: when the link layer reports that a
// neighbor has left, every context addressed to or from it is canceled.
func (q *Queue) OnDisassociate(neighbor uint64) {
	q.mu.Lock()
	var idxs []int
	for i := range q.contexts {
		c := &q.contexts[i]
		if c.InUse == Free {
			continue
		}
		if c.Src == neighbor || c.Dst == neighbor {
			idxs = append(idxs, i)
		}
	}
	q.mu.Unlock()

	for _, idx := range idxs {
		q.AssignAction(idx, ActionCancel)
	}
}

// assignAction must be called with q.mu held and returns with q.mu held
// (it may drop and reacquire the lock internally around external calls,
// per spec §5). It atomically replaces ctx.Action and, if the action it
// replaces was OPENBRIDGE, emits a bridge-cancel notification before the
// new action runs (spec §4.4, §4.8).
func (q *Queue) assignAction(ctx *FragmentContext, action Action) {
	prevWasBridge := ctx.Action == ActionOpenBridge
	ctx.Action = action

	if prevWasBridge {
		src, tag, size := ctx.Src, ctx.DatagramTag, ctx.DatagramSize
		q.mu.Unlock()
		q.emitBridgeCancel(src, tag, size)
		q.mu.Lock()
		if ctx.InUse == Free {
			return
		}
	}

	q.runAction(ctx)
}

// runAction dispatches to the handler for ctx's current action. Called with
// q.mu held, returns with q.mu held.
func (q *Queue) runAction(ctx *FragmentContext) {
	switch ctx.Action {
	case ActionCancel:
		q.runCancel(ctx)
	case ActionAssemble:
		q.runAssemble(ctx)
	case ActionForward:
		q.runForward(ctx)
	case ActionOpenBridge:
		q.runOpenBridge(ctx)
	}
}

// runCancel implements spec §4.4 CANCEL: every slot not already NONE,
// FINISHED or SENDING is finished and its buffer freed. SENDING slots are
// left to drain through SendDone. An RX context is released outright; a
// TX/FW context surfaces E_FAIL through the normal send-done path.
func (q *Queue) runCancel(ctx *FragmentContext) {
	for i := range ctx.Slots {
		s := &ctx.Slots[i]
		if s.State == SlotNone || s.State == SlotFinished || s.State == SlotSending {
			continue
		}
		if s.Packet != nil && s.Packet != ctx.Msg {
			q.pool.FreeAtomic(s.Packet)
		}
		s.Packet = nil
		s.State = SlotFinished
	}

	if ctx.Dir == DirRX {
		q.releaseLocked(ctx)
		return
	}

	msg, notify := q.failContextLocked(ctx, ErrFail)
	if notify {
		q.mu.Unlock()
		q.iphc.SendDone(msg, ErrFail)
		q.mu.Lock()
	}
}

// runAssemble implements spec §4.4 ASSEMBLE. On first invocation it sizes
// ctx.Msg to hold the whole reassembled datagram, growing it through the
// packet pool's big-buffer path when needed and downgrading to CANCEL if
// that fails. Every call then copies any newly RECEIVED slot into place;
// once every octet is accounted for, the finished datagram is delivered to
// the upper layer.
//
// The wire format's own ASSEMBLE recipe (spec §9 Design Note) repositions
// FRAG1's payload in place via pointer arithmetic relative to the
// just-decompressed header length, reusing the same backing buffer the
// fragment arrived in. This port keeps the same externally observable
// contract - the delivered datagram is the byte-exact concatenation of
// every fragment's payload in fragment_offset order - via frag1Raw, the
// private copy of FRAG1's raw payload saved at arrival, rather than
// replicating that pointer trick; see DESIGN.md.
func (q *Queue) runAssemble(ctx *FragmentContext) {
	if !ctx.assembleInit {
		ctx.assembleInit = true

		headerLen := 0
		if ctx.Msg != nil {
			headerLen = len(ctx.Msg.Payload)
		}
		frag0Size := 0
		if idx0 := indexOfSlot0(ctx); idx0 >= 0 {
			frag0Size = ctx.Slots[idx0].FragmentSize
		}
		ctx.Offset = frag0Size - headerLen
		received := ctx.DatagramSize - ctx.Offset

		if received >= 125 {
			msg := ctx.Msg
			q.mu.Unlock()
			big := q.pool.ToBig(msg, ctx.DatagramSize)
			q.mu.Lock()
			if ctx.InUse == Free {
				return
			}
			if big == nil {
				q.log.Warn().
					Str("code", string(ErrNoFreePacketBuffer)).
					Int("ctx", ctx.Index).
					Msg("assemble: big buffer unavailable, downgrading to cancel")
				ctx.Action = ActionCancel
				q.runCancel(ctx)
				return
			}
			ctx.Msg = big
		}

		switch {
		case cap(ctx.Msg.Payload) < ctx.DatagramSize:
			grown := make([]byte, ctx.DatagramSize)
			copy(grown, ctx.Msg.Payload)
			ctx.Msg.Payload = grown
		default:
			ctx.Msg.Payload = ctx.Msg.Payload[:ctx.DatagramSize]
		}
	}

	for i := range ctx.Slots {
		s := &ctx.Slots[i]
		if s.State != SlotReceived {
			continue
		}

		var src []byte
		if s.FragmentOffset == 0 {
			src = ctx.frag1Raw
		} else if s.Packet != nil {
			src = s.Packet.Payload
		}
		dst := s.FragmentOffset * 8
		if src != nil && dst+s.FragmentSize <= len(ctx.Msg.Payload) {
			copy(ctx.Msg.Payload[dst:dst+s.FragmentSize], src)
		}

		if s.Packet != nil && s.Packet != ctx.Msg {
			q.pool.FreeAtomic(s.Packet)
		}
		s.Packet = nil
		s.State = SlotFinished
		ctx.Processed++
	}

	if ctx.complete() {
		msg := q.releaseKeepMsgLocked(ctx)
		q.mu.Unlock()
		q.upper.ToUpperLayer(msg)
		q.mu.Lock()
	}
}

// runForward implements spec §4.4 FORWARD: on first invocation the context
// is promoted RX->FW with a fresh tag and the next hop's rewritten size; the
// FRAG1 slot's offset stays 0, every FRAGN slot's offset is translated by
// the signed octet delta between the rewritten and original sizes. Each
// newly RECEIVED slot is re-encoded into a fresh outbound link fragment and
// handed to the transmission scheduler, which owns RESERVED->SENDING from
// here on exactly as it does for ordinary TX (spec §4.5).
func (q *Queue) runForward(ctx *FragmentContext) {
	if !ctx.forwardInit {
		ctx.forwardInit = true
		ctx.InUse = FW
		ctx.NewTag = q.nextTagLocked(ctx.forwardNextHop, ctx.Src)
		ctx.forwardSizeDelta = ctx.NewSize - ctx.DatagramSize
	}

	type job struct {
		idx     int
		kind    Kind
		payload []byte
		offset  int
	}
	var jobs []job
	for i := range ctx.Slots {
		s := &ctx.Slots[i]
		if s.State != SlotReceived {
			continue
		}
		if s.FragmentOffset == 0 {
			jobs = append(jobs, job{idx: i, kind: KindFrag1, payload: ctx.frag1Raw, offset: 0})
			continue
		}
		var payload []byte
		if s.Packet != nil {
			payload = s.Packet.Payload
		}
		jobs = append(jobs, job{
			idx:     i,
			kind:    KindFragN,
			payload: payload,
			offset:  s.FragmentOffset - ctx.forwardSizeDelta/8,
		})
	}
	newTag, newSize := ctx.NewTag, ctx.NewSize
	q.mu.Unlock()

	built := make([]Packet, len(jobs))
	for k, j := range jobs {
		pkt := q.pool.GetFree(CreatorForwarding)
		if pkt == nil {
			continue
		}
		hdr := Header{Kind: j.kind, Size: uint16(newSize), Tag: newTag, Offset: uint8(j.offset)}
		hlen := HeaderLen(j.kind)
		pkt.Payload = make([]byte, hlen+len(j.payload))
		Encode(pkt.Payload, hdr)
		copy(pkt.Payload[hlen:], j.payload)
		built[k] = pkt
	}

	q.mu.Lock()
	if ctx.InUse == Free {
		return
	}
	for k, j := range jobs {
		s := &ctx.Slots[j.idx]
		if old := s.Packet; old != nil && old != ctx.Msg {
			q.pool.FreeAtomic(old)
		}
		if built[k] != nil {
			s.Packet = built[k]
			s.State = SlotReserved
		} else {
			s.Packet = nil
		}
	}
	q.mu.Unlock()
	q.sched.tryToSend(ctx)
	q.mu.Lock()
}

// runOpenBridge implements spec §4.4/§4.8 OPENBRIDGE: each newly RECEIVED
// slot has its original 4/5-octet header re-prepended and is delivered
// whole to the bridge host. The context is released once every octet has
// been accounted for, same as ASSEMBLE's completion check.
func (q *Queue) runOpenBridge(ctx *FragmentContext) {
	ctx.wasBridging = true

	type job struct {
		idx     int
		payload []byte
	}
	var jobs []job
	for i := range ctx.Slots {
		s := &ctx.Slots[i]
		if s.State != SlotReceived {
			continue
		}
		kind := KindFragN
		var raw []byte
		if s.FragmentOffset == 0 {
			kind = KindFrag1
			raw = ctx.frag1Raw
		} else if s.Packet != nil {
			raw = s.Packet.Payload
		}
		hdr := Header{Kind: kind, Size: uint16(ctx.DatagramSize), Tag: ctx.DatagramTag, Offset: uint8(s.FragmentOffset)}
		hlen := HeaderLen(kind)
		buf := make([]byte, hlen+len(raw))
		Encode(buf, hdr)
		copy(buf[hlen:], raw)
		jobs = append(jobs, job{idx: i, payload: buf})
	}
	q.mu.Unlock()

	for _, j := range jobs {
		q.bridge.Receive(&Buffer{Payload: j.payload, Creator: CreatorBridge})
	}

	q.mu.Lock()
	if ctx.InUse == Free {
		return
	}
	for _, j := range jobs {
		s := &ctx.Slots[j.idx]
		if s.State != SlotReceived {
			continue
		}
		if s.Packet != nil && s.Packet != ctx.Msg {
			q.pool.FreeAtomic(s.Packet)
		}
		s.Packet = nil
		s.State = SlotFinished
		ctx.Processed++
	}
	if ctx.complete() {
		q.releaseLocked(ctx)
	}
}
