package lowpan

// Receive implements spec §4.3: the inbound path for every link frame the
// MAC delivers, whether or not it turns out to be a 6LoWPAN fragment.
func (q *Queue) Receive(pkt Packet, src, dst uint64) error {
	kind := PeekDispatch(pkt.Payload)
	if kind == KindNone {
		q.iphc.Receive(pkt)
		return nil
	}

	hdr, rest, ok := Decode(pkt.Payload)
	if !ok {
		err := NewError(ErrInputBufferLength, src, dst, 0)
		q.log.Warn().Str("code", string(err.Code)).Msg("fragment header too short for its own dispatch byte")
		return err
	}

	size := len(rest)
	datagramSize := int(hdr.Size)
	offsetOctets := int(hdr.Offset)

	if size%8 != 0 && offsetOctets*8+size != datagramSize {
		err := NewError(ErrInputBufferLength, src, dst, hdr.Tag)
		q.log.Warn().Str("code", string(err.Code)).Msg("fragment size neither 8-octet aligned nor final")
		return err
	}

	q.mu.Lock()

	if q.recents.wasRecentlyCompleted(DirRX, src, dst, hdr.Tag) {
		q.mu.Unlock()
		return nil
	}

	ctx := q.lookupLocked(DirRX, src, dst, hdr.Tag, datagramSize)
	if ctx == nil {
		var ok bool
		ctx, ok = q.allocateLocked()
		if !ok {
			q.mu.Unlock()
			err := NewError(ErrNoFreeFragmentBuffer, src, dst, hdr.Tag)
			q.log.Warn().Str("code", string(err.Code)).Msg("no free context for inbound datagram")
			return err
		}
		ctx.Dir = DirRX
		ctx.Src = src
		ctx.Dst = dst
		ctx.DatagramSize = datagramSize
		ctx.DatagramTag = hdr.Tag
		ctx.InUse = RX
	}

	newSlot := FragmentSlot{FragmentOffset: offsetOctets, FragmentSize: size}

	for i := range ctx.Slots {
		if sameRange(&ctx.Slots[i], &newSlot) {
			// Exact duplicate of a fragment already buffered: drop
			// silently (spec §3 invariant, §8 property 3).
			q.mu.Unlock()
			return nil
		}
	}

	for i := range ctx.Slots {
		if !overlaps(&ctx.Slots[i], &newSlot) {
			continue
		}
		// Conflicting fragment: discard everything buffered so far and
		// restart the context under the same tag (spec §4.3 step 5, §8
		// scenario S4). If it was already forwarding to the bridge,
		// emit a bridge-cancel first.
		wasBridging := ctx.Action == ActionOpenBridge
		srcAddr, tag, datagramLen := ctx.Src, ctx.DatagramTag, ctx.DatagramSize
		cancelReassemblyTimer(ctx)
		for j := range ctx.Slots {
			s := &ctx.Slots[j]
			if s.Packet != nil && s.Packet != ctx.Msg {
				q.pool.FreeAtomic(s.Packet)
			}
		}
		if ctx.Msg != nil {
			q.pool.FreeAtomic(ctx.Msg)
		}
		ctx.Slots = ctx.Slots[:0]
		ctx.Number = 0
		ctx.Processed = 0
		ctx.Action = ActionNone
		ctx.assembleInit = false
		ctx.forwardInit = false
		ctx.frag1Raw = nil
		ctx.Msg = nil
		// The context keeps its identity (same src/dst/tag) with zero
		// slots now, so it needs its own timeout just as a freshly
		// allocated context would: without this, a restart that is never
		// followed by another fragment would hold the slot forever.
		q.armReassemblyTimer(ctx)
		q.mu.Unlock()

		if wasBridging {
			q.emitBridgeCancel(srcAddr, tag, datagramLen)
		}
		err := NewError(ErrInputBufferOverlaps, srcAddr, dst, tag)
		q.log.Warn().Str("code", string(err.Code)).Int("ctx", ctx.Index).Msg("fragment overlap, context restarted")
		return err
	}

	newSlot.State = SlotReceived
	newSlot.Packet = pkt
	pkt.Payload = rest
	ctx.Slots = append(ctx.Slots, newSlot)
	ctx.Number = len(ctx.Slots)

	isFrag1 := offsetOctets == 0
	if isFrag1 {
		ctx.frag1Raw = append([]byte(nil), rest...)
		ctx.Msg = pkt
		pkt.ContextIndex = ctx.Index
		pkt.Reassembling = true
	}

	if len(ctx.Slots) == 1 {
		q.armReassemblyTimer(ctx)
	}

	if ctx.complete() {
		cancelReassemblyTimer(ctx)
	}

	actionSet := ctx.Action != ActionNone
	var msg Datagram
	if isFrag1 {
		msg = ctx.Msg
	}
	q.mu.Unlock()

	switch {
	case isFrag1:
		q.iphc.Receive(msg)
	case actionSet:
		q.mu.Lock()
		if ctx.InUse != Free {
			q.runAction(ctx)
		}
		q.mu.Unlock()
	}

	return nil
}
