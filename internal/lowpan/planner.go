package lowpan

// linkMTU is the IEEE 802.15.4 link-layer MTU (spec §1).
const linkMTU = 127

// Send implements spec §4.2: fragment_prependHeader. Given an outbound
// datagram addressed to dst, it either bypasses fragmentation entirely
// (single link frame) or plans a TX context's slots and kicks off the
// transmission scheduler. A datagram longer than Config.MaxSize, or a
// single-frame send the link layer refuses, returns ErrFail.
//
// iphcLen is the length of the IPHC header the upper layer has already
// written at the front of datagram.Payload (spec §4.2's "I"); it must fit
// within the first fragment's budget or the datagram fails outright (spec
// §4.2 E_FAIL, §7 ERR_6LOWPAN_UNSUPPORTED).
func (q *Queue) Send(datagram Datagram, dst uint64, iphcLen int) error {
	l2Header := q.link.AskL2HeaderSize(datagram)
	budget := linkMTU - l2Header
	totalLen := len(datagram.Payload)

	if totalLen > q.cfg.MaxSize {
		return ErrFail
	}

	if totalLen <= budget && !datagram.ForceFragment {
		if q.link.Send(datagram) == SendFail {
			return ErrFail
		}
		return nil
	}

	max1 := ((budget - Frag1HeaderLen) / 8) * 8
	maxN := ((budget - FragNHeaderLen) / 8) * 8

	if max1 < iphcLen {
		return NewError(ErrUnsupported, 0, dst, 0)
	}

	var src uint64
	if q.ident != nil {
		src = q.ident.GetMyID(AddressType(0))
	}

	q.mu.Lock()
	ctx, ok := q.allocateLocked()
	if !ok {
		q.mu.Unlock()
		err := NewError(ErrNoFreeFragmentBuffer, src, dst, 0)
		q.log.Warn().Str("code", string(err.Code)).Msg("no free context for outbound datagram")
		return err
	}

	tag := q.nextTagLocked(src, dst)

	ctx.Dir = DirTX
	ctx.Src = src
	ctx.Dst = dst
	ctx.DatagramSize = totalLen
	ctx.DatagramTag = tag
	ctx.Msg = datagram
	ctx.InUse = TX
	ctx.Action = ActionNone

	emitted := 0
	first := true
	for emitted < totalLen {
		maxSize := maxN
		if first {
			maxSize = max1
		}
		size := maxSize
		if emitted+size > totalLen {
			size = totalLen - emitted
		}
		ctx.Slots = append(ctx.Slots, FragmentSlot{
			State:          SlotAssigned,
			FragmentOffset: emitted / 8,
			FragmentSize:   size,
		})
		emitted += size
		first = false
	}
	ctx.Number = len(ctx.Slots)
	q.mu.Unlock()

	q.sched.tryToSend(ctx)
	return nil
}
