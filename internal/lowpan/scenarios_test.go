package lowpan

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLink is a minimal LinkLayer fake for tests that only need to
// observe what the planner/scheduler submits, without a full peer queue.
type captureLink struct {
	headerSize int
	sent       []Packet
	fail       bool
}

func (l *captureLink) Send(pkt Packet) SendStatus {
	if l.fail {
		return SendFail
	}
	l.sent = append(l.sent, pkt)
	return SendSuccess
}

func (l *captureLink) AskL2HeaderSize(msg Datagram) int { return l.headerSize }

type stubPool struct {
	live int
}

func (p *stubPool) GetFree(owner Creator) Packet { p.live++; return &Buffer{Creator: owner} }
func (p *stubPool) Free(buf Packet)               { p.live-- }
func (p *stubPool) FreeAtomic(buf Packet)          { p.live-- }
func (p *stubPool) ToBig(buf Packet, newLength int) Packet {
	if cap(buf.Payload) < newLength {
		grown := make([]byte, len(buf.Payload), newLength)
		copy(grown, buf.Payload)
		buf.Payload = grown
	}
	buf.Big = true
	return buf
}
func (p *stubPool) ReserveHeader(buf Packet, n int) {}
func (p *stubPool) TossHeader(buf Packet, n int)    {}

type stubIPHC struct {
	q        *Queue
	decide   Action
	passive  bool // if true, record only - the test drives AssignAction/ForwardTo itself
	received []Packet
	sentDone []Packet
}

func (i *stubIPHC) Receive(buf Packet) {
	i.received = append(i.received, buf)
	if !buf.Reassembling || i.passive {
		return
	}
	action := i.decide
	if action == ActionNone {
		action = ActionAssemble
	}
	i.q.AssignAction(buf.ContextIndex, action)
}

func (i *stubIPHC) SendDone(buf Packet, err error) { i.sentDone = append(i.sentDone, buf) }

type stubUpper struct {
	delivered []Datagram
}

func (u *stubUpper) ToUpperLayer(d Datagram) { u.delivered = append(u.delivered, d) }

type stubBridge struct {
	fragments []Packet
}

func (b *stubBridge) Receive(f Packet) { b.fragments = append(b.fragments, f) }

type stubSerial struct {
	records [][]byte
}

func (s *stubSerial) PrintBridge(data []byte) { s.records = append(s.records, data) }

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newTestQueue(pool PacketPool, link LinkLayer, iphc IPHCLayer, upper UpperLayer, bridge Bridge, serial Serial) *Queue {
	cfg := Config{
		FragQLength:     8,
		MaxFragments:    16,
		MaxSize:         MaxDatagramSize,
		TxMaxPackets:    2,
		FragmentTimeout: 50 * time.Millisecond,
	}
	return NewQueue(cfg, Collaborators{
		Pool:   pool,
		Link:   link,
		IPHC:   iphc,
		Upper:  upper,
		Bridge: bridge,
		Serial: serial,
		Timers: NewSystemTimerService(),
	}, testLogger())
}

// S1: 80-octet datagram with H=11 bypasses fragmentation entirely.
func TestScenarioS1SingleFragmentBypass(t *testing.T) {
	link := &captureLink{headerSize: 11}
	q := newTestQueue(&stubPool{}, link, &stubIPHC{}, &stubUpper{}, &stubBridge{}, &stubSerial{})

	datagram := &Buffer{Payload: make([]byte, 80)}
	err := q.Send(datagram, 0xCAFE, 4)
	require.NoError(t, err)

	require.Len(t, link.sent, 1)
	assert.Same(t, datagram, link.sent[0])
	assert.Equal(t, KindNone, PeekDispatch(link.sent[0].Payload))
	assert.Equal(t, 8, q.Free())
}

// S2: 250-octet datagram, H=11, I=4. The real header-aware planner uses
// Frag1HeaderLen=4 for the first slot's budget and FragNHeaderLen=5 for the
// rest, so max1=((127-11-4)/8)*8=112 and maxN=((127-11-5)/8)*8=104 - the
// planner does not conflate the two the way a single shared budget would.
func TestScenarioS2ThreeFragmentTX(t *testing.T) {
	link := &captureLink{headerSize: 11}
	q := newTestQueue(&stubPool{}, link, &stubIPHC{}, &stubUpper{}, &stubBridge{}, &stubSerial{})

	datagram := &Buffer{Payload: make([]byte, 250)}
	err := q.Send(datagram, 0xCAFE, 4)
	require.NoError(t, err)

	var ctx *FragmentContext
	q.withLock(func() {
		for i := range q.contexts {
			if q.contexts[i].InUse != Free {
				ctx = &q.contexts[i]
			}
		}
	})
	require.NotNil(t, ctx)
	require.Len(t, ctx.Slots, 3)
	assert.Equal(t, FragmentSlot{FragmentOffset: 0, FragmentSize: 112}, stripRuntime(ctx.Slots[0]))
	assert.Equal(t, FragmentSlot{FragmentOffset: 14, FragmentSize: 104}, stripRuntime(ctx.Slots[1]))
	assert.Equal(t, FragmentSlot{FragmentOffset: 27, FragmentSize: 34}, stripRuntime(ctx.Slots[2]))

	total := 0
	for _, s := range ctx.Slots {
		total += s.FragmentSize
	}
	assert.Equal(t, 250, total)

	// TxMaxPackets=2 bounds the first wave: only the first two slots are
	// reserved and submitted up front (spec §4.5); the third is pumped in
	// once a SendDone frees a slot in the budget.
	require.Len(t, link.sent, 2)

	q.SendDone(link.sent[0], SendSuccess)

	require.Len(t, link.sent, 3)
	hdr0, _, ok := Decode(link.sent[0].Payload)
	require.True(t, ok)
	assert.Equal(t, KindFrag1, hdr0.Kind)
	hdr1, _, _ := Decode(link.sent[1].Payload)
	hdr2, _, _ := Decode(link.sent[2].Payload)
	assert.Equal(t, KindFragN, hdr1.Kind)
	assert.Equal(t, KindFragN, hdr2.Kind)
	assert.Equal(t, hdr0.Tag, hdr1.Tag)
	assert.Equal(t, hdr0.Tag, hdr2.Tag)
}

func stripRuntime(s FragmentSlot) FragmentSlot {
	s.State = 0
	s.Packet = nil
	return s
}

// encodeFragment builds one inbound link fragment the way a real MAC would:
// the carrying buffer comes from the packet pool, mirroring how every
// packet Receive ever sees was checked out of PacketPool by whoever
// delivered it (spec §6).
func encodeFragment(t *testing.T, pool PacketPool, kind Kind, size uint16, tag uint16, offset uint8, payload []byte) Packet {
	t.Helper()
	hlen := HeaderLen(kind)
	pkt := pool.GetFree(CreatorFragment)
	pkt.Payload = make([]byte, hlen+len(payload))
	Encode(pkt.Payload, Header{Kind: kind, Size: size, Tag: tag, Offset: offset})
	copy(pkt.Payload[hlen:], payload)
	return pkt
}

// S3: delivering a 3-fragment datagram out of order reassembles it
// byte-exact with exactly one upper-layer delivery.
func TestScenarioS3OutOfOrderRX(t *testing.T) {
	upper := &stubUpper{}
	pool := &stubPool{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, nil, upper, &stubBridge{}, &stubSerial{})
	iphc := &stubIPHC{q: q, decide: ActionAssemble}
	q.iphc = iphc

	original := make([]byte, 250)
	for i := range original {
		original[i] = byte(i)
	}
	const tag = 0x55

	frags := []Packet{
		encodeFragment(t, pool, KindFrag1, 250, tag, 0, original[0:112]),
		encodeFragment(t, pool, KindFragN, 250, tag, 14, original[112:216]),
		encodeFragment(t, pool, KindFragN, 250, tag, 27, original[216:250]),
	}

	order := []int{2, 0, 1}
	for _, idx := range order {
		require.NoError(t, q.Receive(frags[idx], 0x1111, 0x2222))
	}

	require.Len(t, upper.delivered, 1)
	assert.Equal(t, original, upper.delivered[0].Payload)
	assert.Equal(t, 8, q.Free())
}

// S4: an overlapping fragment restarts the context, emits
// INPUTBUFFER_OVERLAPS, and leaves the context empty but with a fresh
// reassembly timeout armed - the triggering fragment itself is not
// retained, and the restarted context cannot sit idle forever waiting for
// a fragment that never arrives.
func TestScenarioS4Overlap(t *testing.T) {
	pool := &stubPool{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, nil, &stubUpper{}, &stubBridge{}, &stubSerial{})
	q.iphc = &stubIPHC{q: q, decide: ActionAssemble}

	const tag = 0x77
	slot0 := encodeFragment(t, pool, KindFrag1, 300, tag, 0, make([]byte, 104))
	slot1 := encodeFragment(t, pool, KindFragN, 300, tag, 8, make([]byte, 104))

	require.NoError(t, q.Receive(slot0, 0x1111, 0x2222))

	err := q.Receive(slot1, 0x1111, 0x2222)
	require.Error(t, err)
	lowpanErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrInputBufferOverlaps, lowpanErr.Code)

	var ctx *FragmentContext
	q.withLock(func() {
		for i := range q.contexts {
			if q.contexts[i].InUse != Free {
				ctx = &q.contexts[i]
			}
		}
	})
	require.NotNil(t, ctx, "context restarts in place, it is not released")
	assert.Empty(t, ctx.Slots)
	assert.NotNil(t, ctx.timer, "the restarted context re-arms its own timeout rather than sitting idle forever")
}

// S5: FORWARD re-emits every received fragment under a fresh tag with
// headers rewritten for the new hop, while the FRAG1 payload bytes
// themselves are preserved (modulo whatever IPHC would have rewritten,
// which this fake leaves untouched).
func TestScenarioS5Forward(t *testing.T) {
	pool := &stubPool{}
	fwdLink := &captureLink{headerSize: 11}
	q := newTestQueue(pool, fwdLink, nil, &stubUpper{}, &stubBridge{}, &stubSerial{})
	iphc := &stubIPHC{q: q, passive: true}
	q.iphc = iphc

	const incomingTag = 0x99
	payload0 := make([]byte, 48) // FRAG1, not the final fragment: must be 8-aligned
	for i := range payload0 {
		payload0[i] = byte(i)
	}
	payload1 := make([]byte, 50)
	for i := range payload1 {
		payload1[i] = byte(i + 1)
	}
	datagramSize := len(payload0) + len(payload1)

	f0 := encodeFragment(t, pool, KindFrag1, uint16(datagramSize), incomingTag, 0, payload0)
	f1 := encodeFragment(t, pool, KindFragN, uint16(datagramSize), incomingTag, uint8(len(payload0)/8), payload1)

	require.NoError(t, q.Receive(f0, 0x1111, 0x2222))

	var ctxIdx int
	q.withLock(func() {
		for i := range q.contexts {
			if q.contexts[i].InUse != Free {
				ctxIdx = i
			}
		}
	})
	q.ForwardTo(ctxIdx, 0x3333, datagramSize+2)

	require.NoError(t, q.Receive(f1, 0x1111, 0x2222))

	require.Len(t, fwdLink.sent, 2)
	hdr0, rest0, ok := Decode(fwdLink.sent[0].Payload)
	require.True(t, ok)
	assert.Equal(t, KindFrag1, hdr0.Kind)
	assert.NotEqual(t, incomingTag, hdr0.Tag)
	assert.Equal(t, payload0, rest0)

	hdr1, _, ok := Decode(fwdLink.sent[1].Payload)
	require.True(t, ok)
	assert.Equal(t, hdr0.Tag, hdr1.Tag)

	q.withLock(func() {
		assert.Equal(t, FW, q.contexts[ctxIdx].InUse)
	})
}

// S6: disassociation mid-stream cancels the context, frees every held
// packet buffer, delivers nothing upstream and never logs EXPIRED_TIMER.
func TestScenarioS6DisassociationMidStream(t *testing.T) {
	pool := &stubPool{}
	upper := &stubUpper{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, nil, upper, &stubBridge{}, &stubSerial{})
	q.iphc = &stubIPHC{q: q, decide: ActionAssemble}

	const neighbor = 0x4444
	const tag = 0x22
	f0 := encodeFragment(t, pool, KindFrag1, 300, tag, 0, make([]byte, 104))
	f1 := encodeFragment(t, pool, KindFragN, 300, tag, 13, make([]byte, 104))

	require.NoError(t, q.Receive(f0, neighbor, 0x0001))
	require.NoError(t, q.Receive(f1, neighbor, 0x0001))

	liveBefore := pool.live
	assert.Greater(t, liveBefore, 0)

	q.OnDisassociate(neighbor)

	assert.Empty(t, upper.delivered)
	assert.Equal(t, 8, q.Free())
	assert.Equal(t, 0, pool.live, "every held packet buffer must be freed on cancel")
}
