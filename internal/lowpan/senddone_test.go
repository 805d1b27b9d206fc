package lowpan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTXContext(t *testing.T, q *Queue, pool *stubPool, n int) (*FragmentContext, []Packet) {
	t.Helper()
	ctx, ok := q.allocateLocked()
	require.True(t, ok)
	ctx.InUse = TX
	ctx.Dir = DirTX
	ctx.Number = n
	ctx.Msg = pool.GetFree(CreatorFragment)
	pkts := make([]Packet, n)
	for i := 0; i < n; i++ {
		pkt := pool.GetFree(CreatorFragment)
		pkts[i] = pkt
		ctx.Slots = append(ctx.Slots, FragmentSlot{State: SlotSending, FragmentOffset: i, Packet: pkt})
		ctx.Sending++
	}
	return ctx, pkts
}

func TestSendDoneDrainsOneOfManyWithoutReleasing(t *testing.T) {
	pool := &stubPool{}
	link := &captureLink{headerSize: 11}
	q := newTestQueue(pool, link, &stubIPHC{}, &stubUpper{}, &stubBridge{}, &stubSerial{})

	ctx, pkts := newTXContext(t, q, pool, 2)
	idx := ctx.Index

	q.SendDone(pkts[0], SendSuccess)

	q.withLock(func() {
		assert.Equal(t, TX, q.contexts[idx].InUse, "one fragment still sending, context is not done")
		assert.Equal(t, 1, q.contexts[idx].Sending)
		assert.Equal(t, 1, q.contexts[idx].Sent)
	})
}

func TestSendDoneReleasesOnLastFragment(t *testing.T) {
	pool := &stubPool{}
	upper := &stubUpper{}
	iphc := &stubIPHC{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, iphc, upper, &stubBridge{}, &stubSerial{})

	ctx, pkts := newTXContext(t, q, pool, 2)
	idx := ctx.Index

	q.SendDone(pkts[0], SendSuccess)
	q.SendDone(pkts[1], SendSuccess)

	q.withLock(func() {
		assert.Equal(t, Free, q.contexts[idx].InUse, "last fragment drains, context releases")
	})
	require.Len(t, iphc.sentDone, 1, "the original outbound datagram itself is reported through IPHCLayer.SendDone")
}

func TestSendDoneFailsContextOnLinkFailure(t *testing.T) {
	pool := &stubPool{}
	iphc := &stubIPHC{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, iphc, &stubUpper{}, &stubBridge{}, &stubSerial{})

	ctx, pkts := newTXContext(t, q, pool, 1)
	idx := ctx.Index

	q.SendDone(pkts[0], SendFail)

	require.Len(t, iphc.sentDone, 1, "a single in-flight fragment drains the context immediately on failure")
	q.withLock(func() {
		assert.Equal(t, Free, q.contexts[idx].InUse, "once drained, even a failed context releases back to FREE")
	})
}

func TestSendDoneForUntrackedPacketForwardsToIPHC(t *testing.T) {
	pool := &stubPool{}
	iphc := &stubIPHC{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, iphc, &stubUpper{}, &stubBridge{}, &stubSerial{})

	stray := pool.GetFree(CreatorFragment)
	q.SendDone(stray, SendSuccess)

	require.Len(t, iphc.sentDone, 1, "non-fragmented traffic's send-done is routed straight to IPHCLayer")
	assert.Same(t, stray, iphc.sentDone[0])
}

func TestFindByPacketLockedSkipsFreeContexts(t *testing.T) {
	pool := &stubPool{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, &stubIPHC{}, &stubUpper{}, &stubBridge{}, &stubSerial{})

	pkt := pool.GetFree(CreatorFragment)
	ctx, found := q.findByPacketLocked(pkt)
	assert.Nil(t, ctx)
	assert.Equal(t, -1, found)
}

func TestFailContextLockedWaitsForInFlightFragments(t *testing.T) {
	pool := &stubPool{}
	q := newTestQueue(pool, &captureLink{headerSize: 11}, &stubIPHC{}, &stubUpper{}, &stubBridge{}, &stubSerial{})

	ctx, _ := newTXContext(t, q, pool, 2)

	msg, notify := q.failContextLocked(ctx, ErrFail)
	assert.Nil(t, msg)
	assert.False(t, notify, "a context with fragments still sending is not finalized yet")
	assert.Equal(t, Fail, ctx.InUse)
}
