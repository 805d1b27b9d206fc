package lowpantest

import "lowpan-fragd/internal/lowpan"

// LoopbackLink wires one node's outbound Send calls directly into a peer
// node's Queue.Receive, simulating the IEEE 802.15.4 MAC for a two-node
// demo/test topology without a real radio. Send reports success
// synchronously, immediately invokes the peer's Receive, and then reports
// completion back to Owner.SendDone - a real MAC does this asynchronously
// from an IRQ, a loopback does it inline (spec §6).
type LoopbackLink struct {
	Owner        *lowpan.Queue
	Peer         *lowpan.Queue
	Self, Remote uint64
	HeaderSize   int

	// OnSend, if set, is invoked synchronously before delivery (test
	// hook: drop/inspect fragments in flight).
	OnSend func(pkt lowpan.Packet) lowpan.SendStatus
}

func NewLoopbackLink(self, remote uint64) *LoopbackLink {
	return &LoopbackLink{Self: self, Remote: remote, HeaderSize: 9}
}

func (l *LoopbackLink) Send(buf lowpan.Packet) lowpan.SendStatus {
	status := lowpan.SendSuccess
	if l.OnSend != nil {
		status = l.OnSend(buf)
	}
	if status == lowpan.SendSuccess && l.Peer != nil {
		cp := append([]byte(nil), buf.Payload...)
		l.Peer.Receive(&lowpan.Buffer{Payload: cp, Creator: buf.Creator}, l.Self, l.Remote)
	} else {
		status = lowpan.SendFail
	}
	if l.Owner != nil {
		l.Owner.SendDone(buf, status)
	}
	return status
}

func (l *LoopbackLink) AskL2HeaderSize(msg lowpan.Datagram) int {
	return l.HeaderSize
}
