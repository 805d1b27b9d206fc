package lowpantest

import "lowpan-fragd/internal/lowpan"

// IPHC is a fake header-compression layer: it does no real compression, but
// plays IPHC's documented part in the contract internal/lowpan depends on
// (spec §6) - trimming a FRAG1 buffer down to just its header and reporting
// a disposition back through Queue.AssignAction. HeaderLen is the number of
// leading octets the fake treats as already-compressed header; Decide
// chooses the action (defaults to ASSEMBLE, since most tests reassemble a
// single-hop datagram rather than forward or bridge it).
type IPHC struct {
	Queue     *lowpan.Queue
	HeaderLen int
	Decide    func(buf lowpan.Packet) lowpan.Action

	Received []lowpan.Packet
}

func NewIPHC(headerLen int) *IPHC {
	return &IPHC{HeaderLen: headerLen}
}

func (i *IPHC) Receive(buf lowpan.Packet) {
	i.Received = append(i.Received, buf)

	if !buf.Reassembling {
		return
	}
	if len(buf.Payload) > i.HeaderLen {
		buf.Payload = buf.Payload[:i.HeaderLen]
	}

	action := lowpan.ActionAssemble
	if i.Decide != nil {
		action = i.Decide(buf)
	}
	if i.Queue != nil {
		i.Queue.AssignAction(buf.ContextIndex, action)
	}
}

func (i *IPHC) SendDone(buf lowpan.Packet, err error) {}
