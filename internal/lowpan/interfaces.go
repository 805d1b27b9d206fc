package lowpan

import "time"

// Creator records who is logically holding a Buffer, mirroring the
// original firmware's "owner" tag on packet buffers — used to decide who is
// responsible for freeing it and to reassign ownership on forwarding
// failure (spec §4.5 sendDone: "reassign msg.creator = FORWARDING").
type Creator int

const (
	CreatorNone Creator = iota
	CreatorFragment
	CreatorForwarding
	CreatorBridge
)

// SendStatus is the asynchronous result of a LinkLayer.Send call (spec §6).
type SendStatus int

const (
	SendSuccess SendStatus = iota
	SendFail
)

// Buffer is the opaque link-layer packet container spec §1/§6 calls "the
// packet buffer pool". It is the one concrete type shared by every
// collaborator interface below: a Packet (one link fragment) and a
// Datagram (the reassembled/original payload) are both just a *Buffer at
// different points in its life, matching spec §9's note on msg/packet
// aliasing ("same buffer identity, larger capacity, payload preserved").
type Buffer struct {
	Payload []byte
	Creator Creator
	// Big marks a buffer that was migrated to the larger backing region
	// (spec §9 "Big packet buffer"), used by ASSEMBLE.
	Big bool
	// ForceFragment requests fragmentation even when the datagram would
	// otherwise fit in a single link frame (spec §4.2 "not flagged as
	// big"). Unset for ordinary traffic.
	ForceFragment bool
	// ContextIndex identifies the owning FragmentContext for a FRAG1
	// buffer handed to IPHCLayer.Receive, so the upper layer's decision
	// can be reported back through Queue.AssignAction without needing its
	// own side channel. Only meaningful when Reassembling is true.
	ContextIndex int
	// Reassembling marks a buffer as the FRAG1 fragment of an in-progress
	// reassembly, handed to IPHCLayer.Receive with ContextIndex set.
	// Unset for ordinary (non-fragmented) traffic passed straight through.
	Reassembling bool
}

// Packet is a single link fragment's backing buffer.
type Packet = *Buffer

// Datagram is a full datagram's backing buffer (TX: the original outbound
// packet; RX: promoted from the FRAG1 buffer during ASSEMBLE).
type Datagram = *Buffer

// PacketPool is the external packet-buffer allocator (spec §6). The core
// never allocates memory itself; it only calls through this interface, so
// a real embedded target can back it with its own fixed pool.
type PacketPool interface {
	GetFree(owner Creator) Packet
	Free(buf Packet)
	// FreeAtomic is the variant safe to call from within a critical
	// section (spec §5: "an atomic free variant for use inside critical
	// sections").
	FreeAtomic(buf Packet)
	ToBig(buf Packet, newLength int) Packet
	ReserveHeader(buf Packet, nbytes int)
	TossHeader(buf Packet, nbytes int)
}

// LinkLayer is the external IEEE 802.15.4 MAC (spec §6). Send is
// asynchronous: completion is reported later through the engine's own
// SendDone entry point, not a return value.
type LinkLayer interface {
	Send(buf Packet) SendStatus
	AskL2HeaderSize(msg Datagram) int
}

// IPHCLayer is the external header-compression layer (spec §6).
type IPHCLayer interface {
	Receive(buf Packet)
	SendDone(buf Packet, err error)
}

// UpperLayer is the external forwarding/application layer (spec §6).
type UpperLayer interface {
	ToUpperLayer(datagram Datagram)
}

// Bridge is the external openbridge host (spec §6, §4.8).
type Bridge interface {
	Receive(fragment Packet)
}

// Serial is the external serial/bridge notification channel (spec §6,
// §4.8): openserial_printBridge.
type Serial interface {
	PrintBridge(data []byte)
}

// AddressType selects which of a node's L2 addresses to return.
type AddressType int

// Identity is the external address-manager collaborator (spec §6).
type Identity interface {
	GetMyID(addrType AddressType) uint64
}

// RandomSource is the external RNG (spec §6), used once at init to seed the
// tag counter (spec §6 "Random: get16b()... used once at init").
type RandomSource interface {
	Get16b() uint16
}

// TimerHandle is a live one-shot timer; Stop is idempotent and safe to call
// after the timer has already fired.
type TimerHandle interface {
	Stop() bool
}

// TimerService is the external timer service (spec §6): one-shot software
// timers with millisecond resolution. The production implementation is a
// thin wrapper over time.AfterFunc (timers.go); tests substitute a fake
// that fires on demand.
type TimerService interface {
	Start(d time.Duration, callback func()) TimerHandle
}
