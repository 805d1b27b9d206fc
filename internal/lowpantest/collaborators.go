package lowpantest

import (
	"sync"

	"lowpan-fragd/internal/lowpan"
)

// Upper collects every datagram the engine delivers upstream, for tests to
// assert against and for the demo command to log.
type Upper struct {
	mu       sync.Mutex
	Delivered []lowpan.Datagram
}

func NewUpper() *Upper { return &Upper{} }

func (u *Upper) ToUpperLayer(datagram lowpan.Datagram) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Delivered = append(u.Delivered, datagram)
}

func (u *Upper) Last() lowpan.Datagram {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.Delivered) == 0 {
		return nil
	}
	return u.Delivered[len(u.Delivered)-1]
}

// Bridge collects every fragment forwarded to the openbridge host.
type Bridge struct {
	mu        sync.Mutex
	Fragments []lowpan.Packet
}

func NewBridge() *Bridge { return &Bridge{} }

func (b *Bridge) Receive(fragment lowpan.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fragments = append(b.Fragments, fragment)
}

// Serial collects every bridge-cancel notification (spec §4.8).
type Serial struct {
	mu      sync.Mutex
	Records [][]byte
}

func NewSerial() *Serial { return &Serial{} }

func (s *Serial) PrintBridge(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, data)
}

// Identity returns a fixed short address for whichever AddressType is
// requested; real targets distinguish short/extended addresses (spec §6),
// a single-radio test fixture has no reason to.
type Identity struct {
	Addr uint64
}

func NewIdentity(addr uint64) *Identity { return &Identity{Addr: addr} }

func (i *Identity) GetMyID(addrType lowpan.AddressType) uint64 { return i.Addr }

// RandomSource is a deterministic RNG for reproducible tag-counter seeding.
type RandomSource struct {
	Seed uint16
}

func NewRandomSource(seed uint16) *RandomSource { return &RandomSource{Seed: seed} }

func (r *RandomSource) Get16b() uint16 { return r.Seed }
