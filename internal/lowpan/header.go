package lowpan

import "encoding/binary"

// Wire format (RFC 4944, spec §4.1 / §6), all fields big-endian:
//
//	FRAG1: [5b dispatch=0b11000][11b size][16b tag]                [payload]
//	FRAGN: [5b dispatch=0b11100][11b size][16b tag][8b offset/8]    [payload]
//
// The codec never allocates: it reads/writes into a caller-owned byte
// window, the way the teacher's FragmentPacket/IngestChunk pack/unpack a
// fixed 4-byte header in place (internal/protocol/fragment.go), generalized
// to RFC 4944's bit-packed dispatch+size field and optional offset octet.
const (
	DispatchFrag1 = 0xC0 // 0b11000 in the top 5 bits
	DispatchFragN = 0xE0 // 0b11100 in the top 5 bits

	Frag1HeaderLen = 4
	FragNHeaderLen = 5

	dispatchMask = 0xF8 // top 5 bits of the first octet
	sizeHighMask = 0x07 // bottom 3 bits of the first octet

	MaxDatagramSize = 2047 // 11-bit size field ceiling
)

// Kind identifies which of the two header shapes a link fragment carries.
type Kind int

const (
	KindNone Kind = iota
	KindFrag1
	KindFragN
)

// PeekDispatch reports which fragment header (if any) the first octet of
// buf encodes, without consuming anything. A link fragment whose dispatch
// bits match neither FRAG1 nor FRAGN is not a 6LoWPAN fragment at all and
// must be delivered to IPHC unchanged (spec §4.3 step 1).
func PeekDispatch(buf []byte) Kind {
	if len(buf) == 0 {
		return KindNone
	}
	switch buf[0] & dispatchMask {
	case DispatchFrag1:
		return KindFrag1
	case DispatchFragN:
		return KindFragN
	default:
		return KindNone
	}
}

// Header is the decoded form of a FRAG1/FRAGN prefix.
type Header struct {
	Kind   Kind
	Size   uint16 // datagram_size, 11 bits
	Tag    uint16
	Offset uint8 // octets/8, FRAGN only; always 0 for FRAG1
}

// Decode parses the dispatch/size/tag(/offset) prefix from buf. It does not
// validate size-multiple-of-8 rules; that is the receive path's job (spec
// §4.3 step 3), since validity depends on datagram-level context the codec
// does not have.
func Decode(buf []byte) (Header, []byte, bool) {
	kind := PeekDispatch(buf)
	switch kind {
	case KindFrag1:
		if len(buf) < Frag1HeaderLen {
			return Header{}, nil, false
		}
		size := (uint16(buf[0]&sizeHighMask) << 8) | uint16(buf[1])
		tag := binary.BigEndian.Uint16(buf[2:4])
		return Header{Kind: KindFrag1, Size: size, Tag: tag}, buf[Frag1HeaderLen:], true
	case KindFragN:
		if len(buf) < FragNHeaderLen {
			return Header{}, nil, false
		}
		size := (uint16(buf[0]&sizeHighMask) << 8) | uint16(buf[1])
		tag := binary.BigEndian.Uint16(buf[2:4])
		offset := buf[4]
		return Header{Kind: KindFragN, Size: size, Tag: tag, Offset: offset}, buf[FragNHeaderLen:], true
	default:
		return Header{}, nil, false
	}
}

// Encode writes the header prefix for h into buf, which must be at least
// HeaderLen() bytes, and returns the number of header bytes written.
func Encode(buf []byte, h Header) int {
	switch h.Kind {
	case KindFrag1:
		buf[0] = DispatchFrag1 | byte(h.Size>>8)
		buf[1] = byte(h.Size)
		binary.BigEndian.PutUint16(buf[2:4], h.Tag)
		return Frag1HeaderLen
	case KindFragN:
		buf[0] = DispatchFragN | byte(h.Size>>8)
		buf[1] = byte(h.Size)
		binary.BigEndian.PutUint16(buf[2:4], h.Tag)
		buf[4] = h.Offset
		return FragNHeaderLen
	default:
		return 0
	}
}

// HeaderLen returns the on-wire header length for the given kind.
func HeaderLen(k Kind) int {
	if k == KindFrag1 {
		return Frag1HeaderLen
	}
	return FragNHeaderLen
}
