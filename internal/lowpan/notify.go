package lowpan

import "encoding/binary"

// Bridge-cancel record layout (spec §4.8): 14 big-endian octets reporting a
// canceled mesh-to-bridge forward, sent to the serial collaborator so a
// host-side bridge can drop its own half-reassembled state for the same
// tag.
const (
	bridgeStatusFail     = 0x01
	bridgeDirFromMesh    = 0x02
	bridgeCancelRecordLen = 14
)

// encodeBridgeCancel builds the 14-octet {status, direction, tag, size,
// src_addr} record spec §4.8 describes.
func encodeBridgeCancel(src uint64, tag uint16, size int) []byte {
	buf := make([]byte, bridgeCancelRecordLen)
	buf[0] = bridgeStatusFail
	buf[1] = bridgeDirFromMesh
	binary.BigEndian.PutUint16(buf[2:4], tag)
	binary.BigEndian.PutUint16(buf[4:6], uint16(size))
	binary.BigEndian.PutUint64(buf[6:14], src)
	return buf
}

// emitBridgeCancel sends the bridge-cancel notification for a context whose
// OPENBRIDGE action is being replaced (spec §4.4, §4.8). Must be called
// without q.mu held.
func (q *Queue) emitBridgeCancel(src uint64, tag uint16, size int) {
	q.serial.PrintBridge(encodeBridgeCancel(src, tag, size))
}
