package queue

import (
	"encoding/binary"
	"hash/crc32"
)

// Message record: headerLen(4B BE) | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 4+len(header)+len(payload)+4)
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 8 {
		return nil, nil, false
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if int(4+hlen+4) > len(b) {
		return nil, nil, false
	}
	headerEnd := 4 + int(hlen)
	header = b[4:headerEnd]
	payload = b[headerEnd : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), true
}
