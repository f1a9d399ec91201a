package thinkgear

// AppendFrame appends a complete frame carrying payload to dst. It panics if
// payload is longer than MaxPayloadLength.
func AppendFrame(dst, payload []byte) []byte {
	if len(payload) > MaxPayloadLength {
		panic("thinkgear: payload too long")
	}
	dst = append(dst, SyncByte, SyncByte, byte(len(payload)))
	dst = append(dst, payload...)
	return append(dst, Checksum(payload))
}

// EncodeFrame returns a complete frame carrying payload.
func EncodeFrame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, len(payload)+4), payload)
}

// RawSamplePayload returns the payload of a frame holding a single raw
// sample: 80 02 HI LO.
func RawSamplePayload(v int16) []byte {
	u := uint16(v)
	return []byte{TagRawValue, rawValueLength, byte(u >> 8), byte(u)}
}
