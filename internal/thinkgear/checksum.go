package thinkgear

// Checksum returns the one's complement of the low byte of the sum of
// payload.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return ^sum
}

// Validate accepts p if its checksum byte matches the payload, and otherwise
// returns a *ChecksumError.
func Validate(p Packet) error {
	expected := Checksum(p.Payload)
	if expected != p.Checksum {
		return &ChecksumError{
			Offset:   p.Offset,
			Length:   len(p.Payload),
			Expected: expected,
			Stated:   p.Checksum,
		}
	}
	return nil
}
