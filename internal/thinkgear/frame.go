package thinkgear

import "io"

// Protocol symbols and limits.
const (
	SyncByte = 0xAA

	// MaxPayloadLength is the largest PLENGTH a ThinkGear device will send.
	MaxPayloadLength = 169

	// MaxSyncRun is the longest run of sync bytes accepted as one marker.
	// A longer run is rejected like an oversized length byte.
	MaxSyncRun = 16
)

// Packet is one sync-delimited frame as read from the wire. It has not been
// validated; see Validate.
type Packet struct {
	// Offset is the stream offset of the first sync byte.
	Offset   int64
	Length   byte
	Payload  []byte
	Checksum byte
}

type syncState int

const (
	stateSearching syncState = iota
	stateLengthRead
	statePayloadRead
	stateChecksumRead
	stateEmit
)

// Synchronizer delimits candidate frames in a ThinkGear byte stream.
//
// Each call to Next scans forward from the current cursor position, so after
// a rejected frame the search resumes at the byte following it. Sync pairs
// that overlap garbage (AA AA AA ...) are found because the scan compares
// every consecutive pair of bytes.
type Synchronizer struct {
	cur        *Cursor
	maxPayload int
}

// NewSynchronizer returns a Synchronizer reading from r.
func NewSynchronizer(r io.Reader) *Synchronizer {
	return &Synchronizer{
		cur:        NewCursor(r),
		maxPayload: MaxPayloadLength,
	}
}

// SetMaxPayloadLength overrides the largest accepted length byte. Values
// outside 1..MaxPayloadLength are ignored.
func (s *Synchronizer) SetMaxPayloadLength(n int) {
	if n > 0 && n <= MaxPayloadLength {
		s.maxPayload = n
	}
}

// Offset returns the number of stream bytes consumed so far.
func (s *Synchronizer) Offset() int64 {
	return s.cur.Offset()
}

// Next reads the next candidate frame.
//
// A *StreamError is returned if the stream ends or fails before the frame is
// complete. A *PayloadLengthError is returned for an oversized length byte,
// or with Length 0xAA for a sync run longer than MaxSyncRun; the cursor is
// left just past the offending byte so the caller may call Next again to
// resynchronise.
func (s *Synchronizer) Next() (Packet, error) {
	var (
		pkt   Packet
		prev  byte
		run   int
		state = stateSearching
	)
	for {
		switch state {
		case stateSearching:
			b, err := s.cur.ReadByte()
			if err != nil {
				return Packet{}, err
			}
			if prev == SyncByte && b == SyncByte {
				pkt.Offset = s.cur.Offset() - 2
				run = 2
				state = stateLengthRead
				continue
			}
			prev = b

		case stateLengthRead:
			b, err := s.cur.ReadByte()
			if err != nil {
				return Packet{}, err
			}
			// A run of more than two sync bytes is still a sync marker;
			// 0xAA can never be a valid length.
			if b == SyncByte {
				pkt.Offset++
				if run++; run > MaxSyncRun {
					return Packet{}, &PayloadLengthError{Offset: pkt.Offset, Length: SyncByte, Max: s.maxPayload}
				}
				continue
			}
			if int(b) > s.maxPayload {
				return Packet{}, &PayloadLengthError{Offset: pkt.Offset, Length: int(b), Max: s.maxPayload}
			}
			pkt.Length = b
			state = statePayloadRead

		case statePayloadRead:
			pkt.Payload = make([]byte, pkt.Length)
			if err := s.cur.ReadFull(pkt.Payload); err != nil {
				return Packet{}, err
			}
			state = stateChecksumRead

		case stateChecksumRead:
			b, err := s.cur.ReadByte()
			if err != nil {
				return Packet{}, err
			}
			pkt.Checksum = b
			state = stateEmit

		case stateEmit:
			return pkt, nil
		}
	}
}
