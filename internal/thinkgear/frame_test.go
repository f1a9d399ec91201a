package thinkgear

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// failingReader returns data and then err.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSynchronizer_Next(t *testing.T) {
	frame := EncodeFrame(RawSamplePayload(300))

	tests := []struct {
		name   string
		stream []byte
		want   Packet
	}{
		{
			name:   "aligned frame",
			stream: frame,
			want:   Packet{Offset: 0, Length: 4, Payload: []byte{0x80, 0x02, 0x01, 0x2C}, Checksum: Checksum([]byte{0x80, 0x02, 0x01, 0x2C})},
		},
		{
			name:   "leading garbage",
			stream: append([]byte{0x01, 0x02, 0xAA, 0x03}, frame...),
			want:   Packet{Offset: 4, Length: 4, Payload: []byte{0x80, 0x02, 0x01, 0x2C}, Checksum: Checksum([]byte{0x80, 0x02, 0x01, 0x2C})},
		},
		{
			name:   "extra sync bytes before length",
			stream: append([]byte{0xAA, 0xAA}, frame...),
			want:   Packet{Offset: 2, Length: 4, Payload: []byte{0x80, 0x02, 0x01, 0x2C}, Checksum: Checksum([]byte{0x80, 0x02, 0x01, 0x2C})},
		},
		{
			name:   "empty payload",
			stream: EncodeFrame(nil),
			want:   Packet{Offset: 0, Length: 0, Payload: []byte{}, Checksum: 0xFF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSynchronizer(bytes.NewReader(tt.stream))
			got, err := s.Next()
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("packet mismatch (-want +got):\n%s", diff)
			}
			if s.Offset() != int64(len(tt.stream)) {
				t.Errorf("Offset() = %d, want %d", s.Offset(), len(tt.stream))
			}
		})
	}
}

func TestSynchronizer_ResumesAfterRejectedFrame(t *testing.T) {
	bad := EncodeFrame(RawSamplePayload(1))
	bad[len(bad)-1] ^= 0xFF
	good := EncodeFrame(RawSamplePayload(2))

	s := NewSynchronizer(bytes.NewReader(append(bad, good...)))

	first, err := s.Next()
	if err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	if err := Validate(first); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Validate(first) = %v, want checksum mismatch", err)
	}

	second, err := s.Next()
	if err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	if err := Validate(second); err != nil {
		t.Fatalf("Validate(second) = %v", err)
	}
	if second.Offset != int64(len(bad)) {
		t.Errorf("second frame offset = %d, want %d", second.Offset, len(bad))
	}
}

func TestSynchronizer_StreamExhausted(t *testing.T) {
	frame := EncodeFrame(RawSamplePayload(300))

	// Every proper prefix of a frame must fail with StreamExhausted.
	for n := 0; n < len(frame); n++ {
		s := NewSynchronizer(bytes.NewReader(frame[:n]))
		_, err := s.Next()
		if !errors.Is(err, ErrStreamExhausted) {
			t.Errorf("prefix %d: err = %v, want ErrStreamExhausted", n, err)
		}
		var se *StreamError
		if !errors.As(err, &se) {
			t.Fatalf("prefix %d: err %T is not *StreamError", n, err)
		}
		if se.Offset != int64(n) {
			t.Errorf("prefix %d: offset = %d", n, se.Offset)
		}
	}
}

func TestSynchronizer_DeviceDisconnected(t *testing.T) {
	ioErr := errors.New("read /dev/rfcomm0: input/output error")
	s := NewSynchronizer(&failingReader{data: []byte{0xAA, 0xAA, 0x04}, err: ioErr})

	_, err := s.Next()
	if !errors.Is(err, ErrDeviceDisconnected) {
		t.Fatalf("err = %v, want ErrDeviceDisconnected", err)
	}
	if !errors.Is(err, ioErr) {
		t.Errorf("err = %v, want underlying error in chain", err)
	}
	if errors.Is(err, ErrStreamExhausted) {
		t.Error("hard I/O failure must not be reported as exhaustion")
	}
}

func TestSynchronizer_OversizedLength(t *testing.T) {
	stream := []byte{0xAA, 0xAA, 0xC8}
	stream = append(stream, EncodeFrame(RawSamplePayload(7))...)

	s := NewSynchronizer(bytes.NewReader(stream))
	_, err := s.Next()
	var lenErr *PayloadLengthError
	if !errors.As(err, &lenErr) {
		t.Fatalf("err = %v, want *PayloadLengthError", err)
	}
	if lenErr.Length != 0xC8 || lenErr.Max != MaxPayloadLength {
		t.Errorf("PayloadLengthError = %+v", lenErr)
	}

	pkt, err := s.Next()
	if err != nil {
		t.Fatalf("Next() after oversized length error = %v", err)
	}
	if err := Validate(pkt); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestSynchronizer_LongSyncRun(t *testing.T) {
	t.Run("run at the limit is one marker", func(t *testing.T) {
		stream := append(bytes.Repeat([]byte{SyncByte}, MaxSyncRun-2), EncodeFrame(RawSamplePayload(5))...)
		pkt, err := NewSynchronizer(bytes.NewReader(stream)).Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if err := Validate(pkt); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})

	t.Run("longer run is rejected then resynchronised", func(t *testing.T) {
		stream := append(bytes.Repeat([]byte{SyncByte}, 40), EncodeFrame(RawSamplePayload(5))...)
		s := NewSynchronizer(bytes.NewReader(stream))
		var rejected int
		for {
			pkt, err := s.Next()
			var lenErr *PayloadLengthError
			if errors.As(err, &lenErr) {
				if lenErr.Length != SyncByte {
					t.Fatalf("PayloadLengthError = %+v", lenErr)
				}
				rejected++
				continue
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if err := Validate(pkt); err != nil {
				t.Errorf("Validate() = %v", err)
			}
			break
		}
		if rejected != 2 {
			t.Errorf("rejected %d runs, want 2", rejected)
		}
	})

	t.Run("endless run keeps failing", func(t *testing.T) {
		s := NewSynchronizer(bytes.NewReader(bytes.Repeat([]byte{SyncByte}, 10*MaxSyncRun)))
		for i := 0; i < 5; i++ {
			if _, err := s.Next(); !errors.Is(err, ErrPayloadTooLong) {
				t.Fatalf("Next() #%d err = %v, want ErrPayloadTooLong", i, err)
			}
		}
	})
}

func TestSynchronizer_SetMaxPayloadLength(t *testing.T) {
	s := NewSynchronizer(bytes.NewReader(EncodeFrame(RawSamplePayload(1))))
	s.SetMaxPayloadLength(3)
	if _, err := s.Next(); !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("err = %v, want ErrPayloadTooLong", err)
	}

	s = NewSynchronizer(bytes.NewReader(nil))
	s.SetMaxPayloadLength(500)
	if s.maxPayload != MaxPayloadLength {
		t.Errorf("maxPayload = %d, want unchanged %d", s.maxPayload, MaxPayloadLength)
	}
}

func TestCursor_OffsetTracking(t *testing.T) {
	c := NewCursor(bytes.NewReader([]byte{1, 2, 3, 4, 5}))
	buf := make([]byte, 3)
	if err := c.ReadFull(buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if c.Offset() != 3 {
		t.Errorf("Offset() = %d, want 3", c.Offset())
	}
	err := c.ReadFull(make([]byte, 3))
	if !errors.Is(err, ErrStreamExhausted) || !errors.Is(err, io.EOF) {
		t.Errorf("ReadFull past end = %v", err)
	}
	if c.Offset() != 5 {
		t.Errorf("Offset() = %d, want 5", c.Offset())
	}
}
