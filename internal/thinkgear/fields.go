package thinkgear

import (
	"github.com/banshee-data/eeg.report/internal/monitoring"
)

// Payload tag codes. Codes below 0x80 carry a single value byte; codes from
// 0x80 up are followed by a length byte and that many value bytes.
const (
	TagExtendedCode  = 0x55
	TagPoorSignal    = 0x02 // 0-200, 0 is best
	TagAttention     = 0x04 // eSense 0-100
	TagMeditation    = 0x05 // eSense 0-100
	TagBlinkStrength = 0x16 // 1-255
	TagRawValue      = 0x80 // big-endian 16-bit sample, 512 Hz
	TagASICEEGPower  = 0x83 // eight 3-byte unsigned band powers

	rawValueLength = 2
	eegPowerLength = 24
)

// Field is one decoded payload field. The concrete type identifies the
// field; Tag returns the wire code it was decoded from.
type Field interface {
	Tag() byte
}

// RawSample is the 0x80 raw EEG sample.
type RawSample struct {
	Value int16
}

func (RawSample) Tag() byte { return TagRawValue }

// PoorSignal is the 0x02 signal quality byte.
type PoorSignal struct {
	Level uint8
}

func (PoorSignal) Tag() byte { return TagPoorSignal }

// Attention is the 0x04 eSense attention meter.
type Attention struct {
	Level uint8
}

func (Attention) Tag() byte { return TagAttention }

// Meditation is the 0x05 eSense meditation meter.
type Meditation struct {
	Level uint8
}

func (Meditation) Tag() byte { return TagMeditation }

// BlinkStrength is the 0x16 blink strength byte.
type BlinkStrength struct {
	Strength uint8
}

func (BlinkStrength) Tag() byte { return TagBlinkStrength }

// EEGPower holds the device-computed band powers from tag 0x83. The values
// are relative and have no unit.
type EEGPower struct {
	Delta     uint32
	Theta     uint32
	LowAlpha  uint32
	HighAlpha uint32
	LowBeta   uint32
	HighBeta  uint32
	LowGamma  uint32
	MidGamma  uint32
}

func (EEGPower) Tag() byte { return TagASICEEGPower }

// FieldParser decodes the body of one field. The cursor is positioned just
// after the tag byte; the parser consumes exactly the bytes belonging to
// its field. A parser may return a nil Field to consume bytes without
// producing a value.
type FieldParser func(c *PayloadCursor) (Field, error)

// FieldTable maps payload tags to their parsers. Adding a tag only requires
// registering a parser; the framing code never changes.
type FieldTable map[byte]FieldParser

// DefaultFieldTable returns a table that decodes only raw samples.
func DefaultFieldTable() FieldTable {
	return FieldTable{
		TagRawValue: parseRawSample,
	}
}

// ExtendedFieldTable returns a table that also decodes the eSense, signal
// quality, blink and ASIC band power fields sent by MindWave headsets.
func ExtendedFieldTable() FieldTable {
	t := DefaultFieldTable()
	t.Register(TagPoorSignal, singleByte(TagPoorSignal, func(b byte) Field { return PoorSignal{Level: b} }))
	t.Register(TagAttention, singleByte(TagAttention, func(b byte) Field { return Attention{Level: b} }))
	t.Register(TagMeditation, singleByte(TagMeditation, func(b byte) Field { return Meditation{Level: b} }))
	t.Register(TagBlinkStrength, singleByte(TagBlinkStrength, func(b byte) Field { return BlinkStrength{Strength: b} }))
	t.Register(TagASICEEGPower, parseEEGPower)
	return t
}

// Register adds or replaces the parser for tag.
func (t FieldTable) Register(tag byte, p FieldParser) {
	t[tag] = p
}

// DecodeRaw combines the two raw sample bytes into a signed value.
//
// The device sends two's complement; 0x8000 decodes to -32768 so every
// result fits in an int16.
func DecodeRaw(hi, lo byte) int16 {
	raw := int(hi)*256 + int(lo)
	if raw >= 32768 {
		raw -= 65536
	}
	return int16(raw)
}

// parseRawSample reads [VLENGTH] [HI] [LO]. The length byte is expected to
// be 2 but is not trusted for the skip distance: the sample is always two
// bytes.
func parseRawSample(c *PayloadCursor) (Field, error) {
	start := c.Pos() - 1
	vlen, ok := c.Next()
	if !ok {
		return nil, &TruncatedFieldError{Tag: TagRawValue, Offset: start, Need: 1 + rawValueLength, Have: 0}
	}
	data, ok := c.Take(rawValueLength)
	if !ok {
		return nil, &TruncatedFieldError{Tag: TagRawValue, Offset: start, Need: 1 + rawValueLength, Have: 1 + c.Remaining()}
	}
	if vlen != rawValueLength {
		monitoring.Debugf("thinkgear: raw sample at payload offset %d declares length %d", start, vlen)
	}
	return RawSample{Value: DecodeRaw(data[0], data[1])}, nil
}

func singleByte(tag byte, build func(byte) Field) FieldParser {
	return func(c *PayloadCursor) (Field, error) {
		b, ok := c.Next()
		if !ok {
			return nil, &TruncatedFieldError{Tag: tag, Offset: c.Pos() - 1, Need: 1, Have: 0}
		}
		return build(b), nil
	}
}

// parseEEGPower reads [VLENGTH=24] followed by eight big-endian 3-byte
// values. A field with any other length is skipped whole.
func parseEEGPower(c *PayloadCursor) (Field, error) {
	start := c.Pos() - 1
	vlen, ok := c.Next()
	if !ok {
		return nil, &TruncatedFieldError{Tag: TagASICEEGPower, Offset: start, Need: 1, Have: 0}
	}
	data, ok := c.Take(int(vlen))
	if !ok {
		return nil, &TruncatedFieldError{Tag: TagASICEEGPower, Offset: start, Need: 1 + int(vlen), Have: 1 + c.Remaining()}
	}
	if vlen != eegPowerLength {
		monitoring.Debugf("thinkgear: eeg power at payload offset %d has length %d, skipping", start, vlen)
		return nil, nil
	}
	var v [8]uint32
	for i := range v {
		p := data[3*i:]
		v[i] = uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
	}
	return EEGPower{
		Delta:     v[0],
		Theta:     v[1],
		LowAlpha:  v[2],
		HighAlpha: v[3],
		LowBeta:   v[4],
		HighBeta:  v[5],
		LowGamma:  v[6],
		MidGamma:  v[7],
	}, nil
}

// Decoder interprets validated payloads using a FieldTable.
type Decoder struct {
	table FieldTable

	// Unsupported, when set, is called for every tag without a parser.
	Unsupported func(*UnsupportedTagError)
}

// NewDecoder returns a Decoder using table. A nil table means
// DefaultFieldTable.
func NewDecoder(table FieldTable) *Decoder {
	if table == nil {
		table = DefaultFieldTable()
	}
	return &Decoder{table: table}
}

// Decode walks payload and returns the fields it recognises, in payload
// order.
//
// A tag without a parser is skipped by exactly one byte. That is only
// correct for tags whose value is carried by the tags that follow; a
// multi-byte field with an unregistered tag will misalign the rest of the
// payload, which is why such tags should be given a parser instead.
//
// If a field is truncated, decoding stops and the fields decoded before it
// are returned together with a *TruncatedFieldError.
func (d *Decoder) Decode(payload []byte) ([]Field, error) {
	var fields []Field
	c := NewPayloadCursor(payload)
	for c.Remaining() > 0 {
		pos := c.Pos()
		tag, _ := c.Next()
		parse, ok := d.table[tag]
		if !ok {
			if d.Unsupported != nil {
				d.Unsupported(&UnsupportedTagError{Tag: tag, Offset: pos})
			}
			continue
		}
		f, err := parse(c)
		if err != nil {
			return fields, err
		}
		if f != nil {
			fields = append(fields, f)
		}
	}
	return fields, nil
}
