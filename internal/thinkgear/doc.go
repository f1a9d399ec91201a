// Package thinkgear decodes the ThinkGear serial protocol spoken by NeuroSky
// EEG headsets.
//
// A ThinkGear stream is a sequence of self-delimiting packets:
//
//	[SYNC] [SYNC] [PLENGTH] [PAYLOAD...] [CHKSUM]
//	 0xAA   0xAA   0..169    PLENGTH bytes  ^sum(PAYLOAD) & 0xFF
//
// The payload is a run of tag-prefixed fields. Tag 0x80 carries one raw
// 16-bit sample (a length byte of 2 followed by big-endian hi/lo bytes).
//
// Nothing about the stream is trusted. The Synchronizer scans for the sync
// marker byte by byte, Validate rejects frames whose checksum does not match,
// and the Decoder reads payloads through a bounds-checked PayloadCursor so a
// short or lying payload fails with a typed error instead of indexing past
// the end of the buffer.
package thinkgear
