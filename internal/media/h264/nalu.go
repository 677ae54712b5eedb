// Package h264 has helpers for H.264 NAL units and the Annex-B byte stream
// format.
package h264

import "bytes"

type NALU []byte

// NAL unit types, ITU-T H.264 Table 7-1.
const (
	TypeSlice    = 1
	TypeIDR      = 5
	TypeSEI      = 6
	TypeSPS      = 7
	TypePPS      = 8
	TypeAUD      = 9
	TypeEndOfSeq = 10
)

func (nalu NALU) Type() byte {
	return nalu[0] & 0x1f
}

// IsVCL reports whether the unit carries coded slice data.
func (nalu NALU) IsVCL() bool {
	t := nalu.Type()
	return t >= TypeSlice && t <= TypeIDR
}

var (
	StartCode      = []byte{0, 0, 0, 1}
	shortStartCode = []byte{0, 0, 1}
)

// StartCodeLen returns the length of the Annex-B start code at the beginning
// of b, or 0 if there is none.
func StartCodeLen(b []byte) int {
	switch {
	case bytes.HasPrefix(b, StartCode):
		return 4
	case bytes.HasPrefix(b, shortStartCode):
		return 3
	}
	return 0
}

// StripStartCode removes a leading Annex-B start code, if present.
func StripStartCode(b []byte) []byte {
	return b[StartCodeLen(b):]
}

// AnnexB joins NAL units into a byte stream, each prefixed by a 4-byte
// start code.
func AnnexB(nalus ...[]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(StartCode) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, StartCode...)
		out = append(out, nalu...)
	}
	return out
}

// SplitAnnexB is a bufio.SplitFunc returning NAL units (without start codes)
// from an Annex-B byte stream.
func SplitAnnexB(data []byte, atEOF bool) (advance int, nalu []byte, err error) {
	start := StartCodeLen(data)
	if i := bytes.Index(data[start:], shortStartCode); i >= 0 {
		end := start + i
		if end > start && data[end-1] == 0x00 {
			// The zero belongs to the next 4-byte start code.
			end--
		}
		return end, data[start:end], nil
	}

	if atEOF && len(data) > 0 {
		return len(data), data[start:], nil
	}

	// No start code found. Wait for more data.
	return 0, nil, nil
}
