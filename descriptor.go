package mp4

import (
	"fmt"
	"strconv"
)

// Object type indications carried in the esds DecoderConfigDescriptor.
const (
	OTIMPEG4AAC byte = 0x40 // ISO/IEC 14496-3 (AAC)
	OTIMPEG2AAC byte = 0x67 // ISO/IEC 13818-7 (MPEG-2 AAC LC)
)

// ESDescriptor holds the fields recovered from an MPEG-4 elementary stream
// descriptor chain (esds box data, after the full-box header).
type ESDescriptor struct {
	ObjectType      byte   // OTI from the DecoderConfigDescriptor
	AudioObjectType byte   // from the first DecoderSpecificInfo byte, 0 if absent
	DecoderConfig   []byte // raw DecoderSpecificInfo payload (e.g. AudioSpecificConfig)
}

// CodecString returns the RFC 6381 codec parameter for the descriptor,
// e.g. "mp4a.40.2" for AAC-LC or "mp4a.67" for MPEG-2 AAC without
// decoder-specific info.
func (d ESDescriptor) CodecString() string {
	s := "mp4a." + hexByte(d.ObjectType)
	if d.ObjectType == OTIMPEG4AAC && d.AudioObjectType != 0 {
		s += "." + strconv.Itoa(int(d.AudioObjectType))
	}
	return s
}

// ParseESDescriptor walks the descriptor chain in esds box data: an
// ESDescriptor (tag 0x03) containing a DecoderConfigDescriptor (tag 0x04)
// optionally containing a DecoderSpecificInfo (tag 0x05).
func ParseESDescriptor(data []byte) (ESDescriptor, error) {
	var d ESDescriptor

	ptr, end := 0, len(data)
	if end < 2 || data[ptr] != 0x03 {
		return d, fmt.Errorf("%w: esds missing ES descriptor tag", ErrMalformedBox)
	}
	ptr++
	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr+3 > end {
		return d, fmt.Errorf("%w: esds ES descriptor cut short", ErrMalformedBox)
	}

	// ES_ID (2 bytes) + stream dependency flags (1 byte)
	depFlags := data[ptr+2]
	ptr += 3

	// Skip optional fields based on flags
	if depFlags&0x80 != 0 { // streamDependenceFlag
		ptr += 2
	}
	if depFlags&0x40 != 0 { // URL_Flag
		if ptr >= end {
			return d, fmt.Errorf("%w: esds URL field cut short", ErrMalformedBox)
		}
		ptr += 1 + int(data[ptr])
	}
	if depFlags&0x20 != 0 { // OCRstreamFlag
		ptr += 2
	}

	if ptr >= end || data[ptr] != 0x04 {
		return d, fmt.Errorf("%w: esds missing decoder config descriptor", ErrMalformedBox)
	}
	ptr++
	ptr = skipDescriptorLength(data, ptr, end)
	if ptr < 0 || ptr+13 > end {
		return d, fmt.Errorf("%w: esds decoder config cut short", ErrMalformedBox)
	}

	d.ObjectType = data[ptr]
	if d.ObjectType == 0 {
		return d, fmt.Errorf("%w: esds object type indication is zero", ErrMalformedBox)
	}

	// OTI(1)+streamType(1)+bufferSizeDB(3)+maxBitrate(4)+avgBitrate(4) = 13
	ptr += 13

	if ptr >= end || data[ptr] != 0x05 {
		// No DecoderSpecificInfo; legal for some streams.
		return d, nil
	}
	ptr++
	infoStart := skipDescriptorLength(data, ptr, end)
	if infoStart < 0 || infoStart >= end {
		return d, nil
	}
	infoLen := descriptorLength(data, ptr, end)
	infoEnd := infoStart + infoLen
	if infoEnd > end {
		infoEnd = end
	}
	d.DecoderConfig = data[infoStart:infoEnd]

	// Audio object type lives in the top 5 bits of the AudioSpecificConfig.
	if len(d.DecoderConfig) > 0 {
		if aot := (d.DecoderConfig[0] & 0xf8) >> 3; aot != 0 {
			d.AudioObjectType = aot
		}
	}
	return d, nil
}

// hexByte formats a byte as a lowercase hex string without leading zeros beyond one digit.
func hexByte(b byte) string {
	if b < 16 {
		return string(hexDigit(b))
	}
	var buf [2]byte
	buf[0] = hexDigit(b >> 4)
	buf[1] = hexDigit(b & 0x0f)
	return string(buf[:])
}

const hexChars = "0123456789abcdef"

// hexDigit returns the lowercase hex character for a 4-bit nibble.
func hexDigit(b byte) byte {
	return hexChars[b&0x0f]
}

// skipDescriptorLength skips the variable-length descriptor length field.
// Returns the new position, or -1 on error.
func skipDescriptorLength(data []byte, ptr, end int) int {
	for ptr < end {
		b := data[ptr]
		ptr++
		if b&0x80 == 0 {
			return ptr
		}
	}
	return -1
}

// descriptorLength decodes the variable-length descriptor length field at ptr.
func descriptorLength(data []byte, ptr, end int) int {
	length := 0
	for ptr < end {
		b := data[ptr]
		ptr++
		length = length<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	return length
}
