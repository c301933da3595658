package mp4

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// HEVCConfig holds fields from an HEVCDecoderConfigurationRecord (hvcC box data).
type HEVCConfig struct {
	ProfileSpace        byte
	TierFlag            byte
	ProfileIDC          byte
	ProfileCompat       uint32
	ConstraintIndicator [6]byte
	LevelIDC            byte
	LengthSize          int
}

// ParseHEVCConfig decodes the fixed header of an HEVCDecoderConfigurationRecord.
// The NAL unit arrays that follow are not needed for track identification.
func ParseHEVCConfig(data []byte) (*HEVCConfig, error) {
	if len(data) < 23 {
		return nil, fmt.Errorf("%w: hvcC record too short", ErrMalformedBox)
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("%w: hvcC configuration version %d", ErrMalformedBox, data[0])
	}
	c := &HEVCConfig{
		ProfileSpace:  data[1] >> 6,
		TierFlag:      (data[1] >> 5) & 1,
		ProfileIDC:    data[1] & 0x1f,
		ProfileCompat: be.Uint32(data[2:6]),
		LevelIDC:      data[12],
		LengthSize:    int(data[21]&0x03) + 1,
	}
	copy(c.ConstraintIndicator[:], data[6:12])
	return c, nil
}

// CodecString returns the RFC 6381 codec parameter for the record,
// e.g. "hvc1.1.6.L93.B0".
func (c *HEVCConfig) CodecString(sampleEntry BoxType) string {
	var sb strings.Builder
	sb.WriteString(sampleEntry.String())
	sb.WriteByte('.')
	switch c.ProfileSpace {
	case 1:
		sb.WriteByte('A')
	case 2:
		sb.WriteByte('B')
	case 3:
		sb.WriteByte('C')
	}
	sb.WriteString(strconv.Itoa(int(c.ProfileIDC)))
	sb.WriteByte('.')
	// The compatibility flags are serialized bit-reversed in the codec string.
	sb.WriteString(strconv.FormatUint(uint64(bits.Reverse32(c.ProfileCompat)), 16))
	sb.WriteByte('.')
	if c.TierFlag == 1 {
		sb.WriteByte('H')
	} else {
		sb.WriteByte('L')
	}
	sb.WriteString(strconv.Itoa(int(c.LevelIDC)))
	// Trailing constraint bytes, dropping zero tails.
	end := len(c.ConstraintIndicator)
	for end > 1 && c.ConstraintIndicator[end-1] == 0 {
		end--
	}
	for _, b := range c.ConstraintIndicator[:end] {
		sb.WriteByte('.')
		sb.WriteString(hexByte(b))
	}
	return sb.String()
}
