package mp4

import "fmt"

// AVCConfig holds fields from an AVCDecoderConfigurationRecord (avcC box data).
type AVCConfig struct {
	Profile       byte
	ProfileCompat byte
	Level         byte
	LengthSize    int // NAL unit length field size in bytes (1, 2 or 4)
	SPS           [][]byte
	PPS           [][]byte
}

// ParseAVCConfig decodes an AVCDecoderConfigurationRecord.
func ParseAVCConfig(data []byte) (*AVCConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: avcC record too short", ErrMalformedBox)
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("%w: avcC configuration version %d", ErrMalformedBox, data[0])
	}
	c := &AVCConfig{
		Profile:       data[1],
		ProfileCompat: data[2],
		Level:         data[3],
		LengthSize:    int(data[4]&0x03) + 1,
	}

	ptr := 5
	numSPS := int(data[ptr] & 0x1f)
	ptr++
	for i := 0; i < numSPS; i++ {
		if ptr+2 > len(data) {
			return nil, fmt.Errorf("%w: avcC SPS length cut short", ErrMalformedBox)
		}
		n := int(be.Uint16(data[ptr:]))
		ptr += 2
		if ptr+n > len(data) {
			return nil, fmt.Errorf("%w: avcC SPS cut short", ErrMalformedBox)
		}
		c.SPS = append(c.SPS, data[ptr:ptr+n])
		ptr += n
	}
	if ptr >= len(data) {
		return c, nil
	}
	numPPS := int(data[ptr])
	ptr++
	for i := 0; i < numPPS; i++ {
		if ptr+2 > len(data) {
			return nil, fmt.Errorf("%w: avcC PPS length cut short", ErrMalformedBox)
		}
		n := int(be.Uint16(data[ptr:]))
		ptr += 2
		if ptr+n > len(data) {
			return nil, fmt.Errorf("%w: avcC PPS cut short", ErrMalformedBox)
		}
		c.PPS = append(c.PPS, data[ptr:ptr+n])
		ptr += n
	}
	return c, nil
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001f".
func (c *AVCConfig) CodecString() string {
	var buf [6]byte
	buf[0] = hexDigit(c.Profile >> 4)
	buf[1] = hexDigit(c.Profile & 0x0f)
	buf[2] = hexDigit(c.ProfileCompat >> 4)
	buf[3] = hexDigit(c.ProfileCompat & 0x0f)
	buf[4] = hexDigit(c.Level >> 4)
	buf[5] = hexDigit(c.Level & 0x0f)
	return "avc1." + string(buf[:])
}

// SampleAspect extracts the sample aspect ratio from the first SPS in the
// record. Both values are zero when the SPS carries no VUI aspect info;
// callers apply their own fallback.
func (c *AVCConfig) SampleAspect() (sarWidth, sarHeight uint32, err error) {
	if len(c.SPS) == 0 {
		return 0, 0, nil
	}
	return parseSPSAspect(c.SPS[0])
}

// Predefined sample aspect ratios by aspect_ratio_idc (Rec. ITU-T H.264
// table E-1). Index 0 is "unspecified".
var sarByIdc = [17][2]uint32{
	{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11},
	{20, 11}, {32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33},
	{160, 99}, {4, 3}, {3, 2}, {2, 1},
}

const extendedSAR = 255

// parseSPSAspect decodes an H.264 sequence parameter set far enough to reach
// the VUI aspect_ratio_info fields. Returns (0, 0) when the SPS has no VUI or
// no aspect info; real-world encoders also emit explicit zero SAR values, and
// both cases are left to the caller's fallback.
func parseSPSAspect(sps []byte) (uint32, uint32, error) {
	if len(sps) < 4 {
		return 0, 0, fmt.Errorf("%w: SPS too short", ErrUnsupportedConfig)
	}
	br := newBitReader(stripEmulationPrevention(sps[1:])) // skip the NAL header byte

	profile := br.bits(8)
	br.bits(8) // constraint flags + reserved
	br.bits(8) // level_idc
	br.ue()    // seq_parameter_set_id

	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormat := br.ue()
		if chromaFormat == 3 {
			br.bits(1) // separate_colour_plane_flag
		}
		br.ue()    // bit_depth_luma_minus8
		br.ue()    // bit_depth_chroma_minus8
		br.bits(1) // qpprime_y_zero_transform_bypass_flag
		if br.bits(1) == 1 { // seq_scaling_matrix_present_flag
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.bits(1) == 1 { // seq_scaling_list_present_flag
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(br, size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() { // pic_order_cnt_type
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.bits(1) // delta_pic_order_always_zero_flag
		br.se()    // offset_for_non_ref_pic
		br.se()    // offset_for_top_to_bottom_field
		n := br.ue() // num_ref_frames_in_pic_order_cnt_cycle
		for i := uint32(0); i < n; i++ {
			br.se()
		}
	}
	br.ue()    // max_num_ref_frames
	br.bits(1) // gaps_in_frame_num_value_allowed_flag
	br.ue()    // pic_width_in_mbs_minus1
	br.ue()    // pic_height_in_map_units_minus1
	if br.bits(1) == 0 { // frame_mbs_only_flag
		br.bits(1) // mb_adaptive_frame_field_flag
	}
	br.bits(1) // direct_8x8_inference_flag
	if br.bits(1) == 1 { // frame_cropping_flag
		br.ue()
		br.ue()
		br.ue()
		br.ue()
	}

	if br.bits(1) == 0 { // vui_parameters_present_flag
		return 0, 0, br.err()
	}
	if br.bits(1) == 0 { // aspect_ratio_info_present_flag
		return 0, 0, br.err()
	}
	idc := br.bits(8)
	if err := br.err(); err != nil {
		return 0, 0, err
	}
	if idc == extendedSAR {
		w := br.bits(16)
		h := br.bits(16)
		return w, h, br.err()
	}
	if idc < uint32(len(sarByIdc)) {
		return sarByIdc[idc][0], sarByIdc[idc][1], nil
	}
	return 0, 0, nil
}

// skipScalingList consumes a seq_scaling_list of the given size.
func skipScalingList(br *bitReader, size int) {
	lastScale, nextScale := int32(8), int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta := br.se()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// stripEmulationPrevention removes 0x03 emulation prevention bytes from an
// RBSP (every 00 00 03 sequence becomes 00 00).
func stripEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// bitReader reads big-endian bit fields and exp-Golomb codes from a byte
// slice. Reads past the end stick an error and return zero.
type bitReader struct {
	data []byte
	pos  int // bit position
	bad  bool
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) bit() uint32 {
	if br.pos >= len(br.data)*8 {
		br.bad = true
		return 0
	}
	b := br.data[br.pos>>3]
	v := uint32(b>>(7-uint(br.pos&7))) & 1
	br.pos++
	return v
}

func (br *bitReader) bits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | br.bit()
	}
	return v
}

// ue reads an unsigned exp-Golomb code.
func (br *bitReader) ue() uint32 {
	zeros := 0
	for br.bit() == 0 && !br.bad {
		zeros++
		if zeros > 31 {
			br.bad = true
			return 0
		}
	}
	if br.bad {
		return 0
	}
	return (1 << uint(zeros)) - 1 + br.bits(zeros)
}

// se reads a signed exp-Golomb code.
func (br *bitReader) se() int32 {
	v := br.ue()
	if v&1 == 1 {
		return int32(v+1) / 2
	}
	return -int32(v) / 2
}

func (br *bitReader) err() error {
	if br.bad {
		return fmt.Errorf("%w: SPS bitstream exhausted", ErrUnsupportedConfig)
	}
	return nil
}
