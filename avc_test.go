package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseAvcCBox(t *testing.T, render func(w *Writer)) *AVCConfig {
	t.Helper()
	w := NewWriter(make([]byte, 0, 256))
	render(&w)
	r := NewReader(w.Bytes())
	require.True(t, r.Next())
	require.Equal(t, TypeAvcC, r.Type())
	cfg, err := ParseAVCConfig(r.Data())
	require.NoError(t, err)
	return cfg
}

func TestParseAVCConfig(t *testing.T) {
	sps := buildSPS(true, 8, 9)
	pps := []byte{0x68, 0xce, 0x38, 0x80}
	cfg := parseAvcCBox(t, func(w *Writer) {
		w.WriteAvcC(100, 0, 31, [][]byte{sps}, [][]byte{pps})
	})

	assert.Equal(t, byte(100), cfg.Profile)
	assert.Equal(t, byte(31), cfg.Level)
	assert.Equal(t, 4, cfg.LengthSize)
	require.Len(t, cfg.SPS, 1)
	assert.Equal(t, sps, cfg.SPS[0])
	require.Len(t, cfg.PPS, 1)
	assert.Equal(t, pps, cfg.PPS[0])
	assert.Equal(t, "avc1.64001f", cfg.CodecString())
}

func TestParseAVCConfigTooShort(t *testing.T) {
	_, err := ParseAVCConfig([]byte{1, 66, 0})
	assert.ErrorIs(t, err, ErrMalformedBox)
}

func TestSampleAspectExtendedSAR(t *testing.T) {
	cfg := &AVCConfig{SPS: [][]byte{buildSPS(true, 8, 9)}}
	w, h, err := cfg.SampleAspect()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), w)
	assert.Equal(t, uint32(9), h)
}

func TestSampleAspectZeroSAR(t *testing.T) {
	cfg := &AVCConfig{SPS: [][]byte{buildSPS(true, 0, 0)}}
	w, h, err := cfg.SampleAspect()
	require.NoError(t, err)
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestSampleAspectNoVUI(t *testing.T) {
	cfg := &AVCConfig{SPS: [][]byte{buildSPS(false, 0, 0)}}
	w, h, err := cfg.SampleAspect()
	require.NoError(t, err)
	assert.Zero(t, w)
	assert.Zero(t, h)
}

// buildSPSWithIdc mirrors buildSPS but uses a table aspect_ratio_idc instead
// of an extended SAR.
func buildSPSWithIdc(idc uint32) []byte {
	w := &bitWriter{}
	w.bits(66, 8)
	w.bits(0, 8)
	w.bits(30, 8)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(1)
	w.bit(0)
	w.ue(39)
	w.ue(29)
	w.bit(1)
	w.bit(1)
	w.bit(0)
	w.bit(1) // vui_parameters_present_flag
	w.bit(1) // aspect_ratio_info_present_flag
	w.bits(idc, 8)
	w.bit(1)
	return append([]byte{0x67}, w.buf...)
}

func TestSampleAspectTableIdc(t *testing.T) {
	cfg := &AVCConfig{SPS: [][]byte{buildSPSWithIdc(2)}}
	w, h, err := cfg.SampleAspect()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), w)
	assert.Equal(t, uint32(11), h)
}

func TestSampleAspectTruncatedSPS(t *testing.T) {
	sps := buildSPS(true, 8, 9)
	cfg := &AVCConfig{SPS: [][]byte{sps[:6]}}
	_, _, err := cfg.SampleAspect()
	assert.ErrorIs(t, err, ErrUnsupportedConfig)
}

func TestStripEmulationPrevention(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x42}
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x42}, stripEmulationPrevention(in))
}

func TestHEVCCodecString(t *testing.T) {
	c := &HEVCConfig{
		ProfileIDC:    1,
		ProfileCompat: 0x60000000,
		LevelIDC:      93,
	}
	c.ConstraintIndicator[0] = 0xb0
	assert.Equal(t, "hvc1.1.6.L93.b0", c.CodecString(TypeHvc1))
}

func TestParseHEVCConfig(t *testing.T) {
	rec := make([]byte, 23)
	rec[0] = 1
	rec[1] = 0x01 // space 0, tier 0, profile 1
	be.PutUint32(rec[2:6], 0x60000000)
	rec[12] = 93
	rec[21] = 0x03 // 4-byte NAL lengths

	c, err := ParseHEVCConfig(rec)
	require.NoError(t, err)
	assert.Equal(t, byte(1), c.ProfileIDC)
	assert.Equal(t, byte(93), c.LevelIDC)
	assert.Equal(t, 4, c.LengthSize)

	_, err = ParseHEVCConfig(rec[:10])
	assert.ErrorIs(t, err, ErrMalformedBox)
}
