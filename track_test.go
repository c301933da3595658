package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renderTextMoov renders a moov holding a single timed-text track with the
// given sample entry format and an extra track under an unknown handler.
func renderTextMoov(format BoxType) []byte {
	w := NewWriter(make([]byte, 0, 1<<12))
	w.StartBox(TypeMoov)
	w.WriteMvhd(1000, 0, 3)

	w.StartBox(TypeTrak)
	w.WriteTkhd(7, 3, 0, 0, 0)
	w.StartBox(TypeMdia)
	w.WriteMdhd(1000, 0, 0x55c4)
	w.WriteHdlr(handlerText, "TextHandler")
	w.StartBox(TypeMinf)
	w.StartBox(TypeDinf)
	w.WriteDref()
	w.EndBox()
	w.StartBox(TypeStbl)
	w.StartFullBox(TypeStsd, 0, 0)
	w.putUint32(1)
	w.StartBox(format)
	w.putZeros(8) // reserved + data reference index
	w.EndBox()
	w.EndBox()
	w.WriteStts(nil)
	w.WriteStsc(nil)
	w.WriteStsz(0, nil)
	w.WriteStco(nil)
	w.EndBox()
	w.EndBox()
	w.EndBox()
	w.EndBox()

	// A hint track no builder understands; it must be skipped, not fatal.
	w.StartBox(TypeTrak)
	w.WriteTkhd(7, 4, 0, 0, 0)
	w.StartBox(TypeMdia)
	w.WriteMdhd(1000, 0, 0x55c4)
	w.WriteHdlr([4]byte{'h', 'i', 'n', 't'}, "HintHandler")
	w.StartBox(TypeMinf)
	w.StartBox(TypeStbl)
	w.WriteStts(nil)
	w.WriteStsc(nil)
	w.WriteStsz(0, nil)
	w.WriteStco(nil)
	w.EndBox()
	w.EndBox()
	w.EndBox()
	w.EndBox()

	w.EndBox()
	return append([]byte(nil), w.Bytes()...)
}

func TestBuildTracksText(t *testing.T) {
	m, err := ParseMovie(renderTextMoov(BoxType{'t', 'x', '3', 'g'}))
	require.NoError(t, err)

	tracks, err := BuildTracks(m)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, uint32(3), tracks[0].ID)
	assert.Equal(t, KindText, tracks[0].Kind)
	assert.Equal(t, "tx3g", tracks[0].Codec)
	assert.Equal(t, uint32(1000), tracks[0].Timescale)
}

func TestTrackKindString(t *testing.T) {
	assert.Equal(t, "video", KindVideo.String())
	assert.Equal(t, "audio", KindAudio.String())
	assert.Equal(t, "text", KindText.String())
	assert.Equal(t, "unknown", TrackKind(42).String())
}
