package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// extractMoov returns the raw moov box from a complete container.
func extractMoov(t *testing.T, data []byte) []byte {
	t.Helper()
	r := NewReader(data)
	for r.Next() {
		if r.Type() == TypeMoov {
			return r.RawBox()
		}
	}
	t.Fatal("no moov in fixture")
	return nil
}

func TestBuildSampleTable(t *testing.T) {
	f := buildProgressive(progOptions{})
	m, err := ParseMovie(extractMoov(t, f.data))
	require.NoError(t, err)
	require.Len(t, m.Tracks, 1)

	refs, err := buildSampleTable(m.Tracks[0])
	require.NoError(t, err)
	require.Len(t, refs, len(f.payloads))

	var dts uint64
	for i, ref := range refs {
		assert.Equal(t, uint32(videoTrackID), ref.trackID)
		assert.Equal(t, uint32(len(f.payloads[i])), ref.size)
		assert.Equal(t, dts, ref.dts)
		assert.Equal(t, uint32(1001), ref.duration)
		assert.Equal(t, f.syncs[i], ref.sync, "sample %d", i)
		assert.Equal(t, f.payloads[i], f.data[ref.offset:ref.offset+uint64(ref.size)], "sample %d payload range", i)
		dts += 1001
	}

	// Samples within a chunk are contiguous; 4-sample chunks at 0 and 4.
	assert.Equal(t, refs[0].offset+uint64(refs[0].size), refs[1].offset)
	assert.Equal(t, refs[4].offset+uint64(refs[4].size), refs[5].offset)
}

func TestBuildSampleTableMissingTables(t *testing.T) {
	trk := &TrackBox{ID: 7}
	_, err := buildSampleTable(trk)
	assert.ErrorIs(t, err, ErrMalformedBox)
}

func TestBuildSampleTableChunkShortfall(t *testing.T) {
	// stsz declares 8 samples but the chunk layout only covers 4.
	tableData := func(render func(w *Writer)) []byte {
		w := NewWriter(make([]byte, 0, 256))
		render(&w)
		r := NewReader(w.Bytes())
		if !r.Next() {
			t.Fatal("no box")
		}
		return r.Data()
	}

	trk := &TrackBox{ID: 1}
	trk.Tables.Stts = tableData(func(w *Writer) {
		w.WriteStts([]SttsEntry{{Count: 8, Duration: 100}})
	})
	trk.Tables.Stsz = tableData(func(w *Writer) {
		w.WriteStsz(10, make([]uint32, 8))
	})
	trk.Tables.Stsc = tableData(func(w *Writer) {
		w.WriteStsc([]StscEntry{{FirstChunk: 1, SamplesPerChunk: 4, SampleDescriptionId: 1}})
	})
	trk.Tables.Stco = tableData(func(w *Writer) {
		w.WriteStco([]uint32{64})
	})

	_, err := buildSampleTable(trk)
	assert.ErrorIs(t, err, ErrMalformedBox)
}

func TestBuildMovieSampleIndexOrdersByOffset(t *testing.T) {
	f := buildProgressive(progOptions{})
	m, err := ParseMovie(extractMoov(t, f.data))
	require.NoError(t, err)

	refs, err := buildMovieSampleIndex(m)
	require.NoError(t, err)
	for i := 1; i < len(refs); i++ {
		assert.LessOrEqual(t, refs[i-1].offset, refs[i].offset)
	}
}

func TestParseMovieFragmented(t *testing.T) {
	m, err := ParseMovie(renderFragMoov(nil))
	require.NoError(t, err)
	assert.True(t, m.Fragmented)
	require.Len(t, m.Tracks, 2)
	require.Contains(t, m.Extends, uint32(videoTrackID))
	assert.Equal(t, uint32(1001), m.Extends[videoTrackID].Duration)
	assert.False(t, m.Tracks[0].Tables.HasSamples())
}

func TestParseMovieCo64(t *testing.T) {
	// A track addressed through 64-bit chunk offsets.
	tableData := func(render func(w *Writer)) []byte {
		w := NewWriter(make([]byte, 0, 256))
		render(&w)
		r := NewReader(w.Bytes())
		if !r.Next() {
			t.Fatal("no box")
		}
		return r.Data()
	}

	trk := &TrackBox{ID: 1}
	trk.Tables.Stts = tableData(func(w *Writer) {
		w.WriteStts([]SttsEntry{{Count: 2, Duration: 100}})
	})
	trk.Tables.Stsz = tableData(func(w *Writer) {
		w.WriteStsz(10, make([]uint32, 2))
	})
	trk.Tables.Stsc = tableData(func(w *Writer) {
		w.WriteStsc([]StscEntry{{FirstChunk: 1, SamplesPerChunk: 2, SampleDescriptionId: 1}})
	})
	trk.Tables.Co64 = tableData(func(w *Writer) {
		w.WriteCo64([]uint64{1 << 33})
	})

	refs, err := buildSampleTable(trk)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, uint64(1<<33), refs[0].offset)
	assert.Equal(t, uint64(1<<33)+10, refs[1].offset)
}
