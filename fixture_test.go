package mp4

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

func aesBlock() (cipher.Block, error) {
	return aes.NewCipher(fixtureKey)
}

// Fixture containers are synthesized with the package Writer so tests control
// every table and offset exactly.

const (
	videoTrackID = 1
	audioTrackID = 2

	videoTimescale = 30000
	audioTimescale = 44100
)

var (
	fixtureKey   = []byte("\xeb\xdd\x62\xf1\x68\x14\xd2\x7b\x68\xef\x12\x2a\xfc\xe4\xae\x3c")
	fixtureKeyID = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', '1', '2', '3', '4', '5'}

	fixtureSystemID = [16]byte{
		0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce,
		0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed,
	}
	fixturePsshData = []byte("fixture-pssh-payload")
)

func samplePayload(trackID uint32, n, size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(int(trackID)*31 + n*7 + i)
	}
	return p
}

// bitWriter builds bitstreams for synthetic SPS data.
type bitWriter struct {
	buf  []byte
	nbit uint
}

func (w *bitWriter) bit(v uint32) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if v != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.nbit%8)
	}
	w.nbit++
}

func (w *bitWriter) bits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit((v >> uint(i)) & 1)
	}
}

func (w *bitWriter) ue(v uint32) {
	bits := 0
	for x := v + 1; x > 0; x >>= 1 {
		bits++
	}
	for i := 0; i < bits-1; i++ {
		w.bit(0)
	}
	w.bits(v+1, bits)
}

// buildSPS synthesizes a baseline-profile H.264 SPS. When sarPresent is true
// the VUI carries an extended sample aspect ratio of sarW:sarH.
func buildSPS(sarPresent bool, sarW, sarH uint32) []byte {
	w := &bitWriter{}
	w.bits(66, 8) // profile_idc baseline
	w.bits(0, 8)  // constraint flags
	w.bits(30, 8) // level_idc
	w.ue(0)       // seq_parameter_set_id
	w.ue(0)       // log2_max_frame_num_minus4
	w.ue(0)       // pic_order_cnt_type 0
	w.ue(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.ue(1)       // max_num_ref_frames
	w.bit(0)      // gaps_in_frame_num_value_allowed_flag
	w.ue(39)      // pic_width_in_mbs_minus1 (640)
	w.ue(29)      // pic_height_in_map_units_minus1 (480)
	w.bit(1)      // frame_mbs_only_flag
	w.bit(1)      // direct_8x8_inference_flag
	w.bit(0)      // frame_cropping_flag
	if sarPresent {
		w.bit(1) // vui_parameters_present_flag
		w.bit(1) // aspect_ratio_info_present_flag
		w.bits(extendedSAR, 8)
		w.bits(sarW, 16)
		w.bits(sarH, 16)
	} else {
		w.bit(0)
	}
	w.bit(1) // rbsp stop bit
	return append([]byte{0x67}, w.buf...)
}

type progOptions struct {
	pasp         [2]uint32 // zero means no pasp box
	sarPresent   bool
	sarW, sarH   uint32
	trailingMoov bool
}

type progFixture struct {
	data      []byte
	payloads  [][]byte
	durations []uint32
	syncs     []bool
}

// buildProgressive builds a single-video-track progressive container with 12
// samples spread over 4 chunks.
func buildProgressive(o progOptions) progFixture {
	chunkCounts := []int{4, 4, 2, 2}
	numSamples := 12

	f := progFixture{}
	var mdatPayload []byte
	sizes := make([]uint32, numSamples)
	for i := 0; i < numSamples; i++ {
		sizes[i] = uint32(50 + i%5)
		p := samplePayload(videoTrackID, i, int(sizes[i]))
		f.payloads = append(f.payloads, p)
		mdatPayload = append(mdatPayload, p...)
		f.durations = append(f.durations, 1001)
		f.syncs = append(f.syncs, i == 0 || i == 6)
	}

	ftyp := renderFtyp()

	renderMoov := func(chunkOffsets []uint32) []byte {
		w := NewWriter(make([]byte, 0, 1<<16))
		w.StartBox(TypeMoov)
		w.WriteMvhd(videoTimescale, uint64(numSamples)*1001, 3)
		w.StartBox(TypeTrak)
		w.WriteTkhd(7, videoTrackID, uint64(numSamples)*1001, 640<<16, 480<<16)
		w.StartBox(TypeMdia)
		w.WriteMdhd(videoTimescale, uint64(numSamples)*1001, 0x55c4)
		w.WriteHdlr(handlerVideo, "VideoHandler")
		w.StartBox(TypeMinf)
		w.WriteVmhd()
		w.StartBox(TypeDinf)
		w.WriteDref()
		w.EndBox()
		w.StartBox(TypeStbl)
		w.StartFullBox(TypeStsd, 0, 0)
		w.putUint32(1)
		w.StartBox(TypeAvc1)
		w.WriteVisualSampleEntry(1, 640, 480, 1, 24, "fixture")
		w.WriteAvcC(66, 0, 30, [][]byte{buildSPS(o.sarPresent, o.sarW, o.sarH)}, [][]byte{{0x68, 0xce, 0x38, 0x80}})
		if o.pasp[0] != 0 {
			w.WritePasp(o.pasp[0], o.pasp[1])
		}
		w.EndBox()
		w.EndBox()
		w.WriteStts([]SttsEntry{{Count: uint32(numSamples), Duration: 1001}})
		w.WriteStsc([]StscEntry{
			{FirstChunk: 1, SamplesPerChunk: 4, SampleDescriptionId: 1},
			{FirstChunk: 3, SamplesPerChunk: 2, SampleDescriptionId: 1},
		})
		w.WriteStsz(0, sizes)
		w.WriteStco(chunkOffsets)
		w.WriteStss([]uint32{1, 7})
		w.EndBox()
		w.EndBox()
		w.EndBox()
		w.EndBox()
		w.EndBox()
		return append([]byte(nil), w.Bytes()...)
	}

	zeroOffsets := make([]uint32, len(chunkCounts))
	moovSize := len(renderMoov(zeroOffsets))

	var mdatDataStart int
	if o.trailingMoov {
		mdatDataStart = len(ftyp) + 8
	} else {
		mdatDataStart = len(ftyp) + moovSize + 8
	}
	offsets := make([]uint32, len(chunkCounts))
	pos := uint32(mdatDataStart)
	sample := 0
	for c, n := range chunkCounts {
		offsets[c] = pos
		for i := 0; i < n; i++ {
			pos += sizes[sample]
			sample++
		}
	}
	moov := renderMoov(offsets)

	mw := NewWriter(make([]byte, 0, len(mdatPayload)+16))
	mw.WriteMdat(mdatPayload)
	mdat := append([]byte(nil), mw.Bytes()...)

	if o.trailingMoov {
		f.data = concat(ftyp, mdat, moov)
	} else {
		f.data = concat(ftyp, moov, mdat)
	}
	return f
}

// buildProgressiveAudio builds a one-chunk audio-only progressive container
// with 4 samples and the given MPEG object type indication in its esds.
func buildProgressiveAudio(oti byte) progFixture {
	numSamples := 4
	f := progFixture{}
	var mdatPayload []byte
	sizes := make([]uint32, numSamples)
	for i := 0; i < numSamples; i++ {
		sizes[i] = uint32(40 + i)
		p := samplePayload(audioTrackID, i, int(sizes[i]))
		f.payloads = append(f.payloads, p)
		mdatPayload = append(mdatPayload, p...)
		f.durations = append(f.durations, 1024)
		f.syncs = append(f.syncs, true)
	}

	ftyp := renderFtyp()

	renderMoov := func(chunkOffset uint32) []byte {
		w := NewWriter(make([]byte, 0, 1<<15))
		w.StartBox(TypeMoov)
		w.WriteMvhd(audioTimescale, uint64(numSamples)*1024, 3)
		w.StartBox(TypeTrak)
		w.WriteTkhd(7, audioTrackID, uint64(numSamples)*1024, 0, 0)
		w.StartBox(TypeMdia)
		w.WriteMdhd(audioTimescale, uint64(numSamples)*1024, 0x55c4)
		w.WriteHdlr(handlerAudio, "SoundHandler")
		w.StartBox(TypeMinf)
		w.WriteSmhd()
		w.StartBox(TypeDinf)
		w.WriteDref()
		w.EndBox()
		w.StartBox(TypeStbl)
		w.StartFullBox(TypeStsd, 0, 0)
		w.putUint32(1)
		w.StartBox(TypeMp4a)
		w.WriteAudioSampleEntry(1, 2, 16, audioTimescale<<16)
		w.WriteEsds(oti, []byte{0x12, 0x10})
		w.EndBox()
		w.EndBox()
		w.WriteStts([]SttsEntry{{Count: uint32(numSamples), Duration: 1024}})
		w.WriteStsc([]StscEntry{{FirstChunk: 1, SamplesPerChunk: uint32(numSamples), SampleDescriptionId: 1}})
		w.WriteStsz(0, sizes)
		w.WriteStco([]uint32{chunkOffset})
		w.EndBox()
		w.EndBox()
		w.EndBox()
		w.EndBox()
		w.EndBox()
		return append([]byte(nil), w.Bytes()...)
	}

	moovSize := len(renderMoov(0))
	moov := renderMoov(uint32(len(ftyp) + moovSize + 8))

	mw := NewWriter(make([]byte, 0, len(mdatPayload)+16))
	mw.WriteMdat(mdatPayload)

	f.data = concat(ftyp, moov, append([]byte(nil), mw.Bytes()...))
	return f
}

// trafSpec describes one traf of a synthesized fragment.
type trafSpec struct {
	trackID    uint32
	decodeTime uint64
	sizes      []uint32
	durations  []uint32
	flags      []uint32

	senc     []SampleEncryption // inline sample encryption
	auxSizes []uint8            // saiz/saio form; aux blob precedes sample data
}

// renderMoofMdat renders a moof plus its mdat. The mdat holds an optional aux
// info blob followed by each traf's sample payloads in traf order.
func renderMoofMdat(seq uint32, trafs []*trafSpec, payloads [][][]byte, auxBlob []byte) []byte {
	render := func(dataOffsets []int32, saio uint32) []byte {
		w := NewWriter(make([]byte, 0, 1<<16))
		w.StartBox(TypeMoof)
		w.WriteMfhd(seq)
		for ti, tf := range trafs {
			w.StartBox(TypeTraf)
			w.WriteTfhd(TfhdDefaultBaseIsMoof, tf.trackID)
			w.WriteTfdt(tf.decodeTime)
			if tf.senc != nil {
				w.WriteSenc(tf.senc)
			}
			if tf.auxSizes != nil {
				w.WriteSaiz(0, tf.auxSizes)
				w.WriteSaio([]uint32{saio})
			}
			entries := make([]TrunEntry, len(tf.sizes))
			for i := range entries {
				entries[i] = TrunEntry{
					Duration: tf.durations[i],
					Size:     tf.sizes[i],
					Flags:    tf.flags[i],
				}
			}
			w.WriteTrun(
				TrunDataOffsetPresent|TrunSampleDurationPresent|TrunSampleSizePresent|TrunSampleFlagsPresent,
				dataOffsets[ti], entries)
			w.EndBox()
		}
		w.EndBox()
		return append([]byte(nil), w.Bytes()...)
	}

	moofSize := len(render(make([]int32, len(trafs)), 0))
	saio := uint32(moofSize + 8)
	offsets := make([]int32, len(trafs))
	cum := int32(moofSize+8) + int32(len(auxBlob))
	for ti, tf := range trafs {
		offsets[ti] = cum
		for _, sz := range tf.sizes {
			cum += int32(sz)
		}
	}
	moof := render(offsets, saio)

	var mdatPayload []byte
	mdatPayload = append(mdatPayload, auxBlob...)
	for ti := range trafs {
		for _, p := range payloads[ti] {
			mdatPayload = append(mdatPayload, p...)
		}
	}
	mw := NewWriter(make([]byte, 0, len(mdatPayload)+16))
	mw.WriteMdat(mdatPayload)
	return concat(moof, append([]byte(nil), mw.Bytes()...))
}

type fragFixture struct {
	data        []byte
	moofOffsets []int
	video       [][]byte // payloads in delivery order
	audio       [][]byte
}

// buildFragmented builds a two-track fragmented container delivering exactly
// 201 samples: video 50 + audio 50 in the first fragment, video 51 + audio 50
// in the second.
func buildFragmented() fragFixture {
	f := fragFixture{}

	init := concat(renderFtyp(), renderFragMoov(nil))

	videoCounts := []int{50, 51}
	audioCounts := []int{50, 50}

	stream := init
	var videoDTS, audioDTS uint64
	videoSeq := 0
	for fi := 0; fi < 2; fi++ {
		vt := &trafSpec{trackID: videoTrackID, decodeTime: videoDTS}
		var vp [][]byte
		for i := 0; i < videoCounts[fi]; i++ {
			size := uint32(100 + videoSeq%7)
			p := samplePayload(videoTrackID, videoSeq, int(size))
			vp = append(vp, p)
			f.video = append(f.video, p)
			vt.sizes = append(vt.sizes, size)
			vt.durations = append(vt.durations, 1001)
			flags := uint32(SampleIsNonSync)
			if videoSeq%10 == 0 {
				flags = 0
			}
			vt.flags = append(vt.flags, flags)
			videoDTS += 1001
			videoSeq++
		}

		at := &trafSpec{trackID: audioTrackID, decodeTime: audioDTS}
		var ap [][]byte
		for i := 0; i < audioCounts[fi]; i++ {
			n := fi*audioCounts[0] + i
			size := uint32(40 + n%3)
			p := samplePayload(audioTrackID, n, int(size))
			ap = append(ap, p)
			f.audio = append(f.audio, p)
			at.sizes = append(at.sizes, size)
			at.durations = append(at.durations, 1024)
			at.flags = append(at.flags, 0)
			audioDTS += 1024
		}

		f.moofOffsets = append(f.moofOffsets, len(stream))
		stream = concat(stream, renderMoofMdat(uint32(fi+1), []*trafSpec{vt, at}, [][][]byte{vp, ap}, nil))
	}
	f.data = stream
	return f
}

// renderFragMoov renders the fragmented init segment. extra, when non-nil, is
// called inside the video sample entry so CENC variants can swap in an encv
// description.
func renderFragMoov(protected func(w *Writer)) []byte {
	w := NewWriter(make([]byte, 0, 1<<16))
	w.StartBox(TypeMoov)
	w.WriteMvhd(1000, 0, 3)

	// Video track.
	w.StartBox(TypeTrak)
	w.WriteTkhd(7, videoTrackID, 0, 640<<16, 480<<16)
	w.StartBox(TypeMdia)
	w.WriteMdhd(videoTimescale, 0, 0x55c4)
	w.WriteHdlr(handlerVideo, "VideoHandler")
	w.StartBox(TypeMinf)
	w.WriteVmhd()
	w.StartBox(TypeDinf)
	w.WriteDref()
	w.EndBox()
	w.StartBox(TypeStbl)
	w.StartFullBox(TypeStsd, 0, 0)
	w.putUint32(1)
	if protected != nil {
		protected(&w)
	} else {
		w.StartBox(TypeAvc1)
		w.WriteVisualSampleEntry(1, 640, 480, 1, 24, "fixture")
		w.WriteAvcC(66, 0, 30, [][]byte{buildSPS(true, 1, 1)}, [][]byte{{0x68, 0xce, 0x38, 0x80}})
		w.EndBox()
	}
	w.EndBox()
	w.WriteStts(nil)
	w.WriteStsc(nil)
	w.WriteStsz(0, nil)
	w.WriteStco(nil)
	w.EndBox()
	w.EndBox()
	w.EndBox()
	w.EndBox()

	// Audio track.
	w.StartBox(TypeTrak)
	w.WriteTkhd(7, audioTrackID, 0, 0, 0)
	w.StartBox(TypeMdia)
	w.WriteMdhd(audioTimescale, 0, 0x55c4)
	w.WriteHdlr(handlerAudio, "SoundHandler")
	w.StartBox(TypeMinf)
	w.WriteSmhd()
	w.StartBox(TypeDinf)
	w.WriteDref()
	w.EndBox()
	w.StartBox(TypeStbl)
	w.StartFullBox(TypeStsd, 0, 0)
	w.putUint32(1)
	w.StartBox(TypeMp4a)
	w.WriteAudioSampleEntry(1, 2, 16, audioTimescale<<16)
	w.WriteEsds(OTIMPEG4AAC, []byte{0x12, 0x10})
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

	w.StartBox(TypeMvex)
	w.WriteTrex(videoTrackID, 1, 1001, 0, SampleIsNonSync)
	w.WriteTrex(audioTrackID, 1, 1024, 0, 0)
	w.EndBox()

	if protected != nil {
		w.WritePssh(fixtureSystemID, fixturePsshData)
	}

	w.EndBox()
	return append([]byte(nil), w.Bytes()...)
}

type cencFixture struct {
	data  []byte
	plain [][]byte // expected decrypted payloads in delivery order
}

// buildCENC builds a protected single-video-track fragmented container with
// 82 samples across two fragments. useAux selects the saiz/saio auxiliary
// info layout instead of an inline senc box.
func buildCENC(useAux bool) cencFixture {
	f := cencFixture{}

	moov := renderFragMoovProtected()
	init := concat(renderFtyp(), moov)

	block, err := aes.NewCipher(fixtureKey)
	if err != nil {
		panic(err)
	}

	stream := init
	var dts uint64
	seq := 0
	for fi := 0; fi < 2; fi++ {
		const perFrag = 41
		tf := &trafSpec{trackID: videoTrackID, decodeTime: dts}
		var encs []SampleEncryption
		var cipherPayloads [][]byte
		for i := 0; i < perFrag; i++ {
			size := uint32(60 + seq%9)
			plain := samplePayload(videoTrackID, seq, int(size))
			f.plain = append(f.plain, plain)

			iv := make([]byte, 8)
			binary.BigEndian.PutUint64(iv, uint64(seq+1))
			enc := SampleEncryption{
				IV:         iv,
				Subsamples: []Subsample{{Clear: 10, Cipher: size - 10}},
			}
			// CTR is symmetric, so the decrypt transform encrypts too.
			ct := append([]byte(nil), plain...)
			if err := decryptSample(block, &enc, ct); err != nil {
				panic(err)
			}
			cipherPayloads = append(cipherPayloads, ct)
			encs = append(encs, enc)

			tf.sizes = append(tf.sizes, size)
			tf.durations = append(tf.durations, 1001)
			flags := uint32(SampleIsNonSync)
			if seq%10 == 0 {
				flags = 0
			}
			tf.flags = append(tf.flags, flags)
			dts += 1001
			seq++
		}

		var auxBlob []byte
		if useAux {
			tf.auxSizes = make([]uint8, perFrag)
			for i, e := range encs {
				entry := append([]byte(nil), e.IV...)
				entry = append(entry, 0, 1) // subsample count
				var sub [6]byte
				binary.BigEndian.PutUint16(sub[0:2], e.Subsamples[0].Clear)
				binary.BigEndian.PutUint32(sub[2:6], e.Subsamples[0].Cipher)
				entry = append(entry, sub[:]...)
				tf.auxSizes[i] = uint8(len(entry))
				auxBlob = append(auxBlob, entry...)
			}
		} else {
			tf.senc = encs
		}

		stream = concat(stream, renderMoofMdat(uint32(fi+1), []*trafSpec{tf}, [][][]byte{cipherPayloads}, auxBlob))
	}
	f.data = stream
	return f
}

func renderFragMoovProtected() []byte {
	return renderFragMoov(func(w *Writer) {
		w.StartBox(TypeEncv)
		w.WriteVisualSampleEntry(1, 640, 480, 1, 24, "fixture")
		w.WriteAvcC(66, 0, 30, [][]byte{buildSPS(true, 1, 1)}, [][]byte{{0x68, 0xce, 0x38, 0x80}})
		w.WriteSinf(TypeAvc1, BoxType{'c', 'e', 'n', 'c'}, true, 8, fixtureKeyID)
		w.EndBox()
	})
}

func renderFtyp() []byte {
	w := NewWriter(make([]byte, 0, 64))
	w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{
		{'i', 's', 'o', 'm'}, {'i', 's', 'o', '2'}, {'a', 'v', 'c', '1'},
	})
	return append([]byte(nil), w.Bytes()...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// fakeKeySource resolves every key ID to a fixed key and records fetches.
type fakeKeySource struct {
	key      []byte
	fetches  [][]byte
	fetchErr error
	keyErr   error
}

func (f *fakeKeySource) FetchKeys(pssh []byte) error {
	f.fetches = append(f.fetches, append([]byte(nil), pssh...))
	return f.fetchErr
}

func (f *fakeKeySource) GetKey(keyID []byte) ([]byte, error) {
	if f.keyErr != nil {
		return nil, f.keyErr
	}
	if string(keyID) != string(fixtureKeyID[:]) {
		return nil, fmt.Errorf("unknown key id %x", keyID)
	}
	return f.key, nil
}
