package mp4

import "fmt"

// fragmentRun is the decoded sample plan for one moof box: every sample it
// announces, in file-offset order, plus any auxiliary encryption info that
// still has to be read from the byte stream (saiz/saio form).
type fragmentRun struct {
	moofStart uint64
	seq       uint32
	samples   []*sampleRef
	aux       []auxRequest
}

// auxRequest describes a contiguous block of CENC sample auxiliary information
// (referenced by saio) that lives outside the moof, typically in the mdat. The
// engine reads it once the bytes arrive and attaches the result to refs.
type auxRequest struct {
	offset uint64
	end    uint64
	ivSize uint8
	sizes  []uint8
	refs   []*sampleRef
}

// tfhdInfo holds a decoded track fragment header.
type tfhdInfo struct {
	trackID         uint32
	flags           uint32
	baseDataOffset  uint64
	defaultDuration uint32
	defaultSize     uint32
	defaultFlags    uint32
}

func readTfhd(data []byte, flags uint32) (tfhdInfo, error) {
	if len(data) < 4 {
		return tfhdInfo{}, fmt.Errorf("%w: tfhd too small", ErrMalformedBox)
	}
	info := tfhdInfo{
		trackID: be.Uint32(data[0:4]),
		flags:   flags,
	}
	ptr := 4
	read := func(n int) bool {
		if ptr+n > len(data) {
			return false
		}
		return true
	}
	if flags&TfhdBaseDataOffsetPresent != 0 {
		if !read(8) {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd base data offset cut short", ErrMalformedBox)
		}
		info.baseDataOffset = be.Uint64(data[ptr:])
		ptr += 8
	}
	if flags&TfhdSampleDescriptionIndexPresent != 0 {
		if !read(4) {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd description index cut short", ErrMalformedBox)
		}
		ptr += 4
	}
	if flags&TfhdDefaultSampleDurationPresent != 0 {
		if !read(4) {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd default duration cut short", ErrMalformedBox)
		}
		info.defaultDuration = be.Uint32(data[ptr:])
		ptr += 4
	}
	if flags&TfhdDefaultSampleSizePresent != 0 {
		if !read(4) {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd default size cut short", ErrMalformedBox)
		}
		info.defaultSize = be.Uint32(data[ptr:])
		ptr += 4
	}
	if flags&TfhdDefaultSampleFlagsPresent != 0 {
		if !read(4) {
			return tfhdInfo{}, fmt.Errorf("%w: tfhd default flags cut short", ErrMalformedBox)
		}
		info.defaultFlags = be.Uint32(data[ptr:])
	}
	return info, nil
}

// trafBoxes collects the raw child boxes of one traf before decoding. The trun
// boxes must be applied in file order, so they are kept as a list.
type trafBoxes struct {
	tfhd     tfhdInfo
	haveTfdt bool
	tfdt     uint64
	truns    []trunRaw
	senc     []byte
	sencFl   uint32
	haveSaiz bool
	saiz     SaizInfo
	saio     []uint64
}

type trunRaw struct {
	data  []byte
	flags uint32
}

// parseMoof decodes a complete moof box into a fragment run. moofStart is the
// box's absolute offset in the byte stream; decodeTime carries each track's
// next decode timestamp and is used when a traf has no tfdt, then updated.
func parseMoof(data []byte, moofStart uint64, m *Movie, decodeTime map[uint32]uint64) (*fragmentRun, error) {
	run := &fragmentRun{moofStart: moofStart}

	r := NewReader(data)
	if !r.Next() || r.Type() != TypeMoof {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: expected moof box", ErrMalformedBox)
	}

	// End of the previous traf's sample data, for the implicit base offset of
	// later trafs.
	prevTrafEnd := moofStart
	firstTraf := true

	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeMfhd:
			seq, err := r.ReadMfhd()
			if err != nil {
				return nil, err
			}
			run.seq = seq
		case TypeTraf:
			tb, err := collectTraf(&r)
			if err != nil {
				return nil, err
			}
			end, err := appendTrafSamples(run, tb, m, decodeTime, prevTrafEnd, firstTraf)
			if err != nil {
				return nil, err
			}
			if end > prevTrafEnd {
				prevTrafEnd = end
			}
			firstTraf = false
		}
	}
	r.Exit()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return run, nil
}

func collectTraf(r *Reader) (*trafBoxes, error) {
	tb := &trafBoxes{}
	haveTfhd := false
	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeTfhd:
			info, err := readTfhd(r.Data(), r.Flags())
			if err != nil {
				return nil, err
			}
			tb.tfhd = info
			haveTfhd = true
		case TypeTfdt:
			t, err := r.ReadTfdt()
			if err != nil {
				return nil, err
			}
			tb.tfdt = t
			tb.haveTfdt = true
		case TypeTrun:
			tb.truns = append(tb.truns, trunRaw{data: r.Data(), flags: r.Flags()})
		case TypeSenc:
			tb.senc = r.Data()
			tb.sencFl = r.Flags()
		case TypeSaiz:
			info, ok := ReadSaiz(r.Data(), r.Flags())
			if !ok {
				return nil, fmt.Errorf("%w: saiz cut short", ErrMalformedBox)
			}
			tb.saiz = info
			tb.haveSaiz = true
		case TypeSaio:
			offsets, ok := ReadSaio(r.Data(), r.Version(), r.Flags())
			if !ok {
				return nil, fmt.Errorf("%w: saio cut short", ErrMalformedBox)
			}
			tb.saio = offsets
		}
	}
	r.Exit()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !haveTfhd {
		return nil, fmt.Errorf("%w: traf without tfhd", ErrMalformedBox)
	}
	return tb, nil
}

// appendTrafSamples expands one traf's runs into sample refs on run.samples
// and returns the end offset of the traf's sample data.
func appendTrafSamples(run *fragmentRun, tb *trafBoxes, m *Movie, decodeTime map[uint32]uint64, prevTrafEnd uint64, firstTraf bool) (uint64, error) {
	trackID := tb.tfhd.trackID
	trex := m.Extends[trackID]

	trk := m.trackByID(trackID)
	if trk == nil {
		return 0, fmt.Errorf("%w: traf references unknown track %d", ErrMalformedBox, trackID)
	}
	var prot *TrackProtection
	if trk.Entry != nil && trk.Entry.Protection != nil && trk.Entry.Protection.IsProtected {
		prot = trk.Entry.Protection
	}

	// Base data offset precedence: explicit tfhd value, then the moof start
	// when default-base-is-moof, then moof start for the first traf or the end
	// of the previous traf's data otherwise.
	var base uint64
	switch {
	case tb.tfhd.flags&TfhdBaseDataOffsetPresent != 0:
		base = tb.tfhd.baseDataOffset
	case tb.tfhd.flags&TfhdDefaultBaseIsMoof != 0:
		base = run.moofStart
	case firstTraf:
		base = run.moofStart
	default:
		base = prevTrafEnd
	}

	dts := decodeTime[trackID]
	if tb.haveTfdt {
		dts = tb.tfdt
	}

	defaultDuration := trex.Duration
	if tb.tfhd.flags&TfhdDefaultSampleDurationPresent != 0 {
		defaultDuration = tb.tfhd.defaultDuration
	}
	defaultSize := trex.Size
	if tb.tfhd.flags&TfhdDefaultSampleSizePresent != 0 {
		defaultSize = tb.tfhd.defaultSize
	}
	defaultFlags := trex.Flags
	if tb.tfhd.flags&TfhdDefaultSampleFlagsPresent != 0 {
		defaultFlags = tb.tfhd.defaultFlags
	}
	if tb.tfhd.flags&TfhdDurationIsEmpty != 0 {
		return prevTrafEnd, nil
	}

	var trafRefs []*sampleRef
	offset := base
	end := prevTrafEnd
	for _, tr := range tb.truns {
		if len(tr.data) < 4 {
			return 0, fmt.Errorf("%w: trun cut short", ErrMalformedBox)
		}
		declared := be.Uint32(tr.data[0:4])
		it := NewTrunIter(tr.data, tr.flags)
		if it.HasDataOffset() {
			offset = base + uint64(int64(it.DataOffset()))
		}
		var consumed uint32
		first := true
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			size := e.Size
			if tr.flags&TrunSampleSizePresent == 0 {
				size = defaultSize
			}
			if size == 0 {
				return 0, fmt.Errorf("%w: sample with no size for track %d", ErrMalformedBox, trackID)
			}
			duration := e.Duration
			if tr.flags&TrunSampleDurationPresent == 0 {
				duration = defaultDuration
			}
			flags := defaultFlags
			if first && it.HasFirstSampleFlags() {
				flags = it.FirstSampleFlags()
			}
			if tr.flags&TrunSampleFlagsPresent != 0 {
				flags = e.Flags
			}

			ref := &sampleRef{
				trackID:    trackID,
				offset:     offset,
				size:       size,
				dts:        dts,
				duration:   duration,
				compOffset: e.CompositionTimeOffset,
				sync:       flags&SampleIsNonSync == 0,
				protected:  prot != nil,
			}
			trafRefs = append(trafRefs, ref)

			offset += uint64(size)
			dts += uint64(duration)
			if offset > end {
				end = offset
			}
			first = false
			consumed++
		}
		// The iterator stops early when the entry list is shorter than the
		// declared count; a silently short run would desync every later offset.
		if consumed != declared {
			return 0, fmt.Errorf("%w: trun declares %d samples but carries %d", ErrMalformedBox, declared, consumed)
		}
	}
	decodeTime[trackID] = dts

	if prot != nil && len(trafRefs) > 0 {
		if err := attachEncryption(run, tb, prot, base, trafRefs); err != nil {
			return 0, err
		}
	}

	run.samples = append(run.samples, trafRefs...)
	return end, nil
}

// attachEncryption binds per-sample CENC descriptors to the traf's samples,
// either directly from an inline senc box or as a deferred aux read built from
// saiz/saio.
func attachEncryption(run *fragmentRun, tb *trafBoxes, prot *TrackProtection, base uint64, refs []*sampleRef) error {
	ivSize := prot.PerSampleIVSize
	if tb.senc != nil {
		encs, err := parseSenc(tb.senc, tb.sencFl, ivSize)
		if err != nil {
			return err
		}
		if len(encs) != len(refs) {
			return fmt.Errorf("%w: senc has %d entries for %d samples", ErrMalformedBox, len(encs), len(refs))
		}
		for i := range refs {
			refs[i].enc = &encs[i]
		}
		return nil
	}

	if !tb.haveSaiz || len(tb.saio) == 0 {
		return fmt.Errorf("%w: protected fragment without senc or saiz/saio", ErrMalformedBox)
	}
	if len(tb.saio) != 1 {
		// A single contiguous aux block per traf is the only layout produced
		// by common packagers.
		return fmt.Errorf("%w: %d saio offsets", ErrUnsupportedConfig, len(tb.saio))
	}
	if tb.saiz.Count < uint32(len(refs)) {
		return fmt.Errorf("%w: saiz has %d entries for %d samples", ErrMalformedBox, tb.saiz.Count, len(refs))
	}

	req := auxRequest{
		offset: base + tb.saio[0],
		ivSize: ivSize,
		sizes:  make([]uint8, len(refs)),
		refs:   refs,
	}
	total := uint64(0)
	for i := range refs {
		sz := tb.saiz.SizeAt(i)
		if sz < ivSize {
			return fmt.Errorf("%w: aux info size %d below IV size %d", ErrMalformedBox, sz, ivSize)
		}
		req.sizes[i] = sz
		total += uint64(sz)
	}
	req.end = req.offset + total
	run.aux = append(run.aux, req)
	return nil
}
