package mp4

import (
	"fmt"
	"sort"
)

// sampleRef locates one sample in the byte stream together with the metadata
// needed to deliver it. Offsets are absolute stream positions.
type sampleRef struct {
	trackID    uint32
	offset     uint64
	size       uint32
	dts        uint64
	duration   uint32
	compOffset int32
	sync       bool

	// protected marks samples of a CENC-protected track; enc carries the
	// per-sample descriptor once resolved (from senc or the aux info table).
	protected bool
	enc       *SampleEncryption
}

// buildSampleTable flattens a track's progressive sample tables
// (stts/stsz/stsc/stco|co64/stss/ctts) into decode-order sample refs.
func buildSampleTable(trk *TrackBox) ([]sampleRef, error) {
	tb := &trk.Tables
	if tb.Stsz == nil || tb.Stts == nil || tb.Stsc == nil {
		return nil, fmt.Errorf("%w: track %d missing sample tables", ErrMalformedBox, trk.ID)
	}

	// Chunk offset table (stco or co64).
	var chunkOffsets []uint64
	if tb.Co64 != nil {
		it := NewCo64Iter(tb.Co64)
		chunkOffsets = make([]uint64, 0, it.Count())
		for v, ok := it.Next(); ok; v, ok = it.Next() {
			chunkOffsets = append(chunkOffsets, v)
		}
	} else if tb.Stco != nil {
		it := NewUint32Iter(tb.Stco)
		chunkOffsets = make([]uint64, 0, it.Count())
		for v, ok := it.Next(); ok; v, ok = it.Next() {
			chunkOffsets = append(chunkOffsets, uint64(v))
		}
	} else {
		return nil, fmt.Errorf("%w: track %d missing stco/co64", ErrMalformedBox, trk.ID)
	}

	stscIt := NewStscIter(tb.Stsc)
	stscEntries := make([]StscEntry, 0, stscIt.Count())
	for e, ok := stscIt.Next(); ok; e, ok = stscIt.Next() {
		stscEntries = append(stscEntries, e)
	}
	if len(stscEntries) == 0 {
		return nil, fmt.Errorf("%w: track %d has empty stsc", ErrMalformedBox, trk.ID)
	}

	sizeIt := NewStszIter(tb.Stsz)
	numSamples := int(sizeIt.Count())
	samples := make([]sampleRef, 0, numSamples)

	durIt := NewSttsIter(tb.Stts)
	durEntry, durOK := durIt.Next()
	durLeft := durEntry.Count

	var cttsIt CttsIter
	var cttsEntry CttsEntry
	var cttsLeft uint32
	haveCtts := tb.Ctts != nil
	if haveCtts {
		cttsIt = NewCttsIter(tb.Ctts)
		cttsEntry, _ = cttsIt.Next()
		cttsLeft = cttsEntry.Count
	}

	// Sync table: absent means every sample is a sync sample.
	var syncSet map[uint32]bool
	if tb.Stss != nil {
		syncSet = make(map[uint32]bool)
		it := NewUint32Iter(tb.Stss)
		for v, ok := it.Next(); ok; v, ok = it.Next() {
			syncSet[v] = true
		}
	}

	protected := trk.Entry != nil && trk.Entry.Protection != nil && trk.Entry.Protection.IsProtected

	// Walk chunks in order, pulling samplesPerChunk from the governing stsc
	// entry, consuming sizes and durations in decode order.
	var dts uint64
	stscIdx := 0
	sampleNum := 0
	for chunk := 0; chunk < len(chunkOffsets) && sampleNum < numSamples; chunk++ {
		for stscIdx+1 < len(stscEntries) && uint32(chunk+1) >= stscEntries[stscIdx+1].FirstChunk {
			stscIdx++
		}
		perChunk := int(stscEntries[stscIdx].SamplesPerChunk)

		offset := chunkOffsets[chunk]
		for i := 0; i < perChunk && sampleNum < numSamples; i++ {
			size, ok := sizeIt.Next()
			if !ok {
				return nil, fmt.Errorf("%w: track %d stsz exhausted at sample %d", ErrMalformedBox, trk.ID, sampleNum)
			}
			if !durOK {
				return nil, fmt.Errorf("%w: track %d stts exhausted at sample %d", ErrMalformedBox, trk.ID, sampleNum)
			}

			var compOffset int32
			if haveCtts {
				compOffset = cttsEntry.Offset
			}

			sync := true
			if syncSet != nil {
				sync = syncSet[uint32(sampleNum+1)]
			}

			samples = append(samples, sampleRef{
				trackID:    trk.ID,
				offset:     offset,
				size:       size,
				dts:        dts,
				duration:   durEntry.Duration,
				compOffset: compOffset,
				sync:       sync,
				protected:  protected,
			})

			offset += uint64(size)
			dts += uint64(durEntry.Duration)
			sampleNum++

			durLeft--
			if durLeft == 0 {
				durEntry, durOK = durIt.Next()
				durLeft = durEntry.Count
			}
			if haveCtts {
				cttsLeft--
				if cttsLeft == 0 {
					cttsEntry, _ = cttsIt.Next()
					cttsLeft = cttsEntry.Count
				}
			}
		}
	}

	if sampleNum != numSamples {
		return nil, fmt.Errorf("%w: track %d chunk layout describes %d of %d samples",
			ErrMalformedBox, trk.ID, sampleNum, numSamples)
	}
	return samples, nil
}

// buildMovieSampleIndex flattens every track's sample table and merges the
// results in file-offset order, which is the order payload bytes become
// available and the order the engine delivers in.
func buildMovieSampleIndex(m *Movie) ([]sampleRef, error) {
	var all []sampleRef
	for _, trk := range m.Tracks {
		if !trk.Tables.HasSamples() {
			continue
		}
		refs, err := buildSampleTable(trk)
		if err != nil {
			return nil, err
		}
		all = append(all, refs...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].offset < all[j].offset
	})
	return all, nil
}
