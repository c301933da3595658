package mp4

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Sample is one delivered media sample.
type Sample struct {
	TrackID  uint32
	Data     []byte
	DTS      uint64 // decode timestamp in the track's timescale
	PTS      uint64 // presentation timestamp in the track's timescale
	Duration uint32
	Sync     bool

	// Encrypted reports that the payload is still CENC-encrypted: the track
	// is protected and no key source produced a usable key.
	Encrypted bool
}

// StreamInfoFunc receives the track descriptors once the init segment parses.
// It is called exactly once per Demuxer lifetime.
type StreamInfoFunc func(tracks []*Track)

// SampleFunc receives each sample as soon as its payload is complete.
// Returning false stops delivery; Parse returns ErrConsumerAborted.
type SampleFunc func(trackID uint32, sample *Sample) bool

type parseState int

const (
	stateAwaitingInit parseState = iota
	stateAwaitingFragment
	stateDelivering
	stateError
)

func (s parseState) String() string {
	switch s {
	case stateAwaitingInit:
		return "awaiting-init"
	case stateAwaitingFragment:
		return "awaiting-fragment"
	case stateDelivering:
		return "delivering"
	case stateError:
		return "error"
	}
	return "unknown"
}

// deliveryRun is the engine's current sample plan: a moof's expanded runs, or
// the whole progressive sample table. aux holds CENC auxiliary-info blocks
// that must be read from the stream before any sample is delivered.
type deliveryRun struct {
	samples []*sampleRef
	aux     []*auxRequest
	next    int
}

// Demuxer is the incremental parse engine. Bytes are appended with Parse in
// chunks of any size and alignment; stream info and samples are emitted
// through the callbacks registered with Init, synchronously, during the Parse
// call that completes them.
//
// A Demuxer is not safe for concurrent use.
type Demuxer struct {
	onStreams StreamInfoFunc
	onSample  SampleFunc
	keys      *keyRing

	buf    []byte
	base   uint64 // stream offset of buf[0]
	cursor uint64 // stream offset of the next top-level box

	state  parseState
	movie  *Movie
	tracks []*Track
	run    *deliveryRun

	// Per-track decode time carried across fragments for trafs without tfdt.
	decode map[uint32]uint64
	// Per-track default key ID for protected tracks.
	trackKey map[uint32]uuid.UUID

	streamsEmitted bool
	err            error
}

// NewDemuxer creates an empty demuxer. Init must be called before Parse.
func NewDemuxer() *Demuxer {
	return &Demuxer{
		decode:   make(map[uint32]uint64),
		trackKey: make(map[uint32]uuid.UUID),
	}
}

// Init registers the consumer callbacks and an optional key source for
// CENC-protected content. Passing a nil key source leaves protected samples
// encrypted; they are still indexed and delivered with Encrypted set.
func (d *Demuxer) Init(onStreams StreamInfoFunc, onSample SampleFunc, keys KeySource) {
	d.onStreams = onStreams
	d.onSample = onSample
	if keys != nil {
		d.keys = newKeyRing(keys)
	}
}

// Parse appends bytes to the internal buffer and drives the state machine as
// far as the buffered bytes allow. It returns nil when more input is needed,
// ErrConsumerAborted when the sample callback declined a sample, and a
// wrapped ErrMalformedBox on structural corruption, after which the demuxer
// rejects all further input.
func (d *Demuxer) Parse(data []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.onSample == nil {
		return ErrNotInitialized
	}
	d.buf = append(d.buf, data...)
	return d.drive()
}

// Flush discards all buffered bytes and fragment-local state but keeps the
// parsed track descriptors. The next input may begin at a fragment boundary
// without a new init segment; offsets restart at zero. Before the init
// segment has parsed, a flush only clears the buffer.
func (d *Demuxer) Flush() error {
	if d.err != nil {
		return d.err
	}
	d.buf = d.buf[:0]
	d.base = 0
	d.cursor = 0
	d.run = nil
	d.decode = make(map[uint32]uint64)

	switch {
	case d.movie == nil:
		d.state = stateAwaitingInit
	case d.movie.Fragmented:
		d.state = stateAwaitingFragment
	default:
		// Progressive: re-feeding the container from the start replays the
		// whole sample table.
		refs, err := buildMovieSampleIndex(d.movie)
		if err != nil {
			return d.fail(err)
		}
		d.run = progressiveRun(refs)
		d.state = stateDelivering
	}
	log.WithField("state", d.state).Debug("flushed")
	return nil
}

// LoadMoov parses just the init segment from a seekable source, for callers
// with random access to it before streaming begins. Stream info is emitted
// from this call; bytes later supplied to Parse start at offset zero and any
// moov they contain is skipped, not re-parsed.
func (d *Demuxer) LoadMoov(rs io.ReadSeeker) error {
	if d.err != nil {
		return d.err
	}
	if d.onSample == nil {
		return ErrNotInitialized
	}
	if d.movie != nil {
		return fmt.Errorf("%w: init segment already parsed", ErrMalformedBox)
	}

	sc := NewScanner(rs)
	for sc.Next() {
		e := sc.Entry()
		if e.Type != TypeMoov {
			continue
		}
		data := make([]byte, e.Size)
		if err := sc.ReadBox(data); err != nil {
			return d.fail(fmt.Errorf("%w: reading moov: %v", ErrMalformedBox, err))
		}
		if err := d.setupMovie(data); err != nil {
			return d.fail(err)
		}
		return nil
	}
	if err := sc.Err(); err != nil {
		return d.fail(fmt.Errorf("%w: scanning for moov: %v", ErrMalformedBox, err))
	}
	return d.fail(fmt.Errorf("%w: source contains no moov box", ErrMalformedBox))
}

// Tracks returns the stream descriptors, or nil before the init segment has
// parsed.
func (d *Demuxer) Tracks() []*Track { return d.tracks }

func (d *Demuxer) fail(err error) error {
	d.state = stateError
	d.err = err
	return err
}

// drive repeats state steps until one reports it needs more input.
func (d *Demuxer) drive() error {
	for {
		var err error
		switch d.state {
		case stateAwaitingInit:
			err = d.stepInit()
		case stateAwaitingFragment:
			err = d.stepFragment()
		case stateDelivering:
			err = d.stepDeliver()
		default:
			return d.err
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTruncatedBox) {
			return nil // wait for more input
		}
		if errors.Is(err, ErrConsumerAborted) {
			return err // not terminal; the next Parse resumes
		}
		return d.fail(err)
	}
}

// have reports whether the byte range [off, off+n) is fully buffered.
func (d *Demuxer) have(off, n uint64) bool {
	end := d.base + uint64(len(d.buf))
	return off >= d.base && off+n >= off && off+n <= end
}

// slice returns the buffered bytes at [off, off+n). Caller must check have.
func (d *Demuxer) slice(off, n uint64) []byte {
	i := off - d.base
	return d.buf[i : i+n]
}

// peek decodes the top-level box header at off. Returns ErrTruncatedBox when
// the header is not fully buffered yet, ErrMalformedBox on a size violation.
// A returned size of zero means the box extends to the end of the stream.
func (d *Demuxer) peek(off uint64) (typ BoxType, size uint64, err error) {
	if !d.have(off, 8) {
		return typ, 0, ErrTruncatedBox
	}
	hdr := d.slice(off, 8)
	size = uint64(be.Uint32(hdr[0:4]))
	copy(typ[:], hdr[4:8])
	hdrLen := uint64(8)
	if size == 1 {
		if !d.have(off, 16) {
			return typ, 0, ErrTruncatedBox
		}
		size = be.Uint64(d.slice(off+8, 8))
		hdrLen = 16
	}
	if size == 0 {
		return typ, 0, nil
	}
	if size < hdrLen {
		return typ, 0, fmt.Errorf("%w: %s box size %d smaller than its header", ErrMalformedBox, typ, size)
	}
	if off+size < off {
		return typ, 0, fmt.Errorf("%w: %s box size overflows", ErrMalformedBox, typ)
	}
	return typ, size, nil
}

// stepInit scans top-level boxes for the moov. Boxes before it (ftyp, free,
// even a leading mdat when the moov trails the media data) are stepped over
// by declared size with their bytes retained, since a trailing-moov container
// references them from its sample tables.
func (d *Demuxer) stepInit() error {
	typ, size, err := d.peek(d.cursor)
	if err != nil {
		return err
	}

	if typ == TypeMoov {
		if size == 0 {
			return fmt.Errorf("%w: moov box with unbounded size", ErrMalformedBox)
		}
		if !d.have(d.cursor, size) {
			return ErrTruncatedBox
		}
		data := make([]byte, size)
		copy(data, d.slice(d.cursor, size))
		if err := d.setupMovie(data); err != nil {
			return err
		}
		d.cursor += size
		return nil
	}

	if size == 0 {
		// The box runs to the end of the stream, so no moov can follow.
		return ErrTruncatedBox
	}
	d.cursor += size
	return nil
}

// setupMovie decodes an owned moov copy, emits stream info and arms either
// the progressive sample table or the fragment loop.
func (d *Demuxer) setupMovie(data []byte) error {
	movie, err := ParseMovie(data)
	if err != nil {
		return err
	}
	tracks, err := BuildTracks(movie)
	if err != nil {
		return err
	}
	d.movie = movie
	d.tracks = tracks

	for _, trk := range movie.Tracks {
		if trk.Entry != nil && trk.Entry.Protection != nil && trk.Entry.Protection.IsProtected {
			d.trackKey[trk.ID] = trk.Entry.Protection.DefaultKeyID
		}
	}
	d.keys.fetchAll(movie.Pssh)

	if !d.streamsEmitted {
		d.streamsEmitted = true
		if d.onStreams != nil {
			d.onStreams(tracks)
		}
	}

	if movie.Fragmented {
		d.state = stateAwaitingFragment
	} else {
		refs, err := buildMovieSampleIndex(movie)
		if err != nil {
			return err
		}
		d.run = progressiveRun(refs)
		d.state = stateDelivering
	}
	log.WithFields(log.Fields{
		"tracks":     len(tracks),
		"fragmented": movie.Fragmented,
	}).Debug("init segment parsed")
	return nil
}

// stepFragment scans top-level boxes for the next moof. Everything else —
// styp, sidx, the mdat of the fragment just delivered, or a moov re-appearing
// after a flush — is skipped by size, and bytes behind the cursor are
// discarded.
func (d *Demuxer) stepFragment() error {
	typ, size, err := d.peek(d.cursor)
	if err != nil {
		return err
	}

	if typ == TypeMoof {
		if size == 0 {
			return fmt.Errorf("%w: moof box with unbounded size", ErrMalformedBox)
		}
		if !d.have(d.cursor, size) {
			return ErrTruncatedBox
		}
		data := make([]byte, size)
		copy(data, d.slice(d.cursor, size))
		fr, err := parseMoof(data, d.cursor, d.movie, d.decode)
		if err != nil {
			return err
		}
		d.cursor += size
		d.run = fragmentDeliveryRun(fr)
		d.state = stateDelivering
		log.WithFields(log.Fields{
			"sequence": fr.seq,
			"samples":  len(fr.samples),
		}).Debug("fragment parsed")
		d.compact()
		return nil
	}

	if size == 0 {
		return ErrTruncatedBox
	}
	d.cursor += size
	d.compact()
	return nil
}

// stepDeliver resolves any pending encryption aux info, then delivers the
// next sample whose payload is fully buffered. When the run is exhausted the
// engine returns to waiting for the next fragment.
func (d *Demuxer) stepDeliver() error {
	run := d.run

	for len(run.aux) > 0 {
		req := run.aux[0]
		n := req.end - req.offset
		if !d.have(req.offset, n) {
			return ErrTruncatedBox
		}
		if err := resolveAux(d.slice(req.offset, n), req); err != nil {
			return err
		}
		run.aux = run.aux[1:]
	}

	if run.next >= len(run.samples) {
		d.run = nil
		d.state = stateAwaitingFragment
		return nil
	}

	ref := run.samples[run.next]
	if !d.have(ref.offset, uint64(ref.size)) {
		return ErrTruncatedBox
	}
	payload := make([]byte, ref.size)
	copy(payload, d.slice(ref.offset, uint64(ref.size)))

	encrypted := false
	if ref.protected {
		block := d.keys.blockFor(d.trackKey[ref.trackID])
		if block != nil && ref.enc != nil {
			if err := decryptSample(block, ref.enc, payload); err != nil {
				return err
			}
		} else {
			encrypted = true
		}
	}

	sample := &Sample{
		TrackID:   ref.trackID,
		Data:      payload,
		DTS:       ref.dts,
		PTS:       uint64(int64(ref.dts) + int64(ref.compOffset)),
		Duration:  ref.duration,
		Sync:      ref.sync,
		Encrypted: encrypted,
	}
	if !d.onSample(ref.trackID, sample) {
		// Not consumed: the same sample is offered again on the next Parse.
		return ErrConsumerAborted
	}
	run.next++
	d.compact()
	return nil
}

// compact discards buffered bytes that nothing can reference anymore: bytes
// below both the parse cursor and every undelivered sample or unresolved aux
// block.
func (d *Demuxer) compact() {
	frontier := d.cursor
	if run := d.run; run != nil {
		if run.next < len(run.samples) && run.samples[run.next].offset < frontier {
			frontier = run.samples[run.next].offset
		}
		for _, req := range run.aux {
			if req.offset < frontier {
				frontier = req.offset
			}
		}
	}
	if frontier <= d.base {
		return
	}
	n := frontier - d.base
	if n > uint64(len(d.buf)) {
		n = uint64(len(d.buf))
	}
	d.buf = d.buf[n:]
	d.base += n
}

func progressiveRun(refs []sampleRef) *deliveryRun {
	run := &deliveryRun{samples: make([]*sampleRef, len(refs))}
	for i := range refs {
		run.samples[i] = &refs[i]
	}
	return run
}

// fragmentDeliveryRun orders a fragment's samples by stream offset, the order
// their payload bytes arrive.
func fragmentDeliveryRun(fr *fragmentRun) *deliveryRun {
	run := &deliveryRun{samples: fr.samples}
	for i := range fr.aux {
		run.aux = append(run.aux, &fr.aux[i])
	}
	sort.SliceStable(run.samples, func(i, j int) bool {
		return run.samples[i].offset < run.samples[j].offset
	})
	return run
}
